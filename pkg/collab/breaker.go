package collab

import (
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/rs/zerolog"
)

// BreakerState is the admission state of the gateway
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	}
	return "unknown"
}

// SampleFunc produces the current backpressure scalar in [0,1]
type SampleFunc func() float64

// StateChangeFunc is invoked outside the breaker's lock on every
// transition
type StateChangeFunc func(from, to BreakerState, backpressure float64)

// Breaker sheds collaboration load when backpressure stays high. Unlike
// a call-outcome breaker it trips on a periodically sampled scalar:
// open rejects new admissions outright, half-open admits a bounded
// trial while the pressure reading decides recovery.
type Breaker struct {
	cfg      config.CollabConfig
	sample   SampleFunc
	onChange StateChangeFunc
	logger   zerolog.Logger

	mu       sync.Mutex
	state    BreakerState
	pressure float64
	openedAt time.Time
	trials   int

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBreaker creates a breaker sampling backpressure from sample.
// onChange may be nil.
func NewBreaker(cfg config.CollabConfig, sample SampleFunc, onChange StateChangeFunc) *Breaker {
	return &Breaker{
		cfg:      cfg,
		sample:   sample,
		onChange: onChange,
		logger:   log.WithComponent("collab-breaker"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sampling loop
func (b *Breaker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Observe(b.sample())
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop
func (b *Breaker) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Observe feeds one backpressure reading through the state machine
func (b *Breaker) Observe(pressure float64) {
	b.mu.Lock()
	b.pressure = pressure
	metrics.CollabBackpressure.Set(pressure)

	from := b.state
	switch b.state {
	case BreakerClosed:
		if pressure >= b.cfg.ActivationThreshold {
			b.open()
		}
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.transition(BreakerHalfOpen)
		}
	case BreakerHalfOpen:
		// Half-open resolves on the next reading: anything still at or
		// above the deactivation threshold reopens, only a reading below
		// it closes.
		if pressure >= b.cfg.DeactivationThreshold {
			b.open()
		} else {
			b.transition(BreakerClosed)
		}
	}
	to, p := b.state, b.pressure
	b.mu.Unlock()

	if from != to && b.onChange != nil {
		b.onChange(from, to, p)
	}
}

// Allow reports whether a new admission (connection or reconnection)
// may proceed. Half-open admits at most HalfOpenMaxRequests trials per
// trial period.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(BreakerHalfOpen)
	}

	var allowed bool
	switch b.state {
	case BreakerClosed:
		allowed = true
	case BreakerHalfOpen:
		if b.trials < b.cfg.HalfOpenMaxRequests {
			b.trials++
			allowed = true
		}
	case BreakerOpen:
		allowed = false
	}
	to, p := b.state, b.pressure
	b.mu.Unlock()

	if allowed {
		metrics.AdmissionsTotal.WithLabelValues("allowed").Inc()
	} else {
		metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
	}
	if from != to && b.onChange != nil {
		b.onChange(from, to, p)
	}
	return allowed
}

// Fail records the failure of a half-open trial admission; a single
// failed trial reopens the breaker.
func (b *Breaker) Fail() {
	b.mu.Lock()
	from := b.state
	if b.state == BreakerHalfOpen {
		b.open()
	}
	to, p := b.state, b.pressure
	b.mu.Unlock()

	if from != to && b.onChange != nil {
		b.onChange(from, to, p)
	}
}

// open must be called with the lock held
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(BreakerOpen)
}

// transition must be called with the lock held
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.logger.Warn().
		Str("from", b.state.String()).
		Str("to", to.String()).
		Float64("backpressure", b.pressure).
		Msg("breaker state changed")
	b.state = to
	b.trials = 0
	metrics.BreakerState.Set(float64(to))
}
