package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GatewayConfig controls retry, pacing, and fallback behavior
type GatewayConfig struct {
	MaxRetries        int
	RetryBaseInterval time.Duration
	RequestsPerSec    float64
	Burst             int
	FallbackProvider  string
}

// Gateway routes requests to providers by model prefix, paces each
// provider, breaks the circuit on sustained failures, retries transient
// errors, and falls back to the configured fallback provider.
type Gateway struct {
	cfg       GatewayConfig
	mu        sync.RWMutex
	providers map[string]Provider // provider name -> provider
	routes    map[string]string   // model prefix -> provider name
	breakers  map[string]*gobreaker.CircuitBreaker
	limiters  map[string]*rate.Limiter
}

// NewGateway creates an empty gateway
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseInterval <= 0 {
		cfg.RetryBaseInterval = 500 * time.Millisecond
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Gateway{
		cfg:       cfg,
		providers: make(map[string]Provider),
		routes:    make(map[string]string),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Register adds a provider and the model prefixes it serves
func (g *Gateway) Register(p Provider, modelPrefixes ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := p.Name()
	g.providers[name] = p
	for _, prefix := range modelPrefixes {
		g.routes[prefix] = name
	}
	g.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.WithComponent("llm")
			logger.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider breaker state changed")
		},
	})
	g.limiters[name] = rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSec), g.cfg.Burst)
}

// route resolves a model id to a provider by longest matching prefix
func (g *Gateway) route(model string) (Provider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best string
	for prefix := range g.routes {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, errdefs.Newf(errdefs.KindValidation, "no provider for model %s", model)
	}
	return g.providers[g.routes[best]], nil
}

// Complete routes and executes the request with retry, circuit breaking,
// and provider fallback
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	primary, err := g.route(req.Model)
	if err != nil {
		return nil, err
	}

	resp, err := g.completeWith(ctx, primary, req)
	if err == nil {
		return resp, nil
	}
	if !errdefs.IsRetryable(err) {
		return nil, err
	}

	g.mu.RLock()
	fallback := g.providers[g.cfg.FallbackProvider]
	g.mu.RUnlock()
	if fallback == nil || fallback == primary {
		return nil, err
	}

	logger := log.WithComponent("llm")
	logger.Warn().
		Str("provider", primary.Name()).
		Str("fallback", fallback.Name()).
		Err(err).
		Msg("primary provider exhausted, trying fallback")
	return g.completeWith(ctx, fallback, req)
}

// completeWith runs one provider with pacing, breaker, and backoff retry
func (g *Gateway) completeWith(ctx context.Context, p Provider, req Request) (*Response, error) {
	g.mu.RLock()
	breaker := g.breakers[p.Name()]
	limiter := g.limiters[p.Name()]
	g.mu.RUnlock()

	var resp *Response
	op := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(errdefs.Wrap(errdefs.KindCancelled, "request cancelled", err))
		}

		start := time.Now()
		result, err := breaker.Execute(func() (interface{}, error) {
			return p.Complete(ctx, req)
		})
		metrics.LLMRequestDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				err = errdefs.Wrap(errdefs.KindTransientProvider, "provider circuit open", err)
			}
			metrics.LLMRequestsTotal.WithLabelValues(p.Name(), "error").Inc()
			if !errdefs.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		metrics.LLMRequestsTotal.WithLabelValues(p.Name(), "ok").Inc()
		resp = result.(*Response)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RetryBaseInterval
	b.MaxInterval = 10 * time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(op, retry); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream executes a streaming completion when the routed provider
// supports it, falling back to a buffered Complete otherwise.
func (g *Gateway) Stream(ctx context.Context, req Request, fn func(chunk string) error) (*Response, error) {
	p, err := g.route(req.Model)
	if err != nil {
		return nil, err
	}
	if sp, ok := p.(StreamingProvider); ok {
		return sp.CompleteStream(ctx, req, fn)
	}
	resp, err := g.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := fn(resp.Content); err != nil {
		return nil, err
	}
	return resp, nil
}
