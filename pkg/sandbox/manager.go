package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/rs/zerolog"
)

const probeTimeout = 5 * time.Second

// Stats accumulates per-environment execution counters
type Stats struct {
	Execs       int
	ExitCodes   map[int]int
	Recreations int
	LastUsed    time.Time
}

// handle pairs a live environment with its bookkeeping
type handle struct {
	env   Environment
	runID string
	tier  types.SandboxTier
	stats Stats
}

// Manager owns the environment pool: one environment per run, created
// on demand, health-probed before use, recreated once on a failed
// probe, and reclaimed when idle.
type Manager struct {
	provider Provider
	cfg      config.SandboxConfig
	broker   *events.Broker
	logger   zerolog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	stopCh  chan struct{}
}

// NewManager creates a sandbox manager over the given provider
func NewManager(provider Provider, cfg config.SandboxConfig, broker *events.Broker) *Manager {
	return &Manager{
		provider: provider,
		cfg:      cfg,
		broker:   broker,
		logger:   log.WithComponent("sandbox"),
		handles:  make(map[string]*handle),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the idle reclamation loop
func (m *Manager) Start() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.sweepOnce(time.Now())
			case <-m.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the reclamation loop. Live environments are destroyed.
func (m *Manager) Stop() {
	close(m.stopCh)

	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, h := range handles {
		if err := h.env.Destroy(ctx); err != nil {
			m.logger.Warn().
				Str("run_id", h.runID).
				Err(err).
				Msg("failed to destroy environment on shutdown")
		}
	}
	metrics.SandboxesActive.Set(0)
}

// acquire returns the run's environment, creating it on first use
func (m *Manager) acquire(ctx context.Context, runID string, tier types.SandboxTier) (*handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[runID]; ok {
		h.stats.LastUsed = time.Now()
		m.mu.Unlock()
		return h, nil
	}
	if len(m.handles) >= m.cfg.MaxEnvironments {
		m.mu.Unlock()
		return nil, errdefs.Newf(errdefs.KindRateLimited,
			"environment pool exhausted (%d live)", m.cfg.MaxEnvironments).
			WithRetryAfter(m.cfg.SweepInterval)
	}
	// Reserve the slot before the slow create
	h := &handle{runID: runID, tier: tier, stats: Stats{
		ExitCodes: make(map[int]int),
		LastUsed:  time.Now(),
	}}
	m.handles[runID] = h
	m.mu.Unlock()

	env, err := m.provider.Create(ctx, TierConfig(tier))
	if err != nil {
		m.mu.Lock()
		delete(m.handles, runID)
		m.mu.Unlock()
		return nil, errdefs.Wrap(errdefs.KindSandboxUnhealthy, "failed to create environment", err)
	}
	h.env = env
	metrics.SandboxesActive.Set(float64(m.count()))

	m.logger.Info().
		Str("run_id", runID).
		Str("environment_id", env.ID()).
		Str("tier", string(tier)).
		Msg("environment created")
	return h, nil
}

func (m *Manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// probe verifies the environment responds on both the filesystem and
// the shell path
func probe(ctx context.Context, env Environment) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	marker := fmt.Sprintf("probe-%d", time.Now().UnixNano())
	if err := env.WriteFile(ctx, "/tmp/.atelier-probe", []byte(marker)); err != nil {
		return fmt.Errorf("filesystem probe failed: %w", err)
	}
	res, err := env.ExecShell(ctx, "true", probeTimeout)
	if err != nil {
		return fmt.Errorf("shell probe failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("shell probe exited %d", res.ExitCode)
	}
	return nil
}

// ensureHealthy probes the environment and recreates it once when the
// probe fails. A second failure surfaces as a tool error so the step
// fails without retry.
func (m *Manager) ensureHealthy(ctx context.Context, h *handle) error {
	err := probe(ctx, h.env)
	if err == nil {
		return nil
	}
	m.logger.Warn().
		Str("run_id", h.runID).
		Str("environment_id", h.env.ID()).
		Err(err).
		Msg("health probe failed, recreating environment")

	destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := h.env.Destroy(destroyCtx); err != nil {
		m.logger.Warn().Err(err).Msg("failed to destroy unhealthy environment")
	}
	cancel()

	env, err := m.provider.Create(ctx, TierConfig(h.tier))
	if err != nil {
		return errdefs.Wrap(errdefs.KindToolError, "environment recreation failed", err)
	}
	h.env = env
	h.stats.Recreations++
	metrics.SandboxRecreations.Inc()
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventSandboxRecreated,
			Message: h.runID,
		})
	}

	if err := probe(ctx, h.env); err != nil {
		return errdefs.Wrap(errdefs.KindToolError, "environment unhealthy after recreation", err)
	}
	return nil
}

func (m *Manager) record(h *handle, res *ExecResult) {
	m.mu.Lock()
	h.stats.Execs++
	if res != nil {
		h.stats.ExitCodes[res.ExitCode]++
	}
	h.stats.LastUsed = time.Now()
	m.mu.Unlock()
}

// ExecCode runs code in the run's environment
func (m *Manager) ExecCode(ctx context.Context, runID string, tier types.SandboxTier, language, code string, timeout time.Duration) (*ExecResult, error) {
	h, err := m.acquire(ctx, runID, tier)
	if err != nil {
		return nil, err
	}
	if err := m.ensureHealthy(ctx, h); err != nil {
		return nil, err
	}
	res, err := h.env.ExecCode(ctx, language, code, timeout)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindToolError, "code execution failed", err)
	}
	m.record(h, res)
	return res, nil
}

// ExecShell runs a shell command in the run's environment
func (m *Manager) ExecShell(ctx context.Context, runID string, tier types.SandboxTier, command string, timeout time.Duration) (*ExecResult, error) {
	h, err := m.acquire(ctx, runID, tier)
	if err != nil {
		return nil, err
	}
	if err := m.ensureHealthy(ctx, h); err != nil {
		return nil, err
	}
	res, err := h.env.ExecShell(ctx, command, timeout)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindToolError, "shell execution failed", err)
	}
	m.record(h, res)
	return res, nil
}

// ReadFile reads a file from the run's environment
func (m *Manager) ReadFile(ctx context.Context, runID string, tier types.SandboxTier, path string) ([]byte, error) {
	h, err := m.acquire(ctx, runID, tier)
	if err != nil {
		return nil, err
	}
	data, err := h.env.ReadFile(ctx, path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindToolError, "file read failed", err)
	}
	m.record(h, nil)
	return data, nil
}

// WriteFile writes a file into the run's environment
func (m *Manager) WriteFile(ctx context.Context, runID string, tier types.SandboxTier, path string, data []byte) error {
	h, err := m.acquire(ctx, runID, tier)
	if err != nil {
		return err
	}
	if err := h.env.WriteFile(ctx, path, data); err != nil {
		return errdefs.Wrap(errdefs.KindToolError, "file write failed", err)
	}
	m.record(h, nil)
	return nil
}

// ListFiles lists a directory in the run's environment
func (m *Manager) ListFiles(ctx context.Context, runID string, tier types.SandboxTier, dir string) ([]FileInfo, error) {
	h, err := m.acquire(ctx, runID, tier)
	if err != nil {
		return nil, err
	}
	files, err := h.env.ListFiles(ctx, dir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindToolError, "list failed", err)
	}
	m.record(h, nil)
	return files, nil
}

// DownloadFile fetches a URL into the run's environment
func (m *Manager) DownloadFile(ctx context.Context, runID string, tier types.SandboxTier, url, dest string) error {
	h, err := m.acquire(ctx, runID, tier)
	if err != nil {
		return err
	}
	if err := h.env.DownloadFile(ctx, url, dest); err != nil {
		return errdefs.Wrap(errdefs.KindToolError, "download failed", err)
	}
	m.record(h, nil)
	return nil
}

// Usage returns the run environment's resource snapshot
func (m *Manager) Usage(ctx context.Context, runID string) (*ResourceUsage, error) {
	m.mu.Lock()
	h, ok := m.handles[runID]
	m.mu.Unlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no environment for run %s", runID)
	}
	return h.env.Usage(ctx)
}

// Stats returns the run environment's execution counters
func (m *Manager) Stats(runID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[runID]
	if !ok {
		return Stats{}, errdefs.Newf(errdefs.KindNotFound, "no environment for run %s", runID)
	}
	codes := make(map[int]int, len(h.stats.ExitCodes))
	for k, v := range h.stats.ExitCodes {
		codes[k] = v
	}
	out := h.stats
	out.ExitCodes = codes
	return out, nil
}

// Release destroys the run's environment, if any
func (m *Manager) Release(ctx context.Context, runID string) error {
	m.mu.Lock()
	h, ok := m.handles[runID]
	delete(m.handles, runID)
	n := len(m.handles)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.SandboxesActive.Set(float64(n))
	if err := h.env.Destroy(ctx); err != nil {
		return fmt.Errorf("failed to destroy environment: %w", err)
	}
	return nil
}

// sweepOnce reclaims environments idle past the TTL
func (m *Manager) sweepOnce(now time.Time) {
	m.mu.Lock()
	var expired []*handle
	for runID, h := range m.handles {
		if now.Sub(h.stats.LastUsed) > m.cfg.IdleTTL {
			expired = append(expired, h)
			delete(m.handles, runID)
		}
	}
	n := len(m.handles)
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	metrics.SandboxesActive.Set(float64(n))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, h := range expired {
		if err := h.env.Destroy(ctx); err != nil {
			m.logger.Warn().
				Str("run_id", h.runID).
				Err(err).
				Msg("failed to destroy idle environment")
			continue
		}
		m.logger.Info().
			Str("run_id", h.runID).
			Msg("idle environment reclaimed")
	}
}
