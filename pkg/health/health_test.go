package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRun(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	fail := func(ctx context.Context) error { return errors.New("down") }

	t.Run("all healthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(Check{Name: "store", Critical: true, Probe: ok})
		r.Register(Check{Name: "sandbox", Probe: ok})

		report := r.Run(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		require.Len(t, report.Checks, 2)
		assert.Equal(t, "store", report.Checks[0].Name)
	})

	t.Run("non-critical failure degrades", func(t *testing.T) {
		r := NewRegistry()
		r.Register(Check{Name: "store", Critical: true, Probe: ok})
		r.Register(Check{Name: "sandbox", Probe: fail})

		report := r.Run(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, StatusDegraded, report.Checks[1].Status)
		assert.Equal(t, "down", report.Checks[1].Error)
	})

	t.Run("critical failure is unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(Check{Name: "store", Critical: true, Probe: fail})
		r.Register(Check{Name: "sandbox", Probe: ok})

		report := r.Run(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
	})

	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Run(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})
}
