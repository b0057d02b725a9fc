package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/atelier-run/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalEnv(t *testing.T) Environment {
	t.Helper()
	p, err := NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	env, err := p.Create(context.Background(), TierConfig(types.TierFree))
	require.NoError(t, err)
	t.Cleanup(func() { env.Destroy(context.Background()) })
	return env
}

func TestLocalExecShell(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()

	res, err := env.ExecShell(ctx, "echo hello", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)

	res, err = env.ExecShell(ctx, "exit 3", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestLocalFiles(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()

	require.NoError(t, env.WriteFile(ctx, "work/notes.txt", []byte("draft")))
	data, err := env.ReadFile(ctx, "work/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "draft", string(data))

	infos, err := env.ListFiles(ctx, "work")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "work/notes.txt", infos[0].Path)
	assert.Equal(t, int64(5), infos[0].Size)
}

func TestLocalPathConfinement(t *testing.T) {
	env := newLocalEnv(t)
	ctx := context.Background()

	// Traversal collapses inside the environment root instead of escaping
	require.NoError(t, env.WriteFile(ctx, "../../etc/escape.txt", []byte("x")))
	data, err := env.ReadFile(ctx, "etc/escape.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}
