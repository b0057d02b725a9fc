package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/google/uuid"
)

// LocalProvider runs code as subprocesses under per-environment work
// directories. It provides isolation of working state, not a security
// boundary; production deployments substitute a hardened Provider
// behind the same interface.
type LocalProvider struct {
	root string
}

// NewLocalProvider creates a provider rooted at dir
func NewLocalProvider(dir string) (*LocalProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	return &LocalProvider{root: dir}, nil
}

// Name implements Provider
func (p *LocalProvider) Name() string {
	return "local"
}

// Create implements Provider
func (p *LocalProvider) Create(ctx context.Context, cfg types.SandboxConfig) (Environment, error) {
	id := uuid.New().String()
	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSandboxUnhealthy, "failed to create environment", err)
	}
	return &localEnv{id: id, dir: dir, cfg: cfg}, nil
}

type localEnv struct {
	id  string
	dir string
	cfg types.SandboxConfig
}

func (e *localEnv) ID() string { return e.id }

// interpreters maps a language to the command that runs a source file
var interpreters = map[string][]string{
	"python": {"python3"},
	"bash":   {"bash"},
	"sh":     {"sh"},
	"node":   {"node"},
}

func (e *localEnv) ExecCode(ctx context.Context, language, code string, timeout time.Duration) (*ExecResult, error) {
	argv, ok := interpreters[language]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindValidation, "unsupported language %q", language)
	}

	src := filepath.Join(e.dir, "main."+language)
	if err := os.WriteFile(src, []byte(code), 0o644); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSandboxUnhealthy, "failed to stage code", err)
	}
	return e.run(ctx, append(argv, src), timeout)
}

func (e *localEnv) ExecShell(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	return e.run(ctx, []string{"sh", "-c", command}, timeout)
}

func (e *localEnv) run(ctx context.Context, argv []string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			res.ExitCode = -1
			return res, errdefs.New(errdefs.KindDeadlineExceeded, "execution timed out")
		}
		return nil, errdefs.Wrap(errdefs.KindSandboxUnhealthy, "failed to start process", err)
	}
	return res, nil
}

// resolve confines a path to the environment directory
func (e *localEnv) resolve(path string) (string, error) {
	full := filepath.Join(e.dir, filepath.Clean("/"+path))
	if !strings.HasPrefix(full, e.dir) {
		return "", errdefs.Newf(errdefs.KindValidation, "path %q escapes the environment", path)
	}
	return full, nil
}

func (e *localEnv) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := e.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (e *localEnv) WriteFile(ctx context.Context, path string, data []byte) error {
	full, err := e.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (e *localEnv) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	full, err := e.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{
			Path:    filepath.Join(dir, entry.Name()),
			Size:    fi.Size(),
			IsDir:   entry.IsDir(),
			ModTime: fi.ModTime(),
		})
	}
	return infos, nil
}

func (e *localEnv) DownloadFile(ctx context.Context, url, dest string) error {
	full, err := e.resolve(dest)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "bad download url", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindToolError, "download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errdefs.Newf(errdefs.KindToolError, "download returned %d", resp.StatusCode)
	}

	f, err := os.Create(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, io.LimitReader(resp.Body, e.cfg.DiskBytes))
	return err
}

func (e *localEnv) Usage(ctx context.Context) (*ResourceUsage, error) {
	var disk int64
	err := filepath.Walk(e.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			disk += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ResourceUsage{DiskBytes: disk}, nil
}

func (e *localEnv) Destroy(ctx context.Context) error {
	return os.RemoveAll(e.dir)
}
