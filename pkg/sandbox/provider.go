package sandbox

import (
	"context"
	"time"

	"github.com/atelier-run/atelier/pkg/types"
)

// ExecResult is the outcome of one execution inside an environment
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// FileInfo describes one entry in the environment filesystem
type FileInfo struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// ResourceUsage is a point-in-time snapshot of an environment's consumption
type ResourceUsage struct {
	CPUMillicores int
	MemoryBytes   int64
	DiskBytes     int64
	Processes     int
}

// Environment is one live isolated execution environment
type Environment interface {
	ID() string
	ExecCode(ctx context.Context, language, code string, timeout time.Duration) (*ExecResult, error)
	ExecShell(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListFiles(ctx context.Context, dir string) ([]FileInfo, error)
	DownloadFile(ctx context.Context, url, dest string) error
	Usage(ctx context.Context) (*ResourceUsage, error)
	Destroy(ctx context.Context) error
}

// Provider creates environments on some backing substrate
type Provider interface {
	Name() string
	Create(ctx context.Context, cfg types.SandboxConfig) (Environment, error)
}

// TierConfig returns the resource preset for a tier. Unknown tiers get
// the free preset.
func TierConfig(tier types.SandboxTier) types.SandboxConfig {
	switch tier {
	case types.TierStandard:
		return types.SandboxConfig{
			Tier:             types.TierStandard,
			CPUMillicores:    1000,
			MemoryBytes:      2 << 30,
			DiskBytes:        10 << 30,
			NetworkBandwidth: 25 << 20,
			MaxProcesses:     256,
			MaxFileHandles:   4096,
			IOBandwidth:      100 << 20,
			IOPS:             2000,
		}
	case types.TierPro:
		return types.SandboxConfig{
			Tier:             types.TierPro,
			CPUMillicores:    2000,
			MemoryBytes:      4 << 30,
			DiskBytes:        25 << 30,
			NetworkBandwidth: 100 << 20,
			MaxProcesses:     512,
			MaxFileHandles:   8192,
			IOBandwidth:      250 << 20,
			IOPS:             5000,
		}
	case types.TierEnterprise:
		return types.SandboxConfig{
			Tier:             types.TierEnterprise,
			CPUMillicores:    4000,
			MemoryBytes:      8 << 30,
			DiskBytes:        100 << 30,
			NetworkBandwidth: 250 << 20,
			MaxProcesses:     1024,
			MaxFileHandles:   16384,
			IOBandwidth:      500 << 20,
			IOPS:             10000,
		}
	default:
		return types.SandboxConfig{
			Tier:             types.TierFree,
			CPUMillicores:    500,
			MemoryBytes:      1 << 30,
			DiskBytes:        2 << 30,
			NetworkBandwidth: 5 << 20,
			MaxProcesses:     64,
			MaxFileHandles:   1024,
			IOBandwidth:      25 << 20,
			IOPS:             500,
		}
	}
}
