// Package probe runs one network speed measurement and returns a typed Result.
//
// Two backends are available:
//   - CommandRunner: the Ookla `speedtest` CLI as a subprocess (default)
//   - LibraryRunner: an in-process measurement via speedtest-go
//
// Every failure is one of LaunchError, ProcessError or ParseError.
// Runners never retry.
package probe

import (
	"context"
	"fmt"
	"strings"

	logx "speedtest-exporter/pkg/logx"
)

// Runner performs a single blocking measurement.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context) (*Result, error) { return f(ctx) }

const (
	BackendCLI     = "cli"
	BackendLibrary = "library"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path of the speedtest binary (cli backend).
	Path string
	// Library backend settings.
	Library LibraryConfig
}

// New builds the Runner for opts.Backend. libOpts apply to the library backend only.
func New(opts Options, log logx.Logger, libOpts ...LibraryOption) (Runner, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendCLI:
		return NewCommandRunner(opts.Path, log), nil
	case BackendLibrary:
		return NewLibraryRunner(opts.Library, log, libOpts...), nil
	default:
		return nil, fmt.Errorf("unknown probe backend: %s", opts.Backend)
	}
}
