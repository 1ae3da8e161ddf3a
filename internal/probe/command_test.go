package probe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	logx "speedtest-exporter/pkg/logx"
)

// writeScript creates an executable shell script standing in for the speedtest CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "speedtest")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCommandRunnerSuccess(t *testing.T) {
	fixture, err := filepath.Abs(filepath.Join("testdata", "result.json"))
	if err != nil {
		t.Fatal(err)
	}
	argsFile := filepath.Join(t.TempDir(), "args")
	path := writeScript(t, `echo "$@" > '`+argsFile+`'
cat '`+fixture+`'
`)

	r := NewCommandRunner(path, logx.Nop())
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Server.Name != "Virtual Machines" {
		t.Fatalf("Server.Name = %q", res.Server.Name)
	}

	got, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if strings.TrimSpace(string(got)) != "--format=json --accept-license --accept-gdpr" {
		t.Fatalf("args = %q", got)
	}
}

func TestCommandRunnerProcessFailure(t *testing.T) {
	path := writeScript(t, `echo '{"partial":'
echo "network unreachable" >&2
exit 3
`)
	res, err := NewCommandRunner(path, logx.Nop()).Run(context.Background())
	if res != nil {
		t.Fatalf("expected nil result, got %+v", res)
	}
	if !IsProcessFailure(err) {
		t.Fatalf("expected process failure, got %v", err)
	}
	pe := err.(*ProcessError)
	if pe.ExitCode != 3 {
		t.Fatalf("ExitCode = %d", pe.ExitCode)
	}
	if !strings.Contains(pe.Stderr, "network unreachable") {
		t.Fatalf("Stderr = %q", pe.Stderr)
	}
	if Kind(err) != "process" {
		t.Fatalf("Kind = %q", Kind(err))
	}
}

func TestCommandRunnerParseFailure(t *testing.T) {
	path := writeScript(t, `echo '{"ping": {"latency": 12.'`)
	res, err := NewCommandRunner(path, logx.Nop()).Run(context.Background())
	if res != nil {
		t.Fatalf("expected nil result, got %+v", res)
	}
	if !IsParseFailure(err) {
		t.Fatalf("expected parse failure, got %v", err)
	}
	if Kind(err) != "parse" {
		t.Fatalf("Kind = %q", Kind(err))
	}
}

func TestCommandRunnerLaunchFailure(t *testing.T) {
	t.Run("missing binary", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "does-not-exist")
		_, err := NewCommandRunner(path, logx.Nop()).Run(context.Background())
		if !IsLaunchFailure(err) {
			t.Fatalf("expected launch failure, got %v", err)
		}
	})
	t.Run("not executable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "speedtest")
		if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := NewCommandRunner(path, logx.Nop()).Run(context.Background())
		if !IsLaunchFailure(err) {
			t.Fatalf("expected launch failure, got %v", err)
		}
		if Kind(err) != "launch" {
			t.Fatalf("Kind = %q", Kind(err))
		}
	})
}

func TestCommandRunnerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "never-run")
	_, err := NewCommandRunner(path, logx.Nop()).Run(ctx)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewBackend(t *testing.T) {
	if r, err := New(Options{}, logx.Nop()); err != nil {
		t.Fatalf("New default: %v", err)
	} else if _, ok := r.(*CommandRunner); !ok {
		t.Fatalf("default backend = %T", r)
	}
	if r, err := New(Options{Backend: "library"}, logx.Nop()); err != nil {
		t.Fatalf("New library: %v", err)
	} else if _, ok := r.(*LibraryRunner); !ok {
		t.Fatalf("library backend = %T", r)
	}
	if _, err := New(Options{Backend: "iperf"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
