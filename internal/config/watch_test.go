package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "speedtest-exporter/pkg/logx"
)

func TestWatcherReportsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exporter.yaml")
	if err := os.WriteFile(path, []byte("http_port: 9516\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(path, logx.Nop())
	w.debounce = 20 * time.Millisecond
	changes := make(chan []string, 16)
	w.OnChange(func(keys []string) { changes <- keys })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Watch did not return after cancel")
		}
	}()

	// The watcher may not be registered yet; keep writing new content until
	// a change is reported.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for port := 9000; ; port++ {
		select {
		case keys := <-changes:
			if len(keys) != 1 || keys[0] != "http_port" {
				t.Fatalf("changed = %v, want [http_port]", keys)
			}
			return
		case <-deadline:
			t.Fatal("no change reported")
		case <-tick.C:
			if err := os.WriteFile(path, []byte(fmt.Sprintf("http_port: %d\n", port)), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestWatcherIgnoresUnparsableEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exporter.json")
	if err := os.WriteFile(path, []byte(`{"http_port": 9516}`), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(path, logx.Nop())
	called := false
	w.OnChange(func([]string) { called = true })

	if err := os.WriteFile(path, []byte(`{"http_port": `), 0o644); err != nil {
		t.Fatal(err)
	}
	w.reload()
	if called {
		t.Fatal("OnChange called for an unparsable file")
	}

	// Same content as the initial parse.
	if err := os.WriteFile(path, []byte(`{ "http_port": 9516 }`), 0o644); err != nil {
		t.Fatal(err)
	}
	w.reload()
	if called {
		t.Fatal("OnChange called for unchanged content")
	}
}
