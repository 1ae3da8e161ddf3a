package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"speedtest-exporter/internal/scheduler"
)

// isolateEnv blanks every config variable; viper ignores empty values.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(EnvName(k), "")
	}
}

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)
	cfg, err := Load(flags(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("cfg = %+v, want %+v", cfg, Default())
	}
	if cfg.Addr() != "0.0.0.0:9516" {
		t.Fatalf("Addr = %q", cfg.Addr())
	}
	sp, err := cfg.ParsedSchedule()
	if err != nil {
		t.Fatal(err)
	}
	if sp.Kind != scheduler.SpecInterval || sp.Every != time.Hour {
		t.Fatalf("schedule = %+v", sp)
	}
}

func TestLoadNilFlagSet(t *testing.T) {
	isolateEnv(t)
	t.Setenv("HTTP_PORT", "9100")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 9100 {
		t.Fatalf("HTTPPort = %d", cfg.HTTPPort)
	}
}

func TestLoadPrecedence(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, "exporter.yaml", `
test_interval_minutes: 5
http_host: 127.0.0.1
http_port: 1000
log_level: debug
`)
	t.Setenv("CONFIG", path)
	t.Setenv("HTTP_PORT", "2000")
	t.Setenv("TEST_INTERVAL_MINUTES", "7")

	cfg, err := Load(flags(t, "--http-port=3000"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 3000 {
		t.Fatalf("HTTPPort = %d, want flag value 3000", cfg.HTTPPort)
	}
	if cfg.TestIntervalMinutes != 7 {
		t.Fatalf("TestIntervalMinutes = %d, want env value 7", cfg.TestIntervalMinutes)
	}
	if cfg.HTTPHost != "127.0.0.1" {
		t.Fatalf("HTTPHost = %q, want file value", cfg.HTTPHost)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want file value", cfg.LogLevel)
	}
	if cfg.ProbeBackend != "cli" || !cfg.RunOnStart {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Path != path {
		t.Fatalf("Path = %q", cfg.Path)
	}
}

func TestLoadConfigFlag(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, "exporter.json", `{"run_on_start": false, "probe_backend": "library",
		"library": {"server_count": 3, "operation_timeout": "30s", "disable_http2": true}}`)

	cfg, err := Load(flags(t, "-c", path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RunOnStart {
		t.Fatal("RunOnStart = true, want file value false")
	}
	if cfg.ProbeBackend != "library" {
		t.Fatalf("ProbeBackend = %q", cfg.ProbeBackend)
	}
	lib := cfg.ProbeOptions().Library
	if lib.ServerCount != 3 || lib.OperationTimeout != 30*time.Second || !lib.DisableHTTP2 {
		t.Fatalf("library = %+v", lib)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{"zero interval", nil, []string{"--test-interval-minutes=0"}, "test_interval_minutes"},
		{"port zero", map[string]string{"HTTP_PORT": "0"}, nil, "http_port"},
		{"port too large", nil, []string{"--http-port=70000"}, "http_port"},
		{"port not a number", map[string]string{"HTTP_PORT": "abc"}, nil, "not an integer"},
		{"backend", map[string]string{"PROBE_BACKEND": "docker"}, nil, "probe_backend"},
		{"schedule", nil, []string{"--schedule=every tuesday"}, "schedule"},
		{"log level", map[string]string{"LOG_LEVEL": "loud"}, nil, "log_level"},
		{"bool", map[string]string{"RUN_ON_START": "maybe"}, nil, "not a boolean"},
		{"missing file", map[string]string{"CONFIG": "/nonexistent/exporter.yaml"}, nil, "config file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			isolateEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(flags(t, tc.args...))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseFileStrict(t *testing.T) {
	cases := []struct {
		name, file, content string
	}{
		{"unknown yaml key", "c.yaml", "http_port: 9000\nlisten: 1\n"},
		{"unknown json key", "c.json", `{"http_port": 9000, "listen": 1}`},
		{"trailing json", "c.json", `{"http_port": 9000}{"http_port": 1}`},
		{"wrong type", "c.yml", "http_port: high\n"},
		{"bad yaml", "c.yaml", "http_port: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseFile(writeFile(t, tc.file, tc.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseFileEmpty(t *testing.T) {
	f, err := ParseFile(writeFile(t, "empty.json", ""))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(f.values()) != 0 {
		t.Fatalf("values = %v", f.values())
	}
}

func TestLibraryBadDuration(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, "c.yaml", "library:\n  operation_timeout: soon\n")
	_, err := Load(flags(t, "--config", path))
	if err == nil || !strings.Contains(err.Error(), "library.operation_timeout") {
		t.Fatalf("err = %v", err)
	}
}

func TestScheduleOverridesInterval(t *testing.T) {
	cfg := Default()
	cfg.TestIntervalMinutes = 15
	cfg.Schedule = "0 */2 * * *"
	sp, err := cfg.ParsedSchedule()
	if err != nil {
		t.Fatal(err)
	}
	if sp.Kind != scheduler.SpecCron || sp.CronSpec() != "0 */2 * * *" {
		t.Fatalf("schedule = %+v", sp)
	}
}

func TestLogConfig(t *testing.T) {
	cfg := Default()
	if lc := cfg.LogConfig(); lc.File.Enabled {
		t.Fatalf("file sink enabled without path: %+v", lc)
	}
	cfg.LogFile = "/var/log/speedtest-exporter.log"
	if lc := cfg.LogConfig(); !lc.File.Enabled || lc.File.Path != cfg.LogFile || !lc.Console {
		t.Fatalf("LogConfig = %+v", lc)
	}
}

func TestChangedKeys(t *testing.T) {
	port := func(n int) *int { return &n }
	a := &File{HTTPPort: port(9516)}
	b := &File{HTTPPort: port(9000), Library: &LibraryFile{ServerCount: 2}}
	got := ChangedKeys(a, b)
	want := []string{"http_port", "library"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ChangedKeys = %v, want %v", got, want)
	}
	if got := ChangedKeys(b, b); len(got) != 0 {
		t.Fatalf("ChangedKeys(same) = %v", got)
	}
	if got := ChangedKeys(nil, a); !reflect.DeepEqual(got, []string{"http_port"}) {
		t.Fatalf("ChangedKeys(nil, a) = %v", got)
	}
}
