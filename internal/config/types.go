// Package config resolves the exporter settings from flags, the environment,
// an optional YAML or JSON file and built-in defaults.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"speedtest-exporter/internal/probe"
	"speedtest-exporter/internal/scheduler"
	logx "speedtest-exporter/pkg/logx"
)

// Config keys. They double as file keys; the env name is the upper-cased key
// and the flag name uses dashes.
const (
	KeyTestIntervalMinutes = "test_interval_minutes"
	KeyHTTPHost            = "http_host"
	KeyHTTPPort            = "http_port"
	KeySchedule            = "schedule"
	KeyRunOnStart          = "run_on_start"
	KeyProbeBackend        = "probe_backend"
	KeySpeedtestPath       = "speedtest_path"
	KeyRuntimeMetrics      = "runtime_metrics"
	KeyLogLevel            = "log_level"
	KeyLogFile             = "log_file"
	KeyPprofAddr           = "pprof_addr"
	KeyPprofToken          = "pprof_token"
	KeyConfig              = "config"
)

const (
	DefaultTestIntervalMinutes = 60
	DefaultHTTPHost            = "0.0.0.0"
	DefaultHTTPPort            = 9516
	DefaultLogLevel            = "info"
)

// Config is the effective configuration after all layers have been merged.
type Config struct {
	TestIntervalMinutes int
	HTTPHost            string
	HTTPPort            int
	Schedule            string
	RunOnStart          bool
	ProbeBackend        string
	SpeedtestPath       string
	RuntimeMetrics      bool
	LogLevel            string
	LogFile             string

	// PprofAddr enables the profiling listener when set.
	PprofAddr  string
	PprofToken string

	// Path is the config file that was read, empty when none.
	Path string

	// Library holds the in-process backend settings (file only).
	Library probe.LibraryConfig
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		TestIntervalMinutes: DefaultTestIntervalMinutes,
		HTTPHost:            DefaultHTTPHost,
		HTTPPort:            DefaultHTTPPort,
		RunOnStart:          true,
		ProbeBackend:        probe.BackendCLI,
		SpeedtestPath:       probe.DefaultBinary,
		LogLevel:            DefaultLogLevel,
	}
}

// Addr is the listen address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

// ParsedSchedule returns the probe schedule. An explicit schedule wins over
// the minute interval.
func (c Config) ParsedSchedule() (scheduler.ParsedSpec, error) {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return scheduler.ParseSchedule(s)
	}
	if c.TestIntervalMinutes < 1 {
		return scheduler.ParsedSpec{}, fmt.Errorf("%s must be >= 1, got %d", KeyTestIntervalMinutes, c.TestIntervalMinutes)
	}
	return scheduler.IntervalMinutes(c.TestIntervalMinutes), nil
}

// ProbeOptions maps the probe settings onto probe.Options.
func (c Config) ProbeOptions() probe.Options {
	return probe.Options{
		Backend: c.ProbeBackend,
		Path:    c.SpeedtestPath,
		Library: c.Library,
	}
}

// LogConfig maps the logging settings onto logx.Config.
func (c Config) LogConfig() logx.Config {
	lc := logx.Config{Level: c.LogLevel, Console: true}
	if p := strings.TrimSpace(c.LogFile); p != "" {
		lc.File = logx.FileConfig{Enabled: true, Path: p}
	}
	return lc
}

// Validate rejects settings the exporter cannot run with.
func (c Config) Validate() error {
	var errs []string
	if c.TestIntervalMinutes < 1 {
		errs = append(errs, fmt.Sprintf("%s must be >= 1, got %d", KeyTestIntervalMinutes, c.TestIntervalMinutes))
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("%s must be in 1..65535, got %d", KeyHTTPPort, c.HTTPPort))
	}
	switch c.ProbeBackend {
	case probe.BackendCLI, probe.BackendLibrary:
	default:
		errs = append(errs, fmt.Sprintf("%s must be %q or %q, got %q", KeyProbeBackend, probe.BackendCLI, probe.BackendLibrary, c.ProbeBackend))
	}
	if c.ProbeBackend == probe.BackendCLI && strings.TrimSpace(c.SpeedtestPath) == "" {
		errs = append(errs, KeySpeedtestPath+" must not be empty")
	}
	if strings.TrimSpace(c.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(c.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", KeySchedule, err))
		}
	}
	if a := strings.TrimSpace(c.PprofAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", KeyPprofAddr, err))
		}
	}
	if !logx.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("%s: unknown level %q", KeyLogLevel, c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// File is the on-disk configuration. Pointer fields tell an omitted key apart
// from an explicit zero so only present keys override the defaults.
type File struct {
	TestIntervalMinutes *int    `json:"test_interval_minutes,omitempty"`
	HTTPHost            *string `json:"http_host,omitempty"`
	HTTPPort            *int    `json:"http_port,omitempty"`
	Schedule            *string `json:"schedule,omitempty"`
	RunOnStart          *bool   `json:"run_on_start,omitempty"`
	ProbeBackend        *string `json:"probe_backend,omitempty"`
	SpeedtestPath       *string `json:"speedtest_path,omitempty"`
	RuntimeMetrics      *bool   `json:"runtime_metrics,omitempty"`
	LogLevel            *string `json:"log_level,omitempty"`
	LogFile             *string `json:"log_file,omitempty"`
	PprofAddr           *string `json:"pprof_addr,omitempty"`
	PprofToken          *string `json:"pprof_token,omitempty"`

	Library *LibraryFile `json:"library,omitempty"`
}

// LibraryFile configures the speedtest-go backend.
//
// OperationTimeout is a Go duration string (e.g. "30s").
type LibraryFile struct {
	ServerCount         int    `json:"server_count,omitempty"`
	SavingMode          bool   `json:"saving_mode,omitempty"`
	MaxConnections      int    `json:"max_connections,omitempty"`
	PingConcurrency     int    `json:"ping_concurrency,omitempty"`
	OperationTimeout    string `json:"operation_timeout,omitempty"`
	DisableHTTP2        bool   `json:"disable_http2,omitempty"`
	DisableKeepAlives   bool   `json:"disable_keep_alives,omitempty"`
	PostRunFreeOSMemory bool   `json:"post_run_free_os_memory,omitempty"`
}

func (l *LibraryFile) probeConfig() (probe.LibraryConfig, error) {
	if l == nil {
		return probe.LibraryConfig{}, nil
	}
	timeout, err := ParseDurationField("library.operation_timeout", l.OperationTimeout)
	if err != nil {
		return probe.LibraryConfig{}, err
	}
	return probe.LibraryConfig{
		ServerCount:         l.ServerCount,
		SavingMode:          l.SavingMode,
		MaxConnections:      l.MaxConnections,
		PingConcurrency:     l.PingConcurrency,
		OperationTimeout:    timeout,
		DisableHTTP2:        l.DisableHTTP2,
		DisableKeepAlives:   l.DisableKeepAlives,
		PostRunFreeOSMemory: l.PostRunFreeOSMemory,
	}, nil
}

// values returns the present top-level keys, ready to merge as a config layer.
func (f *File) values() map[string]any {
	m := map[string]any{}
	if f == nil {
		return m
	}
	if f.TestIntervalMinutes != nil {
		m[KeyTestIntervalMinutes] = *f.TestIntervalMinutes
	}
	if f.HTTPHost != nil {
		m[KeyHTTPHost] = *f.HTTPHost
	}
	if f.HTTPPort != nil {
		m[KeyHTTPPort] = *f.HTTPPort
	}
	if f.Schedule != nil {
		m[KeySchedule] = *f.Schedule
	}
	if f.RunOnStart != nil {
		m[KeyRunOnStart] = *f.RunOnStart
	}
	if f.ProbeBackend != nil {
		m[KeyProbeBackend] = *f.ProbeBackend
	}
	if f.SpeedtestPath != nil {
		m[KeySpeedtestPath] = *f.SpeedtestPath
	}
	if f.RuntimeMetrics != nil {
		m[KeyRuntimeMetrics] = *f.RuntimeMetrics
	}
	if f.LogLevel != nil {
		m[KeyLogLevel] = *f.LogLevel
	}
	if f.LogFile != nil {
		m[KeyLogFile] = *f.LogFile
	}
	if f.PprofAddr != nil {
		m[KeyPprofAddr] = *f.PprofAddr
	}
	if f.PprofToken != nil {
		m[KeyPprofToken] = *f.PprofToken
	}
	return m
}
