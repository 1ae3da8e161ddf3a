package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"speedtest-exporter/internal/probe"
)

// ParseFile reads a JSON or YAML config file. Unknown keys are rejected.
func ParseFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			// empty file
			return &f, nil
		}
		return nil, fmt.Errorf("%s (%s): %w", path, format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: invalid config: trailing data", path)
		}
		return nil, fmt.Errorf("%s (%s): %w", path, format, err)
	}
	return &f, nil
}

// FlagName is the command-line flag for a config key.
func FlagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

// EnvName is the environment variable for a config key.
func EnvName(key string) string { return strings.ToUpper(key) }

// RegisterFlags adds one flag per config key to fs, defaulting to the built-in values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int(FlagName(KeyTestIntervalMinutes), d.TestIntervalMinutes, "minutes between speedtests")
	fs.String(FlagName(KeyHTTPHost), d.HTTPHost, "address to listen on")
	fs.Int(FlagName(KeyHTTPPort), d.HTTPPort, "port to listen on")
	fs.String(FlagName(KeySchedule), d.Schedule, "cron expression, @every/duration or HH:MM; overrides the minute interval")
	fs.Bool(FlagName(KeyRunOnStart), d.RunOnStart, "run the first speedtest immediately at startup")
	fs.String(FlagName(KeyProbeBackend), d.ProbeBackend, "probe backend: cli or library")
	fs.String(FlagName(KeySpeedtestPath), d.SpeedtestPath, "path of the speedtest binary (cli backend)")
	fs.Bool(FlagName(KeyRuntimeMetrics), d.RuntimeMetrics, "also export Go runtime and process metrics")
	fs.String(FlagName(KeyLogLevel), d.LogLevel, "log level: trace, debug, info, warn, error")
	fs.String(FlagName(KeyLogFile), d.LogFile, "also write JSON logs to this file")
	fs.String(FlagName(KeyPprofAddr), d.PprofAddr, "serve pprof on this host:port (disabled when empty)")
	fs.String(FlagName(KeyPprofToken), d.PprofToken, "bearer token required by the pprof listener")
	fs.StringP(FlagName(KeyConfig), "c", "", "config file (YAML or JSON)")
}

var allKeys = []string{
	KeyTestIntervalMinutes,
	KeyHTTPHost,
	KeyHTTPPort,
	KeySchedule,
	KeyRunOnStart,
	KeyProbeBackend,
	KeySpeedtestPath,
	KeyRuntimeMetrics,
	KeyLogLevel,
	KeyLogFile,
	KeyPprofAddr,
	KeyPprofToken,
	KeyConfig,
}

// Load resolves the effective configuration. Precedence, highest first:
// changed flags in fs, environment, config file, built-in defaults.
// fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault(KeyTestIntervalMinutes, d.TestIntervalMinutes)
	v.SetDefault(KeyHTTPHost, d.HTTPHost)
	v.SetDefault(KeyHTTPPort, d.HTTPPort)
	v.SetDefault(KeySchedule, d.Schedule)
	v.SetDefault(KeyRunOnStart, d.RunOnStart)
	v.SetDefault(KeyProbeBackend, d.ProbeBackend)
	v.SetDefault(KeySpeedtestPath, d.SpeedtestPath)
	v.SetDefault(KeyRuntimeMetrics, d.RuntimeMetrics)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFile, d.LogFile)
	v.SetDefault(KeyPprofAddr, d.PprofAddr)
	v.SetDefault(KeyPprofToken, d.PprofToken)
	v.SetDefault(KeyConfig, "")

	for _, key := range allKeys {
		if err := v.BindEnv(key, EnvName(key)); err != nil {
			return Config{}, err
		}
		if fs == nil {
			continue
		}
		if f := fs.Lookup(FlagName(key)); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, err
			}
		}
	}

	cfg := Config{Path: strings.TrimSpace(v.GetString(KeyConfig))}
	if cfg.Path != "" {
		file, err := ParseFile(cfg.Path)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if err := v.MergeConfigMap(file.values()); err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if cfg.Library, err = file.Library.probeConfig(); err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
	}

	var errs []string
	getInt := func(key string) int {
		n, err := cast.ToIntE(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not an integer: %v", key, v.Get(key)))
		}
		return n
	}
	getBool := func(key string) bool {
		b, err := cast.ToBoolE(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not a boolean: %v", key, v.Get(key)))
		}
		return b
	}
	getString := func(key string) string { return strings.TrimSpace(v.GetString(key)) }

	cfg.TestIntervalMinutes = getInt(KeyTestIntervalMinutes)
	cfg.HTTPHost = getString(KeyHTTPHost)
	cfg.HTTPPort = getInt(KeyHTTPPort)
	cfg.Schedule = getString(KeySchedule)
	cfg.RunOnStart = getBool(KeyRunOnStart)
	cfg.ProbeBackend = strings.ToLower(getString(KeyProbeBackend))
	cfg.SpeedtestPath = getString(KeySpeedtestPath)
	cfg.RuntimeMetrics = getBool(KeyRuntimeMetrics)
	cfg.LogLevel = strings.ToLower(getString(KeyLogLevel))
	cfg.LogFile = getString(KeyLogFile)
	cfg.PprofAddr = getString(KeyPprofAddr)
	cfg.PprofToken = getString(KeyPprofToken)
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}

	if cfg.ProbeBackend == "" {
		cfg.ProbeBackend = probe.BackendCLI
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
