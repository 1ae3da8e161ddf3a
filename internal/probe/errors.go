package probe

import (
	"errors"
	"fmt"
	"strings"
)

// LaunchError means the measurement never started (binary missing,
// permission denied, library bootstrap failed).
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch %s: %v", e.Path, e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// ProcessError means the measurement ran but did not succeed.
// ExitCode is -1 when there was no process (library backend).
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("speedtest exited with status %d", e.ExitCode)
	if e.ExitCode < 0 && e.Err != nil {
		msg = "speedtest failed"
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + truncate(s, 512)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ParseError means the tool succeeded but its output did not match the
// expected schema.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse speedtest output: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

func IsLaunchFailure(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

func IsProcessFailure(err error) bool {
	var pe *ProcessError
	return errors.As(err, &pe)
}

func IsParseFailure(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Kind classifies err for logging: "launch", "process", "parse" or "other".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsLaunchFailure(err):
		return "launch"
	case IsProcessFailure(err):
		return "process"
	case IsParseFailure(err):
		return "parse"
	default:
		return "other"
	}
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
