package probe

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	logx "speedtest-exporter/pkg/logx"
)

// DefaultBinary is the Ookla speedtest CLI.
const DefaultBinary = "speedtest"

// commandArgs request JSON output and pre-accept the license and GDPR prompts
// so the tool never waits for input.
var commandArgs = []string{"--format=json", "--accept-license", "--accept-gdpr"}

// CommandRunner runs the external speedtest binary once per Run call.
type CommandRunner struct {
	path string
	log  logx.Logger
}

func NewCommandRunner(path string, log logx.Logger) *CommandRunner {
	if strings.TrimSpace(path) == "" {
		path = DefaultBinary
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandRunner{path: path, log: log}
}

// Args returns the fixed argument list passed to the binary.
func (r *CommandRunner) Args() []string { return append([]string(nil), commandArgs...) }

// Run blocks until the subprocess exits.
//
// ctx is only checked before launch: a running measurement is never killed.
func (r *CommandRunner) Run(ctx context.Context) (*Result, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(r.path, commandArgs...)
	cmd.Stdin = nil
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug("running speedtest", logx.String("path", r.path), logx.String("args", strings.Join(commandArgs, " ")))
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: r.path, Err: err}
	}
	if err := cmd.Wait(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, &ProcessError{ExitCode: ee.ExitCode(), Stderr: stderr.String()}
		}
		return nil, &ProcessError{ExitCode: -1, Stderr: stderr.String(), Err: err}
	}

	res, err := Decode(stdout.Bytes())
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	r.log.Debug("speedtest finished", logx.Duration("took", time.Since(start)), logx.Int("stdout_bytes", stdout.Len()))
	return res, nil
}
