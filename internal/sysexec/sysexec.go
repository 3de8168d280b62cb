package sysexec

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a short, bounded external command and returns its
// combined output. Implementations must not block beyond their timeout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands through os/exec with a per-command timeout.
type ExecRunner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewRunner creates an ExecRunner with the given timeout.
func NewRunner(timeout time.Duration, logger *slog.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecRunner{Timeout: timeout, Logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if r.Logger != nil {
			r.Logger.Debug("command failed", "cmd", name, "args", args, "err", err, "output", output)
		}
		return output, fmt.Errorf("%s: %w", name, err)
	}
	return output, nil
}
