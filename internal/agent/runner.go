package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

type RunnerConfig struct {
	Shell         string
	WorkspaceRoot string
	Logger        *log.Logger
}

// ShellRunner executes a validated action as a shell command inside the
// workspace. The caller bounds the run by cancelling ctx.
type ShellRunner struct {
	shell     string
	workspace string
	logger    *log.Logger
}

func NewShellRunner(cfg RunnerConfig) *ShellRunner {
	shell := strings.TrimSpace(cfg.Shell)
	if shell == "" {
		shell = "sh"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &ShellRunner{
		shell:     shell,
		workspace: cfg.WorkspaceRoot,
		logger:    cfg.Logger,
	}
}

func (r *ShellRunner) Run(ctx context.Context, action string) (string, error) {
	cmd := exec.CommandContext(ctx, r.shell, "-c", action)
	if r.workspace != "" {
		cmd.Dir = r.workspace
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := strings.TrimSpace(stdout.String())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, fmt.Errorf("action timed out: %w", ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return output, fmt.Errorf("action failed: %s", detail)
	}
	r.logger.Printf("action succeeded output_bytes=%d", stdout.Len())
	return output, nil
}
