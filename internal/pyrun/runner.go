// Package pyrun executes a received Python script inside a throwaway
// working directory with a wall-clock timeout.
package pyrun

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// Defaults matching the sandbox image.
const (
	DefaultScriptName = "main.py"
	DefaultTimeout    = 30 * time.Second
)

// DefaultCommand runs the script with uv so inline script dependencies
// resolve on the fly.
var DefaultCommand = []string{"uv", "run", DefaultScriptName}

// ErrTimeout indicates the script exceeded the execution deadline and was
// killed.
var ErrTimeout = errors.New("script execution timed out")

// Config controls how scripts are executed.
type Config struct {
	// Command is the interpreter argv, run with the scratch directory as
	// working directory.
	Command []string
	// Timeout is the wall-clock execution limit.
	Timeout time.Duration
	// WorkdirRoot is the parent directory for per-run scratch directories.
	// Empty means the system temp directory.
	WorkdirRoot string
	// ScriptName is the file the script bytes are written to.
	ScriptName string
	// Env entries appended to the inherited environment.
	Env []string
}

// Result captures one finished execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes scripts sequentially and independently; each run gets a
// private scratch directory that is removed afterwards.
type Runner struct {
	cfg Config
}

// NewRunner constructs a script runner.
func NewRunner(cfg Config) (*Runner, error) {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	if strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("interpreter command must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ScriptName == "" {
		cfg.ScriptName = DefaultScriptName
	}
	return &Runner{cfg: cfg}, nil
}

// Run writes the script into a fresh scratch directory and executes the
// configured interpreter command there. A deadline overrun kills the
// process and returns ErrTimeout.
func (r *Runner) Run(ctx context.Context, script []byte) (Result, error) {
	log := pslog.Ctx(ctx)

	dir, err := os.MkdirTemp(r.cfg.WorkdirRoot, "pybox-exec-*")
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = os.RemoveAll(dir) }()
	log.Info("exec dir created", "dir", dir)

	scriptPath := filepath.Join(dir, r.cfg.ScriptName)
	if err := os.WriteFile(scriptPath, script, 0o600); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	started := time.Now()
	err = cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Warn("exec timed out", "timeout", r.cfg.Timeout, "duration_ms", time.Since(started).Milliseconds())
		return Result{}, ErrTimeout
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			log.Error("exec failed to start", "command", r.cfg.Command[0], "err", err)
			return Result{}, err
		}
		exitCode = exitErr.ExitCode()
	}
	log.Info("exec finished", "exit_code", exitCode, "duration_ms", time.Since(started).Milliseconds())
	return Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
