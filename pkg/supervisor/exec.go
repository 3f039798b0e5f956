package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultGracePeriod is how long a cancelled worker has to exit after SIGINT.
const DefaultGracePeriod = 10 * time.Second

// ExecLauncher runs Command followed by the staged file path.
//
// With an empty Command the current executable is run as
// `<exe> worker <staged_path>`.
type ExecLauncher struct {
	// Command is the program and leading arguments.
	Command []string

	// ExtraArgs are placed between Command and the staged path, e.g. --config.
	ExtraArgs []string

	// Env is appended to the inherited environment.
	Env []string

	// Stdout and Stderr receive worker output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// GracePeriod bounds the wait between interrupt and kill on cancellation.
	GracePeriod time.Duration
}

var _ Launcher = (*ExecLauncher)(nil)

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// Argv returns the full command line for t.
func (l *ExecLauncher) Argv(t Task) ([]string, error) {
	var argv []string
	if len(l.Command) > 0 && strings.TrimSpace(l.Command[0]) != "" {
		argv = append(argv, l.Command...)
	} else {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		argv = append(argv, exe, "worker")
	}
	argv = append(argv, l.ExtraArgs...)
	return append(argv, t.StagedPath), nil
}

// Launch starts the worker process.
func (l *ExecLauncher) Launch(ctx context.Context, t Task) (Process, error) {
	if strings.TrimSpace(t.StagedPath) == "" {
		return nil, fmt.Errorf("staged path is required")
	}
	argv, err := l.Argv(t)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	grace := l.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}
