package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/newtron-network/topotest/pkg/util"
)

// Local runs commands on this host.
type Local struct {
	// Sudo prefixes every command with "sudo -n".
	Sudo bool
}

func (l *Local) argv(argv []string) []string {
	if l.Sudo {
		return append([]string{"sudo", "-n"}, argv...)
	}
	return argv
}

// Run executes argv and returns its combined output.
func (l *Local) Run(ctx context.Context, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", ErrEmptyCommand
	}
	full := l.argv(argv)
	util.Logger.Debugf("exec: %s", Join(full))

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return string(out), &ExitError{Argv: argv, Code: ee.ExitCode(), Output: string(out)}
		}
		return string(out), fmt.Errorf("%s: %w", Join(argv), err)
	}
	return string(out), nil
}

// Start launches argv in its own process group so it outlives the harness
// if the harness is interrupted. The process is reaped in the background.
func (l *Local) Start(ctx context.Context, logPath string, argv ...string) (int, error) {
	if len(argv) == 0 {
		return 0, ErrEmptyCommand
	}
	full := l.argv(argv)

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return 0, fmt.Errorf("create log %s: %w", logPath, err)
	}

	cmd := exec.Command(full[0], full[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("start %s: %w", Join(argv), err)
	}
	pid := cmd.Process.Pid
	util.Logger.Debugf("started pid %d: %s", pid, Join(full))

	go func() {
		cmd.Wait()
		logFile.Close()
	}()

	return pid, nil
}
