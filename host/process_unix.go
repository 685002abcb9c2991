//go:build !windows

package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/guseggert/elevhost/protocol"
	"github.com/mattn/go-shellwords"
	"golang.org/x/sys/unix"
)

func buildCommand(req protocol.ElevationRequest) (*exec.Cmd, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(req.Arguments)
	if err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	// the parser stops at an unquoted shell operator; nothing runs a shell here
	if parser.Position != -1 {
		return nil, fmt.Errorf("parsing arguments: unquoted %q at offset %d", req.Arguments[parser.Position], parser.Position)
	}
	cmd := exec.Command(req.FileName, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// own process group, so signals reach the whole tree
		Setpgid: true,
	}
	return cmd, nil
}

// exitStatus follows the shell convention of 128+N for a process killed by signal N.
func exitStatus(ps *os.ProcessState) int {
	if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return ps.ExitCode()
}

func (p *childProcess) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sending %s to process group %d: %w", unix.SignalName(sig), p.cmd.Process.Pid, err)
	}
	return nil
}

// SendBreak maps Ctrl+C to SIGINT and Ctrl+Break to SIGQUIT, which is what a
// terminal sends for ^C and ^\.
func (p *childProcess) SendBreak(hard bool) error {
	if hard {
		return p.signalGroup(unix.SIGQUIT)
	}
	return p.signalGroup(unix.SIGINT)
}

// RequestClose sends SIGTERM, the closest thing to closing a console window.
func (p *childProcess) RequestClose() (bool, error) {
	if p.Exited() {
		return false, nil
	}
	if err := p.signalGroup(unix.SIGTERM); err != nil {
		return false, err
	}
	return true, nil
}

func (p *childProcess) KillTree(ctx context.Context) error {
	if err := p.signalGroup(unix.SIGKILL); err != nil {
		return err
	}
	return p.waitDone(ctx)
}
