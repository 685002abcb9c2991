//go:build windows

package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/elevhost/protocol"
	"golang.org/x/sys/windows"
)

// attachParentProcess is ATTACH_PARENT_PROCESS, (DWORD)-1.
const attachParentProcess = ^uint32(0)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procAttachConsole         = kernel32.NewProc("AttachConsole")
	procFreeConsole           = kernel32.NewProc("FreeConsole")
	procSetConsoleCtrlHandler = kernel32.NewProc("SetConsoleCtrlHandler")

	// consoleMu serializes borrowing a child's console; a process has at most one.
	consoleMu sync.Mutex
)

// buildCommand passes Arguments through untouched; on Windows the command line
// is a single string and the callee does its own parsing.
// The child gets its own hidden console so console control events reach only its tree.
func buildCommand(req protocol.ElevationRequest) (*exec.Cmd, error) {
	cmd := exec.Command(req.FileName)
	cmdLine := syscall.EscapeArg(req.FileName)
	if req.Arguments != "" {
		cmdLine += " " + req.Arguments
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine:       cmdLine,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
	return cmd, nil
}

func exitStatus(ps *os.ProcessState) int {
	return ps.ExitCode()
}

// SendBreak attaches to the child's console and raises the event for every
// process on it. Ctrl+C cannot be targeted at a process group, so both keys
// go to group 0 of the borrowed console while this process ignores them.
func (p *childProcess) SendBreak(hard bool) error {
	event := uint32(windows.CTRL_C_EVENT)
	if hard {
		event = windows.CTRL_BREAK_EVENT
	}
	pid := uint32(p.cmd.Process.Pid)

	consoleMu.Lock()
	defer consoleMu.Unlock()

	procFreeConsole.Call()
	if r, _, err := procAttachConsole.Call(uintptr(pid)); r == 0 {
		procAttachConsole.Call(uintptr(attachParentProcess))
		return fmt.Errorf("attaching to console of %d: %w", pid, err)
	}
	procSetConsoleCtrlHandler.Call(0, 1)
	err := windows.GenerateConsoleCtrlEvent(event, 0)
	// the event is delivered asynchronously; detaching too early can drop it
	time.Sleep(50 * time.Millisecond)
	procFreeConsole.Call()
	procSetConsoleCtrlHandler.Call(0, 0)
	procAttachConsole.Call(uintptr(attachParentProcess))
	if err != nil {
		return fmt.Errorf("generating console ctrl event for %d: %w", pid, err)
	}
	return nil
}

// RequestClose is never accepted: a process with redirected streams has no main window to close.
func (p *childProcess) RequestClose() (bool, error) {
	return false, nil
}

func (p *childProcess) KillTree(ctx context.Context) error {
	kill := exec.CommandContext(ctx, "taskkill", "/PID", strconv.Itoa(p.cmd.Process.Pid), "/T", "/F")
	kill.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if err := kill.Run(); err != nil {
		return fmt.Errorf("running taskkill: %w", err)
	}
	return p.waitDone(ctx)
}
