package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/elevhost/protocol"
)

// Process is a started process with its standard streams redirected to the host.
type Process interface {
	Terminator

	PID() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is only meaningful after Done is closed.
	ExitCode() int
}

// Starter creates the process described by an elevation request.
type Starter func(req protocol.ElevationRequest) (Process, error)

type childProcess struct {
	cmd *exec.Cmd

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	exitCode int
}

// StartProcess starts the requested command in the requested folder, with stdin, stdout
// and stderr connected to OS pipes owned by the returned Process.
//
// The process gets its own process group, so console signals and the final kill
// reach everything it spawns.
func StartProcess(req protocol.ElevationRequest) (Process, error) {
	cmd, err := buildCommand(req)
	if err != nil {
		return nil, &StartError{Request: req, Err: err}
	}
	cmd.Dir = req.StartFolder
	if len(req.Environment) > 0 {
		cmd.Env = append(os.Environ(), req.Environment...)
	}

	// *os.File streams are passed straight to the child, so Wait does not depend on
	// us draining them and returns as soon as the process exits.
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return nil, nil, &StartError{Request: req, Err: fmt.Errorf("creating pipe: %w", err)}
		}
		files = append(files, r, w)
		return r, w, nil
	}
	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()

	// the child has its own copies now
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, &StartError{Request: req, Err: err}
	}

	p := &childProcess{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *childProcess) wait() {
	defer close(p.done)
	// a non-zero exit is also an error here; the status comes from ProcessState
	_ = p.cmd.Wait()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = exitStatus(p.cmd.ProcessState)
	}
}

func (p *childProcess) PID() int              { return p.cmd.Process.Pid }
func (p *childProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *childProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *childProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *childProcess) Done() <-chan struct{} { return p.done }

func (p *childProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *childProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *childProcess) WaitExit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func (p *childProcess) waitDone(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for process %d to exit: %w", p.PID(), ctx.Err())
	}
}
