package host

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/elevhost/protocol"
	"github.com/stretchr/testify/require"
)

// fakeProcess is an in-memory Process. It exits when told to, or at the cascade
// step named by exitOn.
type fakeProcess struct {
	exitOn      string
	acceptClose bool
	// holdStreams keeps stdout and stderr open after exit, like a descendant that inherited them
	holdStreams bool

	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	mu    sync.Mutex
	stdin bytes.Buffer
	calls []string
	code  int

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := p.stdinR.Read(buf)
			p.mu.Lock()
			p.stdin.Write(buf[:n])
			p.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *fakeProcess) starter(protocol.ElevationRequest) (Process, error) { return p, nil }

func (p *fakeProcess) exit(code int) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		if !p.holdStreams {
			p.stdoutW.Close()
			p.stderrW.Close()
		}
		close(p.done)
	})
}

func (p *fakeProcess) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProcess) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProcess) StdinString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

func (p *fakeProcess) PID() int              { return 4242 }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) SendBreak(hard bool) error {
	if hard {
		p.record("break")
	} else {
		p.record("ctrlc")
	}
	if p.exitOn == "break" {
		p.exit(130)
	}
	return nil
}

func (p *fakeProcess) RequestClose() (bool, error) {
	p.record("close")
	if p.acceptClose && p.exitOn == "close" {
		p.exit(143)
	}
	return p.acceptClose, nil
}

func (p *fakeProcess) WaitExit(d time.Duration) bool {
	p.record("wait")
	select {
	case <-p.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (p *fakeProcess) KillTree(ctx context.Context) error {
	p.record("kill")
	if p.exitOn == "never" {
		return context.DeadlineExceeded
	}
	p.exit(137)
	return nil
}

// collector reads everything the session writes to the client end of the pipe.
type collector struct {
	mu   sync.Mutex
	buf  strings.Builder
	done chan struct{}
}

func collect(conn net.Conn) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		b := make([]byte, 1024)
		for {
			n, err := conn.Read(b)
			c.mu.Lock()
			c.buf.Write(b[:n])
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// wait blocks until the session closes its end of the pipe.
func (c *collector) wait(t *testing.T) string {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for pipe to close", "got so far: %q", c.String())
	}
	return c.String()
}

func withoutKeepAlives(s string) string {
	return strings.ReplaceAll(s, protocol.KeepAlive, "")
}
