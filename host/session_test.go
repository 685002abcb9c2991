package host

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/elevhost/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sessionHarness struct {
	session *Session
	client  net.Conn
	out     *collector
	result  chan Result
	cancel  context.CancelFunc
}

func runSession(t *testing.T, starter Starter, opts ...Option) *sessionHarness {
	t.Helper()
	server, client := net.Pipe()
	opts = append([]Option{
		WithStarter(starter),
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithKeepAliveInterval(time.Hour),
	}, opts...)
	s := NewSession(server, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &sessionHarness{
		session: s,
		client:  client,
		out:     collect(client),
		result:  make(chan Result, 1),
		cancel:  cancel,
	}
	go func() {
		h.result <- s.Run(ctx, protocol.ElevationRequest{FileName: "fake"})
	}()
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	return h
}

func (h *sessionHarness) wait(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-h.result:
		assert.Equal(t, StateFinished, h.session.State())
		return res
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for session to finish")
	}
	return Result{}
}

func (h *sessionHarness) send(t *testing.T, s string) {
	t.Helper()
	_, err := io.WriteString(h.client, s)
	require.NoError(t, err)
}

func eventually(t *testing.T, f func() bool) {
	t.Helper()
	require.Eventually(t, f, 5*time.Second, 5*time.Millisecond)
}

func TestSessionRelaysStdoutThenExitCode(t *testing.T) {
	p := newFakeProcess()
	h := runSession(t, p.starter)

	go func() {
		_, _ = p.stdoutW.Write([]byte("hello\n"))
		p.exit(0)
	}()

	out := h.out.wait(t)
	assert.Equal(t, "hello\n"+protocol.ExitCodeFrame(0), out)

	res := h.wait(t)
	assert.Equal(t, ReasonChildExited, res.Reason)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.ExitCodeSent)
	assert.NoError(t, res.Err)
	assert.Empty(t, p.Calls())
}

func TestSessionFramesStderr(t *testing.T) {
	p := newFakeProcess()
	h := runSession(t, p.starter)

	go func() {
		_, _ = p.stderrW.Write([]byte("access denied\r\n"))
		p.exit(5)
	}()

	out := h.out.wait(t)
	assert.Equal(t, protocol.ErrorFrame("access denied\r\n")+protocol.ExitCodeFrame(5), out)
	assert.Equal(t, 5, h.wait(t).ExitCode)
}

func TestSessionSuppressesEchoedInput(t *testing.T) {
	p := newFakeProcess()
	h := runSession(t, p.starter)

	h.send(t, "echo hi\r\n")
	eventually(t, func() bool { return p.StdinString() == "echo hi\r\n" })
	assert.Equal(t, "echo hi\r\n", h.session.echo.Pending())

	go func() {
		_, _ = p.stdoutW.Write([]byte("echo hi\r\n"))
		_, _ = p.stdoutW.Write([]byte("hi\r\n"))
		p.exit(0)
	}()

	out := h.out.wait(t)
	assert.Equal(t, "hi\r\n"+protocol.ExitCodeFrame(0), out)
	h.wait(t)
}

func TestSessionCtrlCClearsEchoState(t *testing.T) {
	p := newFakeProcess()
	h := runSession(t, p.starter)

	h.send(t, "abc")
	eventually(t, func() bool { return h.session.echo.Pending() == "abc" })

	h.send(t, protocol.KeyCtrlC)
	eventually(t, func() bool { return strings.Contains(h.out.String(), protocol.ErrorFrame("^C\r\n")) })
	eventually(t, func() bool { return h.session.echo.Pending() == "" })
	assert.Equal(t, []string{"ctrlc"}, p.Calls())
	eventually(t, func() bool { return p.StdinString() == "abc" })

	p.exit(0)
	out := h.out.wait(t)
	assert.Equal(t, protocol.ErrorFrame("^C\r\n")+protocol.ExitCodeFrame(0), out)
	h.wait(t)
}

func TestSessionCtrlBreak(t *testing.T) {
	p := newFakeProcess()
	p.exitOn = "kill"
	h := runSession(t, p.starter)

	h.send(t, "dir"+protocol.KeyCtrlBreak+protocol.KeepAlive)
	eventually(t, func() bool { return strings.Contains(h.out.String(), protocol.ErrorFrame("^BREAK\r\n")) })
	assert.Equal(t, []string{"break"}, p.Calls())
	eventually(t, func() bool { return p.StdinString() == "dir" })

	require.NoError(t, h.client.Close())
	res := h.wait(t)
	assert.Equal(t, ReasonDisconnected, res.Reason)
	assert.Equal(t, []string{"break", "ctrlc", "close", "kill"}, p.Calls())
}

func TestSessionKeepAlive(t *testing.T) {
	p := newFakeProcess()
	p.exitOn = "kill"
	h := runSession(t, p.starter, WithKeepAliveInterval(20*time.Millisecond))

	eventually(t, func() bool { return strings.Contains(h.out.String(), protocol.KeepAlive) })
	assert.Empty(t, withoutKeepAlives(h.out.String()))

	require.NoError(t, h.client.Close())
	res := h.wait(t)
	assert.Equal(t, ReasonDisconnected, res.Reason)
	assert.True(t, p.Exited())
	assert.False(t, res.ExitCodeSent)
}

func TestSessionDisconnectTerminatesProcess(t *testing.T) {
	p := newFakeProcess()
	p.exitOn = "kill"
	h := runSession(t, p.starter)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if _, err := p.stdoutW.Write([]byte("tick\n")); err != nil {
				return
			}
		}
	}()
	eventually(t, func() bool { return strings.Contains(h.out.String(), "tick\n") })

	require.NoError(t, h.client.Close())
	res := h.wait(t)
	wg.Wait()

	assert.Equal(t, ReasonDisconnected, res.Reason)
	assert.False(t, res.ExitCodeSent)
	assert.NoError(t, res.Err)
	assert.True(t, p.Exited())
	assert.NotContains(t, h.out.String(), protocol.ExitCode)
	assert.Equal(t, []string{"ctrlc", "close", "kill"}, p.Calls())
}

func TestSessionCancelled(t *testing.T) {
	p := newFakeProcess()
	p.exitOn = "break"
	h := runSession(t, p.starter)

	h.cancel()
	res := h.wait(t)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, []string{"ctrlc"}, p.Calls())
	assert.Equal(t, 130, res.ExitCode)
	assert.NotContains(t, h.out.wait(t), protocol.ExitCode)
}

type brokenConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *brokenConn) Read([]byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *brokenConn) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func (c *brokenConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func TestSessionKeepAliveFailure(t *testing.T) {
	p := newFakeProcess()
	p.exitOn = "kill"
	s := NewSession(&brokenConn{closed: make(chan struct{})},
		WithStarter(p.starter),
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithKeepAliveInterval(10*time.Millisecond),
	)

	res := s.Run(context.Background(), protocol.ElevationRequest{FileName: "fake"})
	assert.Equal(t, ReasonKeepAliveFailed, res.Reason)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"ctrlc", "close", "kill"}, p.Calls())
	assert.Equal(t, StateFinished, s.State())
}

func TestSessionStartFailure(t *testing.T) {
	starter := func(req protocol.ElevationRequest) (Process, error) {
		return nil, &StartError{Request: req, Err: errors.New("no such file or directory")}
	}
	h := runSession(t, starter)

	out := h.out.wait(t)
	assert.Equal(t, protocol.Error+"Server Error: starting \"fake\": no such file or directory\r\n", out)

	res := h.wait(t)
	assert.Equal(t, ReasonFaulted, res.Reason)
	var startErr *StartError
	assert.ErrorAs(t, res.Err, &startErr)
	assert.False(t, res.ExitCodeSent)
}

func TestSessionPumpFailureFaults(t *testing.T) {
	p := newFakeProcess()
	p.exitOn = "kill"
	h := runSession(t, p.starter)

	boom := errors.New("input/output error")
	p.stdoutW.CloseWithError(boom)

	res := h.wait(t)
	assert.Equal(t, ReasonFaulted, res.Reason)
	assert.ErrorIs(t, res.Err, boom)
	assert.True(t, strings.HasPrefix(h.out.wait(t), protocol.Error+"Server Error: stdout pump: "))
	assert.Contains(t, p.Calls(), "kill")
}

func TestSessionDrainTimeout(t *testing.T) {
	p := newFakeProcess()
	p.holdStreams = true
	h := runSession(t, p.starter, WithDrainTimeout(50*time.Millisecond))

	go func() {
		_, _ = p.stdoutW.Write([]byte("before exit\n"))
		p.exit(0)
	}()

	out := h.out.wait(t)
	assert.Equal(t, "before exit\n"+protocol.ExitCodeFrame(0), out)
	res := h.wait(t)
	assert.True(t, res.ExitCodeSent)
}

func TestSessionCancelledWhileDraining(t *testing.T) {
	p := newFakeProcess()
	p.holdStreams = true
	h := runSession(t, p.starter, WithDrainTimeout(time.Hour))

	go func() {
		_, _ = p.stdoutW.Write([]byte("before exit\n"))
		p.exit(0)
	}()
	eventually(t, func() bool { return h.session.State() == StateDraining })
	eventually(t, func() bool { return strings.Contains(h.out.String(), "before exit\n") })

	h.cancel()
	res := h.wait(t)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.False(t, res.ExitCodeSent)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)

	out := h.out.wait(t)
	assert.Equal(t, "before exit\n", withoutKeepAlives(out))
	assert.NotContains(t, out, protocol.ExitCode)
}

func TestSessionEncodingAndID(t *testing.T) {
	enc, err := LookupEncoding("windows-1252")
	require.NoError(t, err)
	p := newFakeProcess()
	h := runSession(t, p.starter, WithEncoding(enc), WithSessionID("session-1"))

	assert.Equal(t, "session-1", h.session.ID())

	h.send(t, "na\xefve")
	eventually(t, func() bool { return p.StdinString() == "na\xefve" })

	go func() {
		_, _ = p.stdoutW.Write([]byte("caf\xe9\n"))
		p.exit(0)
	}()

	out := h.out.wait(t)
	assert.Equal(t, "caf\xe9\n"+protocol.ExitCodeFrame(0), out)
	assert.Equal(t, "session-1", h.wait(t).SessionID)
}
