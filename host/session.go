package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/elevhost/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	defaultKeepAliveInterval = 500 * time.Millisecond
	// time for a console signal to land before its echo is written
	signalSettleDelay = 10 * time.Millisecond
)

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateFaulted
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFaulted:
		return "faulted"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ExitReason says why the supervising loop stopped.
type ExitReason int

const (
	ReasonNone ExitReason = iota
	ReasonChildExited
	ReasonDisconnected
	ReasonKeepAliveFailed
	ReasonCancelled
	ReasonFaulted
)

func (r ExitReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonChildExited:
		return "child exited"
	case ReasonDisconnected:
		return "pipe disconnected"
	case ReasonKeepAliveFailed:
		return "keep-alive failed"
	case ReasonCancelled:
		return "cancelled"
	case ReasonFaulted:
		return "faulted"
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// Result describes how a session ended.
type Result struct {
	SessionID string
	Reason    ExitReason
	// ExitCode is -1 unless the process was seen to exit.
	ExitCode int
	// ExitCodeSent is true if the exit code frame reached the transport.
	ExitCodeSent bool
	// Err is the fault that ended the session, if any. Disconnects are not faults.
	Err error
}

// Session hosts one process for one connected client.
type Session struct {
	id  string
	log *zap.SugaredLogger

	pipe     *Pipe
	encoding encoding.Encoding
	start    Starter

	keepAliveInterval time.Duration
	drainTimeout      time.Duration
	localEcho         *localEcho

	state atomic.Int32

	proc  Process
	stdin io.Writer
	echo  EchoSuppressor

	// held while a break signal is raised and echoed, so the exit frame can't overtake the echo
	signalMu sync.Mutex

	pumps    errgroup.Group
	pumpErrs chan error
}

// NewSession creates a session over conn. The session owns conn and closes it when it ends.
func NewSession(conn io.ReadWriteCloser, opts ...Option) *Session {
	s := &Session{
		id:                uuid.NewString(),
		log:               zap.L().Sugar(),
		encoding:          unicode.UTF8,
		start:             StartProcess,
		keepAliveInterval: defaultKeepAliveInterval,
		pumpErrs:          make(chan error, 3),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("session").With("SessionID", s.id)
	s.pipe = NewPipe(conn, s.encoding)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debugw("session state changed", "From", old, "To", st)
	}
}

// Run starts the requested process and relays its I/O until it exits or the client goes away.
// Run always closes the pipe before returning. It never returns an error: failures are
// reported to the client when possible and recorded in the Result.
func (s *Session) Run(ctx context.Context, req protocol.ElevationRequest) (res Result) {
	res = Result{SessionID: s.id, ExitCode: -1}
	defer func() {
		if r := recover(); r != nil {
			res.Reason = ReasonFaulted
			res.Err = fmt.Errorf("session panicked: %v", r)
			s.fault(ctx, res.Err)
		}
		s.release()
		if err := s.pumps.Wait(); err != nil {
			s.log.Debugw("stream pump ended with error", "Error", err)
		}
		s.setState(StateFinished)
		s.log.Infow("session finished", "Reason", res.Reason, "ExitCode", res.ExitCode, "Error", res.Err)
	}()

	err := s.run(ctx, req, &res)
	if err != nil {
		res.Err = err
		if res.Reason == ReasonNone {
			res.Reason = ReasonFaulted
		}
		s.fault(ctx, err)
	}
	return res
}

func (s *Session) run(ctx context.Context, req protocol.ElevationRequest, res *Result) error {
	s.setState(StateStarting)
	proc, err := s.start(req)
	if err != nil {
		return err
	}
	s.proc = proc
	s.log = s.log.With("PID", proc.PID())
	s.log.Infow("process started", "FileName", req.FileName, "Arguments", req.Arguments, "StartFolder", req.StartFolder)
	s.stdin = transform.NewWriter(proc.Stdin(), encoding.ReplaceUnsupported(s.encoding.NewEncoder()))

	s.setState(StateRunning)

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	s.pumps.Go(func() error {
		defer close(stdoutDone)
		return s.pump("stdout", transform.NewReader(proc.Stdout(), s.encoding.NewDecoder()), s.writeOutput)
	})
	s.pumps.Go(func() error {
		defer close(stderrDone)
		return s.pump("stderr", transform.NewReader(proc.Stderr(), s.encoding.NewDecoder()), s.writeError)
	})
	s.pumps.Go(func() error {
		return s.pump("stdin", s.pipe, s.readInput)
	})
	reason, err := s.supervise(ctx)
	res.Reason = reason
	s.log.Debugw("supervising loop ended", "Reason", reason)
	if err != nil {
		return err
	}

	if proc.Exited() && s.pipe.Connected() {
		res.ExitCode = proc.ExitCode()
		s.setState(StateDraining)
		err := s.drain(ctx, proc.ExitCode(), stdoutDone, stderrDone)
		if errors.Is(err, ErrDisconnected) {
			s.log.Debugw("client left while draining", "Error", err)
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.log.Debugw("session cancelled while draining", "Error", err)
			res.Reason = ReasonCancelled
		} else if err != nil {
			return err
		} else {
			res.ExitCodeSent = true
		}
	} else {
		Terminate(context.WithoutCancel(ctx), s.log, proc)
		if proc.Exited() {
			res.ExitCode = proc.ExitCode()
		}
	}

	s.finish()
	return nil
}

// pump runs Pump and reports hard failures to the supervising loop.
func (s *Session) pump(name string, r io.Reader, onChunk func(string) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s pump panicked: %v", name, p)
		}
		if err != nil {
			select {
			case s.pumpErrs <- err:
			default:
			}
		}
		s.log.Debugw("pump finished", "Pump", name, "Error", err)
	}()
	if err := Pump(r, onChunk); err != nil {
		return fmt.Errorf("%s pump: %w", name, err)
	}
	return nil
}

// supervise waits until the process exits, the client goes away, or a keep-alive write fails.
func (s *Session) supervise(ctx context.Context) (ExitReason, error) {
	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.proc.Done():
			return ReasonChildExited, nil
		case <-s.pipe.Disconnected():
			return ReasonDisconnected, nil
		case <-ctx.Done():
			return ReasonCancelled, nil
		case err := <-s.pumpErrs:
			return ReasonFaulted, err
		case <-ticker.C:
			// the keep-alive is what notices a client that vanished without closing the pipe
			if err := s.pipe.Send(protocol.KeepAlive); err != nil {
				s.log.Debugw("keep-alive failed", "Error", err)
				return ReasonKeepAliveFailed, nil
			}
		}
	}
}

// drain makes sure all output is relayed before the exit code frame, then writes it.
func (s *Session) drain(ctx context.Context, exitCode int, stdoutDone, stderrDone <-chan struct{}) error {
	if err := s.waitStreams(ctx, stdoutDone, stderrDone); err != nil {
		return err
	}

	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	if err := s.pipe.Flush(); err != nil {
		return err
	}
	if err := s.pipe.Drain(); err != nil {
		return err
	}
	if err := s.pipe.WriteString(protocol.ExitCodeFrame(exitCode)); err != nil {
		return err
	}
	if err := s.pipe.Flush(); err != nil {
		return err
	}
	s.log.Debugw("sent exit code", "ExitCode", exitCode)
	return s.pipe.Drain()
}

// waitStreams returns ctx.Err() when cancelled; no exit code is sent after that.
func (s *Session) waitStreams(ctx context.Context, done ...<-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var timeout <-chan time.Time
	if s.drainTimeout > 0 {
		t := time.NewTimer(s.drainTimeout)
		defer t.Stop()
		timeout = t.C
	}
	for _, d := range done {
		select {
		case <-d:
		case <-s.pipe.Disconnected():
			return ErrDisconnected
		case <-ctx.Done():
			s.log.Debug("context done while waiting for output streams")
			return ctx.Err()
		case <-timeout:
			s.log.Warn("timed out waiting for output streams to close, some output may be lost")
			return nil
		}
	}
	return nil
}

func (s *Session) finish() {
	if s.pipe.Connected() {
		if err := s.pipe.Drain(); err != nil {
			s.log.Debugw("error draining pipe", "Error", err)
		}
	}
	if err := s.pipe.Close(); err != nil {
		s.log.Debugw("error closing pipe", "Error", err)
	}
}

// release closes the process streams and the pipe so every pump returns.
func (s *Session) release() {
	if s.proc == nil {
		return
	}
	for _, c := range []io.Closer{s.proc.Stdin(), s.proc.Stdout(), s.proc.Stderr()} {
		if err := c.Close(); err != nil {
			s.log.Debugw("error closing process stream", "Error", err)
		}
	}
	if err := s.pipe.Close(); err != nil {
		s.log.Debugw("error closing pipe", "Error", err)
	}
}

// fault reports err to the client as best it can and tears the session down.
// Every step is guarded; nothing escapes from here.
func (s *Session) fault(ctx context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("panic while reporting fault", "Panic", r)
		}
	}()
	s.setState(StateFaulted)
	s.log.Errorw("session faulted", "Error", err)

	if werr := s.pipe.WriteString(protocol.Error + "Server Error: " + err.Error() + "\r\n"); werr != nil {
		s.log.Debugw("error writing fault to pipe", "Error", werr)
	}
	if ferr := s.pipe.Flush(); ferr != nil {
		s.log.Debugw("error flushing pipe", "Error", ferr)
	}
	if derr := s.pipe.Drain(); derr != nil {
		s.log.Debugw("error draining pipe", "Error", derr)
	}
	if cerr := s.pipe.Close(); cerr != nil {
		s.log.Debugw("error closing pipe", "Error", cerr)
	}

	if s.proc != nil {
		Terminate(context.WithoutCancel(ctx), s.log, s.proc)
	}
}

// writeOutput relays a chunk of process stdout, minus any echo of the client's input.
func (s *Session) writeOutput(chunk string) error {
	out, ok := s.echo.FilterOutbound(chunk)
	if !ok {
		return nil
	}
	s.localEcho.Output(out)
	return s.pipe.Send(out)
}

// writeError relays a chunk of process stderr, or a message of our own, inside an error frame.
func (s *Session) writeError(chunk string) error {
	s.localEcho.Error(chunk)
	return s.pipe.Send(protocol.ErrorFrame(chunk))
}

// readInput dispatches one chunk of client input.
func (s *Session) readInput(chunk string) error {
	for _, tok := range protocol.Split(chunk, protocol.InboundMarkers...) {
		switch tok {
		case protocol.KeepAlive:
		case protocol.KeyCtrlC:
			if err := s.raiseBreak(false, "^C\r\n"); err != nil {
				return err
			}
		case protocol.KeyCtrlBreak:
			if err := s.raiseBreak(true, "^BREAK\r\n"); err != nil {
				return err
			}
		default:
			s.echo.RecordInbound(tok)
			if _, err := io.WriteString(s.stdin, tok); err != nil {
				// the process may have closed stdin or exited; the supervising loop handles that
				s.log.Debugw("error writing to process stdin", "Error", err)
			}
		}
	}
	return nil
}

func (s *Session) raiseBreak(hard bool, echo string) error {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()
	defer s.echo.ClearInbound()

	s.log.Debugw("raising console break", "Hard", hard)
	if err := s.proc.SendBreak(hard); err != nil {
		s.log.Debugw("error raising console break", "Error", err)
	}
	time.Sleep(signalSettleDelay)
	if err := s.pipe.Drain(); err != nil {
		return err
	}
	return s.writeError(echo)
}
