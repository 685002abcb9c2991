package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/guseggert/elevhost/agent"
	"github.com/guseggert/elevhost/host"
	"github.com/guseggert/elevhost/internal/console"
	"github.com/guseggert/elevhost/protocol"
	"golang.org/x/term"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNoExitCode is returned when the pipe closes before the host sent an exit code,
// because the host faulted, the connection dropped, or the run was cancelled.
var ErrNoExitCode = errors.New("pipe closed without an exit code")

// Stdio is the local side of a remote process.
type Stdio struct {
	// In is copied to the process's stdin. It may be nil.
	In  io.Reader
	Out io.Writer
	// Err receives the process's stderr and any error reported by the host, in red on a terminal.
	Err io.Writer

	// Signals are forwarded to the process: os.Interrupt as Ctrl+C and SIGQUIT as Ctrl+Break.
	// If nil and In is a terminal, the client's own SIGINT and SIGQUIT are forwarded.
	Signals <-chan os.Signal
}

// Run starts req on the agent and relays stdio until the process exits, returning its exit code.
// Cancelling ctx drops the connection, and the agent terminates the process.
func (c *Client) Run(ctx context.Context, req protocol.ElevationRequest, stdio Stdio) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	u := c.baseURL + "/session"
	c.Logger.Debugw("dialing WebSocket for session", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return -1, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(agent.ReadLimit)

	if err := wsjson.Write(ctx, wsConn, req); err != nil {
		wsConn.Close(websocket.StatusInternalError, "unable to send request")
		return -1, fmt.Errorf("sending elevation request: %w", err)
	}

	conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)
	defer conn.Close()

	in := &input{w: conn}
	if stdio.In != nil {
		// a blocked read on stdin can't be interrupted; the goroutine ends on its next write
		go host.Pump(stdio.In, in.send)
	}

	signals := stdio.Signals
	if signals == nil && isTerminal(stdio.In) {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGQUIT)
		defer signal.Stop(ch)
		signals = ch
	}
	if signals != nil {
		go c.forwardSignals(ctx, in, signals)
	}

	stderr := stdio.Err
	if stderr == nil {
		stderr = io.Discard
	}
	return c.relayOutput(conn, stdio.Out, console.NewWriter(stderr, console.Red))
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// input serializes writes from the stdin copier and the signal forwarder.
type input struct {
	mu sync.Mutex
	w  io.Writer
}

func (i *input) send(s string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, err := io.WriteString(i.w, s)
	return err
}

func (c *Client) forwardSignals(ctx context.Context, in *input, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			key := protocol.KeyCtrlC
			if sig == syscall.SIGQUIT {
				key = protocol.KeyCtrlBreak
			}
			c.Logger.Debugw("forwarding signal", "Signal", sig)
			if err := in.send(key); err != nil {
				c.Logger.Debugf("error forwarding signal: %s", err)
				return
			}
		}
	}
}

// relayOutput decodes host output until the pipe closes.
func (c *Client) relayOutput(r io.Reader, stdout, stderr io.Writer) (int, error) {
	var dec protocol.Decoder
	err := host.Pump(r, func(chunk string) error {
		events, err := dec.Feed(chunk)
		for _, ev := range events {
			switch ev.Kind {
			case protocol.EventOutput:
				c.write(stdout, ev.Text)
			case protocol.EventError:
				c.write(stderr, ev.Text)
			case protocol.EventExitCode:
				c.Logger.Debugw("got exit code", "ExitCode", ev.Code)
			}
		}
		if err != nil {
			return fmt.Errorf("decoding host output: %w", err)
		}
		return nil
	})
	if code, ok := dec.ExitCode(); ok {
		return code, nil
	}
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrNoExitCode, err)
	}
	return -1, ErrNoExitCode
}

func (c *Client) write(w io.Writer, s string) {
	if w == nil {
		return
	}
	if _, err := io.WriteString(w, s); err != nil {
		c.Logger.Debugf("error writing output: %s", err)
	}
}
