package host

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// LookupEncoding returns the text encoding with the given WHATWG name or label,
// e.g. "utf-8" or "windows-1252".
func LookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("looking up encoding %q: %w", name, err)
	}
	return enc, nil
}

// Pipe is the session's side of the duplex connection to the client.
// All writes go through one mutex so the stdout pump, the stderr pump, the
// keep-alive and the final frames never interleave on the transport.
// Text is encoded and decoded with a single encoding in both directions.
type Pipe struct {
	conn   io.ReadWriteCloser
	reader io.Reader

	mu  sync.Mutex
	w   *bufio.Writer
	enc *encoding.Encoder

	disconnected   chan struct{}
	disconnectOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

func NewPipe(conn io.ReadWriteCloser, enc encoding.Encoding) *Pipe {
	return &Pipe{
		conn:         conn,
		reader:       transform.NewReader(conn, enc.NewDecoder()),
		w:            bufio.NewWriter(conn),
		enc:          encoding.ReplaceUnsupported(enc.NewEncoder()),
		disconnected: make(chan struct{}),
	}
}

// Read reads decoded client input. Any read error marks the pipe as disconnected.
func (p *Pipe) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	if err != nil {
		p.markDisconnected()
		if !errors.Is(err, io.EOF) {
			err = fmt.Errorf("reading from pipe: %w: %w", ErrDisconnected, err)
		}
	}
	return n, err
}

// WriteString buffers s for the client. Call Flush to push it to the transport.
func (p *Pipe) WriteString(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(s)
}

// Flush pushes buffered output to the transport.
func (p *Pipe) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

// Send writes s and flushes it, without letting another writer in between.
func (p *Pipe) Send(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeLocked(s); err != nil {
		return err
	}
	return p.flushLocked()
}

// Drain blocks until every write started before it has been handed to the transport.
// Transport writes are synchronous, so once the buffer is flushed under the lock
// nothing is left in flight on this side.
func (p *Pipe) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Pipe) writeLocked(s string) error {
	if !p.Connected() {
		return ErrDisconnected
	}
	encoded, _, err := transform.String(p.enc, s)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	if _, err := p.w.WriteString(encoded); err != nil {
		p.markDisconnected()
		return fmt.Errorf("writing to pipe: %w: %w", ErrDisconnected, err)
	}
	return nil
}

func (p *Pipe) flushLocked() error {
	if !p.Connected() {
		return ErrDisconnected
	}
	if err := p.w.Flush(); err != nil {
		p.markDisconnected()
		return fmt.Errorf("flushing pipe: %w: %w", ErrDisconnected, err)
	}
	return nil
}

// Connected reports whether the client is still believed to be there.
func (p *Pipe) Connected() bool {
	select {
	case <-p.disconnected:
		return false
	default:
		return true
	}
}

// Disconnected is closed once a read or write fails or the pipe is closed.
func (p *Pipe) Disconnected() <-chan struct{} {
	return p.disconnected
}

func (p *Pipe) markDisconnected() {
	p.disconnectOnce.Do(func() { close(p.disconnected) })
}

// Close closes the underlying connection. It is safe to call more than once.
// It does not wait for in-progress writes, so it also unblocks a writer stuck on a slow client.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.markDisconnected()
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}
