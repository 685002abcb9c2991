package host

import (
	"errors"
	"io"
	"net"
	"os"
)

const pumpBufSize = 4096

// Pump reads r in chunks of whatever size is available and hands each one to onChunk.
// onChunk returns before the next read is issued, so chunks arrive in source order.
//
// Pump returns nil when r reaches EOF, when r was closed locally, or when onChunk
// reports ErrDisconnected. Other errors from r or onChunk are returned.
func Pump(r io.Reader, onChunk func(chunk string) error) error {
	buf := make([]byte, pumpBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if herr := onChunk(string(buf[:n])); herr != nil {
				if errors.Is(herr, ErrDisconnected) {
					return nil
				}
				return herr
			}
		}
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrDisconnected)
}
