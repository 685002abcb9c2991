package host

import (
	"errors"
	"fmt"

	"github.com/guseggert/elevhost/protocol"
)

// ErrDisconnected is returned when the client side of the pipe is gone.
// It ends a session, but it is not a fault and is never reported to the client.
var ErrDisconnected = errors.New("pipe disconnected")

// StartError is returned when the hosted process could not be created.
type StartError struct {
	Request protocol.ElevationRequest
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting %q: %s", e.Request.FileName, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
