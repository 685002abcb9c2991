package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadExitCode = errors.New("malformed exit code frame")

type EventKind int

const (
	EventOutput EventKind = iota
	EventError
	EventExitCode
	EventKeepAlive
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventError:
		return "error"
	case EventExitCode:
		return "exitcode"
	case EventKeepAlive:
		return "keepalive"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one decoded piece of host output.
// Text is set for output and error events, Code for exit code events.
type Event struct {
	Kind EventKind
	Text string
	Code int
}

type decoderMode int

const (
	modeOutput decoderMode = iota
	modeError
	modeExitCode
)

// Decoder turns the host's output stream back into events.
// Markers may arrive split across any chunk boundary, so the decoder keeps
// track of open frames between calls to Feed.
// Error text is emitted as it arrives rather than buffered until the frame closes.
type Decoder struct {
	mode    decoderMode
	code    strings.Builder
	exited  bool
	exitVal int
}

// Feed decodes the next chunk of host output.
func (d *Decoder) Feed(chunk string) ([]Event, error) {
	var events []Event
	for _, tok := range Split(chunk, OutboundMarkers...) {
		switch tok {
		case KeepAlive:
			events = append(events, Event{Kind: EventKeepAlive})
		case Error:
			switch d.mode {
			case modeOutput:
				d.mode = modeError
			case modeError:
				d.mode = modeOutput
			case modeExitCode:
				return events, fmt.Errorf("error marker inside exit code frame: %w", ErrBadExitCode)
			}
		case ExitCode:
			switch d.mode {
			case modeOutput:
				d.mode = modeExitCode
				d.code.Reset()
			case modeExitCode:
				code, err := strconv.Atoi(d.code.String())
				if err != nil {
					return events, fmt.Errorf("parsing exit code %q: %w", d.code.String(), ErrBadExitCode)
				}
				d.mode = modeOutput
				d.exited = true
				d.exitVal = code
				events = append(events, Event{Kind: EventExitCode, Code: code})
			case modeError:
				// an exit marker can't appear inside diagnostic text the host wrote
				events = append(events, Event{Kind: EventError, Text: tok})
			}
		default:
			switch d.mode {
			case modeOutput:
				events = append(events, Event{Kind: EventOutput, Text: tok})
			case modeError:
				events = append(events, Event{Kind: EventError, Text: tok})
			case modeExitCode:
				d.code.WriteString(tok)
			}
		}
	}
	return events, nil
}

// ExitCode returns the exit code, and whether an exit code frame has been decoded.
func (d *Decoder) ExitCode() (int, bool) {
	return d.exitVal, d.exited
}
