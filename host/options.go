package host

import (
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

type Option func(s *Session)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithEncoding sets the text encoding used on the pipe and on the process streams.
func WithEncoding(enc encoding.Encoding) Option {
	return func(s *Session) {
		s.encoding = enc
	}
}

func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *Session) {
		s.keepAliveInterval = d
	}
}

// WithDrainTimeout bounds how long the session waits for the process's output
// streams to close after it exits. Zero waits as long as it takes.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.drainTimeout = d
	}
}

// WithLocalEcho mirrors relayed output to w, stdout in gray and stderr in red.
func WithLocalEcho(w io.Writer) Option {
	return func(s *Session) {
		s.localEcho = newLocalEcho(w)
	}
}

func WithStarter(f Starter) Option {
	return func(s *Session) {
		s.start = f
	}
}

func WithSessionID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}
