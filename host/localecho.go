package host

import (
	"io"

	"github.com/guseggert/elevhost/internal/console"
)

// localEcho mirrors session output on the host's own console.
type localEcho struct {
	output *console.Writer
	errors *console.Writer
}

func newLocalEcho(w io.Writer) *localEcho {
	return &localEcho{
		output: console.NewWriter(w, console.Gray),
		errors: console.NewWriter(w, console.Red),
	}
}

func (e *localEcho) Output(s string) {
	if e == nil {
		return
	}
	_, _ = e.output.WriteString(s)
}

func (e *localEcho) Error(s string) {
	if e == nil {
		return
	}
	_, _ = e.errors.WriteString(s)
}
