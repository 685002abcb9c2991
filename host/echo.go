package host

import (
	"sync"
	"unicode/utf8"
)

// EchoSuppressor removes the client's own keystrokes from the process output.
// The client renders input locally before sending it, so when the hosted console
// echoes it back it would show up twice.
//
// Only an exact prefix match is stripped. This is a heuristic for the plain echo
// case, not general deduplication.
type EchoSuppressor struct {
	mu      sync.Mutex
	pending string
}

// RecordInbound remembers literal input sent to the process.
func (e *EchoSuppressor) RecordInbound(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending += s
}

// ClearInbound forgets all recorded input.
// Called after every control signal so its echo is never swallowed.
func (e *EchoSuppressor) ClearInbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = ""
}

// FilterOutbound strips the longest common prefix of chunk and the recorded input
// from both. It returns false when nothing is left to emit.
func (e *EchoSuppressor) FilterOutbound(chunk string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != "" {
		k := commonPrefixLen(chunk, e.pending)
		chunk = chunk[k:]
		e.pending = e.pending[k:]
	}
	return chunk, chunk != ""
}

// Pending returns the input not yet seen echoed.
func (e *EchoSuppressor) Pending() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func commonPrefixLen(a, b string) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	// never split a multibyte rune
	for i > 0 && ((i < len(a) && !utf8.RuneStart(a[i])) || (i < len(b) && !utf8.RuneStart(b[i]))) {
		i--
	}
	return i
}
