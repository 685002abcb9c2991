package protocol

import (
	"strconv"
	"strings"
)

const (
	// KeepAlive is written by the host periodically so a silently dropped client is noticed.
	KeepAlive = "\x00"
	// ExitCode is written in pairs around the decimal exit code of the hosted process.
	ExitCode = "\x12"
	// Error is written in pairs around diagnostic text.
	Error = "\x13"
	// KeyCtrlC asks the host to raise Ctrl+C in the hosted process.
	KeyCtrlC = "\x14"
	// KeyCtrlBreak asks the host to raise Ctrl+Break in the hosted process.
	KeyCtrlBreak = "\x15"
)

// InboundMarkers are the markers the host recognizes in client input.
var InboundMarkers = []string{KeepAlive, KeyCtrlBreak, KeyCtrlC}

// OutboundMarkers are the markers the client recognizes in host output.
var OutboundMarkers = []string{KeepAlive, ExitCode, Error}

// Split breaks s into literal runs and markers, in the order they appear.
// Markers are returned as their own elements. Empty literal runs are dropped,
// so joining the result always gives back s.
func Split(s string, markers ...string) []string {
	var tokens []string
	for len(s) > 0 {
		idx, marker := nextMarker(s, markers)
		if idx < 0 {
			tokens = append(tokens, s)
			break
		}
		if idx > 0 {
			tokens = append(tokens, s[:idx])
		}
		tokens = append(tokens, marker)
		s = s[idx+len(marker):]
	}
	return tokens
}

// nextMarker finds the earliest marker in s. Ties go to the longest marker.
func nextMarker(s string, markers []string) (int, string) {
	best := -1
	var found string
	for _, m := range markers {
		if m == "" {
			continue
		}
		i := strings.Index(s, m)
		if i < 0 {
			continue
		}
		if best < 0 || i < best || (i == best && len(m) > len(found)) {
			best = i
			found = m
		}
	}
	return best, found
}

// IsMarker reports whether tok is exactly one of the markers.
func IsMarker(tok string, markers ...string) bool {
	for _, m := range markers {
		if tok == m {
			return true
		}
	}
	return false
}

// ErrorFrame wraps msg in a pair of Error markers.
func ErrorFrame(msg string) string {
	return Error + msg + Error
}

// ExitCodeFrame wraps the decimal exit code in a pair of ExitCode markers.
func ExitCodeFrame(code int) string {
	return ExitCode + strconv.Itoa(code) + ExitCode
}
