// Package console writes colored text to a terminal without disturbing line endings.
package console

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

const (
	Gray = lipgloss.Color("7")
	Red  = lipgloss.Color("9")
)

// Writer writes text in one foreground color. Color codes are only emitted when w is a terminal.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	style lipgloss.Style
}

func NewWriter(w io.Writer, color lipgloss.Color) *Writer {
	return &Writer{
		w:     w,
		style: lipgloss.NewRenderer(w).NewStyle().Foreground(color),
	}
}

func (c *Writer) Write(b []byte) (int, error) {
	if _, err := c.WriteString(string(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteString reports the length of s on success, not the number of bytes that reached the terminal.
func (c *Writer) WriteString(s string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, Colorize(c.style, s)); err != nil {
		return 0, err
	}
	return len(s), nil
}

// Colorize styles each line separately and keeps the line endings as they were,
// since rendering a multi-line block would pad lines to equal width.
func Colorize(style lipgloss.Style, s string) string {
	var sb strings.Builder
	for len(s) > 0 {
		line := s
		end := ""
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			line = s[:i]
			end = "\n"
			s = s[i+1:]
		} else {
			s = ""
		}
		if strings.HasSuffix(line, "\r") {
			line = line[:len(line)-1]
			end = "\r" + end
		}
		if line != "" {
			line = style.Render(line)
		}
		sb.WriteString(line)
		sb.WriteString(end)
	}
	return sb.String()
}
