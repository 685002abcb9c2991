package protocol

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		name string
		in   string
		exp  []string
	}{
		{
			name: "empty",
			in:   "",
		},
		{
			name: "only literal",
			in:   "dir c:\\\r\n",
			exp:  []string{"dir c:\\\r\n"},
		},
		{
			name: "only marker",
			in:   KeyCtrlC,
			exp:  []string{KeyCtrlC},
		},
		{
			name: "literal around marker",
			in:   "abc" + KeyCtrlC + "def",
			exp:  []string{"abc", KeyCtrlC, "def"},
		},
		{
			name: "adjacent markers drop empty runs",
			in:   KeepAlive + KeyCtrlBreak + KeyCtrlC,
			exp:  []string{KeepAlive, KeyCtrlBreak, KeyCtrlC},
		},
		{
			name: "forward order is preserved",
			in:   "first" + KeyCtrlC + "second" + KeyCtrlBreak + "third",
			exp:  []string{"first", KeyCtrlC, "second", KeyCtrlBreak, "third"},
		},
		{
			name: "trailing marker",
			in:   "echo hi\r\n" + KeepAlive,
			exp:  []string{"echo hi\r\n", KeepAlive},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, Split(c.in, InboundMarkers...))
		})
	}
}

func TestSplitPrefersLongestMarker(t *testing.T) {
	assert.Equal(t, []string{"a", "<<", "b"}, Split("a<<b", "<", "<<"))
}

func TestSplitReassembles(t *testing.T) {
	alphabet := []string{"a", "b", " ", "\r\n", "é", KeepAlive, KeyCtrlC, KeyCtrlBreak, Error, ExitCode}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		var sb strings.Builder
		n := rng.Intn(40)
		for j := 0; j < n; j++ {
			sb.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		in := sb.String()

		tokens := Split(in, InboundMarkers...)
		require.Equal(t, in, strings.Join(tokens, ""))
		for _, tok := range tokens {
			require.NotEmpty(t, tok)
			if IsMarker(tok, InboundMarkers...) {
				continue
			}
			for _, m := range InboundMarkers {
				require.NotContains(t, tok, m)
			}
		}
	}
}

func TestFrames(t *testing.T) {
	assert.Equal(t, "\x13^C\r\n\x13", ErrorFrame("^C\r\n"))
	assert.Equal(t, "\x120\x12", ExitCodeFrame(0))
	assert.Equal(t, "\x12-1\x12", ExitCodeFrame(-1))
}
