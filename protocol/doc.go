/*
Package protocol defines the framing used between an elevated console host and its unprivileged client. Both sides share a single duplex byte pipe, so control information travels in-band as reserved marker characters mixed into ordinary console text.

The client sends two kinds of data to the host: literal keystrokes, which are forwarded to the hosted process's stdin, and the KeyCtrlC and KeyCtrlBreak markers, which ask the host to raise the matching console break in the hosted process.

The host sends the hosted process's stdout verbatim, its stderr wrapped in a pair of Error markers, a KeepAlive marker roughly every half second, and finally the exit code wrapped in a pair of ExitCode markers:

	hello\n  \x13warning\x13  \x00  \x120\x12

The exit code frame is always the last thing the host writes on success. If the pipe closes without one, the client must assume the host failed or the process was killed.

The first message of a session is the ElevationRequest. How it gets there is up to the transport; the agent sends it as a JSON WebSocket message before switching the connection to a raw byte stream.
*/
package protocol
