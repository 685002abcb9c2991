/*
Package host runs a single command on behalf of a remote client and relays its console I/O over one duplex pipe, using the framing in package protocol.

A Session owns the pipe and the hosted process for its whole life. Three pumps run while the process is alive: stdout to the pipe (with the client's echoed keystrokes stripped), stderr to the pipe wrapped in error frames, and the pipe to stdin (with break markers turned into console signals). A supervising loop writes a keep-alive to the pipe every half second, which is how a client that silently went away is noticed.

When the process exits first, the session waits for its output to be fully relayed, writes the exit code frame and closes the pipe. When the pipe goes away first, the process is stopped with an escalating cascade (break, graceful close, kill of the whole process tree) and no exit code is written.

Processes are scoped to the pipe. Nothing outlives the session.
*/
package host
