package protocol

// ElevationRequest describes the command to launch on the elevated side.
// It is consumed once, at the start of a session.
type ElevationRequest struct {
	FileName    string `json:"fileName"`
	Arguments   string `json:"arguments"`
	StartFolder string `json:"startFolder"`

	// Environment holds extra KEY=VALUE entries appended to the host environment.
	Environment []string `json:"environment,omitempty"`
}
