package handshake

import "fmt"

// Phase is the coarse session state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	AwaitingHelloResponse
	AwaitingLoginResponse
	Authenticated
	LoginFailed
	Closed
)

var phaseNames = [...]string{
	"Disconnected",
	"Connecting",
	"AwaitingHelloResponse",
	"AwaitingLoginResponse",
	"Authenticated",
	"LoginFailed",
	"Closed",
}

func (p Phase) String() string {
	if p < Disconnected || p > Closed {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// State is one session state. Reason is set only for LoginFailed.
type State struct {
	Phase  Phase
	Reason string
}

func (s State) String() string {
	if s.Phase == LoginFailed {
		return fmt.Sprintf("LoginFailed(%q)", s.Reason)
	}
	return s.Phase.String()
}

// Handshaking reports whether the login sequence is still in progress.
func (s State) Handshaking() bool {
	switch s.Phase {
	case Connecting, AwaitingHelloResponse, AwaitingLoginResponse:
		return true
	}
	return false
}

// Done reports whether the state can no longer change on its own
// (only Disconnect moves a LoginFailed session to Closed).
func (s State) Done() bool {
	return s.Phase == LoginFailed || s.Phase == Closed
}
