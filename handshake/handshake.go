// Package handshake drives the two-step broker login as an explicit state machine.
//
//	Disconnected ──Dialing──▶ Connecting ──Opened──▶ AwaitingHelloResponse
//	   ──hello response {nonce}──▶ AwaitingLoginResponse ──login ok──▶ Authenticated
//	                                                    └──login error──▶ LoginFailed(msg)
//
// The Machine does no I/O. The session feeds it transport events and responses, and
// sends whatever request it returns. Authenticated is only reachable through the hello
// and login steps, in that order.
package handshake

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/message"
)

const (
	MethodHello = "hello"
	MethodLogin = "login"

	// ReasonBadHello is the LoginFailed reason for an unusable hello response.
	ReasonBadHello = "bad hello response"
	// ReasonTransport is the LoginFailed reason when the transport cannot be opened.
	ReasonTransport = "transport error"
	// ReasonTimeout is the LoginFailed reason when the handshake takes too long.
	ReasonTimeout = "handshake timeout"
)

var (
	ErrInvalidTransition  = errors.New("handshake: invalid transition")
	ErrUnexpectedResponse = errors.New("handshake: unexpected response")
)

// Credentials are supplied once per session and never change.
type Credentials struct {
	User     string
	Password string
}

// Machine is the login state machine of one session.
type Machine struct {
	creds  Credentials
	hasher Hasher
	nextID func() uint64

	state    State
	awaiting uint64 // id of the hello/login request in flight
}

// NewMachine returns a machine in Disconnected. nextID allocates request ids and must be
// the same generator the session uses for ordinary calls.
func NewMachine(creds Credentials, hasher Hasher, nextID func() uint64) *Machine {
	if hasher == nil {
		hasher = SHA1Hasher
	}
	return &Machine{creds: creds, hasher: hasher, nextID: nextID}
}

func (m *Machine) State() State {
	return m.state
}

// Dialing moves Disconnected to Connecting.
func (m *Machine) Dialing() error {
	if m.state.Phase != Disconnected {
		return errors.Wrapf(ErrInvalidTransition, "dialing from %s", m.state)
	}
	m.state = State{Phase: Connecting}
	return nil
}

// Opened confirms the transport is open and returns the hello request to send.
func (m *Machine) Opened() (*message.RPCMessage, error) {
	if m.state.Phase != Connecting {
		return nil, errors.Wrapf(ErrInvalidTransition, "opened in %s", m.state)
	}
	hello, err := message.NewRequest(m.nextID(), "", MethodHello, nil)
	if err != nil {
		return nil, err
	}
	m.awaiting = hello.RequestID
	m.state = State{Phase: AwaitingHelloResponse}
	return hello, nil
}

// Expects reports whether resp is the response the machine is waiting for.
func (m *Machine) Expects(resp *message.RPCMessage) bool {
	if m.state.Phase != AwaitingHelloResponse && m.state.Phase != AwaitingLoginResponse {
		return false
	}
	return resp.IsResponse() && resp.RequestID == m.awaiting
}

// HandleResponse advances the login with the response to the hello or login request.
// It returns the next request to send (the login request after hello), or nil.
// A response the machine is not waiting for returns ErrUnexpectedResponse and leaves
// the state unchanged.
func (m *Machine) HandleResponse(resp *message.RPCMessage) (*message.RPCMessage, error) {
	if !m.Expects(resp) {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "%s in %s", resp, m.state)
	}

	switch m.state.Phase {
	case AwaitingHelloResponse:
		return m.handleHello(resp)
	default:
		m.handleLogin(resp)
		return nil, nil
	}
}

func (m *Machine) handleHello(resp *message.RPCMessage) (*message.RPCMessage, error) {
	result, err := resp.Outcome()
	if err != nil {
		m.fail(ReasonBadHello)
		return nil, nil
	}
	nonce, err := message.StringField(result, "nonce")
	if err != nil {
		m.fail(ReasonBadHello)
		return nil, nil
	}

	login, err := message.NewRequest(m.nextID(), "", MethodLogin, LoginParams(m.creds.User, m.hasher(m.creds.Password, nonce)))
	if err != nil {
		return nil, err
	}
	m.awaiting = login.RequestID
	m.state = State{Phase: AwaitingLoginResponse}
	return login, nil
}

func (m *Machine) handleLogin(resp *message.RPCMessage) {
	if _, err := resp.Outcome(); err != nil {
		m.fail(err.Error())
		return
	}
	m.awaiting = 0
	m.state = State{Phase: Authenticated}
}

// Fail ends a handshake in progress with LoginFailed(reason). It is a no-op once the
// handshake has finished.
func (m *Machine) Fail(reason string) {
	if m.state.Phase == Disconnected || m.state.Handshaking() {
		m.fail(reason)
	}
}

func (m *Machine) fail(reason string) {
	m.awaiting = 0
	m.state = State{Phase: LoginFailed, Reason: reason}
}

// TransportClosed records loss of the transport. A session that already failed to log
// in keeps its LoginFailed reason; every other state becomes Closed.
func (m *Machine) TransportClosed() {
	if m.state.Phase == LoginFailed {
		return
	}
	m.awaiting = 0
	m.state = State{Phase: Closed}
}

// Close records an explicit disconnect. It always ends in Closed.
func (m *Machine) Close() {
	m.awaiting = 0
	m.state = State{Phase: Closed}
}

// LoginParams builds the login request parameters.
func LoginParams(user, hashedPassword string) *structpb.Value {
	return message.MapValue(map[string]any{
		"user":         user,
		"password":     hashedPassword,
		"resetSession": false,
	})
}
