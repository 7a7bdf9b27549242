package handshake

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/message"
)

func counter() func() uint64 {
	var n uint64
	return func() uint64 {
		n++
		return n
	}
}

func newTestMachine(hasher Hasher) *Machine {
	return NewMachine(Credentials{User: "test", Password: "test"}, hasher, counter())
}

// openMachine walks the machine to AwaitingHelloResponse and returns the hello request.
func openMachine(t *testing.T, m *Machine) *message.RPCMessage {
	t.Helper()
	require.NoError(t, m.Dialing())
	assert.Equal(t, Connecting, m.State().Phase)
	hello, err := m.Opened()
	require.NoError(t, err)
	assert.Equal(t, AwaitingHelloResponse, m.State().Phase)
	return hello
}

func nonceResponse(id uint64, nonce string) *message.RPCMessage {
	return message.NewResponse(id, message.MapValue(map[string]any{"nonce": nonce}))
}

func TestHelloHasNoParams(t *testing.T) {
	m := newTestMachine(nil)
	hello := openMachine(t, m)

	assert.Equal(t, MethodHello, hello.Method)
	assert.Equal(t, "", hello.Path)
	assert.Nil(t, hello.Params)
	assert.True(t, hello.HasRequestID)
}

func TestLoginPasswordIsConfiguredHash(t *testing.T) {
	var gotPassword, gotNonce string
	hasher := func(password, nonce string) string {
		gotPassword, gotNonce = password, nonce
		return "hashed:" + password + ":" + nonce
	}
	m := newTestMachine(hasher)
	hello := openMachine(t, m)

	login, err := m.HandleResponse(nonceResponse(hello.RequestID, "abc123"))
	require.NoError(t, err)
	require.NotNil(t, login)
	assert.Equal(t, AwaitingLoginResponse, m.State().Phase)

	assert.Equal(t, "test", gotPassword)
	assert.Equal(t, "abc123", gotNonce)

	assert.Equal(t, MethodLogin, login.Method)
	assert.NotEqual(t, hello.RequestID, login.RequestID)
	pw, err := message.StringField(login.Params, "password")
	require.NoError(t, err)
	assert.Equal(t, "hashed:test:abc123", pw)
	user, err := message.StringField(login.Params, "user")
	require.NoError(t, err)
	assert.Equal(t, "test", user)
	reset, err := message.BoolField(login.Params, "resetSession")
	require.NoError(t, err)
	assert.False(t, reset)
}

func TestDefaultHasherIsSHA1(t *testing.T) {
	m := newTestMachine(nil)
	hello := openMachine(t, m)

	login, err := m.HandleResponse(nonceResponse(hello.RequestID, "abc123"))
	require.NoError(t, err)
	pw, err := message.StringField(login.Params, "password")
	require.NoError(t, err)
	assert.Equal(t, SHA1Hasher("test", "abc123"), pw)
}

func TestSHA1Hasher(t *testing.T) {
	// sha1("test") = a94a8fe5ccb19ba61c4c0873d391e987982fbbd3
	// sha1("n1" + that) computed independently
	h := SHA1Hasher("test", "n1")
	assert.Len(t, h, 40)
	assert.Equal(t, h, SHA1Hasher("test", "n1"))
	assert.NotEqual(t, h, SHA1Hasher("test", "n2"))
	assert.NotEqual(t, h, SHA1Hasher("other", "n1"))
}

func TestLoginSuccess(t *testing.T) {
	m := newTestMachine(nil)
	hello := openMachine(t, m)
	login, err := m.HandleResponse(nonceResponse(hello.RequestID, "n1"))
	require.NoError(t, err)

	next, err := m.HandleResponse(message.NewResponse(login.RequestID, structpb.NewNullValue()))
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, State{Phase: Authenticated}, m.State())
}

func TestLoginError(t *testing.T) {
	m := newTestMachine(nil)
	hello := openMachine(t, m)
	login, err := m.HandleResponse(nonceResponse(hello.RequestID, "n1"))
	require.NoError(t, err)

	_, err = m.HandleResponse(message.NewErrorResponse(login.RequestID, message.NewRPCError(-32000, "invalid credentials")))
	require.NoError(t, err)
	assert.Equal(t, State{Phase: LoginFailed, Reason: "invalid credentials"}, m.State())
	assert.Equal(t, `LoginFailed("invalid credentials")`, m.State().String())
}

func TestBadHelloResponses(t *testing.T) {
	cases := map[string]func(id uint64) *message.RPCMessage{
		"error result": func(id uint64) *message.RPCMessage {
			return message.NewErrorResponse(id, message.NewRPCError(-1, "nope"))
		},
		"missing nonce": func(id uint64) *message.RPCMessage {
			return message.NewResponse(id, message.MapValue(map[string]any{"other": "x"}))
		},
		"not a map": func(id uint64) *message.RPCMessage {
			return message.NewResponse(id, structpb.NewStringValue("abc"))
		},
		"nonce not a string": func(id uint64) *message.RPCMessage {
			return message.NewResponse(id, message.MapValue(map[string]any{"nonce": 12}))
		},
		"no branches": func(id uint64) *message.RPCMessage {
			return &message.RPCMessage{RequestID: id, HasRequestID: true}
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			m := newTestMachine(nil)
			hello := openMachine(t, m)
			next, err := m.HandleResponse(build(hello.RequestID))
			require.NoError(t, err)
			assert.Nil(t, next)
			assert.Equal(t, State{Phase: LoginFailed, Reason: ReasonBadHello}, m.State())
		})
	}
}

func TestUnexpectedResponseLeavesStateAlone(t *testing.T) {
	m := newTestMachine(nil)
	hello := openMachine(t, m)

	_, err := m.HandleResponse(nonceResponse(hello.RequestID+100, "n1"))
	assert.True(t, errors.Is(err, ErrUnexpectedResponse))
	assert.Equal(t, AwaitingHelloResponse, m.State().Phase)

	req, _ := message.NewRequest(hello.RequestID, "", "ping", nil)
	assert.False(t, m.Expects(req))
}

func TestNoPathSkipsHello(t *testing.T) {
	m := newTestMachine(nil)

	// A response before the transport is open cannot authenticate.
	_, err := m.HandleResponse(message.NewResponse(1, structpb.NewNullValue()))
	assert.True(t, errors.Is(err, ErrUnexpectedResponse))
	assert.Equal(t, Disconnected, m.State().Phase)

	require.NoError(t, m.Dialing())
	_, err = m.HandleResponse(message.NewResponse(1, structpb.NewNullValue()))
	assert.True(t, errors.Is(err, ErrUnexpectedResponse))
	assert.Equal(t, Connecting, m.State().Phase)

	// A login-like success answering hello is treated as a hello response without nonce.
	hello, err := m.Opened()
	require.NoError(t, err)
	_, err = m.HandleResponse(message.NewResponse(hello.RequestID, structpb.NewNullValue()))
	require.NoError(t, err)
	assert.Equal(t, LoginFailed, m.State().Phase)
}

func TestInvalidTransitions(t *testing.T) {
	m := newTestMachine(nil)
	_, err := m.Opened()
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, m.Dialing())
	assert.True(t, errors.Is(m.Dialing(), ErrInvalidTransition))
}

func TestTransportClosed(t *testing.T) {
	m := newTestMachine(nil)
	openMachine(t, m)
	m.TransportClosed()
	assert.Equal(t, State{Phase: Closed}, m.State())

	failed := newTestMachine(nil)
	hello := openMachine(t, failed)
	_, _ = failed.HandleResponse(message.NewResponse(hello.RequestID, structpb.NewNullValue()))
	failed.TransportClosed()
	assert.Equal(t, State{Phase: LoginFailed, Reason: ReasonBadHello}, failed.State())

	failed.Close()
	assert.Equal(t, State{Phase: Closed}, failed.State())
}

func TestFail(t *testing.T) {
	m := newTestMachine(nil)
	require.NoError(t, m.Dialing())
	m.Fail(ReasonTransport)
	assert.Equal(t, State{Phase: LoginFailed, Reason: ReasonTransport}, m.State())

	// no effect after authentication
	ok := newTestMachine(nil)
	hello := openMachine(t, ok)
	login, _ := ok.HandleResponse(nonceResponse(hello.RequestID, "n"))
	_, _ = ok.HandleResponse(message.NewResponse(login.RequestID, nil))
	ok.Fail(ReasonTimeout)
	assert.Equal(t, Authenticated, ok.State().Phase)
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, State{Phase: Connecting}.Handshaking())
	assert.True(t, State{Phase: AwaitingLoginResponse}.Handshaking())
	assert.False(t, State{Phase: Authenticated}.Handshaking())
	assert.True(t, State{Phase: Closed}.Done())
	assert.True(t, State{Phase: LoginFailed}.Done())
	assert.False(t, State{Phase: Authenticated}.Done())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}
