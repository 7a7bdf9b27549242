package client

import (
	"context"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/handshake"
	"shv-client/loadbalance"
	"shv-client/registry"
	"shv-client/server"
	"shv-client/session"
)

const service = "broker"

// startBroker runs a broker on a loopback port whose "name" method returns name.
func startBroker(t *testing.T, name string) registry.ServiceInstance {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	svr := server.NewServer(log)
	svr.AddUser("test", "test")
	svr.Handle("", "name", func(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
		return structpb.NewStringValue(name), nil
	})

	ln := listen(t)
	go svr.Serve(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return registry.ServiceInstance{Addr: "tcp://" + ln.Addr().String(), Weight: 1}
}

func testConfig() session.Config {
	log, _ := logtest.NewNullLogger()
	cfg := session.DefaultConfig()
	cfg.Logger = log
	cfg.HeartbeatInterval = 0
	return cfg
}

func newClient(t *testing.T, reg registry.Registry, strategy string, creds session.Credentials) *Client {
	t.Helper()
	bal, err := loadbalance.New(strategy)
	require.NoError(t, err)
	c := NewClient(reg, bal, service, creds, testConfig())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), service, startBroker(t, "a"), 10))
	c := newClient(t, reg, "roundrobin", session.Credentials{User: "test", Password: "test"})

	for i := 0; i < 3; i++ {
		v, err := c.Call(context.Background(), "", "name", nil)
		require.NoError(t, err)
		assert.Equal(t, "a", v.GetStringValue())
	}
	// one session, reused
	states := c.Sessions()
	require.Len(t, states, 1)
	for _, st := range states {
		assert.Equal(t, handshake.Authenticated, st.Phase)
	}
}

func TestClientRoundRobinAcrossBrokers(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	for _, name := range []string{"a", "b"} {
		require.NoError(t, reg.Register(context.Background(), service, startBroker(t, name), 10))
	}
	c := newClient(t, reg, "roundrobin", session.Credentials{User: "test", Password: "test"})

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		v, err := c.Call(context.Background(), "", "name", nil)
		require.NoError(t, err)
		seen[v.GetStringValue()]++
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, seen)
	assert.Len(t, c.Sessions(), 2)
}

func TestClientHashAffinity(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, reg.Register(context.Background(), service, startBroker(t, name), 10))
	}
	c := newClient(t, reg, "hash", session.Credentials{User: "test", Password: "test"})

	first, err := c.Call(context.Background(), "", "name", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		v, err := c.Call(context.Background(), "", "name", nil)
		require.NoError(t, err)
		assert.Equal(t, first.GetStringValue(), v.GetStringValue())
	}
	assert.Len(t, c.Sessions(), 1)
}

func TestClientNoInstances(t *testing.T) {
	c := newClient(t, registry.NewMemoryRegistry(), "", session.Credentials{User: "test", Password: "test"})
	_, err := c.Call(context.Background(), "", "name", nil)
	assert.ErrorIs(t, err, registry.ErrNoInstances)
}

func TestClientLoginFailure(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), service, startBroker(t, "a"), 10))
	c := newClient(t, reg, "", session.Credentials{User: "test", Password: "wrong"})

	_, err := c.Call(context.Background(), "", "name", nil)
	require.ErrorIs(t, err, session.ErrLoginFailed)
	assert.Contains(t, err.Error(), server.ReasonInvalidCredentials)
	assert.Empty(t, c.Sessions())
}

func TestClientWatchEvictsDepartedBrokers(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	inst := startBroker(t, "a")
	require.NoError(t, reg.Register(context.Background(), service, inst, 10))
	c := newClient(t, reg, "", session.Credentials{User: "test", Password: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Watch(ctx)

	_, err := c.Call(context.Background(), "", "name", nil)
	require.NoError(t, err)
	require.Len(t, c.Sessions(), 1)

	require.NoError(t, reg.Deregister(context.Background(), service, inst.Addr))
	assert.Eventually(t, func() bool { return len(c.Sessions()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientClose(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), service, startBroker(t, "a"), 10))
	c := newClient(t, reg, "", session.Credentials{User: "test", Password: "test"})

	s, err := c.Session(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, handshake.Closed, s.State().Phase)

	_, err = c.Call(context.Background(), "", "name", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}
