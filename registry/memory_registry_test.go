package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "ws://127.0.0.1:8001/ws", Weight: 10}
	inst2 := ServiceInstance{Addr: "tcp://127.0.0.1:8002", Weight: 5}
	require.NoError(t, reg.Register(ctx, "broker", inst1, 10))
	require.NoError(t, reg.Register(ctx, "broker", inst2, 10))

	instances, err := reg.Discover(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2, inst1}, instances)

	require.NoError(t, reg.Deregister(ctx, "broker", inst1.Addr))
	instances, err = reg.Discover(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	instances, err = reg.Discover(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "broker")
	inst := ServiceInstance{Addr: "tcp://127.0.0.1:9100"}
	require.NoError(t, reg.Register(context.Background(), "broker", inst, 10))
	require.NoError(t, reg.Register(context.Background(), "other", ServiceInstance{Addr: "x"}, 10))

	assert.Equal(t, []ServiceInstance{inst}, <-updates)

	// 未读的更新被最新列表覆盖
	require.NoError(t, reg.Deregister(context.Background(), "broker", inst.Addr))
	require.NoError(t, reg.Register(context.Background(), "broker", inst, 10))
	assert.Equal(t, []ServiceInstance{inst}, <-updates)

	cancel()
	for range updates {
	}
}

func TestInstanceKeyEscapesURL(t *testing.T) {
	assert.Equal(t, "/shv-client/broker/ws:%2F%2Fhost:1%2Fws", instanceKey("broker", "ws://host:1/ws"))
}
