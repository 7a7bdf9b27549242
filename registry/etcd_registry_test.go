package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要本地 etcd，未设置 ETCD_ENDPOINTS 时跳过
func newEtcd(t *testing.T) *EtcdRegistry {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), 2*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newEtcd(t)
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "ws://127.0.0.1:8001/ws", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "tcp://127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, "broker-test", inst1, 10))
	require.NoError(t, reg.Register(ctx, "broker-test", inst2, 10))

	instances, err := reg.Discover(ctx, "broker-test")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "broker-test", inst1.Addr))
	instances, err = reg.Discover(ctx, "broker-test")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst2.Addr, instances[0].Addr)

	require.NoError(t, reg.Deregister(ctx, "broker-test", inst2.Addr))
}

func TestEtcdWatch(t *testing.T) {
	reg := newEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "broker-watch")
	inst := ServiceInstance{Addr: "tcp://127.0.0.1:9100", Weight: 1}
	require.NoError(t, reg.Register(context.Background(), "broker-watch", inst, 10))

	select {
	case list := <-updates:
		assert.Contains(t, list, inst)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(context.Background(), "broker-watch", inst.Addr))
}
