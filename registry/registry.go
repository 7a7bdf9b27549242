// Package registry lets brokers announce themselves and clients find them.
//
// A broker registers one ServiceInstance per service name it serves; a client discovers
// the instances of a name and hands them to a load balancer. Two implementations exist:
// EtcdRegistry for real deployments and MemoryRegistry for a single process and tests.
package registry

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// KeyPrefix roots every registry key: /shv-client/{service}/{addr}.
const KeyPrefix = "/shv-client/"

var ErrNoInstances = errors.New("registry: no instances")

type ServiceInstance struct {
	Addr    string // Dialable URL, e.g. ws://10.0.0.5:3777/ws or tcp://10.0.0.5:3755
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

func serviceKey(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}

// instanceKey escapes the slashes of URL addresses so each instance stays one key level.
func instanceKey(serviceName, addr string) string {
	return serviceKey(serviceName) + strings.ReplaceAll(addr, "/", "%2F")
}
