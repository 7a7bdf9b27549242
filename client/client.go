// Package client reaches a broker by service name: it discovers instances in a registry,
// picks one with a load balancer and keeps one authenticated session per broker.
package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/handshake"
	"shv-client/loadbalance"
	"shv-client/registry"
	"shv-client/session"
)

var ErrClientClosed = errors.New("client: closed")

type Client struct {
	registry registry.Registry // find broker instances from registry
	balancer loadbalance.Balancer
	service  string
	creds    session.Credentials
	cfg      session.Config
	log      logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*session.Session // broker address → session
	closed   bool
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, service string, creds session.Credentials, cfg session.Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		registry: reg,
		balancer: bal,
		service:  service,
		creds:    creds,
		cfg:      cfg,
		log:      log.WithField("service", service),
		sessions: make(map[string]*session.Session),
	}
}

// Session returns an authenticated session to one of the service's brokers, opening it
// if needed.
func (c *Client) Session(ctx context.Context) (*session.Session, error) {
	// Get broker instances from registry
	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return nil, err
	}

	// Select an instance using load balancer; the user keeps hash affinity
	instance, err := c.balancer.Pick(instances, c.creds.User)
	if err != nil {
		return nil, errors.Wrapf(err, "client: %s", c.service)
	}
	return c.getSession(ctx, instance.Addr)
}

func (c *Client) getSession(ctx context.Context, addr string) (*session.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	s, ok := c.sessions[addr]
	if ok && s.State().Done() {
		// the old session ended; forget it and open a new one
		delete(c.sessions, addr)
		ok = false
		go s.Disconnect()
	}
	if !ok {
		// dial bounded by ConnectTimeout, not by the caller's ctx
		var err error
		s, err = session.Connect(context.Background(), addr, c.creds, c.cfg)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.sessions[addr] = s
		c.log.WithField("addr", addr).Info("opened session")
	}
	c.mu.Unlock()
	return c.authenticated(ctx, addr, s)
}

func (c *Client) authenticated(ctx context.Context, addr string, s *session.Session) (*session.Session, error) {
	if err := s.WaitAuthenticated(ctx); err != nil {
		if s.State().Done() {
			c.evict(addr, s)
		}
		return nil, errors.Wrapf(err, "client: %s", addr)
	}
	return s, nil
}

// Call sends one request through a broker of the service and waits for the result.
func (c *Client) Call(ctx context.Context, path, method string, params *structpb.Value) (*structpb.Value, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, path, method, params)
}

// Watch drops sessions to brokers that leave the registry until ctx ends. It returns
// once the watch is established.
func (c *Client) Watch(ctx context.Context) {
	updates := c.registry.Watch(ctx, c.service)
	go c.follow(updates)
}

func (c *Client) follow(updates <-chan []registry.ServiceInstance) {
	for instances := range updates {
		live := make(map[string]bool, len(instances))
		for _, inst := range instances {
			live[inst.Addr] = true
		}

		c.mu.Lock()
		var gone []*session.Session
		for addr, s := range c.sessions {
			if !live[addr] {
				delete(c.sessions, addr)
				gone = append(gone, s)
				c.log.WithField("addr", addr).Info("broker left the registry")
			}
		}
		c.mu.Unlock()

		for _, s := range gone {
			s.Disconnect()
		}
	}
}

// Sessions reports the state of every cached session by broker address.
func (c *Client) Sessions() map[string]handshake.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make(map[string]handshake.State, len(c.sessions))
	for addr, s := range c.sessions {
		states[addr] = s.State()
	}
	return states
}

// Close disconnects every session. Later calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[string]*session.Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	return nil
}

func (c *Client) evict(addr string, s *session.Session) {
	c.mu.Lock()
	if c.sessions[addr] == s {
		delete(c.sessions, addr)
	}
	c.mu.Unlock()
	s.Disconnect()
}
