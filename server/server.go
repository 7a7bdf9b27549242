// Package server is an in-process broker: it accepts session clients over TCP or
// WebSocket, performs the broker side of the hello/login handshake and serves calls on
// a tree of nodes.
//
// Request processing pipeline:
//
//	Accept conn → transport → ServeTransport (single goroutine reads frames)
//	  → hello / login handled in order on the read goroutine
//	  → every other request: go handleRequest (parallel processing)
//	    → Middleware Chain → dispatch (node lookup) → Method → Codec.Encode → write response
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/codec"
	"shv-client/handshake"
	"shv-client/message"
	"shv-client/middleware"
	"shv-client/protocol"
	"shv-client/registry"
	"shv-client/transport"
)

const (
	MethodDir = "dir"
	MethodLs  = "ls"

	ReasonInvalidCredentials = "invalid credentials"
)

// Server is the broker.
type Server struct {
	log    logrus.FieldLogger
	limits protocol.Limits
	hasher handshake.Hasher
	nonce  func() string

	mu          sync.RWMutex
	users       map[string]string            // user → password
	nodes       map[string]map[string]Method // path → method → handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	listeners   []net.Listener
	peers       map[*peer]struct{}
	clientIDs   atomic.Int64

	wg       sync.WaitGroup // in-flight requests, for graceful shutdown
	shutdown atomic.Bool

	registry  registry.Registry
	announced []announcement
}

type announcement struct {
	service string
	addr    string
}

// NewServer creates a broker with no users and only the builtin dir/ls methods.
func NewServer(log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		log:    log.WithField("component", "broker"),
		limits: protocol.DefaultLimits(),
		hasher: handshake.SHA1Hasher,
		nonce:  randomNonce,
		users:  make(map[string]string),
		nodes:  make(map[string]map[string]Method),
		peers:  make(map[*peer]struct{}),
	}
}

// AddUser allows user to log in with password.
func (svr *Server) AddUser(user, password string) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.users[user] = password
}

// SetNonce replaces the nonce generator used for hello responses.
func (svr *Server) SetNonce(fn func() string) {
	svr.nonce = fn
}

// SetLimits sets the frame limits of connections accepted afterwards.
func (svr *Server) SetLimits(limits protocol.Limits) {
	svr.limits = limits
}

// Handle registers fn as method on the node at path. The node is created if needed.
func (svr *Server) Handle(path, method string, fn Method) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.nodes[path] == nil {
		svr.nodes[path] = make(map[string]Method)
	}
	svr.nodes[path][method] = fn
}

// Register exposes every method of rcvr with the Method signature on the node at path.
func (svr *Server) Register(path string, rcvr any) error {
	methods, err := methodsOf(rcvr)
	if err != nil {
		return err
	}
	for name, fn := range methods {
		svr.Handle(path, name, fn)
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.handler = nil
}

// chain builds the middleware chain once and caches it until the next Use.
func (svr *Server) chain() middleware.HandlerFunc {
	svr.mu.RLock()
	h := svr.handler
	svr.mu.RUnlock()
	if h != nil {
		return h
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.handler == nil {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	}
	return svr.handler
}

// Serve accepts stream connections on l until Shutdown.
func (svr *Server) Serve(l net.Listener) error {
	svr.mu.Lock()
	svr.listeners = append(svr.listeners, l)
	svr.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			// listener.Close() during Shutdown makes Accept fail
			if svr.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "server: accept")
		}
		go svr.ServeTransport(transport.NewStream(conn, svr.limits, svr.log))
	}
}

// ListenAndServe listens on a TCP address and serves it.
func (svr *Server) ListenAndServe(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "server: listen %s", address)
	}
	return svr.Serve(l)
}

// ServeHTTP upgrades the request to a WebSocket and serves it until it closes.
func (svr *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if svr.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := transport.Upgrader().Upgrade(w, r, nil)
	if err != nil {
		svr.log.WithError(err).Debug("websocket upgrade")
		return
	}
	svr.ServeTransport(transport.NewWebSocket(conn, svr.limits, svr.log))
}

// ServeTransport runs the broker side of one session over tr until it closes.
func (svr *Server) ServeTransport(tr transport.Transport) {
	p := &peer{tr: tr, log: svr.log}
	svr.mu.Lock()
	svr.peers[p] = struct{}{}
	svr.mu.Unlock()
	defer func() {
		svr.mu.Lock()
		delete(svr.peers, p)
		svr.mu.Unlock()
		tr.Close()
	}()

	for frame := range tr.Inbound() {
		header, body, err := protocol.Unpack(frame, svr.limits)
		if err != nil {
			p.log.WithError(err).Warn("bad frame header, closing")
			return
		}
		// Skip heartbeat frames, they exist only to keep the connection alive
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		c := codec.GetCodec(codec.CodecType(header.CodecType))
		msg := &message.RPCMessage{}
		if err := c.Decode(body, msg); err != nil {
			p.log.WithError(err).Warn("dropping undecodable frame")
			continue
		}

		switch msg.Kind() {
		case message.KindRequest:
			svr.handleRequest(p, c, msg)
		case message.KindNotification:
			p.log.WithField("method", msg.Method).Debug("notification from client")
		default:
			p.log.WithField("message", msg.String()).Debug("ignoring")
		}
	}
}

// handleRequest answers the handshake inline so hello and login keep their order, and
// every other request in its own goroutine.
func (svr *Server) handleRequest(p *peer, c codec.Codec, req *message.RPCMessage) {
	if req.Path == "" && req.Method == handshake.MethodHello {
		p.reply(c, svr.hello(p, req))
		return
	}
	if req.Path == "" && req.Method == handshake.MethodLogin {
		p.reply(c, svr.login(p, req))
		return
	}
	if !p.authenticated() {
		p.reply(c, message.NewErrorResponse(req.RequestID,
			message.NewRPCError(message.CodeLoginRequired, "login required")))
		return
	}

	svr.wg.Add(1)
	go func() {
		defer svr.wg.Done()
		ctx := context.WithValue(context.Background(), userKey{}, p.user())
		p.reply(c, svr.chain()(ctx, req))
	}()
}

func (svr *Server) hello(p *peer, req *message.RPCMessage) *message.RPCMessage {
	nonce := svr.nonce()
	p.mu.Lock()
	p.nonceValue = nonce
	p.mu.Unlock()
	return message.NewResponse(req.RequestID, message.MapValue(map[string]any{"nonce": nonce}))
}

func (svr *Server) login(p *peer, req *message.RPCMessage) *message.RPCMessage {
	p.mu.Lock()
	nonce := p.nonceValue
	p.mu.Unlock()
	if nonce == "" {
		return message.NewErrorResponse(req.RequestID,
			message.NewRPCError(message.CodeInvalidRequest, "hello required before login"))
	}

	user, errUser := message.StringField(req.Params, "user")
	password, errPassword := message.StringField(req.Params, "password")
	if errUser != nil || errPassword != nil {
		return message.NewErrorResponse(req.RequestID,
			message.NewRPCError(message.CodeInvalidParams, "login requires user and password"))
	}

	svr.mu.RLock()
	known, ok := svr.users[user]
	svr.mu.RUnlock()
	if !ok || svr.hasher(known, nonce) != password {
		p.log.WithField("user", user).Warn("login rejected")
		return message.NewErrorResponse(req.RequestID,
			message.NewRPCError(message.CodeLoginRequired, ReasonInvalidCredentials))
	}

	id := svr.clientIDs.Add(1)
	p.mu.Lock()
	p.userName = user
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{"user": user, "client_id": id}).Info("logged in")
	return message.NewResponse(req.RequestID, message.MapValue(map[string]any{"clientId": id}))
}

// dispatch is the innermost handler: it finds the node method and runs it.
func (svr *Server) dispatch(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	switch req.Method {
	case MethodDir:
		return message.NewResponse(req.RequestID, svr.dir(req.Path))
	case MethodLs:
		return message.NewResponse(req.RequestID, svr.ls(req.Path))
	}

	svr.mu.RLock()
	fn := svr.nodes[req.Path][req.Method]
	svr.mu.RUnlock()
	if fn == nil {
		return message.NewErrorResponse(req.RequestID,
			message.NewRPCError(message.CodeMethodNotFound, "method not found: %s:%s", req.Path, req.Method))
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		var rpcErr *message.RPCError
		if errors.As(err, &rpcErr) {
			return message.NewErrorResponse(req.RequestID, rpcErr)
		}
		return message.NewErrorResponse(req.RequestID, message.NewRPCError(message.CodeInternal, "%v", err))
	}
	return message.NewResponse(req.RequestID, result)
}

// dir lists the methods of the node at path, builtins included.
func (svr *Server) dir(path string) *structpb.Value {
	svr.mu.RLock()
	names := []string{MethodDir, MethodLs}
	for name := range svr.nodes[path] {
		names = append(names, name)
	}
	svr.mu.RUnlock()

	sort.Strings(names)
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	v, _ := structpb.NewValue(list)
	return v
}

// ls lists the direct children of path.
func (svr *Server) ls(path string) *structpb.Value {
	prefix := path
	if prefix != "" {
		prefix += "/"
	}

	seen := make(map[string]bool)
	svr.mu.RLock()
	for p := range svr.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		seen[strings.SplitN(strings.TrimPrefix(p, prefix), "/", 2)[0]] = true
	}
	svr.mu.RUnlock()

	children := make([]string, 0, len(seen))
	for c := range seen {
		children = append(children, c)
	}
	sort.Strings(children)
	list := make([]any, len(children))
	for i, c := range children {
		list[i] = c
	}
	v, _ := structpb.NewValue(list)
	return v
}

// Notify sends a notification to every logged-in client and returns how many got it.
func (svr *Server) Notify(path, method string, params *structpb.Value) (int, error) {
	msg, err := message.NewNotification(path, method, params)
	if err != nil {
		return 0, err
	}
	svr.mu.RLock()
	peers := make([]*peer, 0, len(svr.peers))
	for p := range svr.peers {
		if p.authenticated() {
			peers = append(peers, p)
		}
	}
	svr.mu.RUnlock()

	c := codec.GetCodec(codec.CodecTypeJSON)
	sent := 0
	for _, p := range peers {
		if p.send(c, msg, protocol.MsgTypeNotification) == nil {
			sent++
		}
	}
	return sent, nil
}

// Announce registers addr under service in reg; Shutdown deregisters it.
func (svr *Server) Announce(ctx context.Context, reg registry.Registry, service string, instance registry.ServiceInstance, ttl int64) error {
	if err := reg.Register(ctx, service, instance, ttl); err != nil {
		return err
	}
	svr.mu.Lock()
	svr.registry = reg
	svr.announced = append(svr.announced, announcement{service: service, addr: instance.Addr})
	svr.mu.Unlock()
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop picking this broker)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listeners (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close every client connection
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, announced, listeners := svr.registry, svr.announced, svr.listeners
	svr.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, a := range announced {
		if err := reg.Deregister(ctx, a.service, a.addr); err != nil {
			svr.log.WithError(err).Warn("deregister")
		}
	}

	svr.shutdown.Store(true)
	for _, l := range listeners {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New("server: timeout waiting for ongoing requests to finish")
	}

	svr.mu.RLock()
	for p := range svr.peers {
		p.tr.Close()
	}
	svr.mu.RUnlock()
	return err
}

// PeerInfo describes one connected client.
type PeerInfo struct {
	Remote   string `json:"remote"`
	User     string `json:"user,omitempty"`
	Sent     string `json:"sent"`
	Received string `json:"received"`
}

// Peers lists the connected clients sorted by remote address.
func (svr *Server) Peers() []PeerInfo {
	svr.mu.RLock()
	infos := make([]PeerInfo, 0, len(svr.peers))
	for p := range svr.peers {
		sent, received := p.tr.Traffic()
		infos = append(infos, PeerInfo{
			Remote:   p.tr.Remote(),
			User:     p.user(),
			Sent:     sizestr.ToString(sent),
			Received: sizestr.ToString(received),
		})
	}
	svr.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Remote < infos[j].Remote })
	return infos
}

type userKey struct{}

// UserFromContext returns the logged-in user a method runs for.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

// UserKey buckets rate limits per logged-in user.
func UserKey(ctx context.Context, _ *message.RPCMessage) string {
	return UserFromContext(ctx)
}

func randomNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// peer is one client connection.
type peer struct {
	tr  transport.Transport
	log logrus.FieldLogger

	mu         sync.Mutex
	nonceValue string
	userName   string
}

func (p *peer) authenticated() bool {
	return p.user() != ""
}

func (p *peer) user() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userName
}

func (p *peer) reply(c codec.Codec, resp *message.RPCMessage) {
	if err := p.send(c, resp, protocol.MsgTypeResponse); err != nil {
		p.log.WithError(err).Warn("failed to write response")
	}
}

func (p *peer) send(c codec.Codec, msg *message.RPCMessage, msgType protocol.MsgType) error {
	body, err := c.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "server: encode")
	}
	frame := protocol.AppendFrame(nil, &protocol.Header{CodecType: byte(c.Type()), MsgType: msgType}, body)
	return p.tr.Send(context.Background(), frame)
}
