// Package session is the RPC session client: it opens a transport, logs in with the
// broker's hello/login handshake, then multiplexes any number of calls over that one
// transport.
//
// One event-loop goroutine per session owns every state transition. It reads inbound
// frames, decodes each exactly once, and dispatches it:
//
//	frame → header → codec → response?  ── handshake waiting for it → handshake.Machine
//	                                    └─ otherwise                  → pending.Registry
//	                         request?       answered with "method not found"
//	                         notification?  published as an event
//
// Callers on any goroutine use Go or Call once the session is Authenticated. Outbound
// encode and send are serialized by a mutex so frames never interleave.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/codec"
	"shv-client/handshake"
	"shv-client/message"
	"shv-client/pending"
	"shv-client/protocol"
	"shv-client/transport"
)

var (
	ErrTransport        = errors.New("session: transport error")
	ErrDisconnected     = errors.New("session: disconnected")
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrLoginFailed      = errors.New("session: login failed")
)

// Session is one authenticated connection to a broker.
type Session struct {
	url   string
	cfg   Config
	log   logrus.FieldLogger
	codec codec.Codec

	ids     pending.IDGenerator
	pending *pending.Registry
	machine *handshake.Machine // mutated by the event loop only, or by Disconnect after it
	events  *hub

	mu      sync.RWMutex
	state   handshake.State
	changed chan struct{} // closed and replaced on every state change
	tr      transport.Transport
	cause   error // why the session failed or closed, if not by Disconnect

	sending sync.Mutex

	quit       chan struct{}
	done       chan struct{}
	cancelDial context.CancelFunc
	disconnect sync.Once
}

func newSession(url string, creds Credentials, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		url:     url,
		cfg:     cfg,
		log:     cfg.Logger.WithField("url", url),
		codec:   codec.GetCodec(cfg.Codec),
		pending: pending.NewRegistry(),
		events:  newHub(),
		changed: make(chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.machine = handshake.NewMachine(creds, cfg.Hasher, s.ids.Next)
	s.state = s.machine.State()
	return s
}

// Connect starts a session to rawURL (ws://, wss:// or tcp://) and returns as soon as
// the session exists; dialing and login continue in the background. ctx bounds the dial
// only. An unusable URL is reported here; a failed dial leaves the session in
// LoginFailed("transport error"), observable through State and WaitAuthenticated.
func Connect(ctx context.Context, rawURL string, creds Credentials, cfg Config) (*Session, error) {
	if _, err := transport.ParseURL(rawURL); err != nil {
		return nil, err
	}
	s := newSession(rawURL, creds, cfg)
	var (
		dialCtx context.Context
		cancel  context.CancelFunc
	)
	if s.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	s.cancelDial = cancel
	s.begin()

	opts := transport.Options{
		Limits:           s.cfg.Limits,
		HandshakeTimeout: s.cfg.ConnectTimeout,
		Header:           s.cfg.Header,
		Logger:           s.cfg.Logger,
	}
	go s.run(func() (transport.Transport, error) {
		defer cancel()
		return transport.Dial(dialCtx, rawURL, opts)
	})
	return s, nil
}

// ConnectTransport starts a session over an already opened transport.
func ConnectTransport(tr transport.Transport, creds Credentials, cfg Config) *Session {
	s := newSession("", creds, cfg)
	s.begin()
	go s.run(func() (transport.Transport, error) { return tr, nil })
	return s
}

// begin moves Disconnected to Connecting before the loop starts.
func (s *Session) begin() {
	if err := s.machine.Dialing(); err != nil {
		panic(err)
	}
	s.syncState()
}

// State returns a snapshot of the current session state.
func (s *Session) State() handshake.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe returns a channel of session events and a function that ends the
// subscription. buffer <= 0 uses Config.EventBuffer. The session never blocks on a
// subscriber: events that do not fit the buffer are dropped and counted.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = s.cfg.EventBuffer
	}
	return s.events.subscribe(buffer)
}

// WaitAuthenticated blocks until the session is Authenticated, has failed, or ctx ends.
func (s *Session) WaitAuthenticated(ctx context.Context) error {
	for {
		s.mu.RLock()
		st, changed, cause := s.state, s.changed, s.cause
		s.mu.RUnlock()

		switch st.Phase {
		case handshake.Authenticated:
			return nil
		case handshake.LoginFailed:
			if cause != nil {
				return errors.Wrapf(ErrLoginFailed, "%s: %v", st.Reason, cause)
			}
			return errors.Wrap(ErrLoginFailed, st.Reason)
		case handshake.Closed:
			if cause != nil {
				return errors.Wrap(ErrDisconnected, cause.Error())
			}
			return ErrDisconnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call sends a request and waits for its result. Giving up on ctx stops the wait only;
// the response, if it comes, is discarded.
func (s *Session) Call(ctx context.Context, path, method string, params *structpb.Value) (*structpb.Value, error) {
	call, err := s.start(ctx, path, method, params)
	if err != nil {
		return nil, err
	}
	result, err := call.Wait(ctx)
	if ctx.Err() == nil {
		recordCallDuration(time.Since(call.Sent))
	}
	return result, err
}

// Go sends a request and returns at once. The Call completes when the matching response
// arrives or the session ends. An empty method or a session that is not Authenticated
// is rejected without sending anything.
func (s *Session) Go(path, method string, params *structpb.Value) (*Call, error) {
	return s.start(context.Background(), path, method, params)
}

// start registers and sends one request; ctx bounds the write together with WriteTimeout.
func (s *Session) start(ctx context.Context, path, method string, params *structpb.Value) (*Call, error) {
	if method == "" {
		return nil, errors.Wrap(message.ErrMalformedMessage, "session: empty method")
	}
	s.mu.RLock()
	st, tr := s.state, s.tr
	s.mu.RUnlock()
	if st.Phase != handshake.Authenticated {
		return nil, errors.Wrapf(ErrNotAuthenticated, "state %s", st)
	}

	req, err := message.NewRequest(s.ids.Next(), path, method, params)
	if err != nil {
		return nil, err
	}
	slot, err := s.pending.Register(req.RequestID)
	if err != nil {
		return nil, err
	}
	if err := s.send(ctx, tr, req, protocol.MsgTypeRequest); err != nil {
		s.pending.Resolve(req.RequestID, nil, err)
		return nil, err
	}
	s.publish(EventRequestSent, "[request] "+codec.FormatMessage(req))
	return &Call{ID: req.RequestID, Path: path, Method: method, Params: params, Sent: time.Now(), slot: slot}, nil
}

// Disconnect closes the transport, moves the session to Closed and fails every pending
// call with ErrDisconnected. It is safe to call more than once.
func (s *Session) Disconnect() error {
	s.disconnect.Do(func() {
		close(s.quit)
		if s.cancelDial != nil {
			s.cancelDial()
		}
		// unblocks a loop stuck writing to a peer that stopped reading
		s.mu.RLock()
		tr := s.tr
		s.mu.RUnlock()
		if tr != nil {
			tr.Close()
		}
		<-s.done

		s.machine.Close()
		s.syncState()
		if n := s.pending.AbandonAll(ErrDisconnected); n > 0 {
			recordCalls("abandoned", n)
		}
		s.publish(EventDisconnected, "disconnected by caller")
		s.events.close()
	})
	return nil
}

// run dials, then drives the session until the transport ends or Disconnect is called.
func (s *Session) run(dial func() (transport.Transport, error)) {
	defer close(s.done)

	tr, err := dial()
	if err != nil {
		if s.quitting() {
			return
		}
		err = errors.Wrap(ErrTransport, err.Error())
		s.log.WithError(err).Error("connect failed")
		s.setCause(err)
		s.machine.Fail(handshake.ReasonTransport)
		s.syncState()
		s.publish(EventError, err.Error())
		s.publish(EventLoginFailed, handshake.ReasonTransport)
		s.pending.AbandonAll(err)
		return
	}

	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()
	s.loop(tr)
}

func (s *Session) loop(tr transport.Transport) {
	inbound, states := tr.Inbound(), tr.States()

	var handshakeTimeout <-chan time.Time
	if s.cfg.HandshakeTimeout > 0 {
		timer := time.NewTimer(s.cfg.HandshakeTimeout)
		defer timer.Stop()
		handshakeTimeout = timer.C
	}
	var heartbeat <-chan time.Time
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-s.quit:
			tr.Close()
			return

		case cs, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.log.WithField("conn", cs).Debug("transport state")
			if cs == transport.Open {
				s.opened(tr)
			}

		case frame, ok := <-inbound:
			if !ok {
				if !s.quitting() {
					s.transportClosed(tr.Err())
				}
				return
			}
			s.dispatch(tr, frame)

		case <-handshakeTimeout:
			handshakeTimeout = nil
			if s.State().Handshaking() {
				s.log.Warn("handshake timed out")
				s.machine.Fail(handshake.ReasonTimeout)
				s.syncState()
				s.publish(EventLoginFailed, handshake.ReasonTimeout)
			}

		case <-heartbeat:
			s.sendHeartbeat(tr)
		}

		if st := s.State(); !st.Handshaking() {
			handshakeTimeout = nil
			if st.Phase == handshake.Authenticated && ticker == nil && s.cfg.HeartbeatInterval > 0 {
				ticker = time.NewTicker(s.cfg.HeartbeatInterval)
				heartbeat = ticker.C
			}
		}
	}
}

// opened sends hello once the transport confirms it is open.
func (s *Session) opened(tr transport.Transport) {
	hello, err := s.machine.Opened()
	if err != nil {
		s.log.WithError(err).Debug("ignoring open")
		return
	}
	s.syncState()
	if err := s.send(context.Background(), tr, hello, protocol.MsgTypeRequest); err != nil {
		s.log.WithError(err).Error("send hello")
		return
	}
	s.publish(EventHelloSent, "[request] "+codec.FormatMessage(hello))
}

// dispatch handles one inbound frame. Only a frame header that cannot be decoded is
// fatal; a bad body is logged and skipped.
func (s *Session) dispatch(tr transport.Transport, frame []byte) {
	header, body, err := protocol.Unpack(frame, s.cfg.Limits)
	if err != nil {
		err = errors.Wrap(ErrTransport, err.Error())
		s.log.WithError(err).Error("bad frame header, closing transport")
		s.setCause(err)
		s.publish(EventError, err.Error())
		tr.Close()
		return
	}
	recordFrame("in", header.MsgType.String())
	if header.MsgType == protocol.MsgTypeHeartbeat {
		return
	}

	msg := &message.RPCMessage{}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
		decodeErrors.Inc()
		s.log.WithError(err).WithField("len", len(body)).Warn("dropping undecodable frame")
		s.publish(EventDecodeError, err.Error())
		return
	}
	s.publish(EventMessageReceived, "[response] "+codec.FormatMessage(msg))

	switch msg.Kind() {
	case message.KindResponse:
		s.response(tr, msg)
	case message.KindRequest:
		s.refuse(tr, msg)
	case message.KindNotification:
		s.publish(EventNotification, codec.FormatMessage(msg))
	default:
		decodeErrors.Inc()
		s.log.Warn("dropping message with neither method nor request id")
	}
}

func (s *Session) response(tr transport.Transport, msg *message.RPCMessage) {
	if s.machine.Expects(msg) {
		s.handshakeResponse(tr, msg)
		return
	}

	result, err := msg.Outcome()
	if s.pending.Resolve(msg.RequestID, result, err) {
		switch {
		case err == nil:
			recordCalls("ok", 1)
		case errors.Is(err, message.ErrMalformedMessage):
			recordCalls("malformed", 1)
		default:
			recordCalls("error", 1)
		}
		return
	}
	unmatchedResponses.Inc()
	s.log.WithField("request_id", msg.RequestID).Warn("dropping response with no pending call")
}

func (s *Session) handshakeResponse(tr transport.Transport, msg *message.RPCMessage) {
	next, err := s.machine.HandleResponse(msg)
	if err != nil {
		s.log.WithError(err).Warn("handshake")
		return
	}
	s.syncState()

	st := s.State()
	switch st.Phase {
	case handshake.AwaitingLoginResponse:
		if err := s.send(context.Background(), tr, next, protocol.MsgTypeRequest); err != nil {
			s.log.WithError(err).Error("send login")
			return
		}
		s.publish(EventLoginSent, "[request] "+codec.FormatMessage(next))
	case handshake.Authenticated:
		s.log.Info("authenticated")
		s.publish(EventAuthenticated, "authenticated")
	case handshake.LoginFailed:
		s.log.WithField("reason", st.Reason).Warn("login failed")
		s.publish(EventLoginFailed, st.Reason)
	}
}

// refuse answers a request from the broker; the client exposes no methods.
func (s *Session) refuse(tr transport.Transport, req *message.RPCMessage) {
	resp := message.NewErrorResponse(req.RequestID,
		message.NewRPCError(message.CodeMethodNotFound, "method not found: %s:%s", req.Path, req.Method))
	if err := s.send(context.Background(), tr, resp, protocol.MsgTypeResponse); err != nil {
		s.log.WithError(err).Warn("answer broker request")
	}
}

func (s *Session) transportClosed(cause error) {
	if cause != nil && !errors.Is(cause, transport.ErrClosed) {
		s.setCause(errors.Wrap(ErrTransport, cause.Error()))
	}
	s.mu.RLock()
	reason := s.cause
	s.mu.RUnlock()

	s.machine.TransportClosed()
	s.syncState()

	abandon := ErrDisconnected
	if reason != nil {
		abandon = errors.Wrap(ErrDisconnected, reason.Error())
	}
	if n := s.pending.AbandonAll(abandon); n > 0 {
		recordCalls("abandoned", n)
	}
	entry := s.log
	if reason != nil {
		entry = entry.WithError(reason)
	}
	entry.Info("transport closed")
	s.publish(EventDisconnected, abandon.Error())
}

func (s *Session) sendHeartbeat(tr transport.Transport) {
	frame := protocol.AppendFrame(nil, &protocol.Header{CodecType: byte(s.codec.Type()), MsgType: protocol.MsgTypeHeartbeat}, nil)
	ctx, cancel := s.writeContext(context.Background())
	defer cancel()

	s.sending.Lock()
	err := tr.Send(ctx, frame)
	s.sending.Unlock()
	if err != nil {
		s.log.WithError(err).Warn("heartbeat")
		return
	}
	recordFrame("out", protocol.MsgTypeHeartbeat.String())
}

// send encodes msg and writes it as one frame. Encode and write happen under one lock.
func (s *Session) send(ctx context.Context, tr transport.Transport, msg *message.RPCMessage, msgType protocol.MsgType) error {
	if tr == nil {
		return errors.Wrap(ErrTransport, "no transport")
	}
	ctx, cancel := s.writeContext(ctx)
	defer cancel()

	s.sending.Lock()
	defer s.sending.Unlock()

	body, err := s.codec.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "session: encode")
	}
	if limit := s.cfg.Limits.MaxBodyLen; limit > 0 && uint32(len(body)) > limit {
		return errors.Wrapf(protocol.ErrBodyTooLarge, "%d > %d", len(body), limit)
	}
	frame := protocol.AppendFrame(make([]byte, 0, protocol.HeaderSize+len(body)),
		&protocol.Header{CodecType: byte(s.codec.Type()), MsgType: msgType}, body)
	if err := tr.Send(ctx, frame); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	recordFrame("out", msgType.String())
	s.log.WithField("request_id", msg.RequestID).Debugf("sent %s", msg)
	return nil
}

// writeContext bounds one frame write by parent and WriteTimeout, whichever ends first.
func (s *Session) writeContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.WriteTimeout > 0 {
		return context.WithTimeout(parent, s.cfg.WriteTimeout)
	}
	return context.WithCancel(parent)
}

// syncState publishes the machine's state if it changed.
func (s *Session) syncState() {
	next := s.machine.State()

	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	stateTransitions.WithLabelValues(next.Phase.String()).Inc()
	s.log.WithFields(logrus.Fields{"from": prev, "to": next}).Info("state changed")
	s.publish(EventStateChanged, prev.String()+" -> "+next.String())
}

func (s *Session) setCause(err error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = err
	}
	s.mu.Unlock()
}

func (s *Session) publish(kind EventKind, text string) {
	ev := Event{Kind: kind, State: s.State(), Text: text, Time: time.Now()}
	if n := s.events.publish(ev); n > 0 {
		droppedEvents.Add(float64(n))
	}
}

func (s *Session) quitting() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Call is one request in flight.
type Call struct {
	ID     uint64
	Path   string
	Method string
	Params *structpb.Value
	Sent   time.Time

	slot *pending.Slot
}

// Done is closed when the call has completed.
func (c *Call) Done() <-chan struct{} {
	return c.slot.Done()
}

// Result returns the outcome; only valid after Done is closed. A broker error is
// returned as *message.RPCError.
func (c *Call) Result() (*structpb.Value, error) {
	return c.slot.Outcome()
}

// Wait blocks until the call completes or ctx ends.
func (c *Call) Wait(ctx context.Context) (*structpb.Value, error) {
	return c.slot.Wait(ctx)
}
