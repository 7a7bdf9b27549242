// Package transport carries protocol frames between a session and a broker.
//
// A Transport is a duplex frame channel: Send writes one complete frame, Inbound yields
// one complete frame per element, and States reports connectivity changes. Two
// implementations exist:
//
//	WebSocket: one binary message per frame (gorilla/websocket)
//	Stream:    frames delimited by the protocol header on any net.Conn (TCP, net.Pipe)
//
// Both serialize writes with a mutex. A session shares one transport between its
// handshake and every concurrent caller, and interleaved writes would corrupt the frame
// boundaries (frame A's header + frame B's body).
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ConnState is the connectivity of a transport. Anything other than Open means the
// transport is not ready to send.
type ConnState int

const (
	Connecting ConnState = iota
	Open
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Send after the transport has been closed, and by Err after a
// local Close.
var ErrClosed = errors.New("transport: closed")

// Transport is the contract a session consumes.
type Transport interface {
	// Send writes one frame. It blocks until the frame is handed to the connection or
	// ctx is done. A send failure closes the transport.
	Send(ctx context.Context, frame []byte) error
	// Inbound yields received frames in arrival order. It is closed after the last frame
	// once the transport has ended.
	Inbound() <-chan []byte
	// States yields Open once and Closed once, then is closed.
	States() <-chan ConnState
	// Err reports why the transport ended, nil while it is open.
	Err() error
	// Remote names the peer, for logs.
	Remote() string
	// Traffic returns the bytes written and received so far.
	Traffic() (sent, received int64)
	Close() error
}

// link holds what both implementations share: the inbound and state channels, the
// write lock, the terminal error and traffic counters.
type link struct {
	kind    string
	remote  string
	inbound chan []byte
	states  chan ConnState
	done    chan struct{}

	sending sync.Mutex

	once sync.Once
	mu   sync.Mutex
	err  error

	sent     atomic.Int64
	received atomic.Int64

	log logrus.FieldLogger
}

func newLink(kind, remote string, log logrus.FieldLogger) *link {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &link{
		kind:    kind,
		remote:  remote,
		inbound: make(chan []byte),
		states:  make(chan ConnState, 2),
		done:    make(chan struct{}),
		log:     log.WithFields(logrus.Fields{"transport": kind, "remote": remote}),
	}
	l.states <- Open
	return l
}

func (l *link) Inbound() <-chan []byte {
	return l.inbound
}

func (l *link) States() <-chan ConnState {
	return l.states
}

func (l *link) Remote() string {
	return l.remote
}

// Traffic returns the bytes written and received so far.
func (l *link) Traffic() (sent, received int64) {
	return l.sent.Load(), l.received.Load()
}

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// deliver hands one received frame to the consumer. It returns false once the
// transport is shutting down.
func (l *link) deliver(frame []byte) bool {
	l.received.Add(int64(len(frame)))
	select {
	case l.inbound <- frame:
		return true
	case <-l.done:
		return false
	}
}

// shutdown records the terminal error and closes the underlying connection exactly once.
func (l *link) shutdown(cause error, closeConn func() error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = cause
		l.mu.Unlock()
		close(l.done)
		if err := closeConn(); err != nil {
			l.log.WithError(err).Debug("close connection")
		}
		entry := l.log
		if cause != nil && !errors.Is(cause, ErrClosed) {
			entry = entry.WithError(cause)
		}
		entry.Infof("closed (sent %s received %s)",
			sizestr.ToString(l.sent.Load()), sizestr.ToString(l.received.Load()))
	})
}

// readerDone is called by the read goroutine when it exits; it publishes Closed after
// every frame has been delivered.
func (l *link) readerDone() {
	l.states <- Closed
	close(l.states)
	close(l.inbound)
}

// closedErr returns the error Send reports once the transport is down.
func (l *link) closedErr() error {
	if err := l.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return errors.Wrap(ErrClosed, err.Error())
	}
	return ErrClosed
}

func (l *link) isDone() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
