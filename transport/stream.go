package transport

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shv-client/protocol"
)

// Stream is a Transport over a byte stream. Frames are delimited by the protocol header:
// the read loop reads the fixed header first, then exactly BodyLen bytes. A header that
// fails to decode leaves the stream unsynchronized, so it ends the transport.
type Stream struct {
	*link
	conn   net.Conn
	limits protocol.Limits
}

// NewStream wraps an established connection and starts its read loop.
func NewStream(conn net.Conn, limits protocol.Limits, log logrus.FieldLogger) *Stream {
	s := &Stream{
		link:   newLink("stream", conn.RemoteAddr().String(), log),
		conn:   conn,
		limits: limits,
	}
	go s.recvLoop()
	return s
}

func (s *Stream) recvLoop() {
	defer s.readerDone()
	for {
		frame, err := protocol.ReadFrame(s.conn, s.limits)
		if err != nil {
			if s.isDone() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.Wrap(io.EOF, "transport: peer closed the stream")
			}
			s.shutdown(err, s.conn.Close)
			return
		}
		if !s.deliver(frame) {
			return
		}
	}
}

func (s *Stream) Send(ctx context.Context, frame []byte) error {
	s.sending.Lock()
	defer s.sending.Unlock()

	if s.isDone() {
		return s.closedErr()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.WithError(err).Debug("set write deadline")
	}
	n, err := s.conn.Write(frame)
	s.sent.Add(int64(n))
	if err != nil {
		err = errors.Wrap(err, "transport: write")
		s.shutdown(err, s.conn.Close)
		return err
	}
	return nil
}

func (s *Stream) Close() error {
	s.shutdown(ErrClosed, s.conn.Close)
	return nil
}

