package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shv-client/protocol"
)

// Subprotocol is negotiated on every WebSocket upgrade.
const Subprotocol = "shv.frame.v1"

const closeWait = time.Second

// WebSocket is a Transport over a WebSocket connection. Every binary message carries
// exactly one frame, so no header-based splitting is needed on read.
type WebSocket struct {
	*link
	conn *websocket.Conn
}

// NewWebSocket wraps an established WebSocket connection (either end) and starts its
// read loop.
func NewWebSocket(conn *websocket.Conn, limits protocol.Limits, log logrus.FieldLogger) *WebSocket {
	if limits.MaxBodyLen > 0 {
		conn.SetReadLimit(int64(limits.MaxBodyLen) + int64(protocol.HeaderSize))
	}
	ws := &WebSocket{
		link: newLink("websocket", conn.RemoteAddr().String(), log),
		conn: conn,
	}
	go ws.recvLoop()
	return ws
}

// DialWebSocket opens a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, rawURL string, opts Options) (*WebSocket, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, resp, err := d.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "transport: dial %s (%s)", rawURL, resp.Status)
		}
		return nil, errors.Wrapf(err, "transport: dial %s", rawURL)
	}
	return NewWebSocket(conn, opts.Limits, opts.Logger), nil
}

// Upgrader returns the server-side upgrader matching DialWebSocket.
func Upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

func (ws *WebSocket) recvLoop() {
	defer ws.readerDone()
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if ws.isDone() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = errors.Wrap(err, "transport: peer closed the websocket")
			}
			ws.shutdown(err, ws.conn.Close)
			return
		}
		if !ws.deliver(data) {
			return
		}
	}
}

func (ws *WebSocket) Send(ctx context.Context, frame []byte) error {
	ws.sending.Lock()
	defer ws.sending.Unlock()

	if ws.isDone() {
		return ws.closedErr()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	_ = ws.conn.SetWriteDeadline(deadline)
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		err = errors.Wrap(err, "transport: write")
		ws.shutdown(err, ws.conn.Close)
		return err
	}
	ws.sent.Add(int64(len(frame)))
	return nil
}

// Close sends a close message before dropping the connection.
func (ws *WebSocket) Close() error {
	ws.shutdown(ErrClosed, func() error {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		return ws.conn.Close()
	})
	return nil
}
