package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shv-client/protocol"
)

// ErrUnsupportedScheme is returned for URLs Dial cannot open.
var ErrUnsupportedScheme = errors.New("transport: unsupported url scheme")

// Options configure Dial.
type Options struct {
	Limits           protocol.Limits
	HandshakeTimeout time.Duration // WebSocket upgrade timeout, 0 means none
	Header           http.Header   // extra WebSocket upgrade headers
	Logger           logrus.FieldLogger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Limits:           protocol.DefaultLimits(),
		HandshakeTimeout: 10 * time.Second,
		Logger:           logrus.StandardLogger(),
	}
}

// ParseURL checks that rawURL names a scheme Dial supports: ws, wss or tcp.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: parse %q", rawURL)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "tcp":
		if u.Host == "" {
			return nil, errors.Errorf("transport: %q has no host", rawURL)
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
	return u, nil
}

// Dial opens a transport for rawURL, choosing the implementation by scheme:
//
//	ws://host/path, wss://host/path -> WebSocket
//	tcp://host:port                 -> Stream
func Dial(ctx context.Context, rawURL string, opts Options) (Transport, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if opts.Limits.MaxBodyLen == 0 {
		opts.Limits = protocol.DefaultLimits()
	}

	switch u.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, errors.Wrapf(err, "transport: dial %s", u.Host)
		}
		return NewStream(conn, opts.Limits, opts.Logger), nil
	default:
		return DialWebSocket(ctx, u.String(), opts)
	}
}
