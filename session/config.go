package session

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"shv-client/codec"
	"shv-client/handshake"
	"shv-client/protocol"
)

// Credentials are supplied once per session and never change.
type Credentials = handshake.Credentials

// Config defines session behaviour. Zero durations disable the matching timer.
type Config struct {
	Codec             codec.CodecType
	ConnectTimeout    time.Duration // bounds the dial and the WebSocket upgrade
	HandshakeTimeout  time.Duration // from transport open until Authenticated; the dial has ConnectTimeout
	WriteTimeout      time.Duration // per outbound frame
	HeartbeatInterval time.Duration // heartbeat frames while Authenticated
	Limits            protocol.Limits
	Hasher            handshake.Hasher // login password hash, SHA1Hasher when nil
	Header            http.Header      // extra WebSocket upgrade headers
	Logger            logrus.FieldLogger
	EventBuffer       int // default subscriber buffer
}

// DefaultConfig returns the defaults used by the binaries.
func DefaultConfig() Config {
	return Config{
		Codec:             codec.CodecTypeJSON,
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Limits:            protocol.DefaultLimits(),
		Hasher:            handshake.SHA1Hasher,
		Logger:            logrus.StandardLogger(),
		EventBuffer:       64,
	}
}

func (c Config) withDefaults() Config {
	if c.Limits.MaxBodyLen == 0 {
		c.Limits = protocol.DefaultLimits()
	}
	if c.Hasher == nil {
		c.Hasher = handshake.SHA1Hasher
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}
