// Package protocol implements the binary frame protocol used on every transport.
//
// It delimits messages on a byte stream with a fixed-size 10-byte header followed by a
// variable-length body. The receiver reads the header first to determine the body
// length, then reads exactly that many bytes. On message-oriented transports
// (WebSocket) every transport message carries exactly one frame.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ shv  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic number bytes: "shv".
// Used to reject non-protocol peers before trusting the length field.
const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x68 // 'h'
	MagicByte3  byte = 0x76 // 'v'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)
)

// MsgType tells the receiver what the body holds without decoding it.
type MsgType byte

const (
	MsgTypeRequest      MsgType = 0 // Request expecting a response
	MsgTypeResponse     MsgType = 1 // Response to a request
	MsgTypeHeartbeat    MsgType = 2 // KeepAlive probe (no body)
	MsgTypeNotification MsgType = 3 // One-way message
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON  byte = 0
	CodecTypeProto byte = 1
)

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnsupportedCodec   = errors.New("protocol: unsupported codec type")
	ErrUnsupportedMsgType = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge       = errors.New("protocol: body too large")
	ErrTrailingBytes      = errors.New("protocol: trailing bytes after frame")
)

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Proto
	MsgType   MsgType // Request, Response, Heartbeat or Notification
	BodyLen   uint32  // Body length in bytes
}

// Limits constrains how much memory a single frame may claim.
type Limits struct {
	MaxBodyLen uint32
}

func DefaultLimits() Limits {
	return Limits{MaxBodyLen: 8 * 1024 * 1024}
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from body.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	_, err := w.Write(AppendFrame(nil, h, body))
	return err
}

// AppendFrame appends the encoded frame to dst and returns the extended slice.
func AppendFrame(dst []byte, h *Header, body []byte) []byte {
	var buf [HeaderSize]byte
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	dst = append(dst, buf[:]...)
	return append(dst, body...)
}

// DecodeHeader parses and validates a fixed header.
func DecodeHeader(b []byte, limits Limits) (*Header, error) {
	if len(b) != HeaderSize {
		return nil, errors.Errorf("protocol: invalid header length: %d", len(b))
	}
	if b[0] != MagicNumber || b[1] != MagicByte2 || b[2] != MagicByte3 {
		return nil, errors.Wrapf(ErrInvalidMagic, "%x", b[0:3])
	}
	if b[3] != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "%d", b[3])
	}
	if b[4] != CodecTypeJSON && b[4] != CodecTypeProto {
		return nil, errors.Wrapf(ErrUnsupportedCodec, "%d", b[4])
	}
	msgType := MsgType(b[5])
	if msgType > MsgTypeNotification {
		return nil, errors.Wrapf(ErrUnsupportedMsgType, "%d", b[5])
	}
	bodyLen := binary.BigEndian.Uint32(b[6:10])
	if limits.MaxBodyLen > 0 && bodyLen > limits.MaxBodyLen {
		return nil, errors.Wrapf(ErrBodyTooLarge, "%d > %d", bodyLen, limits.MaxBodyLen)
	}
	return &Header{CodecType: b[4], MsgType: msgType, BodyLen: bodyLen}, nil
}

// Decode reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader, limits Limits) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}
	h, err := DecodeHeader(headerBuf, limits)
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}

// ReadFrame reads one frame from a byte stream and returns it undecoded, header included.
// Stream transports use it to cut the stream into frames.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	h, body, err := Decode(r, limits)
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(body)), h, body), nil
}

// Unpack decodes a chunk that must hold exactly one frame.
func Unpack(chunk []byte, limits Limits) (*Header, []byte, error) {
	r := bytes.NewReader(chunk)
	h, body, err := Decode(r, limits)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, errors.Wrapf(err, "protocol: truncated frame (%d bytes)", len(chunk))
		}
		return nil, nil, err
	}
	if r.Len() != 0 {
		return nil, nil, errors.Wrapf(ErrTrailingBytes, "%d bytes", r.Len())
	}
	return h, body, nil
}
