package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	decodedHeader, decodedBody, err := Decode(&buf, DefaultLimits())
	require.NoError(t, err)

	assert.Equal(t, header.CodecType, decodedHeader.CodecType)
	assert.Equal(t, header.MsgType, decodedHeader.MsgType)
	assert.Equal(t, uint32(len(body)), decodedHeader.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeRequest), 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf, DefaultLimits())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidMagic))
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeProto,
		MsgType:   MsgTypeHeartbeat,
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, nil))

	decodedHeader, decodedBody, err := Decode(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, decodedHeader.MsgType)
	assert.Zero(t, decodedHeader.BodyLen)
	assert.Empty(t, decodedBody)
}

func TestDecodeInvalidVersion(t *testing.T) {
	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // bad version
		CodecTypeJSON,
		byte(MsgTypeRequest),
		0, 0, 0, 0,
	}
	_, _, err := Decode(bytes.NewReader(invalidFrame), DefaultLimits())
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
}

func TestDecodeUnsupportedCodecAndType(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, 9, 0, 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame), DefaultLimits())
	assert.True(t, errors.Is(err, ErrUnsupportedCodec))

	frame[4] = CodecTypeJSON
	frame[5] = 42
	_, _, err = Decode(bytes.NewReader(frame), DefaultLimits())
	assert.True(t, errors.Is(err, ErrUnsupportedMsgType))
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeProto, MsgType: MsgTypeResponse}, largeBody))

	_, decodedBody, err := Decode(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(decodedBody, largeBody))
}

func TestDecodeBodyTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeRequest}, make([]byte, 64)))

	_, _, err := Decode(&buf, Limits{MaxBodyLen: 32})
	assert.True(t, errors.Is(err, ErrBodyTooLarge))
}

func TestReadFrameSplitsStream(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, Encode(&stream, &Header{MsgType: MsgTypeRequest}, []byte("one")))
	require.NoError(t, Encode(&stream, &Header{MsgType: MsgTypeResponse}, []byte("two")))

	first, err := ReadFrame(&stream, DefaultLimits())
	require.NoError(t, err)
	second, err := ReadFrame(&stream, DefaultLimits())
	require.NoError(t, err)
	_, err = ReadFrame(&stream, DefaultLimits())
	assert.Equal(t, io.EOF, err)

	h, body, err := Unpack(first, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, MsgTypeRequest, h.MsgType)
	assert.Equal(t, "one", string(body))

	h, body, err = Unpack(second, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, MsgTypeResponse, h.MsgType)
	assert.Equal(t, "two", string(body))
}

func TestUnpackRejectsPartialAndTrailing(t *testing.T) {
	frame := AppendFrame(nil, &Header{MsgType: MsgTypeRequest}, []byte("body"))

	_, _, err := Unpack(frame[:HeaderSize-2], DefaultLimits())
	assert.Error(t, err)
	_, _, err = Unpack(frame[:len(frame)-1], DefaultLimits())
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	_, _, err = Unpack(append(frame, 0x00), DefaultLimits())
	assert.True(t, errors.Is(err, ErrTrailingBytes))
}
