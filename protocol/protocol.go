// Package protocol implements the frame format used when envelopes travel over a byte stream
// (TCP connection, child process stdin/stdout).
//
// A byte stream has no message boundaries, so every envelope is prefixed with a fixed 10-byte
// header; the receiver reads the header first to learn the body length, then reads exactly that
// many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ drp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"duplex-rpc/message"
)

// Magic number bytes: "drp" (duplex-rpc protocol).
// Used to reject peers that are not speaking this protocol (e.g., a child process
// writing plain text to stdout).
const (
	MagicNumber byte   = 0x64 // 'd'
	MagicByte2  byte   = 0x72 // 'r'
	MagicByte3  byte   = 0x70 // 'p'
	Version     byte   = 0x01
	HeaderSize  int    = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)
	MaxBodyLen  uint32 = 64 << 20
)

// MsgType mirrors the envelope variant carried by the frame, plus heartbeats.
type MsgType byte

const (
	MsgTypeCall      MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // keep-alive probe, no body
	MsgTypeStart     MsgType = 3
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Call, Response, Heartbeat or Start
	BodyLen   uint32
}

// MsgTypeFor returns the frame type for an envelope variant.
func MsgTypeFor(kind message.Kind) (MsgType, error) {
	switch kind {
	case message.KindCall:
		return MsgTypeCall, nil
	case message.KindResponse:
		return MsgTypeResponse, nil
	case message.KindStart:
		return MsgTypeStart, nil
	default:
		return 0, fmt.Errorf("no frame type for envelope kind %v", kind)
	}
}

// Matches reports whether a decoded envelope agrees with the frame type it arrived in.
func (t MsgType) Matches(kind message.Kind) bool {
	want, err := MsgTypeFor(kind)
	return err == nil && want == t
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different messages will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("body too large: %d bytes", len(body))
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))

	// One Write per frame so a pipe peer never sees a header without its body.
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeStart {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, body, nil
}
