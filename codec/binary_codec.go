package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"duplex-rpc/message"
)

// BinaryCodec lays an envelope out as a kind byte followed by length-prefixed fields.
//
//	call:     kind | u16 path | u16 callId | u32 arg
//	response: kind | u16 callId | success byte | u32 result | u32 error | u16 kind
//	start:    kind | u32 object
//
// Strings bounded by u16 are paths, call IDs and error kinds; payloads use u32.
type BinaryCodec struct{}

var errNotEnvelope = errors.New("BinaryCodec: v must be *message.Envelope")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errNotEnvelope
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	w := binWriter{}
	w.byte(byte(env.Kind()))
	switch env.Kind() {
	case message.KindCall:
		w.str16(env.Call.Path)
		w.str16(env.Call.CallID)
		w.bytes32(env.Call.Arg)
	case message.KindResponse:
		r := env.Response
		w.str16(r.CallID)
		if r.Success {
			w.byte(1)
		} else {
			w.byte(0)
		}
		w.bytes32(r.Result)
		w.bytes32([]byte(r.Error))
		w.str16(string(r.ErrorKind))
	case message.KindStart:
		w.bytes32(env.Start.Object)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errNotEnvelope
	}

	r := binReader{data: data}
	*env = message.Envelope{}
	switch message.Kind(r.byte()) {
	case message.KindCall:
		env.Call = &message.Call{
			Path:   r.str16(),
			CallID: r.str16(),
			Arg:    r.bytes32(),
		}
	case message.KindResponse:
		resp := &message.Response{CallID: r.str16()}
		resp.Success = r.byte() == 1
		resp.Result = r.bytes32()
		resp.Error = string(r.bytes32())
		resp.ErrorKind = message.ErrorKind(r.str16())
		env.Response = resp
	case message.KindStart:
		env.Start = &message.Start{Object: r.bytes32()}
	default:
		if r.err == nil {
			r.err = fmt.Errorf("BinaryCodec: unknown envelope kind %d", data[0])
		}
	}
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return env.Validate()
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binWriter struct {
	buf []byte
	err error
}

func (w *binWriter) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *binWriter) str16(s string) {
	if len(s) > 0xFFFF {
		w.err = fmt.Errorf("BinaryCodec: string field too long (%d bytes)", len(s))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) bytes32(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binReader records the first short read and returns zero values afterwards.
type binReader struct {
	data []byte
	off  int
	err  error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("BinaryCodec: truncated input at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) str16() string {
	l := r.take(2)
	if l == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(l))))
}

func (r *binReader) bytes32() []byte {
	l := r.take(4)
	if l == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(l)
	if n == 0 {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
