package codec

import (
	"encoding/json"

	"github.com/mailru/easyjson"
)

// JSONCodec encodes envelopes with their easyjson marshalers.
// Values without easyjson support go through encoding/json so the codec also works
// for application payloads.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if m, ok := v.(easyjson.Marshaler); ok {
		return easyjson.Marshal(m)
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if u, ok := v.(easyjson.Unmarshaler); ok {
		return easyjson.Unmarshal(data, u)
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
