package codec

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONCodec encodes the envelope as JSON. Payload bytes travel base64 encoded.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "codec: json encode")
	}
	return data, nil
}

// Decode accepts exactly one JSON value; trailing bytes are an error.
func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "codec: json decode")
	}
	if dec.More() {
		return errors.New("codec: json decode: trailing data after envelope")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType { return CodecTypeJSON }
