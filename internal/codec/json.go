package codec

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// EncodeJSON encodes a manifest so that equal values give equal bytes:
// map keys sorted, struct fields in declaration order, no HTML escaping
// and no trailing newline.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode json")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// DecodeJSON decodes exactly one JSON value from data into v.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode json")
	}
	if dec.More() {
		return errors.New("decode json: trailing data")
	}
	return nil
}
