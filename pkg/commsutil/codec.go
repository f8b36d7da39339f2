package commsutil

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrEmptyPayload is returned when decoding a message with no body.
var ErrEmptyPayload = errors.New("commsutil: empty payload")

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(data, v)
}

// DecodeStrict is DecodePayload that rejects unknown fields. Used for control-plane requests
// where a misspelled field should fail loudly.
func DecodeStrict(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyPayload
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
