package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire format: "<kind>:<base64(payload)>". Kinds themselves contain colons,
// but standard base64 does not, so the final colon always separates the kind
// from the payload segment.

// Encode serializes an envelope for topic transmission.
func Encode(kind Kind, payload []byte) []byte {
	b64 := base64.StdEncoding.EncodeToString(payload)
	buf := make([]byte, 0, len(kind)+1+len(b64))
	buf = append(buf, kind...)
	buf = append(buf, ':')
	buf = append(buf, b64...)
	return buf
}

// EncodeText serializes a plain-text payload.
func EncodeText(kind Kind, text string) []byte {
	return Encode(kind, []byte(text))
}

// EncodeJSON marshals v and serializes it under the given kind.
func EncodeJSON(kind Kind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Encode(kind, data), nil
}

// Decode parses a raw topic message into an Envelope. The kind is preserved
// even when unknown so the caller can decide to skip it. An error is returned
// only for structurally malformed input (no separator, undecodable base64,
// or non-JSON payload on a JSON-carrying kind).
func Decode(data []byte) (Envelope, error) {
	idx := bytes.LastIndexByte(data, ':')
	if idx < 0 {
		return Envelope{}, fmt.Errorf("message has no kind separator")
	}

	kind := Kind(data[:idx])
	payload, err := base64.StdEncoding.DecodeString(string(data[idx+1:]))
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}

	env := Envelope{Kind: kind, Payload: payload}

	switch kind {
	case KindRefreshState, KindCommandExec:
		if !json.Valid(payload) {
			return Envelope{}, fmt.Errorf("%s payload is not valid JSON", kind)
		}
	}

	return env, nil
}

// JSON unmarshals the payload into v. Only meaningful for JSON-carrying kinds.
func (e Envelope) JSON(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Kind, err)
	}
	return nil
}
