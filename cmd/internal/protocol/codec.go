package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrDecode is the sentinel behind every DecodeError.
var ErrDecode = errors.New("broken JSON encoding")

// ErrEmptyPayload is returned when a send carries no body at all.
var ErrEmptyPayload = errors.New("payload expected")

// DecodeError reports an inbound payload that is not a JSON array of strings.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return ErrDecode.Error()
	}
	return ErrDecode.Error() + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

// EncodeArray renders msgs as a JSON array of strings, in order. A nil batch encodes as [].
func EncodeArray(msgs []string) string {
	if msgs == nil {
		msgs = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// []string never fails to encode.
	_ = enc.Encode(msgs)

	return strings.TrimSuffix(buf.String(), "\n")
}

// Encode renders msgs as a MESSAGE frame body: the message marker followed by the JSON array.
func Encode(msgs []string) string {
	return MarkerMessage + EncodeArray(msgs)
}

// Decode parses a JSON array of strings. Anything else, including a payload that
// still carries the message marker, is a DecodeError.
func Decode(payload string) ([]string, error) {
	p := strings.TrimSpace(payload)
	if p == "" {
		return nil, &DecodeError{Payload: payload, Err: ErrEmptyPayload}
	}
	if !looksLikeArray(p) {
		return nil, &DecodeError{Payload: payload, Err: errors.New("not a JSON array")}
	}

	var out []string
	if err := json.Unmarshal([]byte(p), &out); err != nil {
		return nil, &DecodeError{Payload: payload, Err: err}
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// DecodeFrame parses a MESSAGE frame as produced by Encode, so
// DecodeFrame(Encode(msgs)) returns msgs.
func DecodeFrame(frame string) ([]string, error) {
	p := strings.TrimSpace(frame)
	if !strings.HasPrefix(p, MarkerMessage) {
		return nil, &DecodeError{Payload: frame, Err: errors.New("missing message marker")}
	}
	return Decode(strings.TrimPrefix(p, MarkerMessage))
}
