// Package payload layers string list and string map messages on top of the
// opaque text payload exchanged between instances. Both encode as JSON. A nil
// list or map travels as the absent payload.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"soloist/internal/frame"
)

// ErrDecode reports a payload that is not the expected JSON shape.
var ErrDecode = errors.New("payload: decode failed")

// EncodeList encodes items as a JSON array of strings.
func EncodeList(items []string) (frame.Message, error) {
	if items == nil {
		return frame.Absent(), nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return frame.Message{}, fmt.Errorf("payload: encode list: %w", err)
	}
	return frame.Text(string(data)), nil
}

// DecodeList decodes a JSON array. Non-string elements keep their JSON text.
func DecodeList(msg frame.Message) ([]string, error) {
	if !msg.Valid {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(msg.Text), &raw); err != nil {
		return nil, fmt.Errorf("%w: expected JSON array: %w", ErrDecode, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: expected JSON array, got null", ErrDecode)
	}
	items := make([]string, len(raw))
	for i, element := range raw {
		items[i] = asString(element)
	}
	return items, nil
}

// EncodeMap encodes entries as a JSON object of strings.
func EncodeMap(entries map[string]string) (frame.Message, error) {
	if entries == nil {
		return frame.Absent(), nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return frame.Message{}, fmt.Errorf("payload: encode map: %w", err)
	}
	return frame.Text(string(data)), nil
}

// DecodeMap decodes a JSON object. Non-string values keep their JSON text.
func DecodeMap(msg frame.Message) (map[string]string, error) {
	if !msg.Valid {
		return nil, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg.Text), &raw); err != nil {
		return nil, fmt.Errorf("%w: expected JSON object: %w", ErrDecode, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: expected JSON object, got null", ErrDecode)
	}
	entries := make(map[string]string, len(raw))
	for key, value := range raw {
		entries[key] = asString(value)
	}
	return entries, nil
}

func asString(raw json.RawMessage) string {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "null"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ReceiveList adapts a typed list callback to a receive hook.
func ReceiveList(fn func([]string) error) func(frame.Message) error {
	return func(msg frame.Message) error {
		items, err := DecodeList(msg)
		if err != nil {
			return err
		}
		return fn(items)
	}
}

// SendList adapts a typed list producer to a send hook.
func SendList(fn func() ([]string, error)) func() (frame.Message, error) {
	return func() (frame.Message, error) {
		items, err := fn()
		if err != nil {
			return frame.Absent(), err
		}
		return EncodeList(items)
	}
}

// ReceiveMap adapts a typed map callback to a receive hook.
func ReceiveMap(fn func(map[string]string) error) func(frame.Message) error {
	return func(msg frame.Message) error {
		entries, err := DecodeMap(msg)
		if err != nil {
			return err
		}
		return fn(entries)
	}
}

// SendMap adapts a typed map producer to a send hook.
func SendMap(fn func() (map[string]string, error)) func() (frame.Message, error) {
	return func() (frame.Message, error) {
		entries, err := fn()
		if err != nil {
			return frame.Absent(), err
		}
		return EncodeMap(entries)
	}
}
