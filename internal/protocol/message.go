package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UnknownID is logged when a message's id cannot be determined.
const UnknownID = "unknown"

// ErrMissingID is returned when a message has no usable id field.
var ErrMissingID = errors.New("message has no id")

// Message is an opaque record owned by the coordination service.
// Only the id field is interpreted; everything else is passed to the agent untouched.
type Message map[string]any

// ID returns the message id. Numeric ids are rendered in their JSON form.
func (m Message) ID() (string, error) {
	raw, ok := m["id"]
	if !ok || raw == nil {
		return "", ErrMissingID
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", ErrMissingID
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("message id has unsupported type %T", raw)
	}
}

// IDOrUnknown is ID with the "unknown" fallback used in logs.
func (m Message) IDOrUnknown() string {
	if id, err := m.ID(); err == nil {
		return id
	}
	return UnknownID
}

// String returns the string field key, or "" when absent or not a string.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// DecodeMessage parses a single message record and checks it carries an id.
// On an id error the decoded message is still returned so callers can log it.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("decode message: not an object")
	}
	if _, err := msg.ID(); err != nil {
		return msg, err
	}
	return msg, nil
}

// DecodeBatch splits a pending-messages body into raw records.
// An empty body or JSON null is an empty batch. Records are validated one by one
// at dispatch so a bad record only costs that message.
func DecodeBatch(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, fmt.Errorf("pending messages body is not a JSON array: %w", err)
	}
	return batch, nil
}

// DecodePush accepts a pushed body holding either one message object or an array.
func DecodePush(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	}
	return DecodeBatch(trimmed)
}
