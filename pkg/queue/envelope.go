package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// notification is the wrapper added when a topic fans out into a queue.
type notification struct {
	Type    string  `json:"Type"`
	Message *string `json:"Message"`
}

// Unwrap returns the inner JSON payload of a queue body.
//
// Bodies delivered through a topic subscription carry the payload as a JSON
// string in the Message field. Bodies without that field are treated as the
// payload itself.
func Unwrap(body string) ([]byte, error) {
	raw := bytes.TrimSpace([]byte(body))
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEnvelope)
	}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if _, ok := outer["Message"]; !ok {
		return raw, nil
	}

	var n notification
	if err := json.Unmarshal(raw, &n); err != nil || n.Message == nil {
		return nil, fmt.Errorf("%w: Message is not a string", ErrMalformedEnvelope)
	}
	inner := bytes.TrimSpace([]byte(*n.Message))
	if !json.Valid(inner) {
		return nil, fmt.Errorf("%w: inner payload is not JSON", ErrMalformedEnvelope)
	}
	return inner, nil
}

// Wrap produces the topic-notification shape Unwrap accepts.
func Wrap(payload []byte) (string, error) {
	msg := string(payload)
	b, err := json.Marshal(notification{Type: "Notification", Message: &msg})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
