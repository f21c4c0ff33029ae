package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Payload is the body of a job request as published to a work queue
type Payload map[string]any

// Result is a decoded result message handed to a completion handler
type Result struct {
	Queue       string
	ID          string
	Body        json.RawMessage
	MessageID   string
	Redelivered bool
}

// Envelope is a result message split into its correlation id and raw fields.
// Fields other than "id" are kept undecoded so the body shape stays opaque.
type Envelope struct {
	ID     string
	Fields map[string]json.RawMessage
}

// DecodeEnvelope parses a UTF-8 JSON object. Anything else is a DecodeError.
// A missing or non-string id is not a decode failure; it is reported by Validate.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	if !utf8.Valid(body) {
		return nil, &DecodeError{Err: fmt.Errorf("body is not valid UTF-8")}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if fields == nil {
		return nil, &DecodeError{Err: fmt.Errorf("body is not a JSON object")}
	}

	env := &Envelope{Fields: fields}
	if raw, ok := fields["id"]; ok {
		// numeric ids are tolerated and kept in their JSON text form
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			env.ID = id
		} else if num := bytes.TrimSpace(raw); len(num) > 0 && (num[0] == '-' || (num[0] >= '0' && num[0] <= '9')) {
			env.ID = string(num)
		}
	}

	return env, nil
}

// Body returns the named field, failing when it is absent or null
func (e *Envelope) Body(field string) (json.RawMessage, error) {
	raw, ok := e.Fields[field]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: field %q", ErrMissingBody, field)
	}
	return raw, nil
}

// Validate checks the fields every result message must carry
func (e *Envelope) Validate(bodyField string) (json.RawMessage, error) {
	if e.ID == "" {
		return nil, ErrMissingID
	}
	return e.Body(bodyField)
}
