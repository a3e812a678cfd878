// Package provider defines the delivery capability the relay engine calls
// and the HTTP adapter used for real providers. The engine is agnostic to
// how a provider delivers; it only needs success or an error with a
// human-readable reason.
package provider

import (
	"context"
	"errors"
)

// Message is an outbound email. All four fields are mandatory; RequestID is
// the caller-supplied idempotency key, unique per logical send.
type Message struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	RequestID string `json:"request_id"`
}

// Validate reports the first missing field, or nil when the message is
// complete.
func (m Message) Validate() error {
	switch {
	case m.To == "":
		return errors.New(`missing field "to"`)
	case m.Subject == "":
		return errors.New(`missing field "subject"`)
	case m.Body == "":
		return errors.New(`missing field "body"`)
	case m.RequestID == "":
		return errors.New(`missing field "request_id"`)
	}
	return nil
}

// Provider is the single delivery capability. Implementations return nil on
// a completed send and an error describing the failure otherwise. Adding a
// provider to the relay means appending a named instance to the ordered
// chain, not branching code.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}
