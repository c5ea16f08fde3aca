// Package provider defines the email provider capability the delivery engine sends through.
package provider

import (
	"context"
	"errors"
)

// ErrUnknownProvider is returned when no provider is registered under a name
var ErrUnknownProvider = errors.New("unknown provider")

// Message is one email to one recipient
type Message struct {
	From     string
	FromName string
	To       string
	Subject  string
	Body     string
	IsHTML   bool
	Text     string // plain text alternative when Body is HTML
	Headers  map[string]string
}

// Result is the provider's answer to one send
type Result struct {
	Accepted          bool   `json:"accepted"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// BulkResult aggregates the results of a bulk send, in input order
type BulkResult struct {
	Total    int       `json:"total"`
	Accepted int       `json:"accepted"`
	Rejected int       `json:"rejected"`
	Results  []*Result `json:"results"`
}

// Provider sends email. Send returns a non-accepted Result for a rejection and an
// error when the outcome is unknown (network failure, timeout).
type Provider interface {
	Name() string
	Send(ctx context.Context, msg *Message) (*Result, error)
	BulkSend(ctx context.Context, msgs []*Message) *BulkResult
	IsHealthy(ctx context.Context) bool
}

// Error represents a send error with type information
type Error struct {
	Temporary bool
	Message   string
}

func (e *Error) Error() string {
	return e.Message
}

// IsTemporary checks if the error is temporary
func IsTemporary(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Temporary
	}
	return true
}

// SendEach implements BulkSend by sending messages one at a time
func SendEach(ctx context.Context, p Provider, msgs []*Message) *BulkResult {
	br := &BulkResult{Total: len(msgs), Results: make([]*Result, len(msgs))}
	for i, msg := range msgs {
		res, err := p.Send(ctx, msg)
		if err != nil {
			res = &Result{ErrorMessage: err.Error()}
		}
		br.Results[i] = res
		if res.Accepted {
			br.Accepted++
		} else {
			br.Rejected++
		}
	}
	return br
}
