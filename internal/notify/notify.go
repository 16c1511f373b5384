// Package notify publishes per-article completion messages so downstream
// analysis can trigger incrementally instead of polling the state store.
package notify

import "context"

// Message is the completion payload published once per successful article.
type Message struct {
	RunID         string `json:"run_id"`
	NormalizedURL string `json:"normalized_url"`
	Source        string `json:"source"`
	ContentHash   string `json:"content_hash"`
}

// Publisher delivers completion messages. Publish is best-effort; the
// harvest never blocks or fails on notification problems.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Noop drops every message. The default publisher.
type Noop struct{}

// Publish implements Publisher and does nothing.
func (Noop) Publish(context.Context, Message) error { return nil }

// Close implements Publisher and does nothing.
func (Noop) Close() error { return nil }
