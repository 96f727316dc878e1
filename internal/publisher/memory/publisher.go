// Package memory is an in-process stand-in for the Pub/Sub publisher. It keeps
// messages in the same shape subscribers would receive them.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Message is one published notification.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Kind returns the "kind" attribute.
func (m Message) Kind() string {
	return m.Attributes["kind"]
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// Publisher records messages instead of sending them.
type Publisher struct {
	mu     sync.Mutex
	seq    int
	msgs   []Message
	fail   error
	closed bool
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later publishes return err until called with nil.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Publish encodes payload as JSON and records it under a sequential ID.
func (p *Publisher) Publish(ctx context.Context, kind string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return "", fmt.Errorf("publisher is closed")
	case p.fail != nil:
		return "", p.fail
	}
	p.seq++
	msg := Message{ID: strconv.Itoa(p.seq), Data: data}
	if kind != "" {
		msg.Attributes = map[string]string{"kind": kind}
	}
	p.msgs = append(p.msgs, msg)
	return msg.ID, nil
}

// Close stops accepting publishes.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Messages returns a copy of what was published, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}
