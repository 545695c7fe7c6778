// Package bus announces release events on NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

// Bus holds a JetStream context for publishing release events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to url and opens a JetStream context.
func New(url string, opts ...nats.Option) (*Bus, error) {
	opts = append([]nats.Option{nats.Name("polyship")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates stream name capturing every event under prefix
// unless it already exists.
func (b *Bus) EnsureStream(name, prefix string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if _, err := b.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err := b.js.AddStream(&nats.StreamConfig{Name: name, Subjects: []string{Wildcard(prefix)}})
	return err
}

// Close drains the connection, closing it outright if draining fails.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to subj. A non-empty msgID is
// sent as the JetStream message id so a re-run within the stream's
// duplicate window is stored once.
func (b *Bus) Publish(ctx context.Context, subj, msgID string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err = b.js.Publish(subj, data, opts...)
	return err
}

// Subject names the subject for event of project under prefix, e.g.
// "polyship.releases.my-tool.published".
func Subject(prefix, project, event string) string {
	parts := []string{strings.Trim(prefix, ".")}
	for _, p := range []string{project, event} {
		parts = append(parts, Token(p))
	}
	if parts[0] == "" {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}

// Wildcard matches every subject below prefix.
func Wildcard(prefix string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return ">"
	}
	return prefix + ".>"
}

// Token makes s usable as a single subject token. Separators, wildcards
// and whitespace become "_"; an empty token becomes "_".
func Token(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '.', r == '*', r == '>', r <= ' ', r == 0x7f:
			return '_'
		}
		return r
	}, s)
	if s == "" {
		return "_"
	}
	return s
}
