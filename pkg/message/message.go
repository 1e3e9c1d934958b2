package message

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
)

// Kind classifies the data carried by a message.
type Kind string

const (
	KindRaw  Kind = "raw"
	KindText Kind = "text"
	KindURL  Kind = "url"
)

// ErrUnknownKind is returned when a kind name does not exist.
var ErrUnknownKind = errors.New("unknown kind")

// AllKinds lists valid kind names, for CLI help and completion.
var AllKinds = []string{
	string(KindRaw),
	string(KindText),
	string(KindURL),
}

// ParseKind converts a kind name into a [Kind].
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindRaw:
		return KindRaw, nil
	case KindText:
		return KindText, nil
	case KindURL:
		return KindURL, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Message is a single plumb request: a kind, the data payload, and any named
// fields derived from it or captured while matching.
//
// Reads consult an overlay before the base fields. All writes go to the
// overlay, so a rule evaluation that fails partway can be rolled back with
// [Message.Revert] without losing the original request.
type Message struct {
	base    map[string]string
	overlay map[string]string
	kind    Kind
}

// Opt is a functional option for configuring a [Message].
type Opt func(*Message)

// WithField sets a named base field on the message, for request arguments
// beyond the data payload.
func WithField(name, value string) Opt {
	return func(m *Message) {
		m.base[name] = value
	}
}

// New creates a [Message] for the given kind and data. For URL messages the
// network location and path are split out into the `netloc` and `netpath`
// fields so rules can match on them directly.
func New(kind Kind, data string, opts ...Opt) *Message {
	m := &Message{
		base: map[string]string{
			"kind": string(kind),
			"data": data,
		},
		overlay: map[string]string{},
		kind:    kind,
	}

	if kind == KindURL {
		if u, err := url.Parse(data); err == nil {
			m.base["netloc"] = u.Host
			m.base["netpath"] = u.Path
		}
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Kind returns the message kind.
func (m *Message) Kind() Kind {
	return m.kind
}

// Data returns the message payload.
func (m *Message) Data() string {
	v, _ := m.Get("data")

	return v
}

// Get returns the named field, preferring overlay values over base values.
func (m *Message) Get(name string) (string, bool) {
	if v, ok := m.overlay[name]; ok {
		return v, true
	}

	v, ok := m.base[name]

	return v, ok
}

// Set writes a field into the overlay.
func (m *Message) Set(name, value string) {
	m.overlay[name] = value
}

// Revert discards every overlay write, restoring the message to the state it
// had when created. Called after a rule fails to fully match.
func (m *Message) Revert() {
	clear(m.overlay)
}

// Fields returns a merged copy of all fields.
func (m *Message) Fields() map[string]string {
	out := make(map[string]string, len(m.base)+len(m.overlay))
	maps.Copy(out, m.base)
	maps.Copy(out, m.overlay)

	return out
}
