// Package bayeux defines the Bayeux 1.0 wire types: messages, advice,
// subscriptions, channel names, and the protocol error codes. Everything here
// is transport-agnostic; serialization is plain JSON.
package bayeux

import (
	"encoding/json"
	"sync/atomic"
)

// Version is the protocol version advertised in handshake replies.
const Version = "1.0"

// ConnectionTypeLongPolling is the only connection type this server supports.
const ConnectionTypeLongPolling = "long-polling"

// Reconnect advice values.
const (
	ReconnectRetry     = "retry"
	ReconnectHandshake = "handshake"
	ReconnectNone      = "none"
)

// Advice carries server-to-client reconnection hints. Timeout and Interval
// are pointers because an explicit 0 is meaningful on the wire.
type Advice struct {
	Reconnect       string `json:"reconnect,omitempty"`
	Timeout         *int64 `json:"timeout,omitempty"`
	Interval        *int64 `json:"interval,omitempty"`
	MultipleClients bool   `json:"multiple-clients,omitempty"`
}

// TimeoutOr returns the advised timeout in milliseconds, or def when the
// advice or field is absent. Safe on a nil receiver.
func (a *Advice) TimeoutOr(def int64) int64 {
	if a == nil || a.Timeout == nil {
		return def
	}
	return *a.Timeout
}

// IntervalOr returns the advised interval in milliseconds, or def when the
// advice or field is absent. Safe on a nil receiver.
func (a *Advice) IntervalOr(def int64) int64 {
	if a == nil || a.Interval == nil {
		return def
	}
	return *a.Interval
}

// Int64 returns a pointer to v, for populating Advice fields.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v, for populating Message.Successful.
func Bool(v bool) *bool { return &v }

// Message is a single Bayeux message. Zero-valued fields are omitted from the
// wire form. The reply back-reference and the cached wire form never
// serialize.
type Message struct {
	Channel                  ChannelName    `json:"channel,omitempty"`
	ClientID                 string         `json:"clientId,omitempty"`
	ID                       string         `json:"id,omitempty"`
	Data                     any            `json:"data,omitempty"`
	Subscription             *Subscription  `json:"subscription,omitempty"`
	Ext                      map[string]any `json:"ext,omitempty"`
	Advice                   *Advice        `json:"advice,omitempty"`
	Successful               *bool          `json:"successful,omitempty"`
	Error                    string         `json:"error,omitempty"`
	Version                  string         `json:"version,omitempty"`
	MinimumVersion           string         `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string       `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string         `json:"connectionType,omitempty"`

	reply  *Message
	frozen atomic.Pointer[frozenForm]
}

type frozenForm struct {
	bytes []byte
	err   error
}

// wireMessage strips Message's methods so MarshalJSON can reuse the standard
// struct encoding without recursing.
type wireMessage Message

// MarshalJSON emits the cached wire form when the message has been frozen,
// otherwise the current field values.
func (m *Message) MarshalJSON() ([]byte, error) {
	if f := m.frozen.Load(); f != nil {
		return f.bytes, f.err
	}
	return json.Marshal((*wireMessage)(m))
}

// Freeze serializes the message and caches the result; subsequent field
// mutations are not reflected in the wire form. The cache is write-once:
// the first Freeze wins and later calls return the same bytes.
func (m *Message) Freeze() ([]byte, error) {
	if f := m.frozen.Load(); f != nil {
		return f.bytes, f.err
	}
	b, err := json.Marshal((*wireMessage)(m))
	f := &frozenForm{bytes: b, err: err}
	if !m.frozen.CompareAndSwap(nil, f) {
		f = m.frozen.Load()
	}
	return f.bytes, f.err
}

// AttachReply stores the reply under construction for this message. The
// reply never appears in the message's serialized form.
func (m *Message) AttachReply(r *Message) { m.reply = r }

// Reply returns the reply attached by the pipeline, or nil.
func (m *Message) Reply() *Message { return m.reply }

// IsSuccessful reports whether the message carries successful=true.
func (m *Message) IsSuccessful() bool {
	return m.Successful != nil && *m.Successful
}

// ExtValue returns the named ext field, or nil when absent.
func (m *Message) ExtValue(key string) any {
	if m.Ext == nil {
		return nil
	}
	return m.Ext[key]
}

// SetExt sets an ext field, allocating the map on first use.
func (m *Message) SetExt(key string, value any) {
	if m.Ext == nil {
		m.Ext = make(map[string]any, 1)
	}
	m.Ext[key] = value
}

// EnsureAdvice returns the message's advice, allocating it on first use.
func (m *Message) EnsureAdvice() *Advice {
	if m.Advice == nil {
		m.Advice = &Advice{}
	}
	return m.Advice
}
