package bayeux

import "encoding/json"

// Subscription is the value of a /meta/subscribe or /meta/unsubscribe
// message's subscription field, which the wire allows as either a single
// channel string or a list. The original form is preserved so a reply echoes
// what the client sent.
type Subscription struct {
	channels []ChannelName
	list     bool
}

// NewSubscription builds a subscription over the given channels. A single
// channel serializes as a bare string, anything else as a list.
func NewSubscription(channels ...ChannelName) *Subscription {
	return &Subscription{channels: channels, list: len(channels) != 1}
}

// Channels returns the subscribed channel names. Safe on a nil receiver.
func (s *Subscription) Channels() []ChannelName {
	if s == nil {
		return nil
	}
	return s.channels
}

// UnmarshalJSON accepts a channel string or an array of channel strings.
func (s *Subscription) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var names []ChannelName
		if err := json.Unmarshal(b, &names); err != nil {
			return err
		}
		s.channels, s.list = names, true
		return nil
	}
	var name ChannelName
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	s.channels, s.list = []ChannelName{name}, false
	return nil
}

// MarshalJSON mirrors the form the subscription was built or parsed from.
func (s Subscription) MarshalJSON() ([]byte, error) {
	if !s.list && len(s.channels) == 1 {
		return json.Marshal(s.channels[0])
	}
	return json.Marshal(s.channels)
}
