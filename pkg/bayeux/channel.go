package bayeux

import "strings"

// ChannelName is a Bayeux channel identifier: an absolute path of
// slash-separated segments, e.g. "/chat/room/42". Wildcard names use "*"
// (one segment) or "**" (any depth) as their final segment.
type ChannelName string

// The five meta channels that process protocol traffic.
const (
	MetaHandshake   ChannelName = "/meta/handshake"
	MetaConnect     ChannelName = "/meta/connect"
	MetaSubscribe   ChannelName = "/meta/subscribe"
	MetaUnsubscribe ChannelName = "/meta/unsubscribe"
	MetaDisconnect  ChannelName = "/meta/disconnect"
)

const (
	metaPrefix    = "/meta/"
	servicePrefix = "/service/"
)

// ChannelType classifies a channel by its name prefix.
type ChannelType string

const (
	// ChannelMeta channels carry protocol control traffic and never broadcast.
	ChannelMeta ChannelType = "meta"
	// ChannelService channels are directed: server-side listeners see them,
	// subscribers receive nothing.
	ChannelService ChannelType = "service"
	// ChannelBroadcast channels fan out to every subscribed session.
	ChannelBroadcast ChannelType = "broadcast"
)

// Type returns the channel classification derived from the name prefix.
func (c ChannelName) Type() ChannelType {
	switch {
	case strings.HasPrefix(string(c), metaPrefix):
		return ChannelMeta
	case strings.HasPrefix(string(c), servicePrefix):
		return ChannelService
	default:
		return ChannelBroadcast
	}
}

// IsMeta reports whether the channel is under /meta/.
func (c ChannelName) IsMeta() bool { return strings.HasPrefix(string(c), metaPrefix) }

// IsService reports whether the channel is under /service/.
func (c ChannelName) IsService() bool { return strings.HasPrefix(string(c), servicePrefix) }

// IsBroadcast reports whether the channel fans out to subscribers.
func (c ChannelName) IsBroadcast() bool { return !c.IsMeta() && !c.IsService() }

// IsWild reports whether the final segment is "*" or "**". Only valid names
// can be wild; call IsValid first when the input is untrusted.
func (c ChannelName) IsWild() bool {
	return strings.HasSuffix(string(c), "/*") || strings.HasSuffix(string(c), "/**")
}

// IsValid reports whether the name is an absolute path of well-formed
// segments. A wildcard segment is only permitted in the final position.
func (c ChannelName) IsValid() bool {
	s := string(c)
	if len(s) < 2 || s[0] != '/' {
		return false
	}
	segments := strings.Split(s[1:], "/")
	for i, segment := range segments {
		if segment == "*" || segment == "**" {
			return i == len(segments)-1
		}
		if !validSegment(segment) {
			return false
		}
	}
	return true
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '!' || r == '~' || r == '(' || r == ')' || r == '$' || r == '@':
		default:
			return false
		}
	}
	return true
}

// WildcardParents enumerates the wildcard channels that cover this name, from
// the broadest ancestor down: for /a/b/c they are /**, /a/**, /a/b/**, /a/b/*.
// Wildcard names have no parents of their own.
func (c ChannelName) WildcardParents() []ChannelName {
	if c.IsWild() || !c.IsValid() {
		return nil
	}
	segments := strings.Split(string(c)[1:], "/")
	parents := make([]ChannelName, 0, len(segments)+1)
	prefix := ""
	for _, segment := range segments {
		parents = append(parents, ChannelName(prefix+"/**"))
		prefix += "/" + segment
	}
	last := strings.LastIndexByte(string(c), '/')
	parents = append(parents, ChannelName(string(c)[:last]+"/*"))
	return parents
}

// Expand returns the full notification order for a publish on this channel:
// wildcard parents ancestor-first, then the channel itself.
func (c ChannelName) Expand() []ChannelName {
	return append(c.WildcardParents(), c)
}
