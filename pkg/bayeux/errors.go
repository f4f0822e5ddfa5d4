package bayeux

import "errors"

// ErrInvalidChannel reports a channel name that fails the syntactic rules of
// ChannelName.IsValid.
var ErrInvalidChannel = errors.New("invalid channel name")

// Protocol error codes carried in a reply's error field. The format is
// "code::tag" with the middle arguments segment always empty.
const (
	ErrorChannelMissing      = "400::channel_missing"
	ErrorSessionUnknown      = "402::session_unknown"
	ErrorHandshakeDenied     = "403::handshake_denied"
	ErrorChannelDenied       = "403::channel_denied"
	ErrorPublishDenied       = "403::publish_denied"
	ErrorSubscribeDenied     = "403::subscribe_denied"
	ErrorSubscribeFailed     = "403::subscribe_failed"
	ErrorUnsubscribeFailed   = "403::unsubscribe_failed"
	ErrorSubscriptionMissing = "403::subscription_missing"
	ErrorMessageDeleted      = "404::message_deleted"
)
