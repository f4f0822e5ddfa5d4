// Package transport carries Bayeux message arrays over HTTP long-polling:
// it parses request bodies, routes sessions via the browser cookie, decides
// whether a /meta/connect is held, and assembles the JSON response array.
// It is an http.Handler; the host mounts it on whatever mux it runs.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cometwire/halley/pkg/bayeux"
	"github.com/cometwire/halley/pkg/broker"
	"github.com/cometwire/halley/pkg/config"
)

// maxBodyBytes bounds a request body read. Bayeux requests are small; a
// megabyte of messages is already abusive.
const maxBodyBytes = 1 << 20

// LongPolling is the HTTP face of one broker.
type LongPolling struct {
	broker *broker.Broker
	opts   *config.Options
	logger *slog.Logger
}

// New builds the transport for a broker. Nil opts reuse the broker's; a nil
// logger uses slog's default.
func New(b *broker.Broker, opts *config.Options, logger *slog.Logger) *LongPolling {
	if opts == nil {
		opts = b.Options()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LongPolling{
		broker: b,
		opts:   opts,
		logger: logger.With("component", "transport"),
	}
}

// ServeHTTP handles one Bayeux request: a POSTed JSON array of messages.
func (t *LongPolling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "bayeux requests must be POSTed", http.StatusBadRequest)
		return
	}

	msgs, ok := messagesFromContext(r.Context())
	if !ok {
		var err error
		msgs, err = decodeBody(r.Body)
		if err != nil {
			http.Error(w, "invalid bayeux request body", http.StatusBadRequest)
			return
		}
	}
	if len(msgs) == 0 {
		http.Error(w, "empty message array", http.StatusBadRequest)
		return
	}

	reqID := uuid.NewString()
	t.logger.Debug("Bayeux request",
		"request_id", reqID, "messages", len(msgs), "first_channel", msgs[0].Channel)

	browserID := ""
	if cookie, err := r.Cookie(t.opts.BrowserCookieName); err == nil {
		browserID = cookie.Value
	}

	first := msgs[0]
	isHandshake := first.Channel == bayeux.MetaHandshake
	isConnect := first.Channel == bayeux.MetaConnect

	var session *broker.Session
	newBrowser := false
	if isHandshake {
		// A handshake must be alone in its request: the session it creates
		// cannot carry the rest of the batch.
		if len(msgs) != 1 {
			http.Error(w, "protocol violation: handshake must be the only message", http.StatusBadRequest)
			return
		}
		if browserID == "" {
			browserID = broker.NewBrowserID()
			newBrowser = true
		}
		session = t.broker.NewSession(browserID)
	} else {
		session = t.broker.GetSession(first.ClientID)
	}

	// Non-connect requests batch their deliveries so publishes inside the
	// request do not flush one by one; the queue drains into this response
	// or the held connect once the batch closes.
	batched := false
	if !isConnect && session != nil {
		session.StartBatch()
		batched = true
	}
	endBatch := func() {
		if batched {
			batched = false
			session.EndBatch()
		}
	}
	defer endBatch()

	replies := make([]*bayeux.Message, 0, len(msgs))
	var connectReply *bayeux.Message
	sendQueue, scheduleExpiration := false, false
	for _, m := range msgs {
		reply, err := t.broker.Process(r.Context(), session, m)
		if err != nil {
			t.logger.Error("Pipeline failure",
				"request_id", reqID, "channel", m.Channel, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch m.Channel {
		case bayeux.MetaHandshake:
			sendQueue, scheduleExpiration = false, true
		case bayeux.MetaConnect:
			sendQueue, scheduleExpiration = true, true
			connectReply = reply
		default:
			sendQueue = session != nil && !session.MetaConnectDeliveryOnly()
		}
		replies = append(replies, reply)
	}

	if isHandshake && newBrowser && replies[0].IsSuccessful() {
		http.SetCookie(w, t.browserCookie(browserID))
	}

	// Hold decision for a lone, successful /meta/connect.
	if isConnect && session != nil && len(msgs) == 1 && connectReply.IsSuccessful() {
		if !session.HasQueued() || session.IsBatching() {
			timeoutMS := session.CalculateTimeout(t.opts.Timeout)
			if timeoutMS > 0 {
				timeout := time.Duration(timeoutMS) * time.Millisecond
				waiter, held := t.broker.SuspendConnect(session, first, timeout)
				if !held {
					t.adviseMultipleClients(connectReply)
				} else {
					select {
					case result := <-waiter.Result():
						if result == broker.WaiterPreempted {
							t.logger.Debug("Connect preempted",
								"request_id", reqID, "session_id", session.ID())
							w.WriteHeader(t.opts.DuplicateMetaConnectHTTPResponseCode)
							return
						}
					case <-r.Context().Done():
						// The client is gone; the session proceeds to
						// ordinary expiration.
						waiter.Cancel()
						session.ScheduleExpiration(t.opts.Interval, t.opts.MaxInterval)
						return
					}
				}
			}
		}
	}

	endBatch()

	out := make([]*bayeux.Message, 0, len(replies)+4)
	if sendQueue && session != nil {
		out = append(out, session.DrainQueue(connectReply)...)
	}
	// Replies keep incoming order, except the connect reply is always the
	// final element of the array.
	for _, reply := range replies {
		if reply != connectReply {
			out = append(out, reply)
		}
	}
	if connectReply != nil {
		out = append(out, connectReply)
	}

	body, err := json.Marshal(out)
	if err != nil {
		t.logger.Error("Response serialization failed", "request_id", reqID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		t.logger.Debug("Response write failed", "request_id", reqID, "error", err)
	}

	if scheduleExpiration && session != nil {
		session.ScheduleExpiration(t.opts.Interval, t.opts.MaxInterval)
	}
}

// adviseMultipleClients marks a connect reply for a browser that exceeded
// its poll cap: either back off by multiSessionInterval, or stop entirely
// when no interval is configured.
func (t *LongPolling) adviseMultipleClients(reply *bayeux.Message) {
	adv := reply.EnsureAdvice()
	adv.MultipleClients = true
	if t.opts.MultiSessionInterval > 0 {
		adv.Reconnect = bayeux.ReconnectRetry
		adv.Interval = bayeux.Int64(t.opts.MultiSessionInterval)
	} else {
		reply.Successful = bayeux.Bool(false)
		adv.Reconnect = bayeux.ReconnectNone
	}
}

func (t *LongPolling) browserCookie(browserID string) *http.Cookie {
	return &http.Cookie{
		Name:     t.opts.BrowserCookieName,
		Value:    browserID,
		Path:     "/",
		HttpOnly: t.opts.BrowserCookieHTTPOnly,
		Secure:   t.opts.BrowserCookieSecure,
		SameSite: t.opts.SameSite(),
	}
}

func decodeBody(body io.Reader) ([]*bayeux.Message, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	var msgs []*bayeux.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m == nil {
			return nil, errors.New("null message in array")
		}
	}
	return msgs, nil
}
