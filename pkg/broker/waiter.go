package broker

import (
	"sync"
	"time"

	"github.com/cometwire/halley/pkg/bayeux"
)

// WaiterResult tells the transport how a held /meta/connect completed.
type WaiterResult int

const (
	// WaiterResumed means a message was queued or the session was torn
	// down; the response is assembled normally.
	WaiterResumed WaiterResult = iota
	// WaiterExpired means the hold timeout elapsed with nothing to send.
	WaiterExpired
	// WaiterPreempted means a newer /meta/connect took over; the response
	// completes with the configured duplicate status and no body.
	WaiterPreempted
)

// Waiter owns one suspended /meta/connect. Exactly one of the terminating
// transitions wins: resume by message, timer expiry, preemption by a
// duplicate connect, or Cancel by the transport when the client is gone.
// Every terminal transition detaches the waiter from its session and
// releases the browser hold slot exactly once.
type Waiter struct {
	session *Session
	connect *bayeux.Message
	timeout time.Duration

	release func()
	resumed func(timedOut bool)

	mu     sync.Mutex
	done   bool
	timer  *time.Timer
	result chan WaiterResult
}

// Result delivers the terminal state for transitions initiated outside the
// transport goroutine. Cancel does not send: the canceller already knows.
func (w *Waiter) Result() <-chan WaiterResult { return w.result }

// Session returns the session this waiter is holding a connect for.
func (w *Waiter) Session() *Session { return w.session }

// resume completes the hold because a message arrived (timedOut=false) or
// the timer fired (timedOut=true).
func (w *Waiter) resume(timedOut bool) {
	if !w.finish() {
		return
	}
	if w.resumed != nil {
		w.resumed(timedOut)
	}
	if timedOut {
		w.result <- WaiterExpired
	} else {
		w.result <- WaiterResumed
	}
}

// preempt completes the hold because a newer /meta/connect arrived for the
// same session.
func (w *Waiter) preempt() {
	if !w.finish() {
		return
	}
	w.result <- WaiterPreempted
}

// Cancel completes the hold without a response, used when the underlying
// request died. The session then proceeds to ordinary expiration.
func (w *Waiter) Cancel() {
	w.finish()
}

// finish performs the one-shot transition out of the armed state. It returns
// false when another transition already won.
func (w *Waiter) finish() bool {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return false
	}
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.session.clearWaiter(w)
	if w.release != nil {
		w.release()
	}
	return true
}

// arm starts the hold timer. Zero or negative timeouts are the caller's
// responsibility; a waiter is only armed for a positive timeout.
func (w *Waiter) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.timer = time.AfterFunc(w.timeout, func() { w.resume(true) })
}
