package room

import (
	"golang.org/x/time/rate"
)

// Channel is the bidirectional text-message channel behind one session.
// Implementations must never invoke session callbacks synchronously from
// SendText or Close; the room broadcasts while holding its lock.
type Channel interface {
	SendText(text string)
	Close(code int, reason string)
}

// Delegates are the callbacks a transport must wire up for one session.
// Diag receives the channel's own diagnostics; the room relays them under
// the session's sender name.
type Delegates struct {
	OnText  func(data string)
	OnClose func()
	Diag    func(sender string, level int, message string)
}

// OpenFunc negotiates the channel for a new session. On success it returns
// the live channel and an unsubscribe function that ends the channel's
// diagnostics subscription.
type OpenFunc func(d Delegates) (Channel, func(), error)

// session is one live connection and its chat room state. All fields are
// guarded by the room lock except the limiter, which is only touched by the
// dispatcher while the lock is held anyway.
type session struct {
	id         uint64
	senderName string

	// nickname is empty for lurkers: invisible to peer listings and
	// join/leave broadcasts, and not allowed to send tells.
	nickname string
	points   int

	// limiter enforces the tell cool-down: burst 1, refilling one token
	// every tellTimeout seconds of injected time.
	limiter *rate.Limiter

	open        bool
	ch          Channel
	unsubscribe func()
}
