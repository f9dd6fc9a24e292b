package hub

import (
	"sync"

	"github.com/jrsteele09/go-sso-sync/fanout/contract"
)

// Member is one connected WebSocket session.
//
// Send is never closed by the hub so concurrent broadcasters cannot panic;
// done signals the connection goroutines to stop. Close is idempotent.
type Member struct {
	ID   string
	Send chan contract.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewMember constructs a Member with a bounded send queue.
func NewMember(id string, sendQueueSize int) *Member {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Member{
		ID:   id,
		Send: make(chan contract.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the member is shutting down.
func (m *Member) Done() <-chan struct{} {
	if m == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.done
}

// Close signals the member goroutines to stop (idempotent).
func (m *Member) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		close(m.done)
	})
}
