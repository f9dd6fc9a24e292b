package hub

import (
	"sync"

	"github.com/jrsteele09/go-sso-sync/fanout/contract"
)

// Group is the set of connections subscribed to one user's logout events.
//
// Join/Leave are safe under concurrent Broadcast, and Broadcast never blocks:
// a member whose queue is full misses the event and falls back to validation.
type Group struct {
	UserID string

	mu      sync.RWMutex
	members map[string]*Member
}

func newGroup(userID string) *Group {
	return &Group{
		UserID:  userID,
		members: make(map[string]*Member),
	}
}

func (g *Group) join(m *Member) {
	g.mu.Lock()
	g.members[m.ID] = m
	g.mu.Unlock()
}

func (g *Group) leave(memberID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; !ok {
		return false
	}
	delete(g.members, memberID)
	return true
}

// Len returns the number of members
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Broadcast queues env for every member and returns how many accepted it
func (g *Group) Broadcast(env contract.Envelope) (delivered, dropped int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, m := range g.members {
		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}
