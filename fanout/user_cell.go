package fanout

import "sync/atomic"

// UserCell is a live reference to the currently authenticated user. Event handlers
// read it at delivery time, never a copy captured at subscription time.
type UserCell struct {
	v atomic.Pointer[string]
}

func (c *UserCell) Set(userID string) {
	c.v.Store(&userID)
}

// Get returns the current user id, or "" when nobody is signed in
func (c *UserCell) Get() string {
	p := c.v.Load()
	if p == nil {
		return ""
	}
	return *p
}
