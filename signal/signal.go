// Package signal records "a logout happened at time T" so that every same-origin
// context and every sibling subdomain converges on it.
package signal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jrsteele09/go-sso-sync/localstore"
)

// Signal is a logout timestamp in epoch milliseconds. The zero value means no logout recorded.
type Signal struct {
	Timestamp int64
}

// At returns a signal for t
func At(t time.Time) Signal {
	return Signal{Timestamp: t.UnixMilli()}
}

// IsZero reports whether no logout has been recorded
func (s Signal) IsZero() bool {
	return s.Timestamp <= 0
}

// Time converts the signal timestamp back to a time
func (s Signal) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// NewerThan reports whether the signal was written after t
func (s Signal) NewerThan(t time.Time) bool {
	return !s.IsZero() && s.Timestamp > t.UnixMilli()
}

// Recent reports whether sig is younger than window at now
func Recent(sig Signal, now time.Time, window time.Duration) bool {
	if sig.IsZero() {
		return false
	}
	return now.Sub(sig.Time()) < window
}

// Store is the storage-independent surface used by the orchestrator
type Store interface {
	// Write merges sig into every medium and returns the effective signal.
	Write(ctx context.Context, sig Signal) (Signal, error)
	// ReadLatest returns the newest signal across all media.
	ReadLatest(ctx context.Context) (Signal, error)
	// Subscribe calls fn when another context writes a signal.
	Subscribe(ctx context.Context, fn func(Signal)) (cancel func(), err error)
	Clear(ctx context.Context) error
}

// RedundantStore keeps the signal in the shared key/value store and in a cookie that
// reaches sibling subdomains. The effective time is the maximum of the two.
type RedundantStore struct {
	kv     localstore.Store
	cookie *CookieMedium
}

var _ Store = (*RedundantStore)(nil)

// NewRedundantStore creates a signal store. cookie may be nil when only same-origin reach is wanted.
func NewRedundantStore(kv localstore.Store, cookie *CookieMedium) *RedundantStore {
	return &RedundantStore{kv: kv, cookie: cookie}
}

func (s *RedundantStore) Write(ctx context.Context, sig Signal) (Signal, error) {
	if sig.IsZero() {
		return s.ReadLatest(ctx)
	}
	if s.cookie != nil {
		s.cookie.Write(sig.Timestamp)
	}
	merged, err := s.kv.Max(ctx, localstore.KeyLogoutTimestamp, sig.Timestamp)
	if err != nil {
		return sig, fmt.Errorf("[signal Write] store: %w", err)
	}
	if s.cookie != nil {
		s.cookie.Write(merged)
		if c := s.cookie.Read(); c > merged {
			merged = c
		}
	}
	return Signal{Timestamp: merged}, nil
}

func (s *RedundantStore) ReadLatest(ctx context.Context) (Signal, error) {
	var latest int64
	if s.cookie != nil {
		latest = s.cookie.Read()
	}
	v, ok, err := s.kv.Get(ctx, localstore.KeyLogoutTimestamp)
	if err != nil {
		return Signal{Timestamp: latest}, fmt.Errorf("[signal ReadLatest] store: %w", err)
	}
	if ok {
		if ts, perr := strconv.ParseInt(v, 10, 64); perr == nil && ts > latest {
			latest = ts
		}
	}
	return Signal{Timestamp: latest}, nil
}

func (s *RedundantStore) Subscribe(ctx context.Context, fn func(Signal)) (func(), error) {
	return s.kv.Watch(ctx, localstore.SourceFrom(ctx), func(c localstore.Change) {
		if c.Key != localstore.KeyLogoutTimestamp || c.Deleted {
			return
		}
		ts, err := strconv.ParseInt(c.Value, 10, 64)
		if err != nil || ts <= 0 {
			return
		}
		fn(Signal{Timestamp: ts})
	})
}

func (s *RedundantStore) Clear(ctx context.Context) error {
	if s.cookie != nil {
		s.cookie.Clear()
	}
	if err := s.kv.Delete(ctx, localstore.KeyLogoutTimestamp); err != nil {
		return fmt.Errorf("[signal Clear] store: %w", err)
	}
	return nil
}

// String formats the timestamp as stored
func (s Signal) String() string {
	return strconv.FormatInt(s.Timestamp, 10)
}
