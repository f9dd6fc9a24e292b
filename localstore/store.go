// Package localstore is the persisted key/value surface shared by every execution
// context (tab, app replica) of one browser origin. It stands in for the browser's
// local storage: values survive reloads, and writes made by one context are announced
// to the others through Watch.
package localstore

import (
	"context"
	"strings"
	"time"
)

// Well-known keys. The token cache lives under its own namespace owned by the provider client.
const (
	KeyLogoutTimestamp     = "sso:logout_ts"
	KeyLastSessionCheck    = "sso:last_session_check"
	SilentCheckedKeyPrefix = "sso:silent_checked:"
)

// SilentCheckedKey is the per-origin suppression flag key
func SilentCheckedKey(origin string) string {
	return SilentCheckedKeyPrefix + origin
}

// Change describes one write announced to watchers
type Change struct {
	Key     string `json:"k"`
	Value   string `json:"v,omitempty"`
	Deleted bool   `json:"d,omitempty"`
	Source  string `json:"s,omitempty"`
}

// Store is last-write-wins storage with change notifications. Consumers must re-check
// state rather than trusting a single read; Max is the only merge operation.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Max stores the larger of the current integer value and v, returning the result.
	Max(ctx context.Context, key string, v int64) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Watch delivers changes written by any source other than source, in order,
	// until the returned cancel func is called or ctx ends.
	Watch(ctx context.Context, source string, fn func(Change)) (cancel func(), err error)
}

type sourceKey struct{}

// WithSource tags writes made with ctx as coming from source
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the writer tag carried by ctx
func SourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// DeletePrefix removes every key starting with prefix
func DeletePrefix(ctx context.Context, s Store, prefix string) error {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.Delete(ctx, keys...)
}

type namespaced struct {
	inner  Store
	prefix string
}

// Namespace scopes every key of inner under ns, e.g. one browser's storage
func Namespace(inner Store, ns string) Store {
	return &namespaced{inner: inner, prefix: ns + "/"}
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return n.inner.Set(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) Max(ctx context.Context, key string, v int64) (int64, error) {
	return n.inner.Max(ctx, n.prefix+key, v)
}

func (n *namespaced) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, n.prefix+k)
	}
	return n.inner.Delete(ctx, full...)
}

func (n *namespaced) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.Keys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, n.prefix))
	}
	return out, nil
}

func (n *namespaced) Watch(ctx context.Context, source string, fn func(Change)) (func(), error) {
	if pw, ok := n.inner.(prefixWatcher); ok {
		return pw.watchPrefix(ctx, source, n.prefix, func(c Change) {
			c.Key = strings.TrimPrefix(c.Key, n.prefix)
			fn(c)
		})
	}
	return n.inner.Watch(ctx, source, func(c Change) {
		if !strings.HasPrefix(c.Key, n.prefix) {
			return
		}
		c.Key = strings.TrimPrefix(c.Key, n.prefix)
		fn(c)
	})
}
