package loginsession

import (
	"context"
	"encoding/json"
	"fmt"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/localstore"
)

const sessionKey = "session"

// StoreRepo keeps the cached session as JSON in a localstore.Store
type StoreRepo struct {
	kv localstore.Store
}

var _ Repo = (*StoreRepo)(nil)

// NewStoreRepo creates a token cache on top of kv
func NewStoreRepo(kv localstore.Store) *StoreRepo {
	return &StoreRepo{kv: kv}
}

// Upsert creates or updates the cached session for clientID
func (r *StoreRepo) Upsert(ctx context.Context, clientID string, session Session) error {
	if clientID == "" {
		return fmt.Errorf("clientID is required")
	}
	b, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("[loginsession Upsert] marshal: %w", err)
	}
	return r.kv.Set(ctx, CacheKeyPrefix(clientID)+sessionKey, string(b), 0)
}

// Get returns the cached session or ErrNotFound
func (r *StoreRepo) Get(ctx context.Context, clientID string) (Session, error) {
	if clientID == "" {
		return Session{}, fmt.Errorf("clientID is required")
	}
	v, ok, err := r.kv.Get(ctx, CacheKeyPrefix(clientID)+sessionKey)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ssoerrors.ErrNotFound
	}
	var s Session
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return Session{}, fmt.Errorf("[loginsession Get] unmarshal: %w", err)
	}
	return s, nil
}

// Delete removes the whole cache namespace for clientID
func (r *StoreRepo) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return fmt.Errorf("clientID is required")
	}
	return localstore.DeletePrefix(ctx, r.kv, CacheKeyPrefix(clientID))
}
