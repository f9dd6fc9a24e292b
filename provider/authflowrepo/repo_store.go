package authflowrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/localstore"
)

const (
	storeKeyPrefix = "authflow:"
	storeTimeout   = 3 * time.Second
)

// StoreRepo keeps auth flows in a localstore.Store shared by every replica, so the
// provider may send the callback to any of them. Entries expire with the store TTL.
type StoreRepo struct {
	kv  localstore.Store
	ttl time.Duration
}

var _ Repo = (*StoreRepo)(nil)

func NewStoreRepo(kv localstore.Store, ttl time.Duration) *StoreRepo {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StoreRepo{kv: kv, ttl: ttl}
}

func (r *StoreRepo) Upsert(state string, authState *AuthFlowState) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	if authState == nil {
		return errors.New("authState cannot be nil")
	}
	b, err := json.Marshal(authState)
	if err != nil {
		return fmt.Errorf("[authflowrepo Upsert] marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return r.kv.Set(ctx, storeKeyPrefix+state, string(b), r.ttl)
}

func (r *StoreRepo) Get(state string) (*AuthFlowState, error) {
	if state == "" {
		return nil, errors.New("state cannot be empty")
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	v, ok, err := r.kv.Get(ctx, storeKeyPrefix+state)
	if err != nil {
		return nil, fmt.Errorf("[authflowrepo Get] %w", err)
	}
	if !ok {
		return nil, ssoerrors.ErrInvalidState
	}
	var s AuthFlowState
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, fmt.Errorf("[authflowrepo Get] unmarshal: %w", err)
	}
	return &s, nil
}

func (r *StoreRepo) Delete(state string) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return r.kv.Delete(ctx, storeKeyPrefix+state)
}

// PurgeOlderThan is a no-op; the store expires flows itself
func (r *StoreRepo) PurgeOlderThan(time.Time) int {
	return 0
}
