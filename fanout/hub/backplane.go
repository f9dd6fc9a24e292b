package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jrsteele09/go-sso-sync/fanout/contract"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Backplane carries logout events between hub replicas
type Backplane interface {
	Publish(ctx context.Context, ev contract.UserLoggedOut) error
	Subscribe(ctx context.Context, fn func(contract.UserLoggedOut)) (cancel func(), err error)
}

// MemoryBackplane delivers to subscribers in the same process
type MemoryBackplane struct {
	mu     sync.RWMutex
	subs   map[int]func(contract.UserLoggedOut)
	nextID int
}

var _ Backplane = (*MemoryBackplane)(nil)

func NewMemoryBackplane() *MemoryBackplane {
	return &MemoryBackplane{subs: make(map[int]func(contract.UserLoggedOut))}
}

func (b *MemoryBackplane) Publish(_ context.Context, ev contract.UserLoggedOut) error {
	b.mu.RLock()
	subs := make([]func(contract.UserLoggedOut), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (b *MemoryBackplane) Subscribe(_ context.Context, fn func(contract.UserLoggedOut)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// RedisBackplane shares events between replicas over Redis pub/sub
type RedisBackplane struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

var _ Backplane = (*RedisBackplane)(nil)

func NewRedisBackplane(client *redis.Client, prefix string) *RedisBackplane {
	if prefix == "" {
		prefix = "sso"
	}
	return &RedisBackplane{client: client, channel: prefix + ":logout", log: log.Logger}
}

func (b *RedisBackplane) Publish(ctx context.Context, ev contract.UserLoggedOut) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("[hub RedisBackplane Publish] %w", err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context, fn func(contract.UserLoggedOut)) (func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("[hub RedisBackplane Subscribe] %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev contract.UserLoggedOut
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Msg("Discarding malformed backplane message")
					continue
				}
				fn(ev)
			}
		}
	}()
	return cancel, nil
}

var errNoUser = errors.New("missing user id")
