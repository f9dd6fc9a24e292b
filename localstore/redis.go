package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrRedisUnavailable is returned when a Redis command fails
var ErrRedisUnavailable = errors.New("redis unavailable")

const maxScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0") or 0
local v = tonumber(ARGV[1])
if v > current then
  redis.call("SET", KEYS[1], ARGV[1])
  redis.call("PUBLISH", KEYS[2], ARGV[2])
  return v
end
return current
`

var maxLua = redis.NewScript(maxScript)

// RedisStore shares storage across processes. Every write is announced on a pub/sub
// channel so watchers in other processes see it. A process holds one subscription
// however many watchers it has; it is opened by the first Watch and closed with the last.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
	log     zerolog.Logger

	subMu    sync.Mutex
	sub      *redis.PubSub
	subDone  chan struct{}
	watchers watchers
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store whose keys live under prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sso"
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix + ":",
		channel: prefix + ":changes",
		log:     log.Logger,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	msg, err := s.encode(Change{Key: key, Value: value, Source: SourceFrom(ctx)})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(key), value, ttl)
	pipe.Publish(ctx, s.channel, msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Max(ctx context.Context, key string, v int64) (int64, error) {
	msg, err := s.encode(Change{Key: key, Value: fmt.Sprintf("%d", v), Source: SourceFrom(ctx)})
	if err != nil {
		return 0, err
	}
	n, err := maxLua.Run(ctx, s.client, []string{s.key(key), s.channel}, v, msg).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	source := SourceFrom(ctx)
	pipe := s.client.TxPipeline()
	for _, k := range keys {
		msg, err := s.encode(Change{Key: k, Deleted: true, Source: source})
		if err != nil {
			return err
		}
		pipe.Del(ctx, s.key(k))
		pipe.Publish(ctx, s.channel, msg)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return keys, nil
}

func (s *RedisStore) Watch(ctx context.Context, source string, fn func(Change)) (func(), error) {
	return s.watchPrefix(ctx, source, "", fn)
}

func (s *RedisStore) watchPrefix(ctx context.Context, source, prefix string, fn func(Change)) (func(), error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub == nil {
		sub := s.client.Subscribe(ctx, s.channel)
		// Wait for the subscription to be confirmed so no write after Watch returns is missed.
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		s.sub = sub
		s.subDone = make(chan struct{})
		go s.dispatch(sub, s.subDone)
	}
	return s.watchers.add(ctx, source, prefix, fn, s.onWatcherRemoved), nil
}

// dispatch hands every announced change to this process's watchers
func (s *RedisStore) dispatch(sub *redis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range sub.Channel() {
		var c Change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			s.log.Warn().Err(err).Msg("Discarding malformed storage change")
			continue
		}
		s.watchers.notify(c)
	}
}

func (s *RedisStore) onWatcherRemoved(remaining int) {
	if remaining > 0 {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub == nil || s.watchers.len() > 0 {
		return
	}
	_ = s.sub.Close()
	<-s.subDone
	s.sub, s.subDone = nil, nil
}

func (s *RedisStore) encode(c Change) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
