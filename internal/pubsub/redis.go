package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes and subscribes through a shared Redis instance,
// giving every replica of the control plane the same view of match
// events regardless of which replica a referee's WebSocket connection
// landed on. Each replica's Hub subscribes to RedisBus directly, so a
// message published by any replica, including the receiving one, comes
// back through Redis before it reaches local WebSocket connections.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing Redis client. The caller owns the
// client's lifecycle (Close it on shutdown).
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("pubsub: redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	redisSub := b.client.Subscribe(ctx, channel)
	if _, err := redisSub.Receive(ctx); err != nil {
		_ = redisSub.Close()
		return nil, fmt.Errorf("pubsub: redis subscribe: %w", err)
	}
	sub := &redisSubscription{redisSub: redisSub, ch: make(chan Message, localQueueSize)}
	go sub.pump()
	return sub, nil
}

// Backlog always reports 0: Redis itself buffers undelivered messages,
// and RedisBus does not count messages queued in its subscriptions'
// delivery channels.
func (b *RedisBus) Backlog() int { return 0 }

type redisSubscription struct {
	redisSub *redis.PubSub
	ch       chan Message
}

func (s *redisSubscription) Messages() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	err := s.redisSub.Close()
	return err
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.redisSub.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

// RedisLease implements LeaseElector using Redis's atomic SET NX PX,
// the standard single-key distributed lock primitive: acquisition and
// renewal both succeed only when the calling owner either holds no
// conflicting lease or already owns the key.
type RedisLease struct {
	client *redis.Client
}

// NewRedisLease wraps an existing Redis client for lease election.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

// renewScript extends a lease only if the caller is still the recorded
// owner, and acquires it outright if nobody currently owns it.
const renewScript = `
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`

// releaseScript deletes a lease only if the caller is still its owner.
const releaseScript = `
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("DEL", KEYS[1])
end
return 1
`

func (l *RedisLease) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("pubsub: lease acquire: %w", err)
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx, key, owner, ttl)
}

func (l *RedisLease) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	result, err := l.client.Eval(ctx, renewScript, []string{key}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("pubsub: lease renew: %w", err)
	}
	granted, _ := result.(int64)
	return granted == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, key, owner string) error {
	if _, err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Result(); err != nil {
		return fmt.Errorf("pubsub: lease release: %w", err)
	}
	return nil
}
