package inbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps failures talking to the backing store
var ErrStoreUnavailable = errors.New("inbox: store unavailable")

const (
	defaultKeyPrefix = "inbox"
	// values of claimed but unfinished entries start with this marker
	processingMarker = "processing:"
)

// RedisClient is the subset of redis.Cmdable the inbox uses
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisInbox keeps completed ids as expiring Redis keys, so that every
// replica of an endpoint shares one inbox. A consumer claims an id with
// SETNX before handling it; completing the id overwrites the claim.
type RedisInbox struct {
	client    RedisClient
	prefix    string
	retention time.Duration
}

// RedisOption configures the RedisInbox
type RedisOption func(*RedisInbox)

// WithKeyPrefix sets the prefix of inbox keys
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisInbox) {
		r.prefix = prefix
	}
}

// WithRedisRetention sets the key expiry
func WithRedisRetention(d time.Duration) RedisOption {
	return func(r *RedisInbox) {
		r.retention = d
	}
}

// NewRedisInbox creates an inbox over client, usually a *redis.Client
func NewRedisInbox(client RedisClient, opts ...RedisOption) *RedisInbox {
	r := &RedisInbox{
		client:    client,
		prefix:    defaultKeyPrefix,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Completed implements messaging.Inbox. A claimed id is not completed.
func (r *RedisInbox) Completed(ctx context.Context, endpoint, messageID string) (bool, error) {
	val, err := r.client.Get(ctx, r.key(endpoint, messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return !strings.HasPrefix(val, processingMarker), nil
}

// Claim implements messaging.Claimer. The claim expires after ttl so that
// ids held by a crashed consumer become available again.
func (r *RedisInbox) Claim(ctx context.Context, endpoint, messageID string, ttl time.Duration) (bool, error) {
	marker := processingMarker + time.Now().UTC().Format(time.RFC3339Nano)
	ok, err := r.client.SetNX(ctx, r.key(endpoint, messageID), marker, ttl).Result()
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Release implements messaging.Claimer. Completed entries are kept.
func (r *RedisInbox) Release(ctx context.Context, endpoint, messageID string) error {
	key := r.key(endpoint, messageID)
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if !strings.HasPrefix(val, processingMarker) {
		return nil
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// MarkCompleted implements messaging.Inbox
func (r *RedisInbox) MarkCompleted(ctx context.Context, endpoint, messageID string) error {
	if err := r.client.Set(ctx, r.key(endpoint, messageID), time.Now().UTC().Format(time.RFC3339), r.retention).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisInbox) key(endpoint, messageID string) string {
	return r.prefix + ":" + endpoint + ":" + messageID
}
