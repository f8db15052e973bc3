package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLedgerPrefix = "billing:event:"

// RedisLedger is an EventLedger shared by every replica, so a redelivery
// routed to another instance is still short-circuited.
type RedisLedger struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisLedgerOption configures a RedisLedger.
type RedisLedgerOption func(*RedisLedger)

// WithLedgerPrefix namespaces the ledger keys.
func WithLedgerPrefix(prefix string) RedisLedgerOption {
	return func(l *RedisLedger) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// NewRedisLedger returns a ledger whose entries expire after ttl.
func NewRedisLedger(client redis.UniversalClient, ttl time.Duration, opts ...RedisLedgerOption) *RedisLedger {
	if client == nil {
		panic("subscription: redis client is required")
	}
	if ttl <= 0 {
		panic("subscription: ledger ttl must be positive")
	}
	l := &RedisLedger{client: client, ttl: ttl, prefix: defaultLedgerPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("check event ledger: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Remember(ctx context.Context, eventID string) error {
	if err := l.client.Set(ctx, l.prefix+eventID, 1, l.ttl).Err(); err != nil {
		return fmt.Errorf("remember event: %w", err)
	}
	return nil
}
