package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

const (
	quantityKeyPrefix = "qty:"
	defaultStreamName = "ledger:changes"
	defaultStreamLen  = 100000
)

// Writes only when the incoming sequence is newer than the cached one, so
// replays and resyncs never move a mirror backwards.
var setQuantityScript = redis.NewScript(`
local key = KEYS[1]
local sequence = tonumber(ARGV[2])

local cached = tonumber(redis.call('HGET', key, 'sequence') or '-1')
if cached >= sequence then
	return 0
end

redis.call('HSET', key, 'quantity', ARGV[1], 'sequence', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

type RedisAdapter struct {
	client    *redis.Client
	stream    string
	streamLen int64
}

type RedisOption func(*RedisAdapter)

func WithStream(name string, maxLen int64) RedisOption {
	return func(r *RedisAdapter) {
		if name != "" {
			r.stream = name
		}
		if maxLen > 0 {
			r.streamLen = maxLen
		}
	}
}

func NewRedisAdapter(client *redis.Client, opts ...RedisOption) *RedisAdapter {
	r := &RedisAdapter{
		client:    client,
		stream:    defaultStreamName,
		streamLen: defaultStreamLen,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisAdapter) SetQuantity(ctx context.Context, event domain.ChangeEvent) (bool, error) {
	key := quantityKeyPrefix + event.ItemID

	result, err := setQuantityScript.Run(ctx, r.client, []string{key},
		event.Quantity.String(),
		event.Sequence,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (r *RedisAdapter) AppendChange(ctx context.Context, event domain.ChangeEvent) error {
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.streamLen,
		Approx: true,
		Values: map[string]any{
			"item_id":   event.ItemID,
			"quantity":  event.Quantity.String(),
			"sequence":  event.Sequence,
			"source":    string(event.Source),
			"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}

// GetQuantity reads the mirrored quantity and sequence for an item.
func (r *RedisAdapter) GetQuantity(ctx context.Context, itemID string) (decimal.Decimal, uint64, error) {
	values, err := r.client.HMGet(ctx, quantityKeyPrefix+itemID, "quantity", "sequence").Result()
	if err != nil {
		return decimal.Zero, 0, err
	}
	qty, ok := values[0].(string)
	if !ok {
		return decimal.Zero, 0, domain.ErrItemNotFound
	}
	seq, _ := values[1].(string)

	q, err := decimal.NewFromString(qty)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("parse quantity: %w", err)
	}
	s, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("parse sequence: %w", err)
	}
	return q, s, nil
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
