package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func changeEvent(itemID string, qty int64, seq uint64) domain.ChangeEvent {
	return domain.ChangeEvent{
		Kind:      domain.EventChange,
		ItemID:    itemID,
		Quantity:  decimal.NewFromInt(qty),
		Sequence:  seq,
		Source:    domain.SourceInvoice,
		Timestamp: time.Now(),
	}
}

func TestSetQuantity_NewerSequenceWins(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "qty:test-item")

	ok, err := adapter.SetQuantity(ctx, changeEvent("test-item", 50, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first write to apply")
	}

	ok, _ = adapter.SetQuantity(ctx, changeEvent("test-item", 150, 2))
	if !ok {
		t.Error("expected newer sequence to apply")
	}

	qty, seq, err := adapter.GetQuantity(ctx, "test-item")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(150)) || seq != 2 {
		t.Errorf("expected 150@2, got %s@%d", qty, seq)
	}
}

func TestSetQuantity_StaleSequenceIgnored(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "qty:test-item")

	adapter.SetQuantity(ctx, changeEvent("test-item", 120, 3))

	ok, err := adapter.SetQuantity(ctx, changeEvent("test-item", 50, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected stale write to be ignored")
	}

	qty, seq, _ := adapter.GetQuantity(ctx, "test-item")
	if !qty.Equal(decimal.NewFromInt(120)) || seq != 3 {
		t.Errorf("expected 120@3, got %s@%d", qty, seq)
	}
}

func TestSetQuantity_ConcurrentWritersKeepHighestSequence(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "qty:concurrent-item")

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			adapter.SetQuantity(ctx, changeEvent("concurrent-item", int64(seq*10), uint64(seq)))
		}(i)
	}
	wg.Wait()

	qty, seq, err := adapter.GetQuantity(ctx, "concurrent-item")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 100 || !qty.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected 1000@100, got %s@%d", qty, seq)
	}
}

func TestGetQuantity_Missing(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "qty:missing-item")

	if _, _, err := adapter.GetQuantity(ctx, "missing-item"); err != domain.ErrItemNotFound {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestAppendChange(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	stream := "ledger:changes:test"
	client.Del(ctx, stream)
	adapter := NewRedisAdapter(client, WithStream(stream, 10))

	for i := 1; i <= 3; i++ {
		if err := adapter.AppendChange(ctx, changeEvent("stream-item", int64(i), uint64(i))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].Values["sequence"] != "3" {
		t.Errorf("expected last sequence 3, got %v", entries[2].Values["sequence"])
	}
}
