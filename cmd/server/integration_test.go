package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/config"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

type testEnv struct {
	redis   *redis.Client
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/ledger?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := openMySQL(context.Background(), config.MySQLConfig{DSN: mysqlDSN, MaxOpenConns: 20, MaxIdleConns: 10})
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	return &testEnv{
		redis: rdb,
		cache: storage.NewRedisAdapter(rdb, storage.WithStream("ledger:changes:"+uuid.NewString()[:8], 1000)),
		db:    db,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func TestIntegration_ShrinkageFlowMirroredToRedis(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	ledger := service.New(env.db, env.db)
	mirror := service.NewQuantityMirror(ledger.Publisher, ledger.Store, env.cache, true, zap.NewNop())
	mirrorDone := make(chan struct{})
	go func() {
		defer close(mirrorDone)
		mirror.Run(context.Background())
	}()

	itemID := "it-" + uuid.NewString()[:8]
	ref := time.Now().UTC().Truncate(time.Second)

	if _, err := ledger.RegisterItem(ctx, domain.Item{ID: itemID, Name: "Olive oil", Unit: "l", Quantity: decimal.NewFromInt(50)}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := ledger.Submit(ctx, domain.Delta{
		ItemID: itemID, Change: decimal.NewFromInt(100), Source: domain.SourceInvoice,
		IdempotencyKey: "inv-1", OccurredAt: ref.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := ledger.Submit(ctx, domain.Delta{
		ItemID: itemID, Change: decimal.NewFromInt(-30), Source: domain.SourcePOS,
		IdempotencyKey: "sale-1", OccurredAt: ref.Add(time.Hour),
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	results, err := ledger.Reconcile(ctx, domain.CountSnapshot{
		ID:            "snap-" + itemID,
		ReferenceTime: ref,
		Counts:        []domain.Count{{ItemID: itemID, Counted: decimal.NewFromInt(110)}},
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !results[0].Variance.Equal(decimal.NewFromInt(-40)) {
		t.Errorf("expected variance -40, got %s", results[0].Variance)
	}

	ledger.Close()
	<-mirrorDone

	qty, seq, err := env.cache.GetQuantity(ctx, itemID)
	if err != nil {
		t.Fatalf("mirror read failed: %v", err)
	}
	if seq != 3 || !qty.Equal(decimal.NewFromInt(80)) {
		t.Errorf("expected mirrored 80@3, got %s@%d", qty, seq)
	}
}

func TestIntegration_ConcurrentSubmitsAcrossProcessorsOnMySQL(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	itemID := "conc-" + uuid.NewString()[:8]

	// Two ledgers over one database stand in for two service replicas.
	a := service.New(env.db, env.db)
	b := service.New(env.db, env.db)
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l := a
			if n%2 == 1 {
				l = b
			}
			// Every key is sent to both replicas; only one may apply.
			key := fmt.Sprintf("k-%d", n/2)
			if _, err := l.Submit(ctx, domain.Delta{
				ItemID: itemID, Change: decimal.NewFromInt(1), Source: domain.SourcePOS,
				IdempotencyKey: key, OccurredAt: time.Now().UTC(),
			}); err != nil {
				t.Errorf("submit %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	item, err := a.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.Sequence != 20 || !item.Quantity.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected 20@20, got %s@%d", item.Quantity, item.Sequence)
	}
}
