package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/port"
)

func main() {
	items := flag.Int("items", 20, "number of items")
	perItem := flag.Int("deltas", 500, "deltas per item")
	dupEvery := flag.Int("dup-every", 10, "replay every Nth delta")
	badgerDir := flag.String("badger", "", "badger directory, in-memory store when empty")
	flag.Parse()

	var (
		ledgerRepo port.LedgerRepository
		snapRepo   port.SnapshotRepository
	)
	if *badgerDir != "" {
		b, err := storage.OpenBadger(*badgerDir)
		if err != nil {
			log.Fatalf("failed to open badger: %v", err)
		}
		defer b.Close()
		ledgerRepo, snapRepo = b, b
	} else {
		m := storage.NewMemoryAdapter()
		ledgerRepo, snapRepo = m, m
	}

	ctx := context.Background()
	ledger := service.New(ledgerRepo, snapRepo)
	defer ledger.Close()

	sub := ledger.Subscribe(service.WithBufferSize(64))
	var events, gaps atomic.Int64
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		for ev := range sub.All(ctx) {
			if ev.Kind == domain.EventGap {
				gaps.Add(1)
				continue
			}
			events.Add(1)
		}
	}()

	var applied, duplicates, failed atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	occurredAt := time.Now().UTC()
	for i := 0; i < *items; i++ {
		itemID := fmt.Sprintf("stress-item-%d", i)
		for n := 0; n < *perItem; n++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()

				key := fmt.Sprintf("pos:%s:%d", itemID, n)
				if *dupEvery > 0 && n%*dupEvery == 0 && n > 0 {
					key = fmt.Sprintf("pos:%s:%d", itemID, n-1)
				}
				ack, err := ledger.Submit(ctx, domain.Delta{
					ItemID:         itemID,
					Change:         decimal.NewFromInt(1),
					Source:         domain.SourcePOS,
					IdempotencyKey: key,
					OccurredAt:     occurredAt,
				})
				switch {
				case err != nil:
					failed.Add(1)
				case ack.Status == domain.AckDuplicateIgnored:
					duplicates.Add(1)
				default:
					applied.Add(1)
				}
			}(n)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	counts := make([]domain.Count, *items)
	for i := range counts {
		counts[i] = domain.Count{ItemID: fmt.Sprintf("stress-item-%d", i), Counted: decimal.Zero}
	}
	results, err := ledger.Reconcile(ctx, domain.CountSnapshot{
		ID:            "stress-count",
		ReferenceTime: time.Now().UTC().Add(time.Second),
		Counts:        counts,
	})
	if err != nil {
		log.Fatalf("reconcile failed: %v", err)
	}

	sub.Close()
	<-subDone

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Items:            %d\n", *items)
	fmt.Printf("Submitted:        %d\n", *items**perItem)
	fmt.Printf("Applied:          %d\n", applied.Load())
	fmt.Printf("Duplicates:       %d\n", duplicates.Load())
	fmt.Printf("Failed:           %d\n", failed.Load())
	fmt.Printf("Events received:  %d\n", events.Load())
	fmt.Printf("Gap markers:      %d\n", gaps.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if failed.Load() != 0 {
		fmt.Printf("FAIL: %d submissions failed\n", failed.Load())
	}

	ok := true
	for _, r := range results {
		item, err := ledger.GetItem(ctx, r.ItemID)
		if err != nil {
			fmt.Printf("FAIL: %s: %v\n", r.ItemID, err)
			ok = false
			continue
		}
		// Every applied delta added one unit, and the count zeroes the item.
		if !item.Quantity.IsZero() || !r.Expected.Equal(decimal.NewFromInt(int64(item.Sequence-1))) {
			fmt.Printf("FAIL: %s expected %s at sequence %d, quantity now %s\n",
				r.ItemID, r.Expected, item.Sequence, item.Quantity)
			ok = false
		}
	}
	if ok {
		fmt.Println("PASS: every item reconciled to zero with a single correction")
	}

	var total int64
	for _, r := range results {
		total += r.Expected.IntPart()
	}
	if total == applied.Load() {
		fmt.Println("PASS: applied deltas match reconciled quantities")
	} else {
		fmt.Printf("FAIL: applied %d, reconciled %d\n", applied.Load(), total)
	}
}
