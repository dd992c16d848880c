package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/domain"
)

func sampleAt(key string, metric domain.MetricType, value float64, ts time.Time) domain.MetricSample {
	return domain.MetricSample{EntityKey: key, MetricType: metric, Value: value, Timestamp: ts}
}

func TestStoreAppendEvictsOldest(t *testing.T) {
	store := NewStore(3)
	base := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		store.Append(sampleAt("svc:login", domain.MetricResponseTime, float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	values := store.Values("svc:login", domain.MetricResponseTime)
	if len(values) != 3 {
		t.Fatalf("expected capped history of 3, got %d", len(values))
	}
	if values[0] != 2 || values[2] != 4 {
		t.Fatalf("expected FIFO eviction leaving [2 3 4], got %v", values)
	}

	snap, ok := store.Snapshot("svc:login")
	if !ok {
		t.Fatal("expected entity snapshot")
	}
	if snap.Counters["samples"] != 5 {
		t.Fatalf("expected counter 5, got %d", snap.Counters["samples"])
	}
	if snap.LastSeen != base.Add(4*time.Second) {
		t.Fatalf("unexpected last seen %v", snap.LastSeen)
	}
}

func TestStoreSnapshotIsIsolated(t *testing.T) {
	store := NewStore(10)
	ts := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	store.Append(sampleAt("svc:login", domain.MetricErrorRate, 0.01, ts))

	snap, _ := store.Snapshot("svc:login")
	snap.Histories[domain.MetricErrorRate][0].Value = 99
	snap.Counters["samples"] = 99

	fresh, _ := store.Snapshot("svc:login")
	if fresh.Histories[domain.MetricErrorRate][0].Value != 0.01 {
		t.Fatal("mutating a snapshot must not affect the store")
	}
	if fresh.Counters["samples"] != 1 {
		t.Fatal("mutating snapshot counters must not affect the store")
	}
}

func TestStoreConcurrentUpdatesAreNotLost(t *testing.T) {
	store := NewStore(100)
	const writers = 8
	const perWriter = 250

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := fmt.Sprintf("svc:endpoint-%d", w%4)
			for i := 0; i < perWriter; i++ {
				store.Update(key, func(es *EntityState) {
					es.Counters["hits"]++
				})
			}
		}(w)
	}
	wg.Wait()

	var total int64
	store.Walk(func(es EntityState) {
		total += es.Counters["hits"]
	})
	if total != writers*perWriter {
		t.Fatalf("expected %d total updates, got %d", writers*perWriter, total)
	}
}

func TestStoreTrimBefore(t *testing.T) {
	store := NewStore(100)
	base := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		store.Append(sampleAt("cache:redis:sessions", domain.MetricHitRatio, 0.9, base.Add(time.Duration(i)*time.Hour)))
	}

	trimmed := store.TrimBefore(base.Add(5 * time.Hour))
	if trimmed != 5 {
		t.Fatalf("expected 5 trimmed samples, got %d", trimmed)
	}
	if got := len(store.Values("cache:redis:sessions", domain.MetricHitRatio)); got != 5 {
		t.Fatalf("expected 5 remaining samples, got %d", got)
	}
	// Entity survives trimming even when emptied.
	store.TrimBefore(base.Add(100 * time.Hour))
	if store.EntityCount() != 1 {
		t.Fatal("trim must not delete the entity")
	}
}
