// Package state owns the shared per-entity rolling telemetry state. The store
// is striped by entity key so unrelated entities never contend; within one
// entity, mutations are serialized under the shard lock.
package state

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/domain"
)

const (
	defaultShardCount      = 32
	defaultHistoryCapacity = 100
)

// EntityState is the mutable rolling state for one entity key. It must only
// be mutated through Store.Update; Snapshot returns deep copies.
type EntityState struct {
	EntityKey  string
	Histories  map[domain.MetricType][]domain.MetricSample
	Counters   map[string]int64
	LastSeen   time.Time
	LastValues map[domain.MetricType]float64
}

type shard struct {
	mu       sync.Mutex
	entities map[string]*EntityState
}

// Store is a striped concurrent map from entity key to rolling state.
type Store struct {
	shards          []*shard
	historyCapacity int
}

// NewStore constructs a Store with the given rolling-history capacity.
func NewStore(historyCapacity int) *Store {
	if historyCapacity <= 0 {
		historyCapacity = defaultHistoryCapacity
	}
	shards := make([]*shard, defaultShardCount)
	for i := range shards {
		shards[i] = &shard{entities: make(map[string]*EntityState)}
	}
	return &Store{shards: shards, historyCapacity: historyCapacity}
}

func (s *Store) shardFor(entityKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityKey))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Append records a sample in the entity's rolling history, evicting the
// oldest sample once the capacity is reached.
func (s *Store) Append(sample domain.MetricSample) {
	s.Update(sample.EntityKey, func(es *EntityState) {
		history := es.Histories[sample.MetricType]
		if len(history) >= s.historyCapacity {
			history = history[1:]
		}
		es.Histories[sample.MetricType] = append(history, sample)
		es.LastValues[sample.MetricType] = sample.Value
		es.Counters["samples"]++
		if sample.Timestamp.After(es.LastSeen) {
			es.LastSeen = sample.Timestamp
		}
	})
}

// Update applies fn to the entity's state atomically, creating the entity on
// first touch. fn must not retain references past its return.
func (s *Store) Update(entityKey string, fn func(*EntityState)) {
	sh := s.shardFor(entityKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	es, ok := sh.entities[entityKey]
	if !ok {
		es = &EntityState{
			EntityKey:  entityKey,
			Histories:  make(map[domain.MetricType][]domain.MetricSample),
			Counters:   make(map[string]int64),
			LastValues: make(map[domain.MetricType]float64),
		}
		sh.entities[entityKey] = es
	}
	fn(es)
}

// Snapshot returns a deep copy of the entity state, or false when the entity
// is unknown. Read-only consumers own the returned copy.
func (s *Store) Snapshot(entityKey string) (EntityState, bool) {
	sh := s.shardFor(entityKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	es, ok := sh.entities[entityKey]
	if !ok {
		return EntityState{}, false
	}
	return copyState(es), true
}

// Values returns a copy of the rolling values for one entity metric in
// arrival order.
func (s *Store) Values(entityKey string, metric domain.MetricType) []float64 {
	sh := s.shardFor(entityKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	es, ok := sh.entities[entityKey]
	if !ok {
		return nil
	}
	history := es.Histories[metric]
	if len(history) == 0 {
		return nil
	}
	values := make([]float64, len(history))
	for i, sample := range history {
		values[i] = sample.Value
	}
	return values
}

// Walk calls fn with a snapshot of every entity. Snapshots are taken shard by
// shard; fn runs outside any lock.
func (s *Store) Walk(fn func(EntityState)) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		snapshots := make([]EntityState, 0, len(sh.entities))
		for _, es := range sh.entities {
			snapshots = append(snapshots, copyState(es))
		}
		sh.mu.Unlock()
		for _, snap := range snapshots {
			fn(snap)
		}
	}
}

// EntityCount reports the number of tracked entities.
func (s *Store) EntityCount() int {
	var count int
	for _, sh := range s.shards {
		sh.mu.Lock()
		count += len(sh.entities)
		sh.mu.Unlock()
	}
	return count
}

// TrimBefore drops samples older than cutoff from every entity history.
// Entities themselves are kept; only their samples age out.
func (s *Store) TrimBefore(cutoff time.Time) int {
	var trimmed int
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, es := range sh.entities {
			for metric, history := range es.Histories {
				kept := history[:0]
				for _, sample := range history {
					if !sample.Timestamp.Before(cutoff) {
						kept = append(kept, sample)
					}
				}
				trimmed += len(history) - len(kept)
				es.Histories[metric] = kept
			}
		}
		sh.mu.Unlock()
	}
	return trimmed
}

func copyState(es *EntityState) EntityState {
	snap := EntityState{
		EntityKey:  es.EntityKey,
		Histories:  make(map[domain.MetricType][]domain.MetricSample, len(es.Histories)),
		Counters:   make(map[string]int64, len(es.Counters)),
		LastSeen:   es.LastSeen,
		LastValues: make(map[domain.MetricType]float64, len(es.LastValues)),
	}
	for metric, history := range es.Histories {
		snap.Histories[metric] = append([]domain.MetricSample(nil), history...)
	}
	for k, v := range es.Counters {
		snap.Counters[k] = v
	}
	for k, v := range es.LastValues {
		snap.LastValues[k] = v
	}
	return snap
}
