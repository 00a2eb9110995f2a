// Package dedup implements the tiered duplicate filter over event ids.
//
// Four tiers are queried in order: a FIFO hot set of the most recently
// forwarded ids, a bloom filter, an LRU cache of confirmed ids, and the
// durable KV index. The bloom tier is a maybe-present pre-filter: a positive
// must be confirmed against the LRU or the KV store, a negative means the id
// was never recorded.
package dedup

import (
	"container/list"
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/moltrade/relayer/internal/kv"
	"github.com/moltrade/relayer/internal/log"
)

const (
	DefaultHotsetSize    = 10000
	DefaultBloomCapacity = 1000000
	DefaultLRUSize       = 100000

	// bloomFalsePositiveRate is the target rate at the configured capacity.
	bloomFalsePositiveRate = 0.01
)

// Engine answers IsDuplicate for event ids and records successfully
// forwarded ids across all tiers.
//
// IsDuplicate and RecordForwarded are not atomic with respect to each other:
// two near-simultaneous observations of one id may both pass the check and be
// forwarded twice. Downstream idempotency (unique keys on signals.event_id
// and trade_executions.tx_hash/oid) absorbs the rare double send.
type Engine struct {
	hotsetSize int

	// hotMu guards hot and hotOrder; the bloom filter and the LRU cache are
	// safe for concurrent use on their own.
	hotMu    sync.RWMutex
	hot      map[string]struct{}
	hotOrder *list.List
	bloom    *bloomfilter.Filter
	cache    *lru.Cache
	store    *kv.Store

	log log.Logger
}

// Stats reports the per-tier sizes for the admin surface.
type Stats struct {
	HotSetSize   int    `json:"hot_set_size"`
	BloomEntries uint64 `json:"bloom_filter_size"`
	LRUCacheSize int    `json:"lru_cache_size"`
	KVEntryCount int    `json:"kv_entry_count"`
}

// New returns an Engine with the default tier sizes.
func New(l log.Logger, store *kv.Store) (*Engine, error) {
	return NewWithParams(l, store, DefaultHotsetSize, DefaultBloomCapacity, DefaultLRUSize)
}

// NewWithParams returns an Engine with explicit tier sizes.
func NewWithParams(l log.Logger, store *kv.Store, hotsetSize int, bloomCapacity uint64, lruSize int) (*Engine, error) {
	bloom, err := bloomfilter.NewOptimal(bloomCapacity, bloomFalsePositiveRate)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(lruSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		hotsetSize: hotsetSize,
		hot:        make(map[string]struct{}, hotsetSize),
		hotOrder:   list.New(),
		bloom:      bloom,
		cache:      cache,
		store:      store,
		log:        l,
	}, nil
}

// IsDuplicate reports whether the id was previously accepted for forwarding.
// Ids that were observed but never recorded via RecordForwarded are not
// duplicates and may be re-inspected.
func (e *Engine) IsDuplicate(ctx context.Context, id string) bool {
	e.hotMu.RLock()
	_, hot := e.hot[id]
	e.hotMu.RUnlock()
	if hot {
		return true
	}

	// A bloom negative means the id was never recorded anywhere.
	if !e.bloom.Contains(idHasher(id)) {
		return false
	}

	if e.cache.Contains(id) {
		return true
	}

	raw, err := hex.DecodeString(id)
	if err != nil {
		// Not a valid event id; let the router deal with it once.
		return false
	}
	found, err := e.store.ContainsEvent(ctx, raw)
	if err != nil {
		e.log.Warnw("", "dedup", "kv lookup failed", "id", id, "err", err)
		return false
	}
	if found {
		// Promote so the next lookup stops at the LRU tier.
		e.cache.Add(id, struct{}{})
	}
	return found
}

// RecordForwarded inserts the id into every tier and appends it to the
// durable forward index. Call it only after a successful downstream send.
func (e *Engine) RecordForwarded(ctx context.Context, id string) error {
	e.insertMemoryTiers(id)

	raw, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	if err := e.store.PutEvent(ctx, raw); err != nil {
		return err
	}
	return e.store.AppendForward(ctx, raw)
}

// WarmFromKV preloads the in-memory tiers with the newest limit ids from the
// forward index so a restart does not re-forward recent events.
func (e *Engine) WarmFromKV(ctx context.Context, limit int) {
	loaded := 0
	err := e.store.IterateForwardDesc(ctx, limit, func(id []byte) error {
		e.insertMemoryTiers(hex.EncodeToString(id))
		loaded++
		return nil
	})
	if err != nil {
		e.log.Warnw("", "dedup", "warm start scan failed", "err", err)
		return
	}
	e.log.Infow("", "dedup", "warm start", "preloaded", loaded)
}

// GetStats snapshots the tier sizes.
func (e *Engine) GetStats(ctx context.Context) Stats {
	count, _ := e.store.ApproximateEventCount(ctx)
	e.hotMu.RLock()
	hotLen := len(e.hot)
	e.hotMu.RUnlock()
	return Stats{
		HotSetSize:   hotLen,
		BloomEntries: e.bloom.N(),
		LRUCacheSize: e.cache.Len(),
		KVEntryCount: count,
	}
}

func (e *Engine) insertMemoryTiers(id string) {
	e.hotMu.Lock()
	if _, ok := e.hot[id]; !ok {
		e.hot[id] = struct{}{}
		e.hotOrder.PushBack(id)
		for len(e.hot) > e.hotsetSize {
			oldest := e.hotOrder.Remove(e.hotOrder.Front()).(string)
			delete(e.hot, oldest)
		}
	}
	e.hotMu.Unlock()

	e.bloom.Add(idHasher(id))
	e.cache.Add(id, struct{}{})
}

// idHasher feeds an event id to the bloom filter as a hash.Hash64. Ids are
// content hashes already, so the first 8 bytes are uniform.
type idHasher string

func (h idHasher) Write(p []byte) (n int, err error) { panic("not implemented") }
func (h idHasher) Sum(b []byte) []byte               { panic("not implemented") }
func (h idHasher) Reset()                            { panic("not implemented") }
func (h idHasher) BlockSize() int                    { panic("not implemented") }
func (h idHasher) Size() int                         { return 8 }
func (h idHasher) Sum64() uint64 {
	raw, err := hex.DecodeString(string(h))
	if err != nil || len(raw) < 8 {
		// Fall back to hashing the raw string bytes.
		var buf [8]byte
		copy(buf[:], h)
		return binary.BigEndian.Uint64(buf[:])
	}
	return binary.BigEndian.Uint64(raw[:8])
}
