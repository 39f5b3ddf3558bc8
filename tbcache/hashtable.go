// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import "sync"

// hashTableShards is the number of independent lock-striped buckets the
// table is split across. Sharding, rather than one map behind one
// mutex, is what lets concurrent translators on different CPUs insert
// and look up without serializing on each other.
const hashTableShards = 64

type hashTableShard struct {
	mu      sync.Mutex
	buckets map[uint64][]*TranslationBlock
}

// hashTable is the concurrent multi-bucket fingerprint → TB map.
// Equality within a bucket chain is Fingerprint.match, which compares
// every field but treats a query's unresolved page field as a wildcard;
// the hash only selects the shard and the chain within it.
type hashTable struct {
	shards [hashTableShards]hashTableShard
}

func newHashTable() *hashTable {
	h := &hashTable{}
	for i := range h.shards {
		h.shards[i].buckets = make(map[uint64][]*TranslationBlock)
	}
	return h
}

func (h *hashTable) shardFor(hash uint64) *hashTableShard {
	return &h.shards[hash%hashTableShards]
}

// insert adds tb under its fingerprint hash. If a TB with an identical
// Fingerprint is already present, insert leaves the table unchanged and
// returns that TB: the caller lost the race and must discard its own.
func (h *hashTable) insert(tb *TranslationBlock, fp Fingerprint, hash uint64) *TranslationBlock {
	s := h.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.buckets[hash]
	for _, cand := range chain {
		if fp.match(cand.Fingerprint()) {
			return cand
		}
	}
	s.buckets[hash] = append(chain, tb)
	return nil
}

// remove deletes tb from the table. It reports false if tb was not
// present, which is the normal "already removed by a concurrent
// invalidation" case, not an error.
func (h *hashTable) remove(tb *TranslationBlock, hash uint64) bool {
	s := h.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.buckets[hash]
	for i, cand := range chain {
		if cand == tb {
			chain[i] = chain[len(chain)-1]
			s.buckets[hash] = chain[:len(chain)-1]
			return true
		}
	}
	return false
}

// lookup returns the first TB whose Fingerprint fp matches (see
// Fingerprint.match), or nil.
func (h *hashTable) lookup(fp Fingerprint, hash uint64) *TranslationBlock {
	s := h.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cand := range s.buckets[hash] {
		if fp.match(cand.Fingerprint()) {
			return cand
		}
	}
	return nil
}

// reset empties every shard, used by Flush.
func (h *hashTable) reset() {
	for i := range h.shards {
		h.shards[i].mu.Lock()
		h.shards[i].buckets = make(map[uint64][]*TranslationBlock)
		h.shards[i].mu.Unlock()
	}
}
