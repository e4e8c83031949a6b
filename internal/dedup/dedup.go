// Package dedup computes content hashes and filters records already present
// in the warehouse or earlier in the run.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"gridsync/internal/domain"
)

// Hash returns the ContentHash of rec: SHA-256 over the dataset id and the
// ordered key name=value pairs, plus the revision when includeRevision is
// set. Fields are separated by 0x1f so values cannot run together.
func Hash(rec domain.NormalizedRecord, includeRevision bool) domain.ContentHash {
	h := sha256.New()
	h.Write([]byte(rec.DatasetID))
	for _, k := range rec.KeyOrder {
		h.Write([]byte{0x1f})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(rec.NaturalKey[k]))
	}
	if includeRevision {
		h.Write([]byte{0x1e})
		h.Write([]byte(rec.Revision))
	}
	return domain.ContentHash(hex.EncodeToString(h.Sum(nil)))
}

// Hashed pairs a record with its hash.
type Hashed struct {
	Hash   domain.ContentHash
	Record domain.NormalizedRecord
}

// Deduplicator holds the hashes committed during the current run. It is safe
// for concurrent use by the worker pool.
type Deduplicator struct {
	includeRevision bool

	mu        sync.Mutex
	committed map[domain.ContentHash]struct{}
}

// New creates a Deduplicator for one dataset.
func New(includeRevision bool) *Deduplicator {
	return &Deduplicator{
		includeRevision: includeRevision,
		committed:       make(map[domain.ContentHash]struct{}),
	}
}

// Filter hashes records and keeps those whose hash is not in existing, not
// committed earlier in this run and not seen earlier in records. It returns
// the fresh records and the number skipped.
func (d *Deduplicator) Filter(records []domain.NormalizedRecord, existing map[domain.ContentHash]struct{}) ([]Hashed, int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := make(map[domain.ContentHash]struct{}, len(records))
	fresh := make([]Hashed, 0, len(records))
	skipped := 0
	for _, rec := range records {
		h := Hash(rec, d.includeRevision)
		if _, ok := existing[h]; ok {
			skipped++
			continue
		}
		if _, ok := d.committed[h]; ok {
			skipped++
			continue
		}
		if _, ok := batch[h]; ok {
			skipped++
			continue
		}
		batch[h] = struct{}{}
		fresh = append(fresh, Hashed{Hash: h, Record: rec})
	}
	return fresh, skipped
}

// Commit registers hashes that have been durably merged. Hashes from a batch
// whose merge failed must not be committed, so another window can still
// load the same rows.
func (d *Deduplicator) Commit(batch []Hashed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range batch {
		d.committed[h.Hash] = struct{}{}
	}
}

// Known returns the number of hashes committed in this run.
func (d *Deduplicator) Known() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.committed)
}

// KeyRange returns the observed-at span of records extended to cover w.
// It bounds the existing-hash lookup.
func KeyRange(records []domain.NormalizedRecord, w domain.TimeRange) domain.TimeRange {
	r := w
	for _, rec := range records {
		if rec.ObservedAt.Before(r.Start) {
			r.Start = rec.ObservedAt
		}
		if !rec.ObservedAt.Before(r.End) {
			r.End = rec.ObservedAt.Add(1)
		}
	}
	return r
}
