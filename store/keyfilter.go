package store

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"

	"github.com/maxpert/repubsub/telemetry"
)

const (
	// capacity = bucketSize × numBuckets = 4 × 250000 = 1M topic keys
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooNumBuckets      = 250000
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// keyFilter answers "might this table already hold this topic?" without
// touching the backend. A miss is authoritative for every key written
// through this process or present at warmup; a hit only means "check".
// Upserts use it to pick between insert-first and update-first, never to
// decide correctness.
type keyFilter struct {
	mu     sync.RWMutex
	filter *cuckoo.Filter
}

func newKeyFilter() *keyFilter {
	return &keyFilter{
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
			cuckooNumBuckets, cuckoo.TableTypePacked),
	}
}

// topicHash folds table and topic key into one 64-bit identity. The zero
// byte separator keeps ("ab", "c") and ("a", "bc") apart.
func topicHash(table string, key []byte) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(table)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(key)
	return h.Sum64()
}

// mightContain reports whether the topic may exist in the table.
func (f *keyFilter) mightContain(table string, key []byte) bool {
	hash := topicHash(table, key)
	f.mu.RLock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, hash)
	result := f.filter.Contain(buf)
	hashBufPool.Put(buf)
	f.mu.RUnlock()

	if result {
		telemetry.KeyFilterChecks.With("hit").Inc()
	} else {
		telemetry.KeyFilterChecks.With("miss").Inc()
	}
	return result
}

// add records the topic as present.
func (f *keyFilter) add(table string, key []byte) {
	hash := topicHash(table, key)
	f.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, hash)
	f.filter.Add(buf)
	hashBufPool.Put(buf)
	size := f.filter.Size()
	f.mu.Unlock()

	telemetry.KeyFilterSize.Set(float64(size))
}
