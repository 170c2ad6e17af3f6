package entity

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"avaneesh/cfdp-go/pkg/pdu"
)

// retained is what is remembered about a disposed transaction
type retained struct {
	role   Role
	header pdu.Header // Template for late replies
	until  time.Time
}

// retention remembers disposed transactions for a window so late PDUs do not
// recreate them. The bloom filter answers the common "never seen" case
// without touching the map.
type retention struct {
	mu       sync.Mutex
	window   time.Duration
	expected uint
	filter   *bloom.BloomFilter
	entries  map[pdu.TransactionID]retained
}

func newRetention(window time.Duration, expected uint) *retention {
	if expected == 0 {
		expected = 1024
	}
	return &retention{
		window:   window,
		expected: expected,
		filter:   bloom.NewWithEstimates(expected, 0.001),
		entries:  make(map[pdu.TransactionID]retained),
	}
}

func retentionKey(id pdu.TransactionID) []byte {
	var key [16]byte
	binary.BigEndian.PutUint64(key[:8], uint64(id.Source))
	binary.BigEndian.PutUint64(key[8:], uint64(id.Seq))
	return key[:]
}

// remember records a disposed transaction until now+window
func (r *retention) remember(id pdu.TransactionID, role Role, header pdu.Header, now time.Time) {
	if r.window <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter.Add(retentionKey(id))
	r.entries[id] = retained{role: role, header: header, until: now.Add(r.window)}
}

// lookup reports whether id was disposed within the window
func (r *retention) lookup(id pdu.TransactionID, now time.Time) (retained, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filter.Test(retentionKey(id)) {
		return retained{}, false
	}
	rec, ok := r.entries[id]
	if !ok || now.After(rec.until) {
		return retained{}, false
	}
	return rec, true
}

// prune drops expired entries. The filter is rebuilt from the survivors
// once enough entries have left it.
func (r *retention) prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.entries {
		if now.After(rec.until) {
			delete(r.entries, id)
			removed++
		}
	}
	if removed > 0 && (len(r.entries) == 0 || uint(removed) > r.expected/2) {
		r.filter = bloom.NewWithEstimates(max(r.expected, uint(len(r.entries))), 0.001)
		for id := range r.entries {
			r.filter.Add(retentionKey(id))
		}
	}
	return removed
}

func (r *retention) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
