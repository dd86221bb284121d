// Package dedup gives the click endpoint a fast, approximate way to
// tell whether a fingerprint has been seen recently: a cuckoo filter
// sized for one rotation window, so a burst of double-submitted clicks
// (a user double-tapping, a retrying client) is counted as "duplicate"
// rather than "unique" in the click metrics. The click handler still
// redirects every click; nothing is dropped.
//
// False positives are possible and acceptable: an occasional first click
// is labelled a duplicate, while a lookup against the durable opid_store
// on every click would cost far more.
package dedup

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// Filter wraps a cuckoo filter with the mutex cuckoofilter itself
// doesn't provide, since one Filter is shared across concurrent
// requests for the lifetime of the process.
type Filter struct {
	mu sync.Mutex
	cf *cuckoo.Filter
}

// New builds a Filter sized to hold approximately capacity fingerprints
// before its false-positive rate starts climbing.
func New(capacity uint) *Filter {
	return &Filter{cf: cuckoo.NewFilter(capacity)}
}

// Seen reports whether fingerprint was already recorded, and records it
// if not. A true result means the caller should treat this occurrence
// as a probable duplicate.
func (f *Filter) Seen(fingerprint string) bool {
	b := []byte(fingerprint)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cf.Lookup(b) {
		return true
	}
	f.cf.Insert(b)
	return false
}

// Reset discards all recorded fingerprints, starting a fresh window.
func (f *Filter) Reset(capacity uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cf = cuckoo.NewFilter(capacity)
}
