// Package ratelimit implements the forwarder's per-source decaying
// byte-rate estimator (spec.md §4.D). A source sending more than its
// share of recent traffic earns a lower fraction of MAX_PRIORITY; a quiet
// source earns close to the full requested priority.
package ratelimit

import (
	"encoding/hex"
	"math"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/allnetproject/allnet/internal/pipemsg"
)

// DefaultWindow matches spec.md §4.D's "last 10s" example window.
const DefaultWindow = 10 * time.Second

// MaxEntries bounds the table's cardinality (spec.md §4.D: "bounded
// table"); beyond this, the least-recently-observed prefix is evicted to
// make room, independent of go-cache's own time-based expiry.
const MaxEntries = 4096

type sourceState struct {
	rate float64 // bytes/sec, exponentially decayed
	seen time.Time
}

// Tracker is a per-source-prefix decaying byte rate table. Entries age
// out of the underlying go-cache store after Window of inactivity, giving
// the "bounded table, LRU on prefix" behavior spec.md §4.D asks for
// without hand-rolling the eviction clock.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	store  *gocache.Cache
	lru    []string // most-recently-used key at the end

	largest float64
}

// New creates a Tracker with the given decay window.
func New(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		store:  gocache.New(window, window),
	}
}

// NewDefault creates a Tracker using DefaultWindow.
func NewDefault() *Tracker {
	return New(DefaultWindow)
}

func keyFor(srcPrefix [8]byte, nbits uint8) string {
	nbytes := (int(nbits) + 7) / 8
	if nbytes > len(srcPrefix) {
		nbytes = len(srcPrefix)
	}
	return hex.EncodeToString(srcPrefix[:nbytes]) + "/" + hex.EncodeToString([]byte{nbits})
}

// Observe records that srcPrefix (significant to nbits bits) just sent a
// packet of the given size, and returns a fraction of pipemsg.MaxPriority
// reflecting how much of the recent bandwidth that source has been using
// (spec.md §4.D).
func (t *Tracker) Observe(srcPrefix [8]byte, nbits uint8, size int) uint32 {
	key := keyFor(srcPrefix, nbits)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var st *sourceState
	if v, ok := t.store.Get(key); ok {
		st = v.(*sourceState)
	} else {
		st = &sourceState{}
		t.evictIfFullLocked()
	}

	elapsed := now.Sub(st.seen).Seconds()
	if st.seen.IsZero() {
		elapsed = 0
	}
	decay := math.Exp(-elapsed / t.window.Seconds())
	prior := st.rate * decay
	st.rate = prior + float64(size)
	st.seen = now
	if st.rate > t.largest {
		t.largest = st.rate
	}

	t.store.Set(key, st, gocache.DefaultExpiration)
	t.touchLocked(key)

	fraction := float64(size) / (float64(size) + prior)
	return uint32(fraction * float64(pipemsg.MaxPriority))
}

// LargestRate maps the largest source rate observed since the Tracker was
// created (it is never decayed or lowered) to a fraction of MAX_PRIORITY
// that shrinks as that rate grows, for use when the sender cannot be
// identified (spec.md §4.D).
func (t *Tracker) LargestRate() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.largest == 0 {
		return pipemsg.MaxPriority
	}
	fraction := 1.0 / (1.0 + t.largest/pipemsgMaxPriorityFloat)
	return uint32(fraction * float64(pipemsg.MaxPriority))
}

const pipemsgMaxPriorityFloat = float64(1 << 20) // normalizes byte rates into priority space

func (t *Tracker) touchLocked(key string) {
	for i, k := range t.lru {
		if k == key {
			t.lru = append(t.lru[:i], t.lru[i+1:]...)
			break
		}
	}
	t.lru = append(t.lru, key)
}

func (t *Tracker) evictIfFullLocked() {
	if t.store.ItemCount() < MaxEntries {
		return
	}
	if len(t.lru) == 0 {
		return
	}
	oldest := t.lru[0]
	t.lru = t.lru[1:]
	t.store.Delete(oldest)
}
