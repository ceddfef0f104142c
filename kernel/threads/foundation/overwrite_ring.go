package foundation

import (
	"runtime"
	"strings"
	"unicode/utf8"

	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
)

// spinsBeforeYield bounds how long a waiter burns a core before letting the
// scheduler run the lock holder.
const spinsBeforeYield = 64

// OverwriteRing is a spinlock-guarded ring of code points that evicts the
// oldest text instead of rejecting writes. Layout: [lock][nonce][start][end][body...].
//
// Any number of threads may append. Each handle caches the text it last
// materialized together with the nonce it was built from.
type OverwriteRing struct {
	region   sab_layout.Region
	capacity uint32

	cacheNonce uint32
	cacheText  string
	cacheValid bool
	walks      uint64
}

// NewOverwriteRing binds a ring to an existing region.
func NewOverwriteRing(region sab_layout.Region) (*OverwriteRing, error) {
	if err := region.RequireWords(sab_layout.OVERWRITE_HEADER_WORDS+sab_layout.RING_MIN_CAPACITY, "overwrite ring"); err != nil {
		return nil, err
	}
	return &OverwriteRing{
		region:   region,
		capacity: region.Words() - sab_layout.OVERWRITE_HEADER_WORDS,
	}, nil
}

// CreateOverwriteRing allocates a ring keeping the last capacity-1 code points.
func CreateOverwriteRing(registry *sab_layout.Registry, capacity uint32) (*OverwriteRing, error) {
	region, err := registry.Allocate(sab_layout.RegionConsoleLog, sab_layout.OverwriteRegionBytes(capacity))
	if err != nil {
		return nil, err
	}
	return NewOverwriteRing(region)
}

// Handle returns a new handle on the same shared ring with its own cache.
func (o *OverwriteRing) Handle() *OverwriteRing {
	return &OverwriteRing{region: o.region, capacity: o.capacity}
}

// Region returns the shared region backing the ring.
func (o *OverwriteRing) Region() sab_layout.Region { return o.region }

// Usable is the number of code points retained.
func (o *OverwriteRing) Usable() uint32 { return o.capacity - 1 }

// Nonce returns the append counter without taking the lock.
func (o *OverwriteRing) Nonce() uint32 {
	return o.region.LoadWord(sab_layout.OVERWRITE_NONCE_WORD)
}

// Append writes text, evicting the oldest code points when the ring is full.
func (o *OverwriteRing) Append(text string) {
	if text == "" {
		return
	}
	o.lock()
	defer o.unlock()

	start := o.region.LoadWord(sab_layout.OVERWRITE_START_WORD)
	end := o.region.LoadWord(sab_layout.OVERWRITE_END_WORD)
	for _, r := range text {
		next := (end + 1) % o.capacity
		if next == start {
			start = (start + 1) % o.capacity
		}
		o.region.StoreWord(sab_layout.OVERWRITE_HEADER_WORDS+end, uint32(r))
		end = next
	}
	o.region.StoreWord(sab_layout.OVERWRITE_START_WORD, start)
	o.region.StoreWord(sab_layout.OVERWRITE_END_WORD, end)
	o.region.AddWord(sab_layout.OVERWRITE_NONCE_WORD, 1)
}

// Text returns the retained text, re-walking the buffer only when the nonce
// moved since this handle last looked.
func (o *OverwriteRing) Text() string {
	o.lock()
	defer o.unlock()

	nonce := o.region.LoadWord(sab_layout.OVERWRITE_NONCE_WORD)
	if o.cacheValid && nonce == o.cacheNonce {
		return o.cacheText
	}

	start := o.region.LoadWord(sab_layout.OVERWRITE_START_WORD)
	end := o.region.LoadWord(sab_layout.OVERWRITE_END_WORD)
	var b strings.Builder
	for i := start; i != end; i = (i + 1) % o.capacity {
		r := rune(o.region.LoadWord(sab_layout.OVERWRITE_HEADER_WORDS + i))
		if !utf8.ValidRune(r) {
			r = utf8.RuneError
		}
		b.WriteRune(r)
	}
	o.walks++
	o.cacheText = b.String()
	o.cacheNonce = nonce
	o.cacheValid = true
	return o.cacheText
}

// Clear drops all retained text.
func (o *OverwriteRing) Clear() {
	o.lock()
	defer o.unlock()
	o.region.StoreWord(sab_layout.OVERWRITE_START_WORD, 0)
	o.region.StoreWord(sab_layout.OVERWRITE_END_WORD, 0)
	o.region.AddWord(sab_layout.OVERWRITE_NONCE_WORD, 1)
}

func (o *OverwriteRing) lock() {
	for spins := 0; !o.region.CompareAndSwapWord(sab_layout.OVERWRITE_LOCK_WORD, 0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (o *OverwriteRing) unlock() {
	o.region.StoreWord(sab_layout.OVERWRITE_LOCK_WORD, 0)
}
