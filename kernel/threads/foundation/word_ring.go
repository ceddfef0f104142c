package foundation

import (
	"fmt"

	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
)

// WordRing is a single-producer/single-consumer ring of 32-bit words living
// in a shared region laid out as [begin][end][body...].
//
// begin is written only by the consumer, end only by the producer. A slot's
// payload is stored before end is published and loaded only after end is
// observed; that ordering is the only synchronization. One body slot is kept
// empty so begin == end always means empty.
type WordRing struct {
	region   sab_layout.Region
	capacity uint32
}

// NewWordRing binds a ring to an existing region. The body capacity is
// whatever the region holds after the two header words.
func NewWordRing(region sab_layout.Region) (*WordRing, error) {
	if err := region.RequireWords(sab_layout.RING_HEADER_WORDS+sab_layout.RING_MIN_CAPACITY, "word ring"); err != nil {
		return nil, err
	}
	r := &WordRing{
		region:   region,
		capacity: region.Words() - sab_layout.RING_HEADER_WORDS,
	}
	if begin, end := r.loadBegin(), r.loadEnd(); begin >= r.capacity || end >= r.capacity {
		return nil, &sab_layout.LayoutError{
			Code:    "RING_CORRUPT",
			Message: fmt.Sprintf("ring indices begin=%d end=%d exceed capacity %d", begin, end, r.capacity),
		}
	}
	return r, nil
}

// CreateWordRing allocates a region for capacity body words (usable words + 1).
func CreateWordRing(registry *sab_layout.Registry, kind sab_layout.RegionKind, capacity uint32) (*WordRing, error) {
	if capacity < sab_layout.RING_MIN_CAPACITY {
		return nil, fmt.Errorf("word ring capacity %d below minimum %d", capacity, sab_layout.RING_MIN_CAPACITY)
	}
	region, err := registry.Allocate(kind, sab_layout.RingRegionBytes(capacity))
	if err != nil {
		return nil, err
	}
	return NewWordRing(region)
}

// Region returns the shared region backing the ring.
func (r *WordRing) Region() sab_layout.Region { return r.region }

// Capacity is the number of body slots.
func (r *WordRing) Capacity() uint32 { return r.capacity }

// Usable is the number of words the ring can hold at once.
func (r *WordRing) Usable() uint32 { return r.capacity - 1 }

// Len is a snapshot of the number of buffered words.
func (r *WordRing) Len() uint32 {
	begin, end := r.loadBegin(), r.loadEnd()
	return (end + r.capacity - begin) % r.capacity
}

// Push appends one word. It returns false, leaving the ring untouched, when full.
// Producer side only.
func (r *WordRing) Push(word uint32) bool {
	end := r.loadEnd()
	next := (end + 1) % r.capacity
	if next == r.loadBegin() {
		return false
	}
	r.region.StoreWord(sab_layout.RING_HEADER_WORDS+end, word)
	r.region.StoreWord(sab_layout.RING_END_WORD, next)
	return true
}

// PushAll pushes words in order until one is rejected and returns how many
// were written.
func (r *WordRing) PushAll(words []uint32) int {
	for i, w := range words {
		if !r.Push(w) {
			return i
		}
	}
	return len(words)
}

// Pop removes the oldest word. Consumer side only.
func (r *WordRing) Pop() (uint32, bool) {
	begin := r.loadBegin()
	if begin == r.loadEnd() {
		return 0, false
	}
	word := r.region.LoadWord(sab_layout.RING_HEADER_WORDS + begin)
	r.region.StoreWord(sab_layout.RING_BEGIN_WORD, (begin+1)%r.capacity)
	return word, true
}

// PopAll drains every word visible at the time of the call. Words pushed
// concurrently after the end snapshot stay for the next call. Consumer side only.
func (r *WordRing) PopAll() []uint32 {
	begin := r.loadBegin()
	end := r.loadEnd()
	if begin == end {
		return nil
	}

	out := make([]uint32, 0, (end+r.capacity-begin)%r.capacity)
	if end > begin {
		out = r.appendRange(out, begin, end)
	} else {
		out = r.appendRange(out, begin, r.capacity)
		out = r.appendRange(out, 0, end)
	}
	r.region.StoreWord(sab_layout.RING_BEGIN_WORD, end)
	return out
}

func (r *WordRing) appendRange(out []uint32, from, to uint32) []uint32 {
	for i := from; i < to; i++ {
		out = append(out, r.region.LoadWord(sab_layout.RING_HEADER_WORDS+i))
	}
	return out
}

func (r *WordRing) loadBegin() uint32 {
	return r.region.LoadWord(sab_layout.RING_BEGIN_WORD)
}

func (r *WordRing) loadEnd() uint32 {
	return r.region.LoadWord(sab_layout.RING_END_WORD)
}
