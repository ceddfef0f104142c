package sab

import "fmt"

// Region is a word-addressed window onto a MemoryProvider. Regions are small
// values; copies refer to the same shared memory.
type Region struct {
	provider MemoryProvider
	base     uint32
	size     uint32
	desc     Descriptor
}

// NewRegion returns the window [base, base+size) of provider.
func NewRegion(provider MemoryProvider, base, size uint32) (Region, error) {
	if provider == nil {
		return Region{}, &LayoutError{Code: "NO_PROVIDER", Message: "region has no backing memory"}
	}
	if base%WORD_SIZE != 0 || size%WORD_SIZE != 0 {
		return Region{}, &LayoutError{
			Code:    "REGION_MISALIGNED",
			Message: fmt.Sprintf("region [%d,+%d) is not word aligned", base, size),
		}
	}
	if uint64(base)+uint64(size) > uint64(provider.Size()) {
		return Region{}, &LayoutError{
			Code:    "REGION_OUT_OF_BOUNDS",
			Message: fmt.Sprintf("region [%d,+%d) exceeds provider size %d", base, size, provider.Size()),
		}
	}
	return Region{provider: provider, base: base, size: size}, nil
}

// WholeRegion spans the full provider.
func WholeRegion(provider MemoryProvider) Region {
	size := provider.Size() &^ (WORD_SIZE - 1)
	return Region{provider: provider, size: size}
}

// RequireWords fails fast when the region cannot hold n words.
func (r Region) RequireWords(n uint32, what string) error {
	if r.Words() < n {
		return &LayoutError{
			Code:    "REGION_TOO_SMALL",
			Message: fmt.Sprintf("%s needs %d words, region has %d", what, n, r.Words()),
		}
	}
	return nil
}

// Sub returns the window of r starting at word index first, n words long.
func (r Region) Sub(first, n uint32) (Region, error) {
	if uint64(first)+uint64(n) > uint64(r.Words()) {
		return Region{}, &LayoutError{
			Code:    "REGION_OUT_OF_BOUNDS",
			Message: fmt.Sprintf("sub-region [%d,+%d) exceeds %d words", first, n, r.Words()),
		}
	}
	sub := Region{provider: r.provider, base: r.base + first*WORD_SIZE, size: n * WORD_SIZE, desc: r.desc}
	sub.desc.Offset = sub.base
	sub.desc.Size = sub.size
	return sub, nil
}

func (r Region) IsZero() bool                       { return r.provider == nil }
func (r Region) Provider() MemoryProvider           { return r.provider }
func (r Region) Descriptor() Descriptor             { return r.desc }
func (r Region) SizeBytes() uint32                  { return r.size }
func (r Region) Words() uint32                      { return r.size / WORD_SIZE }
func (r Region) withDescriptor(d Descriptor) Region { r.desc = d; return r }

// LoadWord atomically loads word i. Index errors are programming errors
// (regions are validated at construction) and panic like slice indexing.
func (r Region) LoadWord(i uint32) uint32 {
	v, err := r.provider.AtomicLoad32(r.offset(i))
	if err != nil {
		panic(fmt.Sprintf("sab: load word %d: %v", i, err))
	}
	return v
}

// StoreWord atomically stores word i.
func (r Region) StoreWord(i, v uint32) {
	if err := r.provider.AtomicStore32(r.offset(i), v); err != nil {
		panic(fmt.Sprintf("sab: store word %d: %v", i, err))
	}
}

// AddWord atomically adds delta to word i and returns the new value.
func (r Region) AddWord(i, delta uint32) uint32 {
	v, err := r.provider.AtomicAdd32(r.offset(i), delta)
	if err != nil {
		panic(fmt.Sprintf("sab: add word %d: %v", i, err))
	}
	return v
}

// CompareAndSwapWord atomically swaps word i from old to new.
func (r Region) CompareAndSwapWord(i, old, new uint32) bool {
	ok, err := r.provider.AtomicCompareAndSwap32(r.offset(i), old, new)
	if err != nil {
		panic(fmt.Sprintf("sab: cas word %d: %v", i, err))
	}
	return ok
}

// Zero clears every word of the region.
func (r Region) Zero() {
	for i := uint32(0); i < r.Words(); i++ {
		r.StoreWord(i, 0)
	}
}

func (r Region) offset(i uint32) uint32 {
	if i >= r.Words() {
		panic(fmt.Sprintf("sab: word index %d out of range [0,%d)", i, r.Words()))
	}
	return r.base + i*WORD_SIZE
}
