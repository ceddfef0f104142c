package sab

import "sync/atomic"

// InMemoryProvider stores a shared region in a process-local slice.
// Both threads of a session hold the same provider, so nothing is copied.
type InMemoryProvider struct {
	data []uint32
	size uint32
}

// NewInMemoryProvider creates an in-memory provider with the requested size,
// rounded up to a whole number of words.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	words := (size + WORD_SIZE - 1) / WORD_SIZE
	return &InMemoryProvider{
		data: make([]uint32, words),
		size: words * WORD_SIZE,
	}
}

func (m *InMemoryProvider) Size() uint32 {
	return m.size
}

// ReadAt copies bytes out word by word with atomic loads so that a reader
// never races a concurrent atomic writer.
func (m *InMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	if m.data == nil {
		return ErrClosed
	}
	if uint64(offset)+uint64(len(dest)) > uint64(m.size) {
		return ErrOutOfBounds
	}
	for i := range dest {
		pos := offset + uint32(i)
		word := atomic.LoadUint32(&m.data[pos/WORD_SIZE])
		dest[i] = byte(word >> (8 * (pos % WORD_SIZE)))
	}
	return nil
}

// WriteAt writes bytes with a CAS loop per touched word; neighbouring bytes in
// the same word may belong to the other thread.
func (m *InMemoryProvider) WriteAt(offset uint32, src []byte) error {
	if m.data == nil {
		return ErrClosed
	}
	if uint64(offset)+uint64(len(src)) > uint64(m.size) {
		return ErrOutOfBounds
	}
	for i, b := range src {
		pos := offset + uint32(i)
		shift := 8 * (pos % WORD_SIZE)
		ptr := &m.data[pos/WORD_SIZE]
		for {
			old := atomic.LoadUint32(ptr)
			updated := old&^(0xFF<<shift) | uint32(b)<<shift
			if atomic.CompareAndSwapUint32(ptr, old, updated) {
				break
			}
		}
	}
	return nil
}

func (m *InMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

func (m *InMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(ptr, val)
	return nil
}

func (m *InMemoryProvider) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(ptr, delta), nil
}

func (m *InMemoryProvider) AtomicCompareAndSwap32(offset uint32, old, new uint32) (bool, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(ptr, old, new), nil
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	return nil
}

func (m *InMemoryProvider) ptrAt(offset uint32) (*uint32, error) {
	if m.data == nil {
		return nil, ErrClosed
	}
	if offset%WORD_SIZE != 0 {
		return nil, ErrMisaligned
	}
	if uint64(offset)+WORD_SIZE > uint64(m.size) {
		return nil, ErrOutOfBounds
	}
	return &m.data[offset/WORD_SIZE], nil
}
