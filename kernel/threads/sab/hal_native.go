//go:build !js || !wasm

package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// SharedMemoryProvider uses a memory-mapped file for shared access.
// Used when the execution side lives in another process (hard-kill mode) or
// when a region should outlive the thread that allocated it.
type SharedMemoryProvider struct {
	path   string
	file   *os.File
	data   []byte
	size   uint32
	unlink bool
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uint32
	Create bool
	// Unlink removes the backing file on Close. Only the creator sets it.
	Unlink bool
}

// DefaultSharedMemoryDir returns the directory mmap-backed regions live in.
func DefaultSharedMemoryDir() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

// OpenSharedMemory opens or creates a shared memory mapping.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}

	if opts.Create {
		if opts.Size == 0 {
			_ = file.Close()
			return nil, errors.New("shared memory size required when creating")
		}
		size := (opts.Size + WORD_SIZE - 1) / WORD_SIZE * WORD_SIZE
		if err := file.Truncate(int64(size)); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate shared memory file: %w", err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, errors.New("shared memory file has zero size")
	}
	size := uint32(info.Size())

	data, err := syscall.Mmap(int(file.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}

	return &SharedMemoryProvider{
		path:   path,
		file:   file,
		data:   data,
		size:   size,
		unlink: opts.Unlink,
	}, nil
}

// Path returns the backing file path.
func (s *SharedMemoryProvider) Path() string {
	return s.path
}

func (s *SharedMemoryProvider) Size() uint32 {
	return s.size
}

func (s *SharedMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if uint64(offset)+uint64(len(dest)) > uint64(s.size) {
		return ErrOutOfBounds
	}
	for i := range dest {
		pos := offset + uint32(i)
		word := atomic.LoadUint32(s.wordPtr(pos &^ (WORD_SIZE - 1)))
		dest[i] = byte(word >> (8 * (pos % WORD_SIZE)))
	}
	return nil
}

func (s *SharedMemoryProvider) WriteAt(offset uint32, src []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if uint64(offset)+uint64(len(src)) > uint64(s.size) {
		return ErrOutOfBounds
	}
	for i, b := range src {
		pos := offset + uint32(i)
		shift := 8 * (pos % WORD_SIZE)
		ptr := s.wordPtr(pos &^ (WORD_SIZE - 1))
		for {
			old := atomic.LoadUint32(ptr)
			if atomic.CompareAndSwapUint32(ptr, old, old&^(0xFF<<shift)|uint32(b)<<shift) {
				break
			}
		}
	}
	return nil
}

func (s *SharedMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

func (s *SharedMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(ptr, val)
	return nil
}

func (s *SharedMemoryProvider) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(ptr, delta), nil
}

func (s *SharedMemoryProvider) AtomicCompareAndSwap32(offset uint32, old, new uint32) (bool, error) {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(ptr, old, new), nil
}

func (s *SharedMemoryProvider) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := syscall.Munmap(s.data); unmapErr != nil {
			err = unmapErr
		}
		s.data = nil
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	if s.unlink {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

func (s *SharedMemoryProvider) wordPtr(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[offset]))
}

func (s *SharedMemoryProvider) ptrAt(offset uint32) (*uint32, error) {
	if s.data == nil {
		return nil, ErrClosed
	}
	if offset%WORD_SIZE != 0 {
		return nil, ErrMisaligned
	}
	if uint64(offset)+WORD_SIZE > uint64(s.size) {
		return nil, ErrOutOfBounds
	}
	return s.wordPtr(offset), nil
}
