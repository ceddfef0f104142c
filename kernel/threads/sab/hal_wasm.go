//go:build js && wasm

package sab

import "errors"

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uint32
	Create bool
	Unlink bool
}

// DefaultSharedMemoryDir is meaningless in the browser; regions there come
// from a SharedArrayBuffer injected by the host page.
func DefaultSharedMemoryDir() string { return "" }

// OpenSharedMemory is unsupported under js/wasm.
func OpenSharedMemory(opts SharedMemoryOptions) (MemoryProvider, error) {
	return nil, errors.New("mmap-backed regions are not available in the browser")
}
