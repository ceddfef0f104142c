package sab

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/nmxmxh/robolab/kernel/utils"
)

// Backing selects where the registry allocates regions.
type Backing string

const (
	BackingMemory Backing = "memory"
	BackingMmap   Backing = "mmap"
)

// ErrUnknownRegion is returned by Attach for a descriptor nobody allocated.
var ErrUnknownRegion = errors.New("unknown shared region")

// Descriptor is the serializable handle of a shared region. It is what
// crosses the control channel; the memory itself is never copied.
type Descriptor struct {
	ID     string
	Kind   RegionKind
	Path   string // non-empty for mmap-backed regions
	Offset uint32
	Size   uint32
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s,+%d)", d.Kind, d.ID, d.Size)
}

// Registry owns the providers of one session. The controller allocates,
// the execution thread attaches by descriptor.
type Registry struct {
	mu        sync.Mutex
	backing   Backing
	dir       string
	providers map[string]MemoryProvider
	logger    *utils.Logger
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Backing Backing
	Dir     string
	Logger  *utils.Logger
}

// NewRegistry creates a registry. Zero config means in-memory regions.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Backing == "" {
		cfg.Backing = BackingMemory
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultSharedMemoryDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("sab")
	}
	return &Registry{
		backing:   cfg.Backing,
		dir:       cfg.Dir,
		providers: make(map[string]MemoryProvider),
		logger:    cfg.Logger,
	}
}

// Allocate creates a zeroed region of at least size bytes.
func (r *Registry) Allocate(kind RegionKind, size uint32) (Region, error) {
	if size == 0 {
		return Region{}, &LayoutError{Code: "REGION_EMPTY", Message: kind.String() + " region size is zero"}
	}
	id := kind.String() + "-" + utils.GenerateID()
	desc := Descriptor{ID: id, Kind: kind}

	var provider MemoryProvider
	switch r.backing {
	case BackingMemory:
		provider = NewInMemoryProvider(size)
	case BackingMmap:
		desc.Path = filepath.Join(r.dir, "robolab-"+id)
		shm, err := OpenSharedMemory(SharedMemoryOptions{Path: desc.Path, Size: size, Create: true, Unlink: true})
		if err != nil {
			return Region{}, utils.WrapError(err, "allocate "+kind.String())
		}
		provider = shm
	default:
		return Region{}, fmt.Errorf("unknown shared memory backing %q", r.backing)
	}

	desc.Size = provider.Size()
	region := WholeRegion(provider).withDescriptor(desc)
	region.Zero()

	r.mu.Lock()
	r.providers[id] = provider
	r.mu.Unlock()

	r.logger.Debug("Allocated shared region",
		DescriptorField("region", desc),
		utils.String("access", PolicyFor(kind).Access.String()),
		utils.String("backing", string(r.backing)))
	return region, nil
}

// Attach resolves a descriptor received over the control channel.
func (r *Registry) Attach(desc Descriptor) (Region, error) {
	r.mu.Lock()
	provider, ok := r.providers[desc.ID]
	r.mu.Unlock()

	if !ok {
		if desc.Path == "" {
			return Region{}, fmt.Errorf("%w: %s", ErrUnknownRegion, desc)
		}
		shm, err := OpenSharedMemory(SharedMemoryOptions{Path: desc.Path})
		if err != nil {
			return Region{}, utils.WrapError(err, "attach "+desc.String())
		}
		r.mu.Lock()
		r.providers[desc.ID] = shm
		r.mu.Unlock()
		provider = shm
	}

	size := desc.Size
	if size == 0 {
		size = provider.Size() - desc.Offset
	}
	region, err := NewRegion(provider, desc.Offset, size)
	if err != nil {
		return Region{}, err
	}
	return region.withDescriptor(desc), nil
}

// Release closes and forgets one region.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	provider, ok := r.providers[id]
	delete(r.providers, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return provider.Close()
}

// Close releases every region. Call only after both threads are done.
func (r *Registry) Close() error {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]MemoryProvider)
	r.mu.Unlock()

	var errs []error
	for id, p := range providers {
		if err := p.Close(); err != nil {
			errs = append(errs, utils.WrapError(err, "close "+id))
		}
	}
	return errors.Join(errs...)
}

// DescriptorField is a log field for descriptors.
func DescriptorField(key string, d Descriptor) utils.Field {
	return utils.String(key, d.String())
}
