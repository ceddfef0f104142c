package registers

import (
	"errors"
	"fmt"

	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
)

var (
	// ErrNotOwner is returned when a side writes a register owned by the other side.
	ErrNotOwner = errors.New("register is owned by the other side")
	// ErrBadAddress is returned for out-of-range or misaligned accesses.
	ErrBadAddress = errors.New("bad register address")
)

// File is the shared, byte-addressed register table. It holds no lock:
// every register has one writer side, and sub-word writes are atomic
// read-modify-writes of the containing word.
type File struct {
	region sab_layout.Region
}

// NewFile binds a register file to a shared region.
func NewFile(region sab_layout.Region) (*File, error) {
	if err := region.RequireWords(REGISTER_FILE_MIN_SIZE/sab_layout.WORD_SIZE, "register file"); err != nil {
		return nil, err
	}
	return &File{region: region}, nil
}

// CreateFile allocates a register file of size bytes.
func CreateFile(registry *sab_layout.Registry, size uint32) (*File, error) {
	if size < REGISTER_FILE_MIN_SIZE {
		size = REGISTER_FILE_MIN_SIZE
	}
	region, err := registry.Allocate(sab_layout.RegionRegisters, sab_layout.AlignOffset(size, sab_layout.WORD_SIZE))
	if err != nil {
		return nil, err
	}
	return NewFile(region)
}

// Region returns the shared region backing the file.
func (f *File) Region() sab_layout.Region { return f.region }

// Size is the file size in bytes.
func (f *File) Size() uint32 { return f.region.SizeBytes() }

// Read returns the raw value of a width-bit register at addr, zero-extended.
func (f *File) Read(addr uint32, width Width) (uint32, error) {
	if err := f.check(addr, width); err != nil {
		return 0, err
	}
	word := f.region.LoadWord(addr / sab_layout.WORD_SIZE)
	if width == Width32 {
		return word, nil
	}
	shift := 8 * (addr % sab_layout.WORD_SIZE)
	return (word >> shift) & mask(width), nil
}

// Write stores the low width bits of value at addr.
func (f *File) Write(addr uint32, width Width, value uint32) error {
	if err := f.check(addr, width); err != nil {
		return err
	}
	index := addr / sab_layout.WORD_SIZE
	if width == Width32 {
		f.region.StoreWord(index, value)
		return nil
	}
	shift := 8 * (addr % sab_layout.WORD_SIZE)
	lane := mask(width) << shift
	for {
		old := f.region.LoadWord(index)
		if f.region.CompareAndSwapWord(index, old, old&^lane|(value<<shift)&lane) {
			return nil
		}
	}
}

// Get reads a register, sign-extending signed registers.
func (f *File) Get(reg Register) int32 {
	raw, err := f.Read(reg.Address, reg.Width)
	if err != nil {
		panic(fmt.Sprintf("registers: %s: %v", reg.Name, err))
	}
	if !reg.Signed {
		return int32(raw)
	}
	switch reg.Width {
	case Width8:
		return int32(int8(raw))
	case Width16:
		return int32(int16(raw))
	default:
		return int32(raw)
	}
}

// Set writes a register without checking ownership.
func (f *File) Set(reg Register, value int32) {
	if err := f.Write(reg.Address, reg.Width, uint32(value)); err != nil {
		panic(fmt.Sprintf("registers: %s: %v", reg.Name, err))
	}
}

// Add increments a 32-bit register and returns the new value.
func (f *File) Add(reg Register, delta int32) int32 {
	if reg.Width != Width32 {
		panic(fmt.Sprintf("registers: %s: add needs a 32-bit register", reg.Name))
	}
	return int32(f.region.AddWord(reg.Address/sab_layout.WORD_SIZE, uint32(delta)))
}

// View returns an accessor for one side that refuses writes to registers
// owned by the other side.
func (f *File) View(owner sab_layout.RegionOwner) *View {
	return &View{file: f, owner: owner}
}

func (f *File) check(addr uint32, width Width) error {
	bytes := uint32(width) / 8
	switch width {
	case Width8, Width16, Width32:
	default:
		return fmt.Errorf("%w: width %d", ErrBadAddress, width)
	}
	if addr%bytes != 0 {
		return fmt.Errorf("%w: 0x%x not aligned to %d bytes", ErrBadAddress, addr, bytes)
	}
	if uint64(addr)+uint64(bytes) > uint64(f.region.SizeBytes()) {
		return fmt.Errorf("%w: 0x%x beyond %d bytes", ErrBadAddress, addr, f.region.SizeBytes())
	}
	return nil
}

func mask(width Width) uint32 {
	if width == Width32 {
		return 0xFFFFFFFF
	}
	return 1<<uint32(width) - 1
}

// View is a side-scoped accessor onto a File.
type View struct {
	file  *File
	owner sab_layout.RegionOwner
}

// File returns the underlying register file.
func (v *View) File() *File { return v.file }

// Owner returns the side this view writes for.
func (v *View) Owner() sab_layout.RegionOwner { return v.owner }

// Get reads any register.
func (v *View) Get(reg Register) int32 { return v.file.Get(reg) }

// Set writes reg if this side owns it.
func (v *View) Set(reg Register, value int32) error {
	if reg.Writer&v.owner == 0 {
		return fmt.Errorf("%w: %s written by %s", ErrNotOwner, reg.Name, v.owner)
	}
	v.file.Set(reg, value)
	return nil
}

// Add increments a 32-bit register if this side owns it.
func (v *View) Add(reg Register, delta int32) (int32, error) {
	if reg.Writer&v.owner == 0 {
		return 0, fmt.Errorf("%w: %s written by %s", ErrNotOwner, reg.Name, v.owner)
	}
	return v.file.Add(reg, delta), nil
}
