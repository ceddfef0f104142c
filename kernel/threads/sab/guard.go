package sab

import "fmt"

// RegionOwner identifies the thread side allowed to touch a region.
type RegionOwner uint32

const (
	// OwnerSimulation is the render/simulation thread.
	OwnerSimulation RegionOwner = 1 << 0
	// OwnerExecution is the guest execution thread.
	OwnerExecution RegionOwner = 1 << 1
)

func (o RegionOwner) String() string {
	switch o {
	case OwnerSimulation:
		return "simulation"
	case OwnerExecution:
		return "execution"
	case OwnerSimulation | OwnerExecution:
		return "simulation|execution"
	default:
		return "none"
	}
}

// AccessMode defines how a region is protected.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	// AccessSingleWriter: one side writes, the other reads (ring index protocol).
	AccessSingleWriter
	// AccessPartitioned: both sides write, but each field has one writer.
	AccessPartitioned
	// AccessMultiWriter: both sides write the same fields under a spinlock.
	AccessMultiWriter
)

func (m AccessMode) String() string {
	switch m {
	case AccessSingleWriter:
		return "single-writer"
	case AccessPartitioned:
		return "partitioned"
	case AccessMultiWriter:
		return "multi-writer"
	default:
		return "read-only"
	}
}

// RegionKind identifies the role of a session region.
type RegionKind uint32

const (
	RegionUnknown RegionKind = iota
	RegionRegisters
	RegionConsole
	RegionSerialToRobot
	RegionSerialFromRobot
	RegionConsoleLog
)

func (k RegionKind) String() string {
	switch k {
	case RegionRegisters:
		return "registers"
	case RegionConsole:
		return "console"
	case RegionSerialToRobot:
		return "serial-to-robot"
	case RegionSerialFromRobot:
		return "serial-from-robot"
	case RegionConsoleLog:
		return "console-log"
	default:
		return "unknown"
	}
}

// RegionPolicy declares who can access a region and how.
type RegionPolicy struct {
	Kind       RegionKind
	Access     AccessMode
	WriterMask RegionOwner
	ReaderMask RegionOwner
}

// CanWrite reports whether owner may write the region.
func (p RegionPolicy) CanWrite(owner RegionOwner) bool {
	return p.WriterMask&owner != 0
}

// CanRead reports whether owner may read the region.
func (p RegionPolicy) CanRead(owner RegionOwner) bool {
	return p.ReaderMask&owner != 0
}

// PolicyFor returns the canonical policy for a region kind.
func PolicyFor(kind RegionKind) RegionPolicy {
	both := OwnerSimulation | OwnerExecution
	switch kind {
	case RegionRegisters:
		return RegionPolicy{Kind: kind, Access: AccessPartitioned, WriterMask: both, ReaderMask: both}
	case RegionConsole:
		return RegionPolicy{Kind: kind, Access: AccessSingleWriter, WriterMask: OwnerExecution, ReaderMask: OwnerSimulation}
	case RegionSerialToRobot:
		return RegionPolicy{Kind: kind, Access: AccessSingleWriter, WriterMask: OwnerExecution, ReaderMask: OwnerSimulation}
	case RegionSerialFromRobot:
		return RegionPolicy{Kind: kind, Access: AccessSingleWriter, WriterMask: OwnerSimulation, ReaderMask: OwnerExecution}
	case RegionConsoleLog:
		return RegionPolicy{Kind: kind, Access: AccessMultiWriter, WriterMask: both, ReaderMask: both}
	default:
		return RegionPolicy{Kind: kind, Access: AccessReadOnly}
	}
}

// Policy returns the access policy of the region's kind.
func (r Region) Policy() RegionPolicy {
	return PolicyFor(r.desc.Kind)
}

// RequireWriter fails when owner may not write the region.
func (r Region) RequireWriter(owner RegionOwner) error {
	if p := r.Policy(); !p.CanWrite(owner) {
		return &LayoutError{
			Code:    "REGION_NOT_WRITABLE",
			Message: fmt.Sprintf("%s is %s, not writable by %s", r.desc, p.Access, owner),
		}
	}
	return nil
}

// RequireReader fails when owner may not read the region.
func (r Region) RequireReader(owner RegionOwner) error {
	if p := r.Policy(); !p.CanRead(owner) {
		return &LayoutError{
			Code:    "REGION_NOT_READABLE",
			Message: fmt.Sprintf("%s is not readable by %s", r.desc, owner),
		}
	}
	return nil
}
