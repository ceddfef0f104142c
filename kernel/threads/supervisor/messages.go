package supervisor

import (
	"fmt"

	"github.com/nmxmxh/robolab/kernel/runtime"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
)

// MessageKind is the discriminant of a control message.
type MessageKind uint8

// Commands flow controller → dispatcher, events dispatcher → controller.
const (
	KindUnknown MessageKind = iota
	KindStart
	KindStop
	KindSetSharedRegisters
	KindSetCreateSerial
	KindSetSharedConsole
	KindWorkerReady
	KindStartAck
	KindProgramOutput
	KindProgramError
	KindStopped
)

var kindNames = map[MessageKind]string{
	KindStart:              "start",
	KindStop:               "stop",
	KindSetSharedRegisters: "set-shared-registers",
	KindSetCreateSerial:    "set-create-serial",
	KindSetSharedConsole:   "set-shared-console",
	KindWorkerReady:        "worker-ready",
	KindStartAck:           "start-ack",
	KindProgramOutput:      "program-output",
	KindProgramError:       "program-error",
	KindStopped:            "stopped",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is the closed set of values that cross the control channel.
type Message interface {
	Kind() MessageKind
}

// Start asks the dispatcher to run code as episode Episode.
type Start struct {
	Episode  uint32
	Language runtime.Language
	Code     []byte
}

// Stop asks the dispatcher to end episode Episode (and any earlier one).
type Stop struct {
	Episode uint32
}

// SetSharedRegisters hands over the register file region.
type SetSharedRegisters struct {
	Region sab_layout.Descriptor
}

// SetCreateSerial hands over the program-side serial endpoint.
type SetCreateSerial struct {
	Tx sab_layout.Descriptor
	Rx sab_layout.Descriptor
}

// SetSharedConsole hands over the console codepoint channel.
type SetSharedConsole struct {
	Region sab_layout.Descriptor
}

// WorkerReady is emitted once, when the dispatcher has its regions.
type WorkerReady struct{}

// StartAck is emitted right before the first guest statement runs.
type StartAck struct {
	Episode uint32
}

// ProgramOutput carries guest stdout when no console region is attached.
type ProgramOutput struct {
	Episode uint32
	Text    string
}

// ProgramError carries a guest fault or a rejected command.
type ProgramError struct {
	Episode uint32
	Text    string
	Detail  string
}

// Stopped is emitted exactly once per start.
type Stopped struct {
	Episode uint32
}

func (Start) Kind() MessageKind              { return KindStart }
func (Stop) Kind() MessageKind               { return KindStop }
func (SetSharedRegisters) Kind() MessageKind { return KindSetSharedRegisters }
func (SetCreateSerial) Kind() MessageKind    { return KindSetCreateSerial }
func (SetSharedConsole) Kind() MessageKind   { return KindSetSharedConsole }
func (WorkerReady) Kind() MessageKind        { return KindWorkerReady }
func (StartAck) Kind() MessageKind           { return KindStartAck }
func (ProgramOutput) Kind() MessageKind      { return KindProgramOutput }
func (ProgramError) Kind() MessageKind       { return KindProgramError }
func (Stopped) Kind() MessageKind            { return KindStopped }
