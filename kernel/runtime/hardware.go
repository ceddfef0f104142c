package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/nmxmxh/robolab/kernel/threads/registers"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/threads/serial"
)

// Output ranges accepted by the motor and servo calls.
const (
	MotorPercentMax  = 100
	MotorVelocityMax = 1500
	ServoPositionMax = 2047
	allServosMask    = 1<<registers.ServoPorts - 1
)

// Primitives is the hardware surface a guest program drives. Hardware
// implements it against shared memory; the graphical runtime may instead
// reach it through a compiled library module's exports.
type Primitives interface {
	Motor(port, percent int) error
	MoveAtVelocity(port, velocity int) error
	Off(port int) error
	AllOff() error
	MotorPosition(port int) (int, error)
	ClearMotorPosition(port int) error
	EnableServos() error
	DisableServos() error
	SetServoPosition(port, position int) error
	ServoPosition(port int) (int, error)
	Analog(port int) (int, error)
	Digital(port int) (bool, error)
	SetDigitalOutput(port int, on bool) error
	Sleep(ms int) error
	Seconds() float64
}

// HardwareConfig wires a Hardware to the session's shared regions.
type HardwareConfig struct {
	Registers *registers.File
	Serial    serial.Pair
	Clock     func() time.Time
}

// Hardware binds guest hardware calls to register writes and serial pushes
// for one episode. It is used from the execution thread only.
type Hardware struct {
	ctx     context.Context
	regs    *registers.View
	serial  serial.Pair
	clock   func() time.Time
	started time.Time

	// Clearing a position counter is local to the program: the simulation
	// keeps integrating the raw counter and reads are offset.
	positionOffset [registers.MotorPorts]int32
}

var _ Primitives = (*Hardware)(nil)

// NewHardware binds a Hardware to ctx; once ctx is done every call returns
// ErrStopped. Either region may be absent until the controller sends it.
func NewHardware(ctx context.Context, cfg HardwareConfig) *Hardware {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	h := &Hardware{
		ctx:    ctx,
		serial: cfg.Serial,
		clock:  cfg.Clock,
	}
	h.started = h.clock()
	if cfg.Registers != nil {
		h.regs = cfg.Registers.View(sab_layout.OwnerExecution)
	}
	return h
}

// Stopped reports whether the episode has been asked to stop.
func (h *Hardware) Stopped() bool {
	return h.ctx.Err() != nil
}

func (h *Hardware) Motor(port, percent int) error {
	if err := h.ready(port, registers.MotorPorts); err != nil {
		return err
	}
	h.set(registers.MotorMode(port), registers.MotorModePWM)
	h.set(registers.MotorPWM(port), int32(clamp(percent, -MotorPercentMax, MotorPercentMax)))
	return nil
}

func (h *Hardware) MoveAtVelocity(port, velocity int) error {
	if err := h.ready(port, registers.MotorPorts); err != nil {
		return err
	}
	h.set(registers.MotorMode(port), registers.MotorModeVelocity)
	h.set(registers.MotorGoalVelocity(port), int32(clamp(velocity, -MotorVelocityMax, MotorVelocityMax)))
	return nil
}

func (h *Hardware) Off(port int) error {
	if err := h.ready(port, registers.MotorPorts); err != nil {
		return err
	}
	h.motorOff(port)
	return nil
}

func (h *Hardware) AllOff() error {
	if err := h.ready(0, 1); err != nil {
		return err
	}
	for p := 0; p < registers.MotorPorts; p++ {
		h.motorOff(p)
	}
	return nil
}

func (h *Hardware) MotorPosition(port int) (int, error) {
	if err := h.ready(port, registers.MotorPorts); err != nil {
		return 0, err
	}
	return int(h.regs.Get(registers.MotorPosition(port)) - h.positionOffset[port]), nil
}

func (h *Hardware) ClearMotorPosition(port int) error {
	if err := h.ready(port, registers.MotorPorts); err != nil {
		return err
	}
	h.positionOffset[port] = h.regs.Get(registers.MotorPosition(port))
	return nil
}

func (h *Hardware) EnableServos() error {
	if err := h.ready(0, 1); err != nil {
		return err
	}
	h.set(registers.ServoEnable, allServosMask)
	return nil
}

func (h *Hardware) DisableServos() error {
	if err := h.ready(0, 1); err != nil {
		return err
	}
	h.set(registers.ServoEnable, 0)
	return nil
}

func (h *Hardware) SetServoPosition(port, position int) error {
	if err := h.ready(port, registers.ServoPorts); err != nil {
		return err
	}
	h.set(registers.ServoPosition(port), int32(clamp(position, 0, ServoPositionMax)))
	return nil
}

func (h *Hardware) ServoPosition(port int) (int, error) {
	if err := h.ready(port, registers.ServoPorts); err != nil {
		return 0, err
	}
	return int(h.regs.Get(registers.ServoPosition(port))), nil
}

func (h *Hardware) Analog(port int) (int, error) {
	if err := h.ready(port, registers.AnalogPorts); err != nil {
		return 0, err
	}
	return int(h.regs.Get(registers.Analog(port))), nil
}

func (h *Hardware) Digital(port int) (bool, error) {
	if err := h.ready(port, registers.DigitalPorts); err != nil {
		return false, err
	}
	return h.regs.Get(registers.DigitalIn)&(1<<port) != 0, nil
}

func (h *Hardware) SetDigitalOutput(port int, on bool) error {
	if err := h.ready(port, registers.DigitalPorts); err != nil {
		return err
	}
	bit := int32(1) << port
	h.set(registers.DigitalOutEnable, h.regs.Get(registers.DigitalOutEnable)|bit)
	out := h.regs.Get(registers.DigitalOut) &^ bit
	if on {
		out |= bit
	}
	h.set(registers.DigitalOut, out)
	return nil
}

// Sleep blocks for ms milliseconds or until the episode is stopped.
func (h *Hardware) Sleep(ms int) error {
	if h.Stopped() {
		return ErrStopped
	}
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-h.ctx.Done():
		return ErrStopped
	}
}

// Seconds is the time since the episode started.
func (h *Hardware) Seconds() float64 {
	return h.clock().Sub(h.started).Seconds()
}

// CreateWriteByte pushes one byte toward the robot. It reports false when
// the serial ring is full.
func (h *Hardware) CreateWriteByte(b uint8) (bool, error) {
	if err := h.serialReady(); err != nil {
		return false, err
	}
	return h.serial.Tx.Push(uint32(b)), nil
}

// CreateReadByte pops one byte sent by the robot.
func (h *Hardware) CreateReadByte() (uint8, bool, error) {
	if err := h.serialReady(); err != nil {
		return 0, false, err
	}
	w, ok := h.serial.Rx.Pop()
	return uint8(w), ok, nil
}

// CreateSend encodes and pushes a whole packet.
func (h *Hardware) CreateSend(p serial.Packet) (bool, error) {
	if err := h.serialReady(); err != nil {
		return false, err
	}
	_, ok := serial.Write(h.serial, p)
	return ok, nil
}

// Reset returns actuators to their idle state after an episode. It ignores
// the stop state because it runs after the program has ended.
func (h *Hardware) Reset() {
	if h.regs == nil {
		return
	}
	for p := 0; p < registers.MotorPorts; p++ {
		h.motorOff(p)
	}
	h.set(registers.ServoEnable, 0)
	h.set(registers.DigitalOut, 0)
	h.set(registers.DigitalOutEnable, 0)
}

func (h *Hardware) motorOff(port int) {
	h.set(registers.MotorMode(port), registers.MotorModeOff)
	h.set(registers.MotorPWM(port), 0)
	h.set(registers.MotorGoalVelocity(port), 0)
}

func (h *Hardware) ready(port, ports int) error {
	if h.Stopped() {
		return ErrStopped
	}
	if h.regs == nil {
		return fmt.Errorf("registers not attached")
	}
	if port < 0 || port >= ports {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrBadPort, port, ports)
	}
	return nil
}

func (h *Hardware) serialReady() error {
	if h.Stopped() {
		return ErrStopped
	}
	if h.serial.IsZero() {
		return fmt.Errorf("create serial not attached")
	}
	return nil
}

// set writes an actuator register. Only execution-owned registers reach
// here, so the ownership check cannot fail.
func (h *Hardware) set(reg registers.Register, v int32) {
	if err := h.regs.Set(reg, v); err != nil {
		panic(err)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
