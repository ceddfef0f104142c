package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/threads/foundation"
	"github.com/nmxmxh/robolab/kernel/threads/registers"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/threads/serial"
	"github.com/nmxmxh/robolab/kernel/utils"
)

var (
	// ErrAlreadyRunning is returned by Start while an episode is in flight.
	ErrAlreadyRunning = errors.New("a program is already running")
	// ErrNotReady is returned by Start before the worker has announced itself.
	ErrNotReady = errors.New("execution thread is not ready")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("no program is running")
)

// Phase is what the controller knows about the current episode.
type Phase int32

const (
	PhaseIdle Phase = iota
	// PhaseLoading: start posted, the guest has not executed yet.
	PhaseLoading
	PhaseRunning
)

var phaseNames = map[Phase]string{
	PhaseIdle:    "idle",
	PhaseLoading: "loading",
	PhaseRunning: "running",
}

func (p Phase) String() string { return phaseNames[p] }

// ControllerConfig sizes the session regions.
type ControllerConfig struct {
	Registry *sab_layout.Registry
	Link     Link
	// OnStop is called with the episode to stop, before the stop command is
	// posted. It is bound once, at construction.
	OnStop func(episode uint32)
	Logger *utils.Logger

	RegisterFileBytes  uint32
	SerialCapacity     uint32
	ConsoleCapacity    uint32
	ConsoleLogCapacity uint32
	// WithoutConsole leaves the console channel out; guest output then
	// arrives as program-output events.
	WithoutConsole bool
}

// Controller is the render-thread side of the control protocol. It owns the
// session regions and is driven from the frame loop.
type Controller struct {
	registry *sab_layout.Registry
	link     Link
	onStop   func(uint32)
	logger   *utils.Logger

	regs       *registers.File
	robot      serial.Pair
	program    serial.Pair
	console    *foundation.CodepointChannel
	consoleLog *foundation.OverwriteRing

	ready   atomic.Bool
	phase   atomic.Int32
	episode atomic.Uint32 // current or last episode

	mu       sync.Mutex
	lastErr  *ProgramError
	onEvents []func(Message)
}

// NewController allocates the session regions.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("controller needs a region registry")
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("controller")
	}
	if cfg.RegisterFileBytes == 0 {
		cfg.RegisterFileBytes = sab_layout.DEFAULT_REGISTER_FILE_BYTES
	}
	if cfg.SerialCapacity == 0 {
		cfg.SerialCapacity = sab_layout.DEFAULT_SERIAL_CAPACITY
	}
	if cfg.ConsoleCapacity == 0 {
		cfg.ConsoleCapacity = sab_layout.DEFAULT_CONSOLE_CAPACITY
	}
	if cfg.ConsoleLogCapacity == 0 {
		cfg.ConsoleLogCapacity = sab_layout.DEFAULT_CONSOLE_LOG_CAPACITY
	}

	c := &Controller{
		registry: cfg.Registry,
		link:     cfg.Link,
		onStop:   cfg.OnStop,
		logger:   cfg.Logger,
	}

	var err error
	if c.regs, err = registers.CreateFile(cfg.Registry, cfg.RegisterFileBytes); err != nil {
		return nil, utils.WrapError(err, "register file")
	}
	if c.program, c.robot, err = serial.CreatePair(cfg.Registry, cfg.SerialCapacity); err != nil {
		return nil, utils.WrapError(err, "create serial")
	}
	if !cfg.WithoutConsole {
		if c.console, err = foundation.CreateCodepointChannel(cfg.Registry, sab_layout.RegionConsole, cfg.ConsoleCapacity); err != nil {
			return nil, utils.WrapError(err, "console channel")
		}
	}
	if c.consoleLog, err = foundation.CreateOverwriteRing(cfg.Registry, cfg.ConsoleLogCapacity); err != nil {
		return nil, utils.WrapError(err, "console log")
	}
	c.phase.Store(int32(PhaseIdle))
	return c, nil
}

// Provision hands the shared regions to the execution thread.
func (c *Controller) Provision() error {
	if c.console != nil {
		if err := c.link.Commands.Post(SetSharedConsole{Region: c.console.Ring().Region().Descriptor()}); err != nil {
			return err
		}
	}
	if err := c.link.Commands.Post(SetSharedRegisters{Region: c.regs.Region().Descriptor()}); err != nil {
		return err
	}
	tx, rx := c.program.Descriptors()
	if err := c.link.Commands.Post(SetCreateSerial{Tx: tx, Rx: rx}); err != nil {
		return err
	}
	c.logger.Debug("Provisioned execution thread")
	return nil
}

// Start posts a start command and returns the episode number. Starting while
// an episode is in flight is rejected. Call it from the goroutine that runs
// Poll: it drains the robot end of the serial link, which only that goroutine
// consumes.
func (c *Controller) Start(lang runtime.Language, code []byte) (uint32, error) {
	if !c.ready.Load() {
		return 0, ErrNotReady
	}
	if !c.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseLoading)) {
		return 0, ErrAlreadyRunning
	}

	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()

	// Session reset: stale bytes from the last episode must not reach the new one.
	serial.PopAll(c.robot)

	ep := c.episode.Add(1)
	if err := c.link.Commands.Post(Start{Episode: ep, Language: lang, Code: code}); err != nil {
		c.phase.Store(int32(PhaseIdle))
		return 0, err
	}
	c.logger.Info("Program start requested",
		utils.Uint32("episode", ep),
		utils.String("language", lang.String()),
		utils.Int("code_bytes", len(code)))
	return ep, nil
}

// Stop asks the current episode to stop. It does not wait; the stopped
// event arrives through Poll.
func (c *Controller) Stop() error {
	if Phase(c.phase.Load()) == PhaseIdle {
		return ErrNotRunning
	}
	ep := c.episode.Load()
	if c.onStop != nil {
		c.onStop(ep)
	}
	c.logger.Info("Program stop requested", utils.Uint32("episode", ep))
	return c.link.Commands.Post(Stop{Episode: ep})
}

// OnEvent registers a callback invoked from Poll for every event.
func (c *Controller) OnEvent(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvents = append(c.onEvents, fn)
}

// Poll runs one frame's worth of controller work: drain the console channel
// into the console log and process pending events. It never blocks.
func (c *Controller) Poll() ([]Message, error) {
	if c.console != nil {
		if text := c.console.PopString(); text != "" {
			c.consoleLog.Append(text)
		}
	}

	events, err := c.link.Events.Drain()
	for _, ev := range events {
		c.apply(ev)
	}

	c.mu.Lock()
	callbacks := make([]func(Message), len(c.onEvents))
	copy(callbacks, c.onEvents)
	c.mu.Unlock()
	for _, ev := range events {
		for _, fn := range callbacks {
			fn(ev)
		}
	}
	return events, err
}

func (c *Controller) apply(ev Message) {
	current := c.episode.Load()
	switch m := ev.(type) {
	case WorkerReady:
		c.ready.Store(true)
		c.logger.Info("Execution thread ready")
	case StartAck:
		if m.Episode == current {
			c.phase.CompareAndSwap(int32(PhaseLoading), int32(PhaseRunning))
		}
	case ProgramOutput:
		c.consoleLog.Append(m.Text)
	case ProgramError:
		c.consoleLog.Append(errorText(m))
		if m.Episode == current {
			c.mu.Lock()
			c.lastErr = &m
			c.mu.Unlock()
		}
	case Stopped:
		if m.Episode == current {
			c.phase.Store(int32(PhaseIdle))
			c.logger.Info("Program stopped", utils.Uint32("episode", m.Episode))
		}
	}
}

func errorText(m ProgramError) string {
	var b strings.Builder
	b.WriteString(m.Text)
	if !strings.HasSuffix(m.Text, "\n") {
		b.WriteString("\n")
	}
	if m.Detail != "" {
		b.WriteString(m.Detail)
		if !strings.HasSuffix(m.Detail, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Ready reports whether worker-ready has been seen.
func (c *Controller) Ready() bool { return c.ready.Load() }

// Phase returns the current episode phase.
func (c *Controller) Phase() Phase { return Phase(c.phase.Load()) }

// Episode returns the current or last episode number.
func (c *Controller) Episode() uint32 { return c.episode.Load() }

// LastError returns the program error of the current or last episode.
func (c *Controller) LastError() *ProgramError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConsoleText is the materialized console, the only view the UI gets.
func (c *Controller) ConsoleText() string { return c.consoleLog.Text() }

// ClearConsole empties the console log.
func (c *Controller) ClearConsole() { c.consoleLog.Clear() }

// Registers returns the register file; the simulation writes sensor fields.
func (c *Controller) Registers() *registers.File { return c.regs }

// RobotSerial returns the robot-side serial endpoint.
func (c *Controller) RobotSerial() serial.Pair { return c.robot }

// ConsoleLog returns the console log ring.
func (c *Controller) ConsoleLog() *foundation.OverwriteRing { return c.consoleLog }
