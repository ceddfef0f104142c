package simulation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/robolab/kernel/threads/registers"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/threads/supervisor"
	"github.com/nmxmxh/robolab/kernel/utils"
)

// ErrLoopStopped is returned by Do once Run has returned.
var ErrLoopStopped = errors.New("simulation loop stopped")

// Nominal battery voltage reported in BatteryMV.
const BatteryNominalMV = 7400

// SensorFunc writes scene-derived sensor values once per tick.
type SensorFunc func(tick uint32, regs *registers.View)

// LoopConfig configures a Loop.
type LoopConfig struct {
	Controller *supervisor.Controller
	FrameRate  int
	TickRate   int
	Sensors    SensorFunc
	Logger     *utils.Logger
}

// Loop drives one session from the render thread: frames poll the
// controller, ticks advance the robot.
type Loop struct {
	controller *supervisor.Controller
	regs       *registers.View
	motors     *MotorModel
	create     *CreateEmulator
	sensors    SensorFunc
	frameEvery time.Duration
	tickEvery  time.Duration
	logger     *utils.Logger

	calls    chan func()
	done     chan struct{}
	doneOnce sync.Once

	frames atomic.Uint64
	ticks  atomic.Uint64
}

// NewLoop creates a loop over the controller's regions.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Controller == nil {
		return nil, errors.New("simulation loop needs a controller")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 60
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("simulation")
	}

	file := cfg.Controller.Registers()
	l := &Loop{
		controller: cfg.Controller,
		regs:       file.View(sab_layout.OwnerSimulation),
		motors:     NewMotorModel(file),
		create:     NewCreateEmulator(cfg.Controller.RobotSerial(), cfg.Logger.Named("create")),
		sensors:    cfg.Sensors,
		frameEvery: time.Second / time.Duration(cfg.FrameRate),
		tickEvery:  time.Second / time.Duration(cfg.TickRate),
		logger:     cfg.Logger,
		calls:      make(chan func()),
		done:       make(chan struct{}),
	}
	if err := l.regs.Set(registers.BatteryMV, BatteryNominalMV); err != nil {
		return nil, err
	}
	return l, nil
}

// Motors returns the motor model.
func (l *Loop) Motors() *MotorModel { return l.motors }

// Create returns the Create emulator.
func (l *Loop) Create() *CreateEmulator { return l.create }

// Frames and Ticks count the work done so far.
func (l *Loop) Frames() uint64 { return l.frames.Load() }
func (l *Loop) Ticks() uint64  { return l.ticks.Load() }

// Frame drains the console and applies pending control events.
func (l *Loop) Frame() ([]supervisor.Message, error) {
	l.frames.Add(1)
	return l.controller.Poll()
}

// Tick advances the simulation by one fixed step.
func (l *Loop) Tick() {
	tick, _ := l.regs.Add(registers.SimTick, 1)
	if l.sensors != nil {
		l.sensors(uint32(tick), l.regs)
	}
	l.motors.Step(l.tickEvery)
	l.create.Step(l.tickEvery)
	l.ticks.Add(1)
}

// Do runs fn on the loop goroutine between frames and waits for it. The
// controller and the robot end of the serial link belong to that goroutine,
// so other goroutines reach them through Do.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	call := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.calls <- call:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Run frames and ticks at their configured rates until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	frames := time.NewTicker(l.frameEvery)
	defer frames.Stop()
	ticks := time.NewTicker(l.tickEvery)
	defer ticks.Stop()

	l.logger.Info("Simulation loop started",
		utils.Duration("frame", l.frameEvery),
		utils.Duration("tick", l.tickEvery))
	defer l.doneOnce.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			// one last frame so output written just before the end is shown
			_, _ = l.Frame()
			l.logger.Info("Simulation loop stopped",
				utils.Uint64("frames", l.Frames()),
				utils.Uint64("ticks", l.Ticks()))
			return nil
		case call := <-l.calls:
			call()
		case <-ticks.C:
			l.Tick()
		case <-frames.C:
			if _, err := l.Frame(); err != nil && !errors.Is(err, supervisor.ErrPortClosed) {
				l.logger.Warn("Frame poll failed", utils.Err(err))
			}
		}
	}
}
