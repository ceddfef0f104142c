package supervisor

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/threads/foundation"
	"github.com/nmxmxh/robolab/kernel/threads/registers"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/threads/serial"
	"github.com/nmxmxh/robolab/kernel/utils"
)

// DispatcherState is the execution-thread lifecycle state.
type DispatcherState int32

const (
	StateIdle DispatcherState = iota
	StateInitializing
	StateReady
	StateRunning
	// StateStopped means the last episode has finished; a new start is accepted.
	StateStopped
)

var dispatcherStateNames = map[DispatcherState]string{
	StateIdle:         "IDLE",
	StateInitializing: "INITIALIZING",
	StateReady:        "READY",
	StateRunning:      "RUNNING",
	StateStopped:      "STOPPED",
}

func (s DispatcherState) String() string {
	return dispatcherStateNames[s]
}

// DispatcherConfig wires a dispatcher to its session.
type DispatcherConfig struct {
	Registry *sab_layout.Registry
	Runtimes *runtime.Runtimes
	Link     Link
	Logger   *utils.Logger
	Clock    func() time.Time
}

type episode struct {
	id       uint32
	language runtime.Language
	code     []byte
}

// Dispatcher is the execution-thread side of the control protocol. Run
// receives commands; episodes run one at a time on a goroutine locked to
// its own OS thread.
type Dispatcher struct {
	registry *sab_layout.Registry
	runtimes *runtime.Runtimes
	link     Link
	logger   *utils.Logger
	clock    func() time.Time

	state atomic.Int32

	// Regions are attached by the receive loop and read by the executor
	// only between Ready and the end of an episode.
	mu       sync.Mutex
	regs     *registers.File
	serial   serial.Pair
	console  *foundation.CodepointChannel
	current  *episode
	cancel   context.CancelFunc
	announce sync.Once

	stopEpisode atomic.Uint32
	episodes    chan episode
}

// NewDispatcher creates an idle dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("dispatcher")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Runtimes == nil {
		cfg.Runtimes = runtime.NewRuntimes()
	}
	d := &Dispatcher{
		registry: cfg.Registry,
		runtimes: cfg.Runtimes,
		link:     cfg.Link,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		episodes: make(chan episode, 1),
	}
	d.state.Store(int32(StateIdle))
	return d
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() DispatcherState {
	return DispatcherState(d.state.Load())
}

// Run processes commands until ctx is done or the command port closes.
// Tearing down cancels the running episode, which still reports stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.executor(ctx)
	}()

	for {
		msg, err := d.link.Commands.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrPortClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		d.handle(msg)
	}
}

// RequestStop asks episode and every earlier one to stop. It is safe to call
// from any goroutine and is the controller's stop hook.
func (d *Dispatcher) RequestStop(ep uint32) {
	for {
		prev := d.stopEpisode.Load()
		if ep <= prev || d.stopEpisode.CompareAndSwap(prev, ep) {
			break
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil && d.current.id <= ep && d.cancel != nil {
		d.logger.Debug("Stop requested", utils.Uint32("episode", d.current.id))
		d.cancel()
	}
}

func (d *Dispatcher) handle(msg Message) {
	switch m := msg.(type) {
	case SetSharedRegisters:
		d.attach(m.Kind(), func() error {
			region, err := d.registry.Attach(m.Region)
			if err != nil {
				return err
			}
			if err := region.RequireWriter(sab_layout.OwnerExecution); err != nil {
				return err
			}
			file, err := registers.NewFile(region)
			if err != nil {
				return err
			}
			d.regs = file
			return nil
		})
	case SetCreateSerial:
		d.attach(m.Kind(), func() error {
			pair, err := serial.AttachPair(d.registry, sab_layout.OwnerExecution, m.Tx, m.Rx)
			if err != nil {
				return err
			}
			d.serial = pair
			return nil
		})
	case SetSharedConsole:
		d.attach(m.Kind(), func() error {
			region, err := d.registry.Attach(m.Region)
			if err != nil {
				return err
			}
			if err := region.RequireWriter(sab_layout.OwnerExecution); err != nil {
				return err
			}
			ch, err := foundation.AttachCodepointChannel(region)
			if err != nil {
				return err
			}
			d.console = ch
			return nil
		})
	case Start:
		d.start(m)
	case Stop:
		d.RequestStop(m.Episode)
	default:
		d.logger.Warn("Ignoring unexpected command", utils.String("kind", msg.Kind().String()))
	}
}

func (d *Dispatcher) attach(kind MessageKind, bind func() error) {
	if d.State() == StateRunning {
		d.post(ProgramError{Text: fmt.Sprintf("cannot apply %s while running", kind)})
		return
	}
	d.state.CompareAndSwap(int32(StateIdle), int32(StateInitializing))

	d.mu.Lock()
	err := bind()
	ready := d.regs != nil && !d.serial.IsZero()
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("Failed to attach shared region", utils.String("kind", kind.String()), utils.Err(err))
		d.post(ProgramError{Text: "failed to attach shared region", Detail: err.Error()})
		return
	}
	d.logger.Debug("Attached shared region", utils.String("kind", kind.String()))

	if ready && d.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
		d.announce.Do(func() {
			d.logger.Info("Worker ready")
			d.post(WorkerReady{})
		})
	}
}

func (d *Dispatcher) start(m Start) {
	reject := func(text string) {
		d.logger.Warn("Rejected start", utils.Uint32("episode", m.Episode), utils.String("reason", text))
		d.post(ProgramError{Episode: m.Episode, Text: text})
		d.post(Stopped{Episode: m.Episode})
	}

	switch d.State() {
	case StateRunning:
		reject("already running")
		return
	case StateIdle, StateInitializing:
		reject("execution thread is not ready")
		return
	}
	if m.Episode <= d.stopEpisode.Load() {
		// stopped before it ever started
		d.post(Stopped{Episode: m.Episode})
		return
	}

	from := d.State()
	if !d.state.CompareAndSwap(int32(from), int32(StateRunning)) {
		reject("already running")
		return
	}
	d.episodes <- episode{id: m.Episode, language: m.Language, code: m.Code}
}

func (d *Dispatcher) executor(ctx context.Context) {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			select {
			case ep := <-d.episodes:
				d.post(Stopped{Episode: ep.id})
			default:
			}
			return
		case ep := <-d.episodes:
			d.runEpisode(ctx, ep)
		}
	}
}

func (d *Dispatcher) runEpisode(parent context.Context, ep episode) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	logger := d.logger.With(utils.Uint32("episode", ep.id), utils.String("language", ep.language.String()))
	latch := NewStopLatch(func() { d.post(Stopped{Episode: ep.id}) })

	d.mu.Lock()
	d.current = &ep
	d.cancel = cancel
	regs, pair, console := d.regs, d.serial, d.console
	d.mu.Unlock()

	// A stop can land between accepting the start and publishing cancel.
	if ep.id <= d.stopEpisode.Load() {
		cancel()
	}

	hw := runtime.NewHardware(ctx, runtime.HardwareConfig{Registers: regs, Serial: pair, Clock: d.clock})
	env := &runtime.Env{
		Episode:  ep.id,
		Language: ep.language,
		Code:     ep.code,
		Hardware: hw,
		Logger:   logger,
		Stdout:   d.output(ctx, console, ep.id),
		Stderr:   d.output(ctx, console, ep.id),
		OnStart: func() {
			logger.Debug("Program started")
			d.post(StartAck{Episode: ep.id})
		},
	}

	defer func() {
		if r := recover(); r != nil {
			err := utils.PanicError(r)
			logger.Error("Runtime panic", utils.Err(err))
			d.post(ProgramError{
				Episode: ep.id,
				Text:    "internal error: " + err.Error(),
				Detail:  string(debug.Stack()),
			})
		}
		hw.Reset()
		d.mu.Lock()
		d.current = nil
		d.cancel = nil
		d.mu.Unlock()
		d.state.Store(int32(StateStopped))
		latch.Fire()
		logger.Info("Episode finished")
	}()

	logger.Info("Episode starting", utils.Int("code_bytes", len(ep.code)))

	rt, err := d.runtimes.Lookup(ep.language)
	if err != nil {
		d.post(ProgramError{Episode: ep.id, Text: err.Error()})
		return
	}
	if ctx.Err() != nil {
		return
	}

	err = rt.Run(ctx, env)
	if runtime.IsNormalExit(err) {
		return
	}
	d.post(faultMessage(ep.id, err))
}

// output returns the guest print sink for one episode. With a console
// attached text is streamed through shared memory; otherwise it is posted.
func (d *Dispatcher) output(ctx context.Context, console *foundation.CodepointChannel, ep uint32) func(string) {
	if console == nil {
		return func(s string) {
			if s != "" {
				d.post(ProgramOutput{Episode: ep, Text: s})
			}
		}
	}
	return func(s string) {
		// cancelled mid-push drops the tail of the text
		_ = console.PushStringBlocking(ctx, s)
	}
}

func (d *Dispatcher) post(m Message) {
	if err := d.link.Events.Post(m); err != nil {
		d.logger.Debug("Dropped event", utils.String("kind", m.Kind().String()), utils.Err(err))
	}
}

func faultMessage(ep uint32, err error) ProgramError {
	var fault *runtime.Fault
	if errors.As(err, &fault) {
		return ProgramError{Episode: ep, Text: fault.Error(), Detail: fault.Detail}
	}
	return ProgramError{Episode: ep, Text: err.Error()}
}
