package wasm

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"strings"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/utils"
)

var (
	// ErrInvalidModule is returned when the module bytes do not compile.
	ErrInvalidModule = errors.New("invalid wasm module")
	// ErrNoEntryPoint is returned when the module exports neither _start nor main.
	ErrNoEntryPoint = errors.New("module exports no entry point")
)

// EntryPoints are tried in order.
var EntryPoints = []string{"_start", "main"}

// Config configures the compiled-program runtime.
type Config struct {
	Logger *utils.Logger
}

// Runtime runs compiled C and C++ programs. The module's env imports are
// bound to the episode's Hardware and console sinks.
type Runtime struct {
	engine *wasmer.Engine
	logger *utils.Logger
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a runtime with its own engine. Stores are per episode.
func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("wasm")
	}
	return &Runtime{
		engine: wasmer.NewEngine(),
		logger: cfg.Logger,
	}
}

// Run instantiates env.Code and calls its entry point on the calling
// goroutine.
func (r *Runtime) Run(ctx context.Context, env *runtime.Env) error {
	in, err := r.instantiate(env)
	if err != nil {
		return err
	}
	defer in.keepAlive()

	entry, name, err := entryPoint(in.inst)
	if err != nil {
		return err
	}
	r.logger.Debug("Calling entry point", utils.String("export", name), utils.Uint32("episode", env.Episode))

	args := make([]interface{}, entry.ParameterArity())
	for i := range args {
		args[i] = int32(0)
	}

	env.Started()
	result, err := entry.Call(args...)
	return outcome(in.host, result, err)
}

// instance owns everything the guest touches while it runs. The store and
// instance are freed by finalizers, so they must stay reachable until the
// last call into the guest returns.
type instance struct {
	store  *wasmer.Store
	module *wasmer.Module
	inst   *wasmer.Instance
	host   *host
}

func (in *instance) keepAlive() {
	goruntime.KeepAlive(in.inst)
	goruntime.KeepAlive(in.module)
	goruntime.KeepAlive(in.store)
	goruntime.KeepAlive(in.host.memory)
}

func (r *Runtime) instantiate(env *runtime.Env) (*instance, error) {
	store := wasmer.NewStore(r.engine)
	module, err := wasmer.NewModule(store, env.Code)
	if err != nil {
		return nil, &runtime.Fault{Text: "could not load program", Err: fmt.Errorf("%w: %v", ErrInvalidModule, err)}
	}

	h := newHost(env)
	inst, err := wasmer.NewInstance(module, h.imports(store))
	if err != nil {
		return nil, &runtime.Fault{Text: "could not link program", Detail: missingImports(module), Err: err}
	}
	if mem, err := inst.Exports.GetMemory("memory"); err == nil {
		h.memory = mem
	}
	return &instance{store: store, module: module, inst: inst, host: h}, nil
}

func entryPoint(inst *wasmer.Instance) (*wasmer.Function, string, error) {
	for _, name := range EntryPoints {
		if fn, err := inst.Exports.GetRawFunction(name); err == nil {
			return fn, name, nil
		}
	}
	return nil, "", &runtime.Fault{Text: "could not start program", Err: ErrNoEntryPoint}
}

// outcome maps the entry point's return to the episode result. Host calls
// that exit or observe a stop surface as traps, so the host flags win.
func outcome(h *host, result interface{}, err error) error {
	if h.exitCode != nil {
		return &runtime.ExitError{Code: *h.exitCode}
	}
	if h.stopped {
		return runtime.ErrStopped
	}
	if err != nil {
		return trapFault(err)
	}
	if code, ok := result.(int32); ok && code != 0 {
		return &runtime.ExitError{Code: code}
	}
	return nil
}

func trapFault(err error) error {
	var trap *wasmer.TrapError
	if !errors.As(err, &trap) {
		return &runtime.Fault{Text: "program crashed", Err: err}
	}
	var detail strings.Builder
	for _, frame := range trap.Trace() {
		fmt.Fprintf(&detail, "  at func[%d]+0x%x\n", frame.FunctionIndex(), frame.FunctionOffset())
	}
	return &runtime.Fault{Text: "RuntimeError: " + trap.Error(), Detail: detail.String()}
}

func missingImports(module *wasmer.Module) string {
	var missing []string
	for _, imp := range module.Imports() {
		if imp.Module() != Namespace || !knownImport(imp.Name()) {
			missing = append(missing, imp.Module()+"."+imp.Name())
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return "unresolved imports: " + strings.Join(missing, ", ")
}

var importNames = map[string]bool{}

func init() {
	for _, name := range []string{
		"motor", "mav", "off", "ao", "get_motor_position_counter", "clear_motor_position_counter",
		"enable_servos", "disable_servos", "set_servo_position", "get_servo_position",
		"analog", "digital", "set_digital_output", "msleep", "seconds",
		"create_write_byte", "create_read_byte", "console_write", "console_error", "exit",
	} {
		importNames[name] = true
	}
}

func knownImport(name string) bool { return importNames[name] }
