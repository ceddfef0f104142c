package blocks

import (
	"context"
	"errors"
	"sync"

	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/utils"
)

// PrimitivesFunc supplies the primitives for one episode, typically the
// exports of a compiled library module.
type PrimitivesFunc func(env *runtime.Env) (runtime.Primitives, error)

// Config configures the graphical runtime.
type Config struct {
	Logger *utils.Logger
	// WatchRate caps show updates per variable per second.
	WatchRate int
	// Primitives overrides env.Hardware when set.
	Primitives PrimitivesFunc
	// OnShow receives throttled show updates. Nil prints them to the console.
	OnShow func(episode uint32, name string, value float64)
}

// Runtime runs block programs for runtime.LanguageGraphical.
type Runtime struct {
	logger     *utils.Logger
	watchRate  int
	primitives PrimitivesFunc
	onShow     func(uint32, string, float64)
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a graphical runtime.
func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("blocks")
	}
	if cfg.WatchRate <= 0 {
		cfg.WatchRate = DefaultWatchRate
	}
	return &Runtime{
		logger:     cfg.Logger,
		watchRate:  cfg.WatchRate,
		primitives: cfg.Primitives,
		onShow:     cfg.OnShow,
	}
}

// Run decodes env.Code and interprets it. Shown values still pending when
// the program ends are flushed before Run returns.
func (r *Runtime) Run(ctx context.Context, env *runtime.Env) error {
	program, err := Parse(env.Code)
	if err != nil {
		return &runtime.Fault{Text: "SyntaxError", Err: err}
	}

	var prims runtime.Primitives = env.Hardware
	if r.primitives != nil {
		p, err := r.primitives(env)
		if err != nil {
			return &runtime.Fault{Text: "failed to load block library", Err: err}
		}
		prims = p
	}

	// Held-back shows fire from timer goroutines.
	var printMu sync.Mutex
	printLine := func(s string) {
		printMu.Lock()
		defer printMu.Unlock()
		env.Print(s)
	}
	show := func(name string, value float64) {
		printLine("[show] " + name + " = " + FormatNumber(value) + "\n")
	}
	if r.onShow != nil {
		show = func(name string, value float64) { r.onShow(env.Episode, name, value) }
	}
	watch, err := NewWatch(r.watchRate, show)
	if err != nil {
		return utils.WrapError(err, "failed to create show watch")
	}
	defer watch.Close()

	r.logger.Debug("Running block program",
		utils.Uint32("episode", env.Episode),
		utils.String("name", program.Name),
		utils.Int("blocks", len(program.Blocks)))

	env.Started()
	err = NewInterpreter(prims, printLine, watch.Update).Run(ctx, program)
	if err == nil || errors.Is(err, runtime.ErrStopped) {
		return err
	}
	return &runtime.Fault{Text: "BlockError", Err: err}
}
