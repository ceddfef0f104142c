// Package python runs Python programs through a hosted interpreter. The
// interpreter itself lives outside this module; this package fetches its
// assets, fires the start hook and translates its failures.
package python

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/utils"
)

// Bindings is what the interpreter gets to call back into.
type Bindings struct {
	Hardware *runtime.Hardware
	Print    func(string)
	PrintErr func(string)
}

// InterpreterHost executes source text. It must return promptly with an
// error once ctx is done or a Hardware call reports runtime.ErrStopped.
type InterpreterHost interface {
	Execute(ctx context.Context, code string, b Bindings) error
}

// AssetFetcher loads interpreter packages before the program starts.
type AssetFetcher interface {
	Fetch(ctx context.Context, packages []string) error
}

// InterpreterError is an uncaught guest exception.
type InterpreterError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *InterpreterError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}

// Config configures the Python runtime.
type Config struct {
	Host    InterpreterHost
	Fetcher AssetFetcher
	// Packages lists the importable packages the fetcher can provide. Imports
	// of anything else are left to the interpreter.
	Packages []string
	Logger   *utils.Logger
}

// Runtime is the Python language runtime.
type Runtime struct {
	host     InterpreterHost
	fetcher  AssetFetcher
	packages map[string]bool
	logger   *utils.Logger
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a Python runtime.
func New(cfg Config) (*Runtime, error) {
	if cfg.Host == nil {
		return nil, errors.New("python runtime needs an interpreter host")
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("python")
	}
	r := &Runtime{
		host:     cfg.Host,
		fetcher:  cfg.Fetcher,
		packages: make(map[string]bool),
		logger:   cfg.Logger,
	}
	for _, p := range cfg.Packages {
		r.packages[p] = true
	}
	return r, nil
}

// Run fetches what the program imports, signals start and executes it.
func (r *Runtime) Run(ctx context.Context, env *runtime.Env) error {
	code := string(env.Code)

	if needed := r.RequiredPackages(code); len(needed) > 0 && r.fetcher != nil {
		r.logger.Debug("Fetching packages", utils.String("packages", strings.Join(needed, ",")))
		if err := r.fetcher.Fetch(ctx, needed); err != nil {
			if ctx.Err() != nil {
				return runtime.ErrStopped
			}
			return &runtime.Fault{Text: "could not load packages", Err: err}
		}
	}
	if ctx.Err() != nil {
		return runtime.ErrStopped
	}

	env.Started()
	err := r.host.Execute(ctx, code, Bindings{
		Hardware: env.Hardware,
		Print:    env.Print,
		PrintErr: env.PrintErr,
	})
	return r.translate(ctx, err)
}

func (r *Runtime) translate(ctx context.Context, err error) error {
	var exit *runtime.ExitError
	if err == nil || runtime.IsNormalExit(err) || errors.As(err, &exit) {
		return err
	}
	var exc *InterpreterError
	if errors.As(err, &exc) {
		switch {
		case exc.Type == "SystemExit":
			return exitStatus(exc.Message)
		case exc.Type == "KeyboardInterrupt" && ctx.Err() != nil:
			return runtime.ErrStopped
		}
		return &runtime.Fault{Text: exc.Error(), Detail: exc.Traceback}
	}
	if ctx.Err() != nil {
		return runtime.ErrStopped
	}
	return &runtime.Fault{Text: "interpreter failure", Err: err}
}

func exitStatus(msg string) error {
	var code int32
	if msg != "" && msg != "None" {
		if _, err := fmt.Sscanf(msg, "%d", &code); err != nil {
			code = 1
		}
	}
	return &runtime.ExitError{Code: code}
}

// RequiredPackages lists the top-level modules imported by code that the
// fetcher knows about, sorted.
func (r *Runtime) RequiredPackages(code string) []string {
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(code))
	for scanner.Scan() {
		for _, mod := range importedModules(scanner.Text()) {
			if r.packages[mod] {
				seen[mod] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for mod := range seen {
		out = append(out, mod)
	}
	sort.Strings(out)
	return out
}

// importedModules returns the top-level names imported on one line.
func importedModules(line string) []string {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	switch {
	case strings.HasPrefix(line, "import "):
		var mods []string
		for _, part := range strings.Split(strings.TrimPrefix(line, "import "), ",") {
			fields := strings.Fields(part)
			if len(fields) > 0 {
				mods = append(mods, topLevel(fields[0]))
			}
		}
		return mods
	case strings.HasPrefix(line, "from "):
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[2] == "import" && !strings.HasPrefix(fields[1], ".") {
			return []string{topLevel(fields[1])}
		}
	}
	return nil
}

func topLevel(mod string) string {
	if i := strings.IndexByte(mod, '.'); i >= 0 {
		return mod[:i]
	}
	return mod
}
