package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nmxmxh/robolab/kernel/utils"
)

var (
	// ErrStopped is returned by host calls once the episode has been asked to stop.
	ErrStopped = errors.New("program stopped")
	// ErrUnsupportedLanguage is returned when no runtime serves a language.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrBadPort is returned for a port index outside the controller's range.
	ErrBadPort = errors.New("port out of range")
)

// ExitError carries the status passed to exit().
type ExitError struct {
	Code int32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("program exited with status %d", e.Code)
}

// Fault is a guest failure with a one-line message and optional detail
// (trace, interpreter traceback, recovered panic stack).
type Fault struct {
	Text   string
	Detail string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return f.Text + ": " + f.Err.Error()
	}
	return f.Text
}

func (f *Fault) Unwrap() error { return f.Err }

// IsNormalExit reports whether err ends an episode without a fault: a plain
// return, exit(0), or a requested stop.
func IsNormalExit(err error) bool {
	if err == nil || errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
		return true
	}
	var exit *ExitError
	return errors.As(err, &exit) && exit.Code == 0
}

// Env is what one episode hands to a runtime.
type Env struct {
	Episode  uint32
	Language Language
	Code     []byte
	Hardware *Hardware
	Logger   *utils.Logger

	// Stdout and Stderr receive guest text. Both are safe to call from the
	// execution thread only.
	Stdout func(string)
	Stderr func(string)
	// OnStart fires once, right before the first guest statement.
	OnStart func()

	startOnce sync.Once
}

// Print writes guest stdout.
func (e *Env) Print(s string) {
	if e.Stdout != nil {
		e.Stdout(s)
	}
}

// PrintErr writes guest stderr.
func (e *Env) PrintErr(s string) {
	if e.Stderr != nil {
		e.Stderr(s)
	} else {
		e.Print(s)
	}
}

// Started fires OnStart at most once.
func (e *Env) Started() {
	e.startOnce.Do(func() {
		if e.OnStart != nil {
			e.OnStart()
		}
	})
}

// Runtime executes one program to completion on the calling goroutine.
// Run returns nil or an error accepted by IsNormalExit for a clean end;
// anything else is reported as a program error.
type Runtime interface {
	Run(ctx context.Context, env *Env) error
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, env *Env) error

func (f RuntimeFunc) Run(ctx context.Context, env *Env) error { return f(ctx, env) }

// Runtimes maps languages to the runtime serving them.
type Runtimes struct {
	mu       sync.RWMutex
	runtimes map[Language]Runtime
}

// NewRuntimes creates an empty runtime table.
func NewRuntimes() *Runtimes {
	return &Runtimes{runtimes: make(map[Language]Runtime)}
}

// Register binds rt to each of langs.
func (r *Runtimes) Register(rt Runtime, langs ...Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range langs {
		r.runtimes[l] = rt
	}
}

// Lookup returns the runtime for lang.
func (r *Runtimes) Lookup(lang Language) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
	}
	return rt, nil
}
