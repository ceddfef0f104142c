package python

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/utils"
)

type fakeHost struct {
	calls []string
	run   func(ctx context.Context, code string, b Bindings) error
}

func (h *fakeHost) Execute(ctx context.Context, code string, b Bindings) error {
	h.calls = append(h.calls, "execute")
	if h.run != nil {
		return h.run(ctx, code, b)
	}
	return nil
}

type fakeFetcher struct {
	host    *fakeHost
	fetched []string
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context, packages []string) error {
	f.host.calls = append(f.host.calls, "fetch")
	f.fetched = append(f.fetched, packages...)
	return f.err
}

func newRuntime(t *testing.T, host *fakeHost, fetcher AssetFetcher) *Runtime {
	t.Helper()
	rt, err := New(Config{Host: host, Fetcher: fetcher, Packages: []string{"numpy", "kipr"}, Logger: utils.NopLogger()})
	require.NoError(t, err)
	return rt
}

func TestStartFiresAfterFetchBeforeExecute(t *testing.T) {
	host := &fakeHost{}
	fetcher := &fakeFetcher{host: host}
	rt := newRuntime(t, host, fetcher)

	env := &runtime.Env{
		Code:    []byte("import numpy as np\nfrom kipr import motor\nimport os, sys\nprint(np.pi)\n"),
		OnStart: func() { host.calls = append(host.calls, "start") },
	}
	require.NoError(t, rt.Run(context.Background(), env))

	assert.Equal(t, []string{"fetch", "start", "execute"}, host.calls)
	assert.Equal(t, []string{"kipr", "numpy"}, fetcher.fetched)
}

func TestPrintSinksAreBound(t *testing.T) {
	host := &fakeHost{run: func(ctx context.Context, code string, b Bindings) error {
		b.Print("out\n")
		b.PrintErr("err\n")
		return nil
	}}
	rt := newRuntime(t, host, nil)

	var out []string
	env := &runtime.Env{
		Code:   []byte("print('out')"),
		Stdout: func(s string) { out = append(out, "1:"+s) },
		Stderr: func(s string) { out = append(out, "2:"+s) },
	}
	require.NoError(t, rt.Run(context.Background(), env))
	assert.Equal(t, []string{"1:out\n", "2:err\n"}, out)
}

func TestExceptionsBecomeFaults(t *testing.T) {
	host := &fakeHost{run: func(context.Context, string, Bindings) error {
		return &InterpreterError{Type: "ZeroDivisionError", Message: "division by zero", Traceback: "Traceback:\n  line 1\n"}
	}}
	err := newRuntime(t, host, nil).Run(context.Background(), &runtime.Env{Code: []byte("1/0")})

	var fault *runtime.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "ZeroDivisionError: division by zero", fault.Text)
	assert.Contains(t, fault.Detail, "line 1")
}

func TestSystemExit(t *testing.T) {
	for msg, code := range map[string]int32{"": 0, "None": 0, "4": 4, "bye": 1} {
		host := &fakeHost{run: func(context.Context, string, Bindings) error {
			return &InterpreterError{Type: "SystemExit", Message: msg}
		}}
		err := newRuntime(t, host, nil).Run(context.Background(), &runtime.Env{})
		var exit *runtime.ExitError
		require.ErrorAs(t, err, &exit, msg)
		assert.Equal(t, code, exit.Code, msg)
	}
}

func TestInterruptAfterStopIsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	host := &fakeHost{run: func(ctx context.Context, code string, b Bindings) error {
		cancel()
		return &InterpreterError{Type: "KeyboardInterrupt"}
	}}
	err := newRuntime(t, host, nil).Run(ctx, &runtime.Env{})
	assert.ErrorIs(t, err, runtime.ErrStopped)
}

func TestStopDuringFetchSkipsStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	host := &fakeHost{}
	fetcher := &fakeFetcher{host: host, err: context.Canceled}
	cancel()

	started := false
	err := newRuntime(t, host, fetcher).Run(ctx, &runtime.Env{
		Code:    []byte("import numpy"),
		OnStart: func() { started = true },
	})
	assert.ErrorIs(t, err, runtime.ErrStopped)
	assert.False(t, started)
	assert.Equal(t, []string{"fetch"}, host.calls)
}

func TestFetchFailureIsAFault(t *testing.T) {
	host := &fakeHost{}
	fetcher := &fakeFetcher{host: host, err: errors.New("404")}
	err := newRuntime(t, host, fetcher).Run(context.Background(), &runtime.Env{Code: []byte("import kipr")})

	var fault *runtime.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "could not load packages", fault.Text)
}

func TestImportedModules(t *testing.T) {
	assert.Equal(t, []string{"os", "numpy"}, importedModules("import os.path, numpy as np  # comment"))
	assert.Equal(t, []string{"kipr"}, importedModules("from kipr.motors import motor"))
	assert.Nil(t, importedModules("from . import local"))
	assert.Nil(t, importedModules("# import numpy"))
	assert.Nil(t, importedModules("x = 1"))
}

func TestNewNeedsHost(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
