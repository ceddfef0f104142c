package blocks_test

import (
	"context"
	goruntime "runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/runtime/blocks"
)

type fakePrimitives struct {
	mu       sync.Mutex
	calls    []string
	motors   map[int]int
	servos   map[int]int
	analog   map[int]int
	digital  map[int]bool
	position map[int]int
	slept    int
	now      float64
}

func newFake() *fakePrimitives {
	return &fakePrimitives{
		motors:   map[int]int{},
		servos:   map[int]int{},
		analog:   map[int]int{},
		digital:  map[int]bool{},
		position: map[int]int{},
	}
}

func (f *fakePrimitives) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakePrimitives) Motor(port, percent int) error {
	f.record("motor")
	f.motors[port] = percent
	return nil
}

func (f *fakePrimitives) MoveAtVelocity(port, velocity int) error {
	f.record("mav")
	f.motors[port] = velocity
	return nil
}

func (f *fakePrimitives) Off(port int) error {
	f.record("off")
	f.motors[port] = 0
	return nil
}

func (f *fakePrimitives) AllOff() error {
	f.record("ao")
	for port := range f.motors {
		f.motors[port] = 0
	}
	return nil
}

func (f *fakePrimitives) MotorPosition(port int) (int, error) { return f.position[port], nil }
func (f *fakePrimitives) ClearMotorPosition(port int) error   { f.position[port] = 0; return nil }
func (f *fakePrimitives) EnableServos() error                 { f.record("enable_servos"); return nil }
func (f *fakePrimitives) DisableServos() error                { return nil }

func (f *fakePrimitives) SetServoPosition(port, position int) error {
	f.record("servo")
	f.servos[port] = position
	return nil
}

func (f *fakePrimitives) ServoPosition(port int) (int, error) { return f.servos[port], nil }
func (f *fakePrimitives) Analog(port int) (int, error)        { return f.analog[port], nil }
func (f *fakePrimitives) Digital(port int) (bool, error)      { return f.digital[port], nil }
func (f *fakePrimitives) SetDigitalOutput(int, bool) error    { return nil }

func (f *fakePrimitives) Sleep(ms int) error {
	f.record("sleep")
	f.slept += ms
	f.now += float64(ms) / 1000
	return nil
}

func (f *fakePrimitives) Seconds() float64 { return f.now }

func run(t *testing.T, doc string, prims runtime.Primitives) (*blocks.Interpreter, string, error) {
	t.Helper()
	program, err := blocks.Parse([]byte(doc))
	require.NoError(t, err)

	var out strings.Builder
	in := blocks.NewInterpreter(prims, func(s string) { out.WriteString(s) }, nil)
	err = in.Run(context.Background(), program)
	return in, out.String(), err
}

// ========== SUCCESS CASES ==========

func TestParse_YAMLAndJSON(t *testing.T) {
	yamlDoc := `
name: drive
program:
  - block: motor
    port: 0
    power: {number: 50}
  - block: wait
    seconds: {number: 1.5}
  - block: off
`
	p, err := blocks.Parse([]byte(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "drive", p.Name)
	require.Len(t, p.Blocks, 3)
	assert.Equal(t, blocks.KindMotor, p.Blocks[0].Kind)

	jsonDoc := `{"program": [{"block": "print", "text": "hi"}]}`
	p, err = blocks.Parse([]byte(jsonDoc))
	require.NoError(t, err)
	require.Len(t, p.Blocks, 1)
	assert.Equal(t, "hi", p.Blocks[0].Text)
}

func TestInterpreter_MotorsServosAndWait(t *testing.T) {
	fake := newFake()
	_, _, err := run(t, `
program:
  - block: motor
    port: 1
    power: {number: 75}
  - block: motor
    port: 2
    velocity: {op: "*", left: {number: 100}, right: {number: 3}}
  - block: servo
    port: 0
    position: {number: 1024}
  - block: wait
    seconds: {number: 0.25}
  - block: off
    port: 1
`, fake)
	require.NoError(t, err)

	assert.Equal(t, []string{"motor", "mav", "enable_servos", "servo", "sleep", "off"}, fake.calls)
	assert.Equal(t, 0, fake.motors[1])
	assert.Equal(t, 300, fake.motors[2])
	assert.Equal(t, 1024, fake.servos[0])
	assert.Equal(t, 250, fake.slept)
}

func TestInterpreter_VariablesLoopsAndConditions(t *testing.T) {
	in, out, err := run(t, `
program:
  - block: set
    var: total
    value: {number: 0}
  - block: repeat
    times: {number: 5}
    do:
      - block: change
        var: total
        by: {number: 2}
  - block: if
    condition: {op: ">=", left: {var: total}, right: {number: 10}}
    then:
      - block: print
        text: "total="
        value: {var: total}
    else:
      - block: print
        text: "short"
  - block: while
    condition: {op: ">", left: {var: total}, right: {number: 7}}
    do:
      - block: change
        var: total
        by: {number: -1}
`, newFake())
	require.NoError(t, err)
	assert.Equal(t, "total=10\n", out)

	total, ok := in.Var("total")
	require.True(t, ok)
	assert.Equal(t, 7.0, total)
}

func TestInterpreter_SensorExpressions(t *testing.T) {
	fake := newFake()
	fake.analog[3] = 812
	fake.digital[9] = true
	fake.position[0] = -40

	in, _, err := run(t, `
program:
  - block: set
    var: a
    value: {analog: 3}
  - block: set
    var: d
    value: {digital: 9}
  - block: set
    var: p
    value: {motor_position: 0}
  - block: wait
    seconds: {number: 2}
  - block: set
    var: t
    value: {seconds: true}
  - block: set
    var: both
    value: {op: and, left: {var: d}, right: {op: "<", left: {var: p}, right: {number: 0}}}
  - block: set
    var: neither
    value: {op: not, left: {var: d}}
  - block: set
    var: rem
    value: {op: "%", left: {number: 7}, right: {number: 3}}
`, fake)
	require.NoError(t, err)

	expect := map[string]float64{"a": 812, "d": 1, "p": -40, "t": 2, "both": 1, "neither": 0, "rem": 1}
	for name, want := range expect {
		got, ok := in.Var(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "42", blocks.FormatNumber(42))
	assert.Equal(t, "-3", blocks.FormatNumber(-3))
	assert.Equal(t, "0.5", blocks.FormatNumber(0.5))
	assert.Equal(t, "1e+20", blocks.FormatNumber(1e20))
}

type showRecorder struct {
	mu     sync.Mutex
	values map[string][]float64
}

func newShowRecorder() *showRecorder {
	return &showRecorder{values: make(map[string][]float64)}
}

func (r *showRecorder) emit(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[name] = append(r.values[name], v)
}

func (r *showRecorder) get(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values[name]...)
}

func TestWatch_ThrottlesAndFlushesLatest(t *testing.T) {
	rec := newShowRecorder()
	watch, err := blocks.NewWatch(10, rec.emit)
	require.NoError(t, err)
	defer watch.Close()

	for i := 1; i <= 1000; i++ {
		watch.Update("x", float64(i))
	}
	emitted := rec.get("x")
	assert.Less(t, len(emitted), 1000)
	require.NotEmpty(t, emitted)
	assert.Equal(t, 1.0, emitted[0])

	watch.Flush()
	emitted = rec.get("x")
	assert.Equal(t, 1000.0, emitted[len(emitted)-1])

	n := len(emitted)
	watch.Flush()
	assert.Len(t, rec.get("x"), n, "flush with nothing pending emits nothing")
}

func TestWatch_EmitsHeldValueWhileIdle(t *testing.T) {
	rec := newShowRecorder()
	watch, err := blocks.NewWatch(10, rec.emit)
	require.NoError(t, err)
	defer watch.Close()

	watch.Update("x", 1)
	watch.Update("x", 2)
	assert.Equal(t, []float64{1}, rec.get("x"))

	assert.Eventually(t, func() bool {
		got := rec.get("x")
		return len(got) == 2 && got[1] == 2
	}, 500*time.Millisecond, 5*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, []float64{1, 2}, rec.get("x"), "held value is emitted once")
}

func TestWatch_CloseFlushesAndDropsLaterUpdates(t *testing.T) {
	rec := newShowRecorder()
	watch, err := blocks.NewWatch(1, rec.emit)
	require.NoError(t, err)

	watch.Update("x", 1)
	watch.Update("x", 2)
	watch.Close()
	assert.Equal(t, []float64{1, 2}, rec.get("x"))

	watch.Update("x", 3)
	watch.Close()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []float64{1, 2}, rec.get("x"))
}

func TestWatch_CloseReleasesGoroutines(t *testing.T) {
	before := goruntime.NumGoroutine()
	for i := 0; i < 50; i++ {
		watch, err := blocks.NewWatch(10, func(string, float64) {})
		require.NoError(t, err)
		watch.Update("x", 1)
		watch.Update("x", 2)
		watch.Close()
	}
	assert.Eventually(t, func() bool {
		return goruntime.NumGoroutine() <= before+2
	}, time.Second, 10*time.Millisecond)
}

func TestWatch_VariablesAreIndependent(t *testing.T) {
	rec := newShowRecorder()
	watch, err := blocks.NewWatch(10, rec.emit)
	require.NoError(t, err)
	defer watch.Close()

	watch.Update("a", 1)
	watch.Update("b", 1)
	assert.Len(t, rec.get("a"), 1)
	assert.Len(t, rec.get("b"), 1)
}

func TestRuntime_RunsWithPrimitivesAndShows(t *testing.T) {
	fake := newFake()
	var (
		mu    sync.Mutex
		shows []string
	)
	rt := blocks.New(blocks.Config{
		Primitives: func(*runtime.Env) (runtime.Primitives, error) { return fake, nil },
		OnShow: func(ep uint32, name string, v float64) {
			assert.Equal(t, uint32(4), ep)
			mu.Lock()
			shows = append(shows, name+"="+blocks.FormatNumber(v))
			mu.Unlock()
		},
	})

	var out strings.Builder
	started := false
	env := &runtime.Env{
		Episode:  4,
		Language: runtime.LanguageGraphical,
		Code: []byte(`
program:
  - block: set
    var: n
    value: {number: 0}
  - block: repeat
    times: {number: 50}
    do:
      - block: change
        var: n
        by: {number: 1}
      - block: show
        var: n
  - block: print
    text: done
`),
		Stdout:  func(s string) { out.WriteString(s) },
		OnStart: func() { started = true },
	}

	require.NoError(t, rt.Run(context.Background(), env))
	assert.True(t, started)
	assert.Equal(t, "done\n", out.String())
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, shows)
	assert.Less(t, len(shows), 50)
	assert.Equal(t, "n=50", shows[len(shows)-1])
}

func TestRuntime_DefaultShowPrints(t *testing.T) {
	var out strings.Builder
	rt := blocks.New(blocks.Config{
		Primitives: func(*runtime.Env) (runtime.Primitives, error) { return newFake(), nil },
	})
	env := &runtime.Env{
		Code:   []byte("program:\n  - {block: set, var: x, value: {number: 2.5}}\n  - {block: show, var: x}\n"),
		Stdout: func(s string) { out.WriteString(s) },
	}
	require.NoError(t, rt.Run(context.Background(), env))
	assert.Equal(t, "[show] x = 2.5\n", out.String())
}

// ========== FAILURE CASES ==========

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"not yaml":          "program: [",
		"unknown block":     "program:\n  - block: fly\n",
		"motor no port":     "program:\n  - block: motor\n    power: {number: 1}\n",
		"motor both":        "program:\n  - block: motor\n    port: 0\n    power: {number: 1}\n    velocity: {number: 1}\n",
		"unknown operator":  "program:\n  - block: set\n    var: x\n    value: {op: '^', left: {number: 1}, right: {number: 2}}\n",
		"two forms":         "program:\n  - block: set\n    var: x\n    value: {number: 1, var: y}\n",
		"nested bad block":  "program:\n  - block: repeat\n    times: {number: 2}\n    do:\n      - block: jump\n",
		"missing condition": "program:\n  - block: while\n    do: []\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := blocks.Parse([]byte(doc))
			assert.ErrorIs(t, err, blocks.ErrInvalidProgram)
		})
	}
}

func TestParse_ErrorNamesNestedPath(t *testing.T) {
	_, err := blocks.Parse([]byte("program:\n  - block: repeat\n    times: {number: 2}\n    do:\n      - block: jump\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "program[0].do[0]")
}

func TestInterpreter_RuntimeErrors(t *testing.T) {
	_, _, err := run(t, "program:\n  - {block: print, value: {var: ghost}}\n", newFake())
	assert.ErrorIs(t, err, blocks.ErrUndefinedVariable)

	var be *blocks.BlockError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "program[0]", be.Path)
	assert.Equal(t, blocks.KindPrint, be.Kind)

	_, _, err = run(t, "program:\n  - {block: set, var: x, value: {op: '/', left: {number: 1}, right: {number: 0}}}\n", newFake())
	assert.ErrorIs(t, err, blocks.ErrDivisionByZero)
}

func TestInterpreter_StopsInfiniteLoop(t *testing.T) {
	program, err := blocks.Parse([]byte(`
program:
  - block: while
    condition: {number: 1}
    do:
      - {block: change, var: spins, by: {number: 1}}
`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = blocks.NewInterpreter(newFake(), func(string) {}, nil).Run(ctx, program)
	assert.ErrorIs(t, err, runtime.ErrStopped)
}

func TestRuntime_FaultsAndStop(t *testing.T) {
	rt := blocks.New(blocks.Config{
		Primitives: func(*runtime.Env) (runtime.Primitives, error) { return newFake(), nil },
	})

	err := rt.Run(context.Background(), &runtime.Env{Code: []byte("program:\n  - block: fly\n")})
	var fault *runtime.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "SyntaxError", fault.Text)

	err = rt.Run(context.Background(), &runtime.Env{Code: []byte("program:\n  - {block: show, var: nope}\n")})
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "BlockError", fault.Text)
	assert.False(t, runtime.IsNormalExit(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = rt.Run(ctx, &runtime.Env{Code: []byte("program:\n  - {block: off}\n")})
	assert.ErrorIs(t, err, runtime.ErrStopped)
	assert.True(t, runtime.IsNormalExit(err))
}

func TestRuntime_LibraryLoadFailure(t *testing.T) {
	rt := blocks.New(blocks.Config{
		Primitives: func(*runtime.Env) (runtime.Primitives, error) {
			return nil, assert.AnError
		},
	})
	err := rt.Run(context.Background(), &runtime.Env{Code: []byte("program: []\n")})
	var fault *runtime.Fault
	require.ErrorAs(t, err, &fault)
	assert.ErrorIs(t, err, assert.AnError)
}
