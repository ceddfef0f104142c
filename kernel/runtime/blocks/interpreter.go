package blocks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/nmxmxh/robolab/kernel/runtime"
)

var (
	// ErrUndefinedVariable is returned when a block reads a variable never set.
	ErrUndefinedVariable = errors.New("undefined variable")
	// ErrDivisionByZero is returned for "/" and "%" with a zero right operand.
	ErrDivisionByZero = errors.New("division by zero")
)

// Interpreter executes one block program against a set of primitives.
// Variables are float64; comparisons and logic yield 0 or 1.
type Interpreter struct {
	prims runtime.Primitives
	print func(string)
	show  func(name string, value float64)
	vars  map[string]float64
}

// NewInterpreter creates an interpreter. show may be nil.
func NewInterpreter(prims runtime.Primitives, print func(string), show func(string, float64)) *Interpreter {
	if show == nil {
		show = func(string, float64) {}
	}
	return &Interpreter{
		prims: prims,
		print: print,
		show:  show,
		vars:  make(map[string]float64),
	}
}

// Var returns a variable's current value.
func (in *Interpreter) Var(name string) (float64, bool) {
	v, ok := in.vars[name]
	return v, ok
}

// Run executes p until it ends, fails, or ctx is done. Every block and
// loop iteration checks ctx, so loops without hardware calls still stop.
func (in *Interpreter) Run(ctx context.Context, p *Program) error {
	return in.exec(ctx, p.Blocks, "program")
}

func (in *Interpreter) exec(ctx context.Context, blocks []Block, path string) error {
	for i := range blocks {
		if ctx.Err() != nil {
			return runtime.ErrStopped
		}
		at := fmt.Sprintf("%s[%d]", path, i)
		if err := in.step(ctx, &blocks[i], at); err != nil {
			return err
		}
	}
	return nil
}

// BlockError locates a failure within the program.
type BlockError struct {
	Path string
	Kind string
	Err  error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

func (in *Interpreter) step(ctx context.Context, b *Block, path string) error {
	fail := func(err error) error {
		if err == nil || errors.Is(err, runtime.ErrStopped) {
			return err
		}
		var be *BlockError
		if errors.As(err, &be) {
			return err
		}
		return &BlockError{Path: path, Kind: b.Kind, Err: err}
	}

	switch b.Kind {
	case KindMotor:
		if b.Power != nil {
			v, err := in.eval(b.Power)
			if err != nil {
				return fail(err)
			}
			return fail(in.prims.Motor(*b.Port, round(v)))
		}
		v, err := in.eval(b.Velocity)
		if err != nil {
			return fail(err)
		}
		return fail(in.prims.MoveAtVelocity(*b.Port, round(v)))

	case KindServo:
		v, err := in.eval(b.Position)
		if err != nil {
			return fail(err)
		}
		if err := in.prims.EnableServos(); err != nil {
			return fail(err)
		}
		return fail(in.prims.SetServoPosition(*b.Port, round(v)))

	case KindOff:
		if b.Port == nil {
			return fail(in.prims.AllOff())
		}
		return fail(in.prims.Off(*b.Port))

	case KindWait:
		v, err := in.eval(b.Seconds)
		if err != nil {
			return fail(err)
		}
		if v <= 0 {
			return nil
		}
		return fail(in.prims.Sleep(round(v * 1000)))

	case KindRepeat:
		v, err := in.eval(b.Times)
		if err != nil {
			return fail(err)
		}
		for n := 0; n < round(v); n++ {
			if ctx.Err() != nil {
				return runtime.ErrStopped
			}
			if err := in.exec(ctx, b.Do, path+".do"); err != nil {
				return err
			}
		}
		return nil

	case KindWhile:
		for {
			if ctx.Err() != nil {
				return runtime.ErrStopped
			}
			v, err := in.eval(b.Condition)
			if err != nil {
				return fail(err)
			}
			if v == 0 {
				return nil
			}
			if err := in.exec(ctx, b.Do, path+".do"); err != nil {
				return err
			}
		}

	case KindIf:
		v, err := in.eval(b.Condition)
		if err != nil {
			return fail(err)
		}
		if v != 0 {
			return in.exec(ctx, b.Then, path+".then")
		}
		return in.exec(ctx, b.Else, path+".else")

	case KindSet:
		v, err := in.eval(b.Value)
		if err != nil {
			return fail(err)
		}
		in.vars[b.Var] = v
		return nil

	case KindChange:
		by, err := in.eval(b.By)
		if err != nil {
			return fail(err)
		}
		in.vars[b.Var] += by
		return nil

	case KindPrint:
		text := b.Text
		if b.Value != nil {
			v, err := in.eval(b.Value)
			if err != nil {
				return fail(err)
			}
			text += FormatNumber(v)
		}
		in.print(text + "\n")
		return nil

	case KindShow:
		v, ok := in.vars[b.Var]
		if !ok {
			return fail(fmt.Errorf("%w: %s", ErrUndefinedVariable, b.Var))
		}
		in.show(b.Var, v)
		return nil
	}
	return fail(fmt.Errorf("%w: unknown block", ErrInvalidProgram))
}

func (in *Interpreter) eval(e *Expr) (float64, error) {
	switch {
	case e.Number != nil:
		return *e.Number, nil
	case e.Var != "":
		v, ok := in.vars[e.Var]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUndefinedVariable, e.Var)
		}
		return v, nil
	case e.Analog != nil:
		v, err := in.prims.Analog(*e.Analog)
		return float64(v), err
	case e.Digital != nil:
		v, err := in.prims.Digital(*e.Digital)
		return truth(v), err
	case e.MotorPosition != nil:
		v, err := in.prims.MotorPosition(*e.MotorPosition)
		return float64(v), err
	case e.Seconds:
		return in.prims.Seconds(), nil
	case e.Op == "not":
		v, err := in.eval(e.Left)
		return truth(v == 0), err
	case e.Op != "":
		return in.binary(e)
	}
	return 0, fmt.Errorf("%w: empty expression", ErrInvalidProgram)
}

func (in *Interpreter) binary(e *Expr) (float64, error) {
	l, err := in.eval(e.Left)
	if err != nil {
		return 0, err
	}
	// and/or short-circuit
	switch e.Op {
	case "and":
		if l == 0 {
			return 0, nil
		}
	case "or":
		if l != 0 {
			return 1, nil
		}
	}
	r, err := in.eval(e.Right)
	if err != nil {
		return 0, err
	}

	switch e.Op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, ErrDivisionByZero
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return 0, ErrDivisionByZero
		}
		return math.Mod(l, r), nil
	case "<":
		return truth(l < r), nil
	case "<=":
		return truth(l <= r), nil
	case ">":
		return truth(l > r), nil
	case ">=":
		return truth(l >= r), nil
	case "==":
		return truth(l == r), nil
	case "!=":
		return truth(l != r), nil
	case "and", "or":
		return truth(r != 0), nil
	}
	return 0, fmt.Errorf("%w: unknown operator %q", ErrInvalidProgram, e.Op)
}

// FormatNumber renders a value the way print and show display it: integers
// without a fraction, everything else in the shortest exact form.
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func truth(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func round(v float64) int {
	return int(math.Round(v))
}
