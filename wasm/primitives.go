package wasm

import (
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/robolab/kernel/runtime"
)

// ExportedPrimitives drives hardware through a compiled library module's
// exports, the same entry points a compiled program would call. Primitives
// the library does not export go straight to the episode's Hardware.
type ExportedPrimitives struct {
	hw      *runtime.Hardware
	host    *host
	in      *instance
	exports map[string]*wasmer.Function
}

var _ runtime.Primitives = (*ExportedPrimitives)(nil)

// Primitives instantiates library for one episode. The library links
// against the same env imports as a program.
func (r *Runtime) Primitives(env *runtime.Env, library []byte) (*ExportedPrimitives, error) {
	lib := &runtime.Env{
		Episode:  env.Episode,
		Language: env.Language,
		Code:     library,
		Hardware: env.Hardware,
		Logger:   env.Logger,
		Stdout:   env.Stdout,
		Stderr:   env.Stderr,
	}
	in, err := r.instantiate(lib)
	if err != nil {
		return nil, err
	}

	p := &ExportedPrimitives{hw: env.Hardware, host: in.host, in: in, exports: make(map[string]*wasmer.Function)}
	for name := range importNames {
		if fn, err := in.inst.Exports.GetRawFunction(name); err == nil {
			p.exports[name] = fn
		}
	}
	return p, nil
}

// Exported reports whether the library provides name.
func (p *ExportedPrimitives) Exported(name string) bool {
	_, ok := p.exports[name]
	return ok
}

func (p *ExportedPrimitives) call(name string, args ...interface{}) (interface{}, bool, error) {
	fn, ok := p.exports[name]
	if !ok {
		return nil, false, nil
	}
	for i, a := range args {
		if v, isInt := a.(int); isInt {
			args[i] = int32(v)
		}
	}
	result, err := fn.Call(args...)
	p.in.keepAlive()
	if err != nil || p.host.exitCode != nil || p.host.stopped {
		return nil, true, outcome(p.host, result, err)
	}
	return result, true, nil
}

func (p *ExportedPrimitives) do(name string, fallback func() error, args ...interface{}) error {
	if _, ok, err := p.call(name, args...); ok {
		return err
	}
	return fallback()
}

func (p *ExportedPrimitives) value(name string, fallback func() (int, error), args ...interface{}) (int, error) {
	result, ok, err := p.call(name, args...)
	if !ok {
		return fallback()
	}
	if err != nil {
		return 0, err
	}
	v, _ := result.(int32)
	return int(v), nil
}

func (p *ExportedPrimitives) Motor(port, percent int) error {
	return p.do("motor", func() error { return p.hw.Motor(port, percent) }, port, percent)
}

func (p *ExportedPrimitives) MoveAtVelocity(port, velocity int) error {
	return p.do("mav", func() error { return p.hw.MoveAtVelocity(port, velocity) }, port, velocity)
}

func (p *ExportedPrimitives) Off(port int) error {
	return p.do("off", func() error { return p.hw.Off(port) }, port)
}

func (p *ExportedPrimitives) AllOff() error {
	return p.do("ao", p.hw.AllOff)
}

func (p *ExportedPrimitives) MotorPosition(port int) (int, error) {
	return p.value("get_motor_position_counter", func() (int, error) { return p.hw.MotorPosition(port) }, port)
}

func (p *ExportedPrimitives) ClearMotorPosition(port int) error {
	return p.do("clear_motor_position_counter", func() error { return p.hw.ClearMotorPosition(port) }, port)
}

func (p *ExportedPrimitives) EnableServos() error {
	return p.do("enable_servos", p.hw.EnableServos)
}

func (p *ExportedPrimitives) DisableServos() error {
	return p.do("disable_servos", p.hw.DisableServos)
}

func (p *ExportedPrimitives) SetServoPosition(port, position int) error {
	return p.do("set_servo_position", func() error { return p.hw.SetServoPosition(port, position) }, port, position)
}

func (p *ExportedPrimitives) ServoPosition(port int) (int, error) {
	return p.value("get_servo_position", func() (int, error) { return p.hw.ServoPosition(port) }, port)
}

func (p *ExportedPrimitives) Analog(port int) (int, error) {
	return p.value("analog", func() (int, error) { return p.hw.Analog(port) }, port)
}

func (p *ExportedPrimitives) Digital(port int) (bool, error) {
	v, err := p.value("digital", func() (int, error) {
		on, err := p.hw.Digital(port)
		return boolInt(on), err
	}, port)
	return v != 0, err
}

func (p *ExportedPrimitives) SetDigitalOutput(port int, on bool) error {
	return p.do("set_digital_output", func() error { return p.hw.SetDigitalOutput(port, on) }, port, boolInt(on))
}

func (p *ExportedPrimitives) Sleep(ms int) error {
	return p.do("msleep", func() error { return p.hw.Sleep(ms) }, ms)
}

func (p *ExportedPrimitives) Seconds() float64 {
	result, ok, err := p.call("seconds")
	if !ok || err != nil {
		return p.hw.Seconds()
	}
	v, _ := result.(float64)
	return v
}
