package wasm

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/robolab/kernel/runtime"
)

// Namespace is the import module every compiled program links against.
const Namespace = "env"

// host holds one episode's host-side state for the imported functions.
type host struct {
	env    *runtime.Env
	hw     *runtime.Hardware
	memory *wasmer.Memory

	exitCode *int32
	stopped  bool
}

func newHost(env *runtime.Env) *host {
	return &host{env: env, hw: env.Hardware}
}

var (
	i32  = wasmer.NewValueTypes(wasmer.I32)
	i32s = wasmer.NewValueTypes(wasmer.I32, wasmer.I32)
	none = wasmer.NewValueTypes()
	f64  = wasmer.NewValueTypes(wasmer.F64)
)

func (h *host) imports(store *wasmer.Store) *wasmer.ImportObject {
	fn := func(params, results []*wasmer.ValueType, f func([]wasmer.Value) ([]wasmer.Value, error)) *wasmer.Function {
		return wasmer.NewFunction(store, wasmer.NewFunctionType(params, results), f)
	}
	hw := h.hw

	externs := map[string]wasmer.IntoExtern{
		"motor": fn(i32s, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("motor", hw.Motor(int(a[0].I32()), int(a[1].I32())))
		}),
		"mav": fn(i32s, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("mav", hw.MoveAtVelocity(int(a[0].I32()), int(a[1].I32())))
		}),
		"off": fn(i32, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("off", hw.Off(int(a[0].I32())))
		}),
		"ao": fn(none, none, func([]wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("ao", hw.AllOff())
		}),
		"get_motor_position_counter": fn(i32, i32, func(a []wasmer.Value) ([]wasmer.Value, error) {
			v, err := hw.MotorPosition(int(a[0].I32()))
			return h.result(v, h.check("get_motor_position_counter", err))
		}),
		"clear_motor_position_counter": fn(i32, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("clear_motor_position_counter", hw.ClearMotorPosition(int(a[0].I32())))
		}),
		"enable_servos": fn(none, none, func([]wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("enable_servos", hw.EnableServos())
		}),
		"disable_servos": fn(none, none, func([]wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("disable_servos", hw.DisableServos())
		}),
		"set_servo_position": fn(i32s, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("set_servo_position", hw.SetServoPosition(int(a[0].I32()), int(a[1].I32())))
		}),
		"get_servo_position": fn(i32, i32, func(a []wasmer.Value) ([]wasmer.Value, error) {
			v, err := hw.ServoPosition(int(a[0].I32()))
			return h.result(v, h.check("get_servo_position", err))
		}),
		"analog": fn(i32, i32, func(a []wasmer.Value) ([]wasmer.Value, error) {
			v, err := hw.Analog(int(a[0].I32()))
			return h.result(v, h.check("analog", err))
		}),
		"digital": fn(i32, i32, func(a []wasmer.Value) ([]wasmer.Value, error) {
			on, err := hw.Digital(int(a[0].I32()))
			return h.result(boolInt(on), h.check("digital", err))
		}),
		"set_digital_output": fn(i32s, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("set_digital_output", hw.SetDigitalOutput(int(a[0].I32()), a[1].I32() != 0))
		}),
		"msleep": fn(i32, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			return nil, h.check("msleep", hw.Sleep(int(a[0].I32())))
		}),
		"seconds": fn(none, f64, func([]wasmer.Value) ([]wasmer.Value, error) {
			if err := h.stopping("seconds"); err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewF64(hw.Seconds())}, nil
		}),
		"create_write_byte": fn(i32, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			_, err := hw.CreateWriteByte(uint8(a[0].I32()))
			return nil, h.check("create_write_byte", err)
		}),
		"create_read_byte": fn(none, i32, func([]wasmer.Value) ([]wasmer.Value, error) {
			b, ok, err := hw.CreateReadByte()
			if !ok {
				return h.result(-1, h.check("create_read_byte", err))
			}
			return h.result(int(b), h.check("create_read_byte", err))
		}),
		"console_write": fn(i32s, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.stopping("console_write"); err != nil {
				return nil, err
			}
			text, err := h.readString(a[0].I32(), a[1].I32())
			if err == nil {
				h.env.Print(text)
			}
			return nil, err
		}),
		"console_error": fn(i32s, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.stopping("console_error"); err != nil {
				return nil, err
			}
			text, err := h.readString(a[0].I32(), a[1].I32())
			if err == nil {
				h.env.PrintErr(text)
			}
			return nil, err
		}),
		"exit": fn(i32, none, func(a []wasmer.Value) ([]wasmer.Value, error) {
			code := a[0].I32()
			h.exitCode = &code
			return nil, &runtime.ExitError{Code: code}
		}),
	}

	imports := wasmer.NewImportObject()
	imports.Register(Namespace, externs)
	return imports
}

// check turns a host call error into a trap when the episode is stopping.
// Bad ports are reported on stderr and the call is ignored.
func (h *host) check(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runtime.ErrStopped):
		h.stopped = true
		return err
	case errors.Is(err, runtime.ErrBadPort):
		h.env.PrintErr(fmt.Sprintf("%s: %v\n", name, err))
		return nil
	default:
		return err
	}
}

// stopping traps calls that never block once the episode is stopping.
func (h *host) stopping(name string) error {
	if !h.hw.Stopped() {
		return nil
	}
	return h.check(name, runtime.ErrStopped)
}

func (h *host) result(v int, err error) ([]wasmer.Value, error) {
	if err != nil {
		return nil, err
	}
	return []wasmer.Value{wasmer.NewI32(int32(v))}, nil
}

// readString reads a UTF-8 string from guest memory.
func (h *host) readString(ptr, length int32) (string, error) {
	if h.memory == nil {
		return "", fmt.Errorf("module exports no memory")
	}
	data := h.memory.Data()
	start, end := int64(uint32(ptr)), int64(uint32(ptr))+int64(uint32(length))
	if end > int64(len(data)) {
		return "", fmt.Errorf("string [%d,%d) outside %d bytes of memory", start, end, len(data))
	}
	b := data[start:end]
	if !utf8.Valid(b) {
		return string([]rune(string(b))), nil
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
