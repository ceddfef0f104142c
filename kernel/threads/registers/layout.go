package registers

import sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"

// Width is the size of a register in bits.
type Width uint8

const (
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
)

// Register is a named, fixed-width slot at a fixed byte address. Each
// register has exactly one writer side.
type Register struct {
	Name    string
	Address uint32
	Width   Width
	Signed  bool
	Writer  sab_layout.RegionOwner
}

const (
	sensor   = sab_layout.OwnerSimulation
	actuator = sab_layout.OwnerExecution
)

// Port counts of the emulated controller.
const (
	MotorPorts   = 4
	ServoPorts   = 4
	AnalogPorts  = 6
	DigitalPorts = 16
)

// Motor modes written to MotorMode.
const (
	MotorModeOff      = 0
	MotorModePWM      = 1
	MotorModeVelocity = 2
)

// Byte addresses. Sensor-side and actuator-side registers never share a
// 32-bit word so that the layout stays readable, although sub-word writes
// would be safe either way.
const (
	ADDR_SIM_TICK          = 0x00 // u32, sensor
	ADDR_DIGITAL_IN        = 0x04 // u16 bitmask, sensor
	ADDR_ANALOG_BASE       = 0x08 // u16 x6, sensor
	ADDR_MOTOR_POSITION    = 0x14 // i32 x4, sensor
	ADDR_BATTERY_MV        = 0x24 // u16, sensor
	ADDR_MOTOR_MODE        = 0x40 // u8 x4, actuator
	ADDR_MOTOR_PWM         = 0x44 // i16 x4, actuator
	ADDR_MOTOR_GOAL_VEL    = 0x4C // i16 x4, actuator
	ADDR_SERVO_ENABLE      = 0x54 // u8 bitmask, actuator
	ADDR_SERVO_POSITION    = 0x58 // u16 x4, actuator
	ADDR_DIGITAL_OUT       = 0x60 // u16, actuator
	ADDR_DIGITAL_OUT_EN    = 0x62 // u16, actuator
	REGISTER_FILE_MIN_SIZE = 0x64
)

// Sensor-side registers.
var (
	SimTick   = Register{Name: "sim_tick", Address: ADDR_SIM_TICK, Width: Width32, Writer: sensor}
	DigitalIn = Register{Name: "digital_in", Address: ADDR_DIGITAL_IN, Width: Width16, Writer: sensor}
	BatteryMV = Register{Name: "battery_mv", Address: ADDR_BATTERY_MV, Width: Width16, Writer: sensor}
)

// Actuator-side registers.
var (
	ServoEnable      = Register{Name: "servo_enable", Address: ADDR_SERVO_ENABLE, Width: Width8, Writer: actuator}
	DigitalOut       = Register{Name: "digital_out", Address: ADDR_DIGITAL_OUT, Width: Width16, Writer: actuator}
	DigitalOutEnable = Register{Name: "digital_out_enable", Address: ADDR_DIGITAL_OUT_EN, Width: Width16, Writer: actuator}
)

// Analog returns the analog input register for port.
func Analog(port int) Register {
	return Register{Name: "analog", Address: ADDR_ANALOG_BASE + uint32(port)*2, Width: Width16, Writer: sensor}
}

// MotorPosition returns the encoder counter register for port.
func MotorPosition(port int) Register {
	return Register{Name: "motor_position", Address: ADDR_MOTOR_POSITION + uint32(port)*4, Width: Width32, Signed: true, Writer: sensor}
}

// MotorMode returns the mode register for port.
func MotorMode(port int) Register {
	return Register{Name: "motor_mode", Address: ADDR_MOTOR_MODE + uint32(port), Width: Width8, Writer: actuator}
}

// MotorPWM returns the signed duty register (-100..100) for port.
func MotorPWM(port int) Register {
	return Register{Name: "motor_pwm", Address: ADDR_MOTOR_PWM + uint32(port)*2, Width: Width16, Signed: true, Writer: actuator}
}

// MotorGoalVelocity returns the signed goal velocity register (ticks/s) for port.
func MotorGoalVelocity(port int) Register {
	return Register{Name: "motor_goal_velocity", Address: ADDR_MOTOR_GOAL_VEL + uint32(port)*2, Width: Width16, Signed: true, Writer: actuator}
}

// ServoPosition returns the position register (0..2047) for port.
func ServoPosition(port int) Register {
	return Register{Name: "servo_position", Address: ADDR_SERVO_POSITION + uint32(port)*2, Width: Width16, Writer: actuator}
}

// All lists every register of the map, used to validate the layout.
func All() []Register {
	regs := []Register{SimTick, DigitalIn, BatteryMV, ServoEnable, DigitalOut, DigitalOutEnable}
	for p := 0; p < AnalogPorts; p++ {
		regs = append(regs, Analog(p))
	}
	for p := 0; p < MotorPorts; p++ {
		regs = append(regs, MotorPosition(p), MotorMode(p), MotorPWM(p), MotorGoalVelocity(p))
	}
	for p := 0; p < ServoPorts; p++ {
		regs = append(regs, ServoPosition(p))
	}
	return regs
}
