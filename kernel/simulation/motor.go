// Package simulation is the render-thread side of a session: it advances
// the simulated robot and polls the controller once per frame.
package simulation

import (
	"math"
	"time"

	"github.com/nmxmxh/robolab/kernel/threads/registers"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
)

// TicksPerPercent is the encoder rate, in ticks per second, of one percent
// of PWM duty. Full duty matches the top goal velocity.
const TicksPerPercent = 15

// MotorModel integrates motor commands into the position counters.
type MotorModel struct {
	regs    *registers.View
	residue [registers.MotorPorts]float64
}

// NewMotorModel binds a model to the simulation side of file.
func NewMotorModel(file *registers.File) *MotorModel {
	return &MotorModel{regs: file.View(sab_layout.OwnerSimulation)}
}

// Velocity returns the port's current speed in ticks per second.
func (m *MotorModel) Velocity(port int) float64 {
	switch m.regs.Get(registers.MotorMode(port)) {
	case registers.MotorModePWM:
		return float64(m.regs.Get(registers.MotorPWM(port))) * TicksPerPercent
	case registers.MotorModeVelocity:
		return float64(m.regs.Get(registers.MotorGoalVelocity(port)))
	default:
		return 0
	}
}

// Step advances every motor by dt. Fractional ticks carry over to the
// next step so slow motors still move.
func (m *MotorModel) Step(dt time.Duration) {
	for port := 0; port < registers.MotorPorts; port++ {
		delta := m.Velocity(port)*dt.Seconds() + m.residue[port]
		whole := math.Trunc(delta)
		m.residue[port] = delta - whole
		if whole != 0 {
			// MotorPosition is a simulation-owned 32-bit register
			_, _ = m.regs.Add(registers.MotorPosition(port), int32(whole))
		}
	}
}
