package simulation

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/nmxmxh/robolab/kernel/threads/serial"
	"github.com/nmxmxh/robolab/kernel/utils"
)

// Create Open Interface limits.
const (
	CreateWheelBaseMM     = 258
	CreateMaxVelocity     = 500
	CreateMaxRadius       = 2000
	CreateFullChargeMAh   = 2700
	driveStraight         = math.MinInt16
	driveStraightAlt      = math.MaxInt16
	driveSpinCounterClock = 1
	driveSpinClockwise    = -1
)

// CreateMode is the Open Interface mode.
type CreateMode int

const (
	CreateOff CreateMode = iota
	CreatePassive
	CreateSafe
	CreateFull
)

var createModeNames = map[CreateMode]string{
	CreateOff:     "off",
	CreatePassive: "passive",
	CreateSafe:    "safe",
	CreateFull:    "full",
}

func (m CreateMode) String() string { return createModeNames[m] }

// CreateState is a snapshot of the emulated robot.
type CreateState struct {
	Mode          CreateMode
	LeftVelocity  int16 // mm/s
	RightVelocity int16 // mm/s
	Odometer      float64
	Heading       float64 // degrees, counter-clockwise positive
	Bumps         serial.BumpsWheelDrops
	Wall          bool
	Buttons       serial.Buttons
	LEDs          serial.LEDs
	Charge        uint16
	Text          string
}

// CreateEmulator answers serial commands the way an iRobot Create would.
// It reads commands from the robot end of the serial pair and replies with
// sensor packets.
type CreateEmulator struct {
	link    serial.Pair
	decoder *serial.Decoder
	logger  *utils.Logger

	mu    sync.Mutex
	state CreateState
	// Distance and angle reported since the last sensor read.
	distance float64
	angle    float64
	dropped  int
}

// NewCreateEmulator binds an emulator to the robot side of a serial pair.
func NewCreateEmulator(link serial.Pair, logger *utils.Logger) *CreateEmulator {
	if logger == nil {
		logger = utils.DefaultLogger("create")
	}
	return &CreateEmulator{
		link:    link,
		decoder: serial.NewDecoder(link.Rx),
		logger:  logger,
		state:   CreateState{Charge: CreateFullChargeMAh},
	}
}

// Step handles every complete command received so far and moves the robot
// by dt.
func (c *CreateEmulator) Step(dt time.Duration) {
	c.decoder.FeedFrom(c.link.Rx)

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		p, err := c.decoder.Next()
		if errors.Is(err, serial.ErrShortPacket) {
			break
		}
		if err != nil {
			c.dropped++
			c.logger.Debug("Dropped serial word", utils.Err(err))
			continue
		}
		c.handle(p)
	}
	c.integrate(dt)
}

func (c *CreateEmulator) handle(p serial.Packet) {
	switch m := p.(type) {
	case serial.Start:
		if c.state.Mode == CreateOff {
			c.state.Mode = CreatePassive
		}
	case serial.Safe:
		if c.state.Mode != CreateOff {
			c.state.Mode = CreateSafe
		}
	case serial.Full:
		if c.state.Mode != CreateOff {
			c.state.Mode = CreateFull
		}
	case serial.Drive:
		if c.canDrive() {
			c.state.LeftVelocity, c.state.RightVelocity = driveWheels(m.Velocity, m.Radius)
		}
	case serial.DriveDirect:
		if c.canDrive() {
			c.state.LeftVelocity = clampVelocity(m.Left)
			c.state.RightVelocity = clampVelocity(m.Right)
		}
	case serial.LEDs:
		if c.canDrive() {
			c.state.LEDs = m
		}
	case serial.Text:
		c.state.Text = m.Text
	case serial.Sensors:
		c.reply(m.PacketID)
	default:
		c.logger.Debug("Ignoring packet", utils.String("opcode", p.Opcode().String()))
	}
}

func (c *CreateEmulator) canDrive() bool {
	return c.state.Mode == CreateSafe || c.state.Mode == CreateFull
}

func (c *CreateEmulator) reply(id uint8) {
	if c.state.Mode == CreateOff {
		return
	}
	var p serial.Packet
	switch serial.Opcode(id) {
	case serial.OpBumpsWheelDrops:
		p = c.state.Bumps
	case serial.OpWall:
		p = serial.Wall{Detected: c.state.Wall}
	case serial.OpButtons:
		p = c.state.Buttons
	case serial.OpDistance:
		mm := clampInt16(c.distance)
		c.distance -= float64(mm)
		p = serial.Distance{Millimeters: mm}
	case serial.OpAngle:
		deg := clampInt16(c.angle)
		c.angle -= float64(deg)
		p = serial.Angle{Degrees: deg}
	case serial.OpBatteryCharge:
		p = serial.BatteryCharge{MilliampHours: c.state.Charge}
	default:
		c.logger.Warn("Unknown sensor packet requested", utils.Int("packet_id", int(id)))
		return
	}
	if _, ok := serial.Write(c.link, p); !ok {
		c.logger.Warn("Serial reply truncated", utils.String("packet", p.Opcode().String()))
	}
}

func (c *CreateEmulator) integrate(dt time.Duration) {
	// Safe mode stops the wheels when one drops.
	if c.state.Mode == CreateSafe && (c.state.Bumps.WheelDropLeft || c.state.Bumps.WheelDropRight || c.state.Bumps.WheelDropCaster) {
		c.state.LeftVelocity, c.state.RightVelocity = 0, 0
		c.state.Mode = CreatePassive
	}

	s := dt.Seconds()
	left := float64(c.state.LeftVelocity) * s
	right := float64(c.state.RightVelocity) * s
	forward := (left + right) / 2
	turn := (right - left) / CreateWheelBaseMM * 180 / math.Pi

	c.distance += forward
	c.angle += turn
	c.state.Odometer += forward
	c.state.Heading += turn
}

// State returns a snapshot of the robot.
func (c *CreateEmulator) State() CreateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dropped is the number of malformed words skipped so far.
func (c *CreateEmulator) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// SetBumps sets the bumper and wheel drop sensors.
func (c *CreateEmulator) SetBumps(b serial.BumpsWheelDrops) {
	c.mu.Lock()
	c.state.Bumps = b
	c.mu.Unlock()
}

// SetWall sets the wall sensor.
func (c *CreateEmulator) SetWall(detected bool) {
	c.mu.Lock()
	c.state.Wall = detected
	c.mu.Unlock()
}

// SetButtons sets the button state.
func (c *CreateEmulator) SetButtons(b serial.Buttons) {
	c.mu.Lock()
	c.state.Buttons = b
	c.mu.Unlock()
}

// SetCharge sets the battery charge.
func (c *CreateEmulator) SetCharge(mAh uint16) {
	c.mu.Lock()
	c.state.Charge = mAh
	c.mu.Unlock()
}

// Reset powers the robot off and clears its motion.
func (c *CreateEmulator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	charge := c.state.Charge
	c.state = CreateState{Charge: charge}
	c.distance, c.angle = 0, 0
	c.decoder.Reset()
}

// driveWheels converts an OI drive command into wheel speeds.
func driveWheels(velocity, radius int16) (left, right int16) {
	v := clampVelocity(velocity)
	switch radius {
	case driveStraight, driveStraightAlt:
		return v, v
	case driveSpinCounterClock:
		return -v, v
	case driveSpinClockwise:
		return v, -v
	}
	r := float64(radius)
	if r > CreateMaxRadius {
		r = CreateMaxRadius
	} else if r < -CreateMaxRadius {
		r = -CreateMaxRadius
	}
	half := float64(CreateWheelBaseMM) / 2
	left = int16(math.Round(float64(v) * (r - half) / r))
	right = int16(math.Round(float64(v) * (r + half) / r))
	return clampVelocity(left), clampVelocity(right)
}

func clampVelocity(v int16) int16 {
	if v > CreateMaxVelocity {
		return CreateMaxVelocity
	}
	if v < -CreateMaxVelocity {
		return -CreateMaxVelocity
	}
	return v
}

func clampInt16(v float64) int16 {
	t := math.Trunc(v)
	if t > math.MaxInt16 {
		return math.MaxInt16
	}
	if t < math.MinInt16 {
		return math.MinInt16
	}
	return int16(t)
}
