package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nmxmxh/robolab/kernel/threads/registers"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/threads/serial"
	"github.com/nmxmxh/robolab/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSession struct {
	regs  *registers.File
	robot serial.Pair
	hw    *Hardware
}

func newTestSession(t *testing.T, ctx context.Context) *testSession {
	t.Helper()
	reg := sab_layout.NewRegistry(sab_layout.RegistryConfig{Logger: utils.NopLogger()})
	t.Cleanup(func() { _ = reg.Close() })

	regs, err := registers.CreateFile(reg, sab_layout.DEFAULT_REGISTER_FILE_BYTES)
	require.NoError(t, err)
	program, robot, err := serial.CreatePair(reg, 64)
	require.NoError(t, err)

	return &testSession{
		regs:  regs,
		robot: robot,
		hw:    NewHardware(ctx, HardwareConfig{Registers: regs, Serial: program}),
	}
}

func TestHardwareMotors(t *testing.T) {
	s := newTestSession(t, context.Background())

	require.NoError(t, s.hw.Motor(0, 150))
	assert.Equal(t, int32(registers.MotorModePWM), s.regs.Get(registers.MotorMode(0)))
	assert.Equal(t, int32(100), s.regs.Get(registers.MotorPWM(0)))

	require.NoError(t, s.hw.MoveAtVelocity(3, -2000))
	assert.Equal(t, int32(registers.MotorModeVelocity), s.regs.Get(registers.MotorMode(3)))
	assert.Equal(t, int32(-MotorVelocityMax), s.regs.Get(registers.MotorGoalVelocity(3)))

	require.NoError(t, s.hw.AllOff())
	for p := 0; p < registers.MotorPorts; p++ {
		assert.Equal(t, int32(registers.MotorModeOff), s.regs.Get(registers.MotorMode(p)))
		assert.Zero(t, s.regs.Get(registers.MotorPWM(p)))
	}

	assert.ErrorIs(t, s.hw.Motor(4, 10), ErrBadPort)
	assert.ErrorIs(t, s.hw.Motor(-1, 10), ErrBadPort)
}

func TestHardwareClearPositionIsAnOffset(t *testing.T) {
	s := newTestSession(t, context.Background())
	sim := s.regs.View(sab_layout.OwnerSimulation)

	require.NoError(t, sim.Set(registers.MotorPosition(1), 500))
	pos, err := s.hw.MotorPosition(1)
	require.NoError(t, err)
	assert.Equal(t, 500, pos)

	require.NoError(t, s.hw.ClearMotorPosition(1))
	pos, _ = s.hw.MotorPosition(1)
	assert.Zero(t, pos)
	assert.Equal(t, int32(500), s.regs.Get(registers.MotorPosition(1)))

	require.NoError(t, sim.Set(registers.MotorPosition(1), 420))
	pos, _ = s.hw.MotorPosition(1)
	assert.Equal(t, -80, pos)
}

func TestHardwareSensorsAndOutputs(t *testing.T) {
	s := newTestSession(t, context.Background())
	sim := s.regs.View(sab_layout.OwnerSimulation)

	require.NoError(t, sim.Set(registers.Analog(2), 3071))
	require.NoError(t, sim.Set(registers.DigitalIn, 1<<9))

	v, err := s.hw.Analog(2)
	require.NoError(t, err)
	assert.Equal(t, 3071, v)

	on, err := s.hw.Digital(9)
	require.NoError(t, err)
	assert.True(t, on)
	on, _ = s.hw.Digital(8)
	assert.False(t, on)

	require.NoError(t, s.hw.SetDigitalOutput(4, true))
	require.NoError(t, s.hw.SetDigitalOutput(5, true))
	require.NoError(t, s.hw.SetDigitalOutput(4, false))
	assert.Equal(t, int32(1<<5), s.regs.Get(registers.DigitalOut))
	assert.Equal(t, int32(1<<4|1<<5), s.regs.Get(registers.DigitalOutEnable))

	require.NoError(t, s.hw.EnableServos())
	require.NoError(t, s.hw.SetServoPosition(2, 5000))
	p, _ := s.hw.ServoPosition(2)
	assert.Equal(t, ServoPositionMax, p)
	assert.Equal(t, int32(0x0F), s.regs.Get(registers.ServoEnable))

	s.hw.Reset()
	assert.Zero(t, s.regs.Get(registers.ServoEnable))
	assert.Zero(t, s.regs.Get(registers.DigitalOut))
}

func TestHardwareSerial(t *testing.T) {
	s := newTestSession(t, context.Background())

	ok, err := s.hw.CreateWriteByte(128)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.hw.CreateSend(serial.Full{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uint32{128, 132}, s.robot.Rx.PopAll())

	_, ok, err = s.hw.CreateReadByte()
	require.NoError(t, err)
	assert.False(t, ok)

	s.robot.Tx.Push(42)
	b, ok, err := s.hw.CreateReadByte()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint8(42), b)
}

func TestHardwareObservesStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestSession(t, ctx)

	done := make(chan error, 1)
	go func() { done <- s.hw.Sleep(60_000) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not observe stop")
	}

	assert.ErrorIs(t, s.hw.Motor(0, 10), ErrStopped)
	_, err := s.hw.CreateWriteByte(1)
	assert.ErrorIs(t, err, ErrStopped)
	assert.True(t, s.hw.Stopped())
}

func TestHardwareSeconds(t *testing.T) {
	now := time.Unix(1000, 0)
	reg := sab_layout.NewRegistry(sab_layout.RegistryConfig{Logger: utils.NopLogger()})
	defer reg.Close()
	regs, err := registers.CreateFile(reg, 0)
	require.NoError(t, err)

	hw := NewHardware(context.Background(), HardwareConfig{
		Registers: regs,
		Clock:     func() time.Time { return now },
	})
	now = now.Add(1500 * time.Millisecond)
	assert.InDelta(t, 1.5, hw.Seconds(), 1e-9)

	_, err = hw.CreateWriteByte(1)
	assert.Error(t, err)
}

func TestIsNormalExit(t *testing.T) {
	assert.True(t, IsNormalExit(nil))
	assert.True(t, IsNormalExit(ErrStopped))
	assert.True(t, IsNormalExit(&ExitError{Code: 0}))
	assert.True(t, IsNormalExit(context.Canceled))
	assert.False(t, IsNormalExit(&ExitError{Code: 3}))
	assert.False(t, IsNormalExit(&Fault{Text: "trap"}))
	assert.True(t, IsNormalExit(&Fault{Text: "interrupted", Err: ErrStopped}))
	assert.False(t, IsNormalExit(errors.New("boom")))
}

func TestParseLanguage(t *testing.T) {
	for name, want := range map[string]Language{
		"c": LanguageC, "C++": LanguageCpp, "python": LanguagePython, "blocks": LanguageGraphical,
	} {
		got, err := ParseLanguage(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLanguage("rust")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	assert.True(t, LanguageCpp.Compiled())
	assert.False(t, LanguagePython.Compiled())
}

func TestRuntimesLookup(t *testing.T) {
	rts := NewRuntimes()
	rts.Register(RuntimeFunc(func(context.Context, *Env) error { return nil }), LanguageC, LanguageCpp)

	_, err := rts.Lookup(LanguageCpp)
	require.NoError(t, err)
	_, err = rts.Lookup(LanguagePython)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestEnvStartedOnce(t *testing.T) {
	calls := 0
	env := &Env{OnStart: func() { calls++ }}
	env.Started()
	env.Started()
	assert.Equal(t, 1, calls)

	var out []string
	env.Stdout = func(s string) { out = append(out, s) }
	env.PrintErr("e")
	env.Print("o")
	assert.Equal(t, []string{"e", "o"}, out)
}
