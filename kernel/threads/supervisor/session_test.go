package supervisor_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/robolab/kernel/runtime"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/threads/supervisor"
	"github.com/nmxmxh/robolab/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type session struct {
	controller *supervisor.Controller
	dispatcher *supervisor.Dispatcher
	link       supervisor.Link
	cancel     context.CancelFunc
	done       chan error

	mu     sync.Mutex
	events []supervisor.Message
}

func newSession(t *testing.T, rt runtime.RuntimeFunc, configure ...func(*supervisor.ControllerConfig)) *session {
	t.Helper()
	registry := sab_layout.NewRegistry(sab_layout.RegistryConfig{Logger: utils.NopLogger()})
	link := supervisor.NewLink()

	runtimes := runtime.NewRuntimes()
	if rt != nil {
		runtimes.Register(rt, runtime.LanguageC, runtime.LanguagePython)
	}
	d := supervisor.NewDispatcher(supervisor.DispatcherConfig{
		Registry: registry,
		Runtimes: runtimes,
		Link:     link,
		Logger:   utils.NopLogger(),
	})

	cfg := supervisor.ControllerConfig{
		Registry:           registry,
		Link:               link,
		OnStop:             d.RequestStop,
		Logger:             utils.NopLogger(),
		SerialCapacity:     64,
		ConsoleCapacity:    256,
		ConsoleLogCapacity: 1024,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	c, err := supervisor.NewController(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{controller: c, dispatcher: d, link: link, cancel: cancel, done: make(chan error, 1)}
	c.OnEvent(func(m supervisor.Message) {
		s.mu.Lock()
		s.events = append(s.events, m)
		s.mu.Unlock()
	})
	go func() { s.done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-s.done
		link.Close()
		_ = registry.Close()
	})
	return s
}

func (s *session) provision(t *testing.T) {
	t.Helper()
	require.NoError(t, s.controller.Provision())
	s.pollUntil(t, s.controller.Ready)
}

func (s *session) pollUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := s.controller.Poll()
		require.NoError(t, err)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func (s *session) waitIdle(t *testing.T) {
	t.Helper()
	s.pollUntil(t, func() bool { return s.controller.Phase() == supervisor.PhaseIdle })
}

func (s *session) count(kind supervisor.MessageKind, episode uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.events {
		if m.Kind() != kind {
			continue
		}
		switch v := m.(type) {
		case supervisor.Stopped:
			if v.Episode == episode {
				n++
			}
		case supervisor.StartAck:
			if v.Episode == episode {
				n++
			}
		case supervisor.ProgramError:
			if v.Episode == episode {
				n++
			}
		default:
			n++
		}
	}
	return n
}

// ========== SUCCESS CASES ==========

func TestProvisionAnnouncesReadyOnce(t *testing.T) {
	s := newSession(t, nil)
	assert.Equal(t, supervisor.StateIdle, s.dispatcher.State())

	s.provision(t)
	assert.Equal(t, supervisor.StateReady, s.dispatcher.State())

	// Re-provisioning between episodes does not announce again
	require.NoError(t, s.controller.Provision())
	time.Sleep(20 * time.Millisecond)
	_, err := s.controller.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, s.count(supervisor.KindWorkerReady, 0))
}

func TestProgramOutputReachesConsole(t *testing.T) {
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		env.Started()
		env.Print("hello ")
		env.PrintErr("world\n")
		return env.Hardware.Motor(0, 50)
	})
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguageC, []byte("module"))
	require.NoError(t, err)
	s.waitIdle(t)
	s.pollUntil(t, func() bool { return s.controller.ConsoleText() == "hello world\n" })

	assert.Equal(t, 1, s.count(supervisor.KindStartAck, ep))
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
	assert.Zero(t, s.count(supervisor.KindProgramError, ep))
	assert.Nil(t, s.controller.LastError())
	assert.Equal(t, supervisor.StateStopped, s.dispatcher.State())
}

func TestStartThenStopYieldsOneStopped(t *testing.T) {
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		env.Started()
		for {
			if err := env.Hardware.Sleep(5); err != nil {
				return err
			}
		}
	})
	s.provision(t)

	for i := 0; i < 20; i++ {
		ep, err := s.controller.Start(runtime.LanguageC, nil)
		require.NoError(t, err)
		require.NoError(t, s.controller.Stop())
		s.waitIdle(t)

		// late events for this episode would show up here
		time.Sleep(2 * time.Millisecond)
		_, err = s.controller.Poll()
		require.NoError(t, err)
		assert.Equal(t, 1, s.count(supervisor.KindStopped, ep), "episode %d", ep)
		assert.Zero(t, s.count(supervisor.KindProgramError, ep))
	}
}

func TestStopWhileRunning(t *testing.T) {
	started := make(chan struct{})
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		env.Started()
		close(started)
		<-ctx.Done()
		return runtime.ErrStopped
	})
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguagePython, []byte("while True: pass"))
	require.NoError(t, err)
	<-started
	s.pollUntil(t, func() bool { return s.controller.Phase() == supervisor.PhaseRunning })

	require.NoError(t, s.controller.Stop())
	s.waitIdle(t)
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
	assert.ErrorIs(t, s.controller.Stop(), supervisor.ErrNotRunning)
}

func TestExitZeroIsNormal(t *testing.T) {
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		return &runtime.ExitError{Code: 0}
	})
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguageC, nil)
	require.NoError(t, err)
	s.waitIdle(t)
	assert.Zero(t, s.count(supervisor.KindProgramError, ep))
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
}

func TestOutputWithoutConsoleIsPosted(t *testing.T) {
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		env.Print("line one\n")
		env.Print("line two\n")
		return nil
	}, func(cfg *supervisor.ControllerConfig) { cfg.WithoutConsole = true })
	s.provision(t)

	_, err := s.controller.Start(runtime.LanguageC, nil)
	require.NoError(t, err)
	s.waitIdle(t)

	assert.Equal(t, 2, s.count(supervisor.KindProgramOutput, 0))
	assert.Equal(t, "line one\nline two\n", s.controller.ConsoleText())
}

// ========== FAILURE CASES ==========

func TestStartBeforeReady(t *testing.T) {
	s := newSession(t, nil)
	_, err := s.controller.Start(runtime.LanguageC, nil)
	assert.ErrorIs(t, err, supervisor.ErrNotReady)
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	release := make(chan struct{})
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		env.Started()
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return runtime.ErrStopped
		}
	})
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguageC, nil)
	require.NoError(t, err)
	_, err = s.controller.Start(runtime.LanguageC, nil)
	assert.ErrorIs(t, err, supervisor.ErrAlreadyRunning)

	// A start that bypasses the controller is answered, not queued
	s.pollUntil(t, func() bool { return s.dispatcher.State() == supervisor.StateRunning })
	require.NoError(t, s.link.Commands.Post(supervisor.Start{Episode: 99, Language: runtime.LanguageC}))
	s.pollUntil(t, func() bool { return s.count(supervisor.KindStopped, 99) == 1 })
	assert.Equal(t, 1, s.count(supervisor.KindProgramError, 99))
	assert.Equal(t, supervisor.PhaseRunning, s.controller.Phase())

	close(release)
	s.waitIdle(t)
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
	assert.Contains(t, s.controller.ConsoleText(), "already running")
}

func TestGuestFaultReportsErrorThenStopped(t *testing.T) {
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		env.Started()
		return &runtime.Fault{Text: "RuntimeError: unreachable", Detail: "  at main (prog.c:3)"}
	})
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguageC, nil)
	require.NoError(t, err)
	s.waitIdle(t)

	require.NotNil(t, s.controller.LastError())
	assert.Equal(t, "RuntimeError: unreachable", s.controller.LastError().Text)
	assert.Equal(t, 1, s.count(supervisor.KindProgramError, ep))
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
	assert.Equal(t, "RuntimeError: unreachable\n  at main (prog.c:3)\n", s.controller.ConsoleText())
}

func TestNonZeroExitIsAFault(t *testing.T) {
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		return &runtime.ExitError{Code: 2}
	})
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguageC, nil)
	require.NoError(t, err)
	s.waitIdle(t)
	assert.Equal(t, 1, s.count(supervisor.KindProgramError, ep))
	assert.Contains(t, s.controller.LastError().Text, "status 2")
}

func TestRuntimePanicIsContained(t *testing.T) {
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		var m map[string]int
		m["boom"] = 1
		return nil
	})
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguageC, nil)
	require.NoError(t, err)
	s.waitIdle(t)
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
	require.NotNil(t, s.controller.LastError())
	assert.True(t, strings.HasPrefix(s.controller.LastError().Text, "internal error: panic: "))
	assert.Contains(t, s.controller.LastError().Text, "nil map")

	// the dispatcher survives and runs the next episode
	ep, err = s.controller.Start(runtime.LanguageC, nil)
	require.NoError(t, err)
	s.waitIdle(t)
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
}

func TestUnsupportedLanguage(t *testing.T) {
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error { return nil })
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguageGraphical, nil)
	require.NoError(t, err)
	s.waitIdle(t)
	assert.Equal(t, 1, s.count(supervisor.KindProgramError, ep))
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
}

func TestTeardownStillReportsStopped(t *testing.T) {
	started := make(chan struct{})
	s := newSession(t, func(ctx context.Context, env *runtime.Env) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	s.provision(t)

	ep, err := s.controller.Start(runtime.LanguageC, nil)
	require.NoError(t, err)
	<-started

	s.cancel()
	require.NoError(t, <-s.done)
	s.done <- nil

	s.waitIdle(t)
	assert.Equal(t, 1, s.count(supervisor.KindStopped, ep))
	assert.Zero(t, s.count(supervisor.KindProgramError, ep))
}
