package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nmxmxh/robolab/kernel/config"
	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/runtime/blocks"
	"github.com/nmxmxh/robolab/kernel/simulation"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/threads/supervisor"
	"github.com/nmxmxh/robolab/kernel/utils"
	"github.com/nmxmxh/robolab/wasm"
)

// stopGrace is how long a stopped program may take to acknowledge.
const stopGrace = 3 * time.Second

// session wires both threads of one headless run.
type session struct {
	controller *supervisor.Controller
	dispatcher *supervisor.Dispatcher
	loop       *simulation.Loop
	shutdown   *utils.GracefulShutdown
	logger     *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready   chan struct{}
	stopped chan struct{}
}

type outcome struct {
	console string
	failed  bool
}

func newSession(cfg *config.Config, logger *utils.Logger) (*session, error) {
	s := &session{
		logger:   logger,
		shutdown: utils.NewGracefulShutdown(5*time.Second, logger.Named("shutdown")),
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	registry := sab_layout.NewRegistry(cfg.RegistryConfig(cfg.Logger("sab")))
	s.shutdown.Register("registry", registry.Close)

	runtimes, err := newRuntimes(cfg)
	if err != nil {
		return nil, err
	}

	link := supervisor.NewLink()
	s.shutdown.Register("link", func() error {
		link.Close()
		return nil
	})

	s.dispatcher = supervisor.NewDispatcher(supervisor.DispatcherConfig{
		Registry: registry,
		Runtimes: runtimes,
		Link:     link,
		Logger:   cfg.Logger("dispatcher"),
	})
	s.controller, err = supervisor.NewController(supervisor.ControllerConfig{
		Registry:           registry,
		Link:               link,
		OnStop:             s.dispatcher.RequestStop,
		Logger:             cfg.Logger("controller"),
		RegisterFileBytes:  cfg.Session.RegisterFileBytes,
		SerialCapacity:     cfg.Session.SerialCapacity,
		ConsoleCapacity:    cfg.Session.ConsoleCapacity,
		ConsoleLogCapacity: cfg.Session.ConsoleLogCapacity,
		WithoutConsole:     cfg.Session.WithoutConsole,
	})
	if err != nil {
		return nil, err
	}
	s.loop, err = simulation.NewLoop(simulation.LoopConfig{
		Controller: s.controller,
		FrameRate:  cfg.Simulation.FrameRate,
		TickRate:   cfg.Simulation.TickRate,
		Logger:     cfg.Logger("simulation"),
	})
	if err != nil {
		return nil, err
	}

	var readyOnce sync.Once
	s.controller.OnEvent(func(m supervisor.Message) {
		switch ev := m.(type) {
		case supervisor.WorkerReady:
			readyOnce.Do(func() { close(s.ready) })
		case supervisor.Stopped:
			if ev.Episode == s.controller.Episode() {
				select {
				case s.stopped <- struct{}{}:
				default:
				}
			}
		}
	})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.Run(s.ctx); err != nil {
			logger.Error("Dispatcher failed", utils.Err(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		_ = s.loop.Run(s.ctx)
	}()
	s.shutdown.Register("threads", func() error {
		s.cancel()
		s.wg.Wait()
		return nil
	})

	if err := s.controller.Provision(); err != nil {
		_ = s.shutdown.Shutdown(context.Background())
		return nil, err
	}
	return s, nil
}

// newRuntimes registers every runtime the binary can host. Python needs an
// embedded interpreter, which only the browser build provides.
func newRuntimes(cfg *config.Config) (*runtime.Runtimes, error) {
	runtimes := runtime.NewRuntimes()
	compiled := wasm.New(wasm.Config{Logger: cfg.Logger("wasm")})
	runtimes.Register(compiled, runtime.LanguageC, runtime.LanguageCpp)

	blocksCfg := blocks.Config{
		Logger:    cfg.Logger("blocks"),
		WatchRate: cfg.Blocks.WatchRate,
	}
	if cfg.Blocks.Library != "" {
		library, err := os.ReadFile(cfg.Blocks.Library)
		if err != nil {
			return nil, fmt.Errorf("block library: %w", err)
		}
		blocksCfg.Primitives = func(env *runtime.Env) (runtime.Primitives, error) {
			p, err := compiled.Primitives(env, library)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	runtimes.Register(blocks.New(blocksCfg), runtime.LanguageGraphical)
	return runtimes, nil
}

// runProgram starts one episode and waits for it to stop, asking it to stop
// after limit or when ctx is cancelled.
func (s *session) runProgram(ctx context.Context, lang runtime.Language, code []byte, limit time.Duration) (outcome, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	case <-time.After(5 * time.Second):
		return outcome{}, errors.New("execution thread never became ready")
	}

	var (
		ep       uint32
		startErr error
	)
	err := s.loop.Do(ctx, func() { ep, startErr = s.controller.Start(lang, code) })
	if err == nil {
		err = startErr
	}
	if err != nil {
		return outcome{}, err
	}
	s.logger.Info("Program running", utils.Uint32("episode", ep), utils.String("language", lang.String()))

	var deadline <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-s.stopped:
	case <-deadline:
		s.logger.Info("Time limit reached", utils.Duration("limit", limit))
		err = s.stopAndWait()
	case <-ctx.Done():
		s.logger.Info("Interrupted")
		err = s.stopAndWait()
	}

	// the loop's final frame drains the console
	s.cancel()
	s.wg.Wait()

	return outcome{
		console: s.controller.ConsoleText(),
		failed:  s.controller.LastError() != nil,
	}, err
}

func (s *session) stopAndWait() error {
	if err := s.controller.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return err
	}
	select {
	case <-s.stopped:
		return nil
	case <-time.After(stopGrace):
		return errors.New("program did not stop")
	}
}
