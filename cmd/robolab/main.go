package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nmxmxh/robolab/kernel/compiler"
	"github.com/nmxmxh/robolab/kernel/config"
	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/utils"
)

func main() {
	configPath := flag.String("config", "", "Path to "+config.FileName+" (built-in defaults when empty)")
	lang := flag.String("lang", "", "Program language: c, cpp, python, blocks (default: from the file extension)")
	file := flag.String("file", "", "Program source, compiled .wasm module or block document")
	duration := flag.Duration("duration", 0, "Stop the program after this long (0 runs it to completion)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: robolab [options] -file <program>\n\n")
		fmt.Fprintf(os.Stderr, "Runs one program against the simulated robot and prints its console.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}
	os.Exit(run(*configPath, *lang, *file, *duration))
}

func run(configPath, langName, file string, duration time.Duration) int {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		cfg = loaded
	}
	logger := cfg.Logger("robolab")
	utils.SetGlobalLogger(logger)

	lang, err := detectLanguage(langName, file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	source, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := build(ctx, &cfg, lang, file, source)
	if err != nil {
		var ce *compiler.CompileError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.Diagnostics)
			return 1
		}
		logger.Error("Build failed", utils.Err(err))
		return 1
	}

	s, err := newSession(&cfg, logger)
	if err != nil {
		logger.Error("Failed to create session", utils.Err(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdown.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown incomplete", utils.Err(err))
		}
	}()

	result, err := s.runProgram(ctx, lang, code, duration)
	fmt.Print(result.console)
	if err != nil {
		logger.Error("Session failed", utils.Err(err))
		return 1
	}
	if result.failed {
		return 1
	}
	return 0
}

// detectLanguage prefers -lang and falls back to the file extension.
func detectLanguage(name, file string) (runtime.Language, error) {
	if name != "" {
		return runtime.ParseLanguage(name)
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".c", ".wasm":
		return runtime.LanguageC, nil
	case ".cpp", ".cc", ".cxx", ".hpp":
		return runtime.LanguageCpp, nil
	case ".py":
		return runtime.LanguagePython, nil
	case ".yaml", ".yml", ".json", ".blocks":
		return runtime.LanguageGraphical, nil
	}
	return runtime.LanguageUnknown, fmt.Errorf("cannot tell the language of %s; pass -lang", file)
}

// build returns the bytes the dispatcher runs: compiled modules for C and
// C++ sources, the source itself otherwise.
func build(ctx context.Context, cfg *config.Config, lang runtime.Language, file string, source []byte) ([]byte, error) {
	if !lang.Compiled() || strings.EqualFold(filepath.Ext(file), ".wasm") {
		return source, nil
	}
	client := compiler.New(compiler.Config{
		BaseURL:          cfg.Compiler.BaseURL,
		Timeout:          cfg.Compiler.Timeout.Duration,
		FailureThreshold: cfg.Compiler.FailureThreshold,
		OpenInterval:     cfg.Compiler.OpenInterval.Duration,
		AcceptBrotli:     cfg.Compiler.AcceptBrotli,
		Logger:           cfg.Logger("compiler"),
	})
	res, err := client.Compile(ctx, lang, string(source))
	if err != nil {
		return nil, err
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	return res.Module, nil
}
