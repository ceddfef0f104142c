// Package compiler talks to the compile service that turns C and C++
// sources into WebAssembly modules.
package compiler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/utils"
)

var (
	// ErrUnavailable is returned while the breaker is open.
	ErrUnavailable = errors.New("compile service unavailable")
	// ErrNotCompiled is returned for languages the service does not build.
	ErrNotCompiled = errors.New("language is not compiled")
)

// maxResponseBytes bounds a decoded response body.
const maxResponseBytes = 64 << 20

// Request is the compile request body.
type Request struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Result is a compile response. An empty Module means the source did not
// compile; Stderr carries the diagnostics.
type Result struct {
	Module []byte `json:"-"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// OK reports whether a module was produced.
func (r *Result) OK() bool { return len(r.Module) > 0 }

type response struct {
	Module string `json:"module"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// CompileError carries the diagnostics of a failed compile.
type CompileError struct {
	Diagnostics string
}

func (e *CompileError) Error() string {
	if e.Diagnostics == "" {
		return "compile failed"
	}
	return "compile failed:\n" + e.Diagnostics
}

// ServiceError is a non-2xx response. It counts against the breaker.
type ServiceError struct {
	Status int
	Body   string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("compile service returned %d: %s", e.Status, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// FailureThreshold consecutive service failures open the breaker.
	FailureThreshold uint32
	// OpenInterval is how long the breaker stays open before a trial request.
	OpenInterval time.Duration
	AcceptBrotli bool
	HTTPClient   *http.Client
	Logger       *utils.Logger
}

// Client compiles sources through the compile service.
type Client struct {
	baseURL      string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
	acceptBrotli bool
	logger       *utils.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("compiler")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenInterval <= 0 {
		cfg.OpenInterval = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		http:         cfg.HTTPClient,
		acceptBrotli: cfg.AcceptBrotli,
		logger:       cfg.Logger,
	}
	threshold := cfg.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "compiler",
		MaxRequests: 1,
		Timeout:     cfg.OpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Diagnostics and cancellations are not service failures.
		IsSuccessful: func(err error) bool {
			var ce *CompileError
			return err == nil || errors.As(err, &ce) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				utils.String("breaker", name),
				utils.String("from", from.String()),
				utils.String("to", to.String()))
		},
	})
	return c
}

// State returns the breaker state ("closed", "open", "half-open").
func (c *Client) State() string { return c.breaker.State().String() }

// Compile builds code. A source that does not compile returns a
// *CompileError alongside the result holding its output.
func (c *Client) Compile(ctx context.Context, lang runtime.Language, code string) (*Result, error) {
	if !lang.Compiled() {
		return nil, fmt.Errorf("%w: %s", ErrNotCompiled, lang)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, Request{Language: lang.String(), Code: code})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	result, _ := out.(*Result)
	if err != nil {
		var ce *CompileError
		if errors.As(err, &ce) {
			// gobreaker drops the value on error
			return &Result{Stderr: ce.Diagnostics}, err
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, body Request) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compile", bytes.NewReader(payload))
	if err != nil {
		return nil, utils.WrapError(err, "build compile request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.acceptBrotli {
		req.Header.Set("Accept-Encoding", "br")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, utils.WrapError(err, "compile request")
	}
	defer resp.Body.Close()

	reader, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, utils.WrapError(err, "read compile response")
	}

	c.logger.Debug("Compile response",
		utils.Int("status", resp.StatusCode),
		utils.String("encoding", resp.Header.Get("Content-Encoding")),
		utils.Int("bytes", len(data)),
		utils.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServiceError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, utils.WrapError(err, "decode compile response")
	}
	module, err := base64.StdEncoding.DecodeString(r.Module)
	if err != nil {
		return nil, utils.WrapError(err, "decode module")
	}
	result := &Result{Module: module, Stdout: r.Stdout, Stderr: r.Stderr}
	if !result.OK() {
		return nil, &CompileError{Diagnostics: r.Stderr}
	}
	return result, nil
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch enc := strings.ToLower(resp.Header.Get("Content-Encoding")); enc {
	case "", "identity":
		return resp.Body, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}
