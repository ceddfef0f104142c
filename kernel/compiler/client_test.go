package compiler_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/robolab/kernel/compiler"
	"github.com/nmxmxh/robolab/kernel/runtime"
	"github.com/nmxmxh/robolab/kernel/utils"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newClient(url string, threshold uint32) *compiler.Client {
	return compiler.New(compiler.Config{
		BaseURL:          url + "/",
		Timeout:          time.Second,
		FailureThreshold: threshold,
		OpenInterval:     time.Minute,
		AcceptBrotli:     true,
		Logger:           utils.NopLogger(),
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// ========== SUCCESS CASES ==========

func TestCompile_ReturnsModule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/compile", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req compiler.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c", req.Language)
		assert.Equal(t, "int main() { return 0; }", req.Code)

		writeJSON(t, w, map[string]string{
			"module": base64.StdEncoding.EncodeToString(wasmMagic),
			"stdout": "ok",
		})
	}))
	defer srv.Close()

	res, err := newClient(srv.URL, 3).Compile(context.Background(), runtime.LanguageC, "int main() { return 0; }")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, wasmMagic, res.Module)
	assert.Equal(t, "ok", res.Stdout)
}

func TestCompile_DecodesBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "br", r.Header.Get("Accept-Encoding"))

		body, err := json.Marshal(map[string]string{"module": base64.StdEncoding.EncodeToString(wasmMagic)})
		require.NoError(t, err)
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, err = bw.Write(body)
		require.NoError(t, err)
		require.NoError(t, bw.Close())

		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	res, err := newClient(srv.URL, 3).Compile(context.Background(), runtime.LanguageCpp, "int main() {}")
	require.NoError(t, err)
	assert.Equal(t, wasmMagic, res.Module)
}

func TestCompile_DiagnosticsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, map[string]string{"stderr": "main.c:1: error: expected ';'"})
	}))
	defer srv.Close()

	client := newClient(srv.URL, 2)
	for i := 0; i < 5; i++ {
		res, err := client.Compile(context.Background(), runtime.LanguageC, "int main() { return 0 }")
		var ce *compiler.CompileError
		require.ErrorAs(t, err, &ce)
		assert.Contains(t, ce.Diagnostics, "expected ';'")
		require.NotNil(t, res)
		assert.False(t, res.OK())
	}
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, "closed", client.State())
}

// ========== FAILURE CASES ==========

func TestCompile_ServiceErrorsOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "toolchain crashed", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newClient(srv.URL, 2)
	for i := 0; i < 2; i++ {
		_, err := client.Compile(context.Background(), runtime.LanguageC, "x")
		var se *compiler.ServiceError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadGateway, se.Status)
		assert.Equal(t, "toolchain crashed", se.Body)
	}
	assert.Equal(t, "open", client.State())

	_, err := client.Compile(context.Background(), runtime.LanguageC, "x")
	assert.ErrorIs(t, err, compiler.ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "open breaker does not reach the service")
}

func TestCompile_RejectsInterpretedLanguages(t *testing.T) {
	client := newClient("http://127.0.0.1:1", 1)
	_, err := client.Compile(context.Background(), runtime.LanguagePython, "print(1)")
	assert.ErrorIs(t, err, compiler.ErrNotCompiled)
	assert.Equal(t, "closed", client.State())
}

func TestCompile_BadPayloads(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{"))
		},
		"bad base64": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"module":"***"}`))
		},
		"unknown encoding": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write([]byte("x"))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			_, err := newClient(srv.URL, 5).Compile(context.Background(), runtime.LanguageC, "x")
			assert.Error(t, err)
		})
	}
}

func TestCompile_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := newClient(srv.URL, 1)
	_, err := client.Compile(ctx, runtime.LanguageC, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", client.State())
}
