package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config {
	return config{
		Transport:      transportHTTP,
		Store:          storeMemory,
		SessionTTL:     time.Minute,
		GCInterval:     time.Minute,
		UpdateInterval: time.Hour,
		PageSize:       20,
		LogLevel:       slog.LevelError,
		LogFormat:      "text",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		e := &engine{logger: discardLogger()}
		store, err := e.newStore(ctx, testConfig())
		require.NoError(t, err)
		assertStoreRoundTrip(t, store)
	})

	t.Run("file", func(t *testing.T) {
		cfg := testConfig()
		cfg.Store = storeFile
		cfg.StoreDir = t.TempDir()

		e := &engine{logger: discardLogger()}
		store, err := e.newStore(ctx, cfg)
		require.NoError(t, err)
		assertStoreRoundTrip(t, store)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.Store = storeRedis
		cfg.RedisAddr = mr.Addr()
		cfg.RedisPrefix = "engine"

		e := &engine{logger: discardLogger()}
		store, err := e.newStore(ctx, cfg)
		require.NoError(t, err)
		defer e.close()

		id := assertStoreRoundTrip(t, store)
		assert.Equal(t, []string{"engine:" + id.String()}, mr.Keys())
		assert.Equal(t, time.Minute, mr.TTL("engine:"+id.String()))
	})

	t.Run("unreachable redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig()
		cfg.Store = storeRedis
		cfg.RedisAddr = addr

		e := &engine{logger: discardLogger()}
		_, err := e.newStore(ctx, cfg)
		assert.Error(t, err)
	})
}

func assertStoreRoundTrip(t *testing.T, store mcp.SessionStore) uuid.UUID {
	t.Helper()

	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, store.Write(ctx, id, []byte(`{"k":"v"}`)))

	data, ok, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"k":"v"}`, string(data))
	return id
}

// startHTTPEngine serves a freshly wired engine on an httptest server and returns its URL.
func startHTTPEngine(t *testing.T, cfg config) string {
	t.Helper()

	e, err := newEngine(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	transport := mcp.NewStreamableHTTP("")
	ts := httptest.NewServer(transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.run(ctx, transport, cfg.GCInterval)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		ts.Close()
		_ = e.close()
	})

	require.Eventually(t, func() bool {
		resp, err := ts.Client().Post(ts.URL, "application/json", strings.NewReader(`{}`))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode != http.StatusServiceUnavailable
	}, 2*time.Second, 10*time.Millisecond)
	return ts.URL
}

func TestCallOverHTTP(t *testing.T) {
	cfg := testConfig()
	cfg.Streaming = true
	url := startHTTPEngine(t, cfg)
	ctx := context.Background()

	t.Run("result", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		opts := callOptions{url: url, args: `{"a":1,"b":2}`, timeout: 5 * time.Second}
		transport, err := newClientTransport(opts)
		require.NoError(t, err)

		require.NoError(t, runCall(ctx, transport, "add", opts, &stdout, &stderr))
		assert.Contains(t, stdout.String(), "The sum of 1 and 2 is 3")
	})

	t.Run("progress", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		opts := callOptions{url: url, args: `{"duration":0.02,"steps":2}`, timeout: 5 * time.Second, progress: true}
		transport, err := newClientTransport(opts)
		require.NoError(t, err)

		require.NoError(t, runCall(ctx, transport, "longRunningOperation", opts, &stdout, &stderr))
		assert.Contains(t, stdout.String(), "Long running operation completed")
		assert.Contains(t, stderr.String(), "progress 1/2 step 1 of 2")
		assert.Contains(t, stderr.String(), "progress 2/2 step 2 of 2")
	})

	t.Run("tool error", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		opts := callOptions{url: url, args: `{"a":1}`, timeout: 5 * time.Second}
		transport, err := newClientTransport(opts)
		require.NoError(t, err)

		err = runCall(ctx, transport, "add", opts, &stdout, &stderr)
		require.Error(t, err)
		assert.Contains(t, stdout.String(), `"isError": true`)
	})

	t.Run("unknown tool", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		opts := callOptions{url: url, args: `{}`, timeout: 5 * time.Second}
		transport, err := newClientTransport(opts)
		require.NoError(t, err)

		err = runCall(ctx, transport, "missing", opts, &stdout, &stderr)
		var jErr *mcp.JSONRPCError
		require.ErrorAs(t, err, &jErr)
		assert.Equal(t, mcp.CodeInvalidParams, jErr.Code)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		opts := callOptions{url: url, args: `{"a":`, timeout: 5 * time.Second}
		transport, err := newClientTransport(opts)
		require.NoError(t, err)

		err = runCall(ctx, transport, "add", opts, io.Discard, io.Discard)
		assert.ErrorContains(t, err, "must be a JSON object")
	})
}

func TestNewClientTransport(t *testing.T) {
	_, err := newClientTransport(callOptions{})
	assert.Error(t, err, "no server")

	_, err = newClientTransport(callOptions{url: "http://localhost", command: []string{"server"}})
	assert.Error(t, err, "both url and command")

	transport, err := newClientTransport(callOptions{command: []string{"mcp-engine", "serve"}})
	require.NoError(t, err)
	assert.IsType(t, &mcp.StdIOClient{}, transport)
}

func TestServeOverStdIO(t *testing.T) {
	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()
	defer clientReader.Close()

	cfg := testConfig()
	cfg.Transport = transportStdio

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, serverReader, serverWriter, io.Discard)
	}()

	var stdout, stderr bytes.Buffer
	opts := callOptions{args: `{"message":"hi"}`, timeout: 5 * time.Second}
	transport := mcp.NewStdIOClient(clientReader, clientWriter)
	require.NoError(t, runCall(ctx, transport, "echo", opts, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Echo: hi")

	// End of stdin stops the engine.
	require.NoError(t, clientWriter.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return at end of stdin")
	}
}
