package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp"
	"github.com/MegaGrindStone/mcp/sessionstore"
)

type stdioPipes struct {
	serverReader *io.PipeReader
	serverWriter *io.PipeWriter
	clientReader *io.PipeReader
	clientWriter *io.PipeWriter
}

func newStdioPipes() stdioPipes {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	return stdioPipes{
		serverReader: serverReader,
		serverWriter: serverWriter,
		clientReader: clientReader,
		clientWriter: clientWriter,
	}
}

func serveStdIO(t *testing.T, pipes stdioPipes) (*sessionstore.Memory, chan error) {
	t.Helper()

	store := sessionstore.NewMemory(time.Minute)
	srv := mcp.NewServer(testInfo, store, mcp.WithRegistry(newTestRegistry(t)))
	transport := mcp.NewStdIO(pipes.serverReader, pipes.serverWriter)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, transport)
	}()
	t.Cleanup(func() {
		cancel()
		_ = pipes.clientWriter.Close()
		_ = pipes.clientReader.Close()
	})
	return store, served
}

func TestStdIOClientSession(t *testing.T) {
	pipes := newStdioPipes()
	store, served := serveStdIO(t, pipes)

	var mu sync.Mutex
	var progress int
	client := mcp.NewClient(mcp.Info{Name: "stdio-client", Version: "1.0"},
		mcp.NewStdIOClient(pipes.clientReader, pipes.clientWriter))
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	tools, err := client.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools.Tools) != 6 {
		t.Errorf("expected 6 tools, got %d", len(tools.Tools))
	}

	res, err := client.CallTool(ctx, mcp.CallToolParams{Name: "progress"}, mcp.WithProgress(func(mcp.ProgressParams) {
		mu.Lock()
		progress++
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if res.Content[0].Text != "done" {
		t.Errorf("unexpected result: %+v", res)
	}
	mu.Lock()
	if progress != 3 {
		t.Errorf("expected 3 progress notifications, got %d", progress)
	}
	mu.Unlock()

	// Concurrent requests share the line stream and are correlated by id.
	var wg sync.WaitGroup
	for _, name := range []string{"alpha", "beta", "gamma"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.CallTool(ctx, mcp.CallToolParams{Name: name})
			if err != nil {
				t.Errorf("failed to call %s: %v", name, err)
				return
			}
			if res.Content[0].Text != name {
				t.Errorf("expected %s, got %s", name, res.Content[0].Text)
			}
		}()
	}
	wg.Wait()

	if store.Len() != 1 {
		t.Fatalf("expected one stored session, got %d", store.Len())
	}

	// End of stdin ends the session.
	if err := client.Close(); err != nil {
		t.Fatalf("failed to close client: %v", err)
	}
	_ = pipes.clientWriter.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("expected serve to end cleanly at end of stream, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return at end of stream")
	}
	if store.Len() != 0 {
		t.Errorf("expected the session to be destroyed, got %d stored", store.Len())
	}
}

func TestStdIORawLines(t *testing.T) {
	pipes := newStdioPipes()
	serveStdIO(t, pipes)

	lines := bufio.NewReader(pipes.clientReader)
	exchange := func(line string) map[string]any {
		t.Helper()

		if _, err := io.WriteString(pipes.clientWriter, line+"\n"); err != nil {
			t.Fatalf("failed to write line: %v", err)
		}
		reply, err := lines.ReadBytes('\n')
		if err != nil {
			t.Fatalf("failed to read reply: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(reply, &msg); err != nil {
			t.Fatalf("failed to unmarshal reply %q: %v", reply, err)
		}
		return msg
	}
	errorCode := func(msg map[string]any) float64 {
		errObj, _ := msg["error"].(map[string]any)
		code, _ := errObj["code"].(float64)
		return code
	}

	msg := exchange(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if errorCode(msg) != mcp.CodeInvalidRequest || msg["id"] != float64(1) {
		t.Errorf("expected session required error, got %v", msg)
	}

	msg = exchange(`{not json`)
	if errorCode(msg) != mcp.CodeParseError || msg["id"] != nil {
		t.Errorf("expected parse error with null id, got %v", msg)
	}

	msg = exchange(initializePayload)
	if _, ok := msg["result"].(map[string]any); !ok {
		t.Fatalf("expected initialize result, got %v", msg)
	}

	// Blank lines are skipped; the session learned from initialize is reused.
	msg = exchange("\n" + `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	if result, ok := msg["result"].(map[string]any); !ok || len(result) != 0 || msg["id"] != "p" {
		t.Errorf("expected empty ping result, got %v", msg)
	}

	msg = exchange(`[{"jsonrpc":"2.0","id":2,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"}]`)
	if msg["id"] != float64(2) {
		t.Errorf("expected a single reply for a batch with one request, got %v", msg)
	}
}
