package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp"
	"github.com/MegaGrindStone/mcp/sessionstore"
)

const initializePayload = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
	`"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`

var testInfo = mcp.Info{Name: "test-server", Version: "1.0"}

// newTestRegistry returns the capability set shared by the tests: six tools, a static
// resource, a resource template with completions and a prompt with a required argument.
func newTestRegistry(t *testing.T) *mcp.MemoryRegistry {
	t.Helper()

	reg := mcp.NewMemoryRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		reg.AddTool(mcp.Tool{Name: name}, func(context.Context, json.RawMessage) (any, error) {
			return name, nil
		})
	}
	reg.AddTool(mcp.Tool{Name: "progress"}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		report := mcp.ProgressFromContext(ctx)
		for i := 1; i <= 3; i++ {
			report(float64(i), 3, "working")
		}
		return "done", nil
	})
	reg.AddTool(mcp.Tool{Name: "fail"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	reg.AddTool(mcp.Tool{Name: "log"}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		if err := mcp.EmitLog(ctx, mcp.LogLevelDebug, "tool", "debug line"); err != nil {
			return nil, err
		}
		if err := mcp.EmitLog(ctx, mcp.LogLevelWarning, "tool", "warning line"); err != nil {
			return nil, err
		}
		return "logged", nil
	})

	reg.AddResource(mcp.Resource{URI: "file:///a.txt", Name: "a"}, func(context.Context, string) (any, error) {
		return "hello", nil
	})
	err := reg.AddResourceTemplate(
		mcp.ResourceTemplate{URITemplate: "users://{id}/profile", Name: "profile"},
		func(_ context.Context, uri string) (any, error) {
			return "profile of " + uri, nil
		},
		map[string]mcp.CompletionProvider{"id": mcp.ListCompletion{"alice", "bob", "bart"}},
	)
	if err != nil {
		t.Fatalf("failed to add resource template: %v", err)
	}

	reg.AddPrompt(mcp.Prompt{
		Name:        "greet",
		Description: "Greets someone",
		Arguments:   []mcp.PromptArgument{{Name: "name", Required: true}},
	}, func(_ context.Context, args map[string]string) (any, error) {
		return "Hello, " + args["name"], nil
	}, map[string]mcp.CompletionProvider{"name": mcp.ListCompletion{"Ann", "Bob"}})

	return reg
}

// inProcessSuite runs a Server over an in-process transport pair with a connected Client.
type inProcessSuite struct {
	server *mcp.Server
	store  *sessionstore.Memory
	client *mcp.Client

	cancel context.CancelFunc
	served chan error
}

func newInProcessSuite(t *testing.T, clientOpts ...mcp.ClientOption) *inProcessSuite {
	t.Helper()

	s := &inProcessSuite{
		store:  sessionstore.NewMemory(time.Minute),
		served: make(chan error, 1),
	}
	s.server = mcp.NewServer(testInfo, s.store,
		mcp.WithRegistry(newTestRegistry(t)),
		mcp.WithInstructions("test instructions"),
		mcp.WithPageSize(2),
	)

	serverTransport, clientTransport := mcp.NewInProcess()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		s.served <- s.server.Serve(ctx, serverTransport)
	}()

	s.client = mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, clientTransport, clientOpts...)
	if err := s.client.Connect(ctx); err != nil {
		cancel()
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(s.shutdown)
	return s
}

func (s *inProcessSuite) shutdown() {
	_ = s.client.Close()
	s.cancel()
	<-s.served
}

// fakeClock is a settable time source for session stores.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustRequest(t *testing.T, id int64, method string, params any) string {
	t.Helper()

	req, err := mcp.NewRequest(mcp.NewRequestID(id), method, params)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	bs, err := mcp.Encode(req)
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	return string(bs)
}

func asJSONRPCError(err error) (*mcp.JSONRPCError, bool) {
	var jErr *mcp.JSONRPCError
	ok := errors.As(err, &jErr)
	return jErr, ok
}
