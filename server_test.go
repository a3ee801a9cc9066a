package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp"
	"github.com/MegaGrindStone/mcp/sessionstore"
	"github.com/google/uuid"
)

func newProcessServer(t *testing.T, opts ...mcp.ServerOption) (*mcp.Server, *sessionstore.Memory) {
	t.Helper()

	store := sessionstore.NewMemory(time.Minute)
	opts = append([]mcp.ServerOption{mcp.WithRegistry(newTestRegistry(t)), mcp.WithSessionGCProbability(0)}, opts...)
	return mcp.NewServer(testInfo, store, opts...), store
}

func initializeSession(t *testing.T, srv *mcp.Server) string {
	t.Helper()

	out := srv.Process(context.Background(), []byte(initializePayload), "")
	if out.Status != http.StatusOK {
		t.Fatalf("expected initialize status 200, got %d: %s", out.Status, encodeOutcome(t, out))
	}
	if out.SessionID == "" {
		t.Fatal("expected initialize to create a session")
	}
	return out.SessionID
}

func encodeOutcome(t *testing.T, out mcp.Outcome) string {
	t.Helper()

	bs, err := mcp.Encode(out.Replies...)
	if err != nil {
		t.Fatalf("failed to encode replies: %v", err)
	}
	return string(bs)
}

func TestProcessInitialize(t *testing.T) {
	srv, store := newProcessServer(t, mcp.WithInstructions("be nice"))

	out := srv.Process(context.Background(), []byte(initializePayload), "")
	if out.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", out.Status)
	}
	if len(out.Replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(out.Replies))
	}
	resp, ok := out.Replies[0].(*mcp.Response)
	if !ok {
		t.Fatalf("expected a response, got %s", encodeOutcome(t, out))
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("expected protocol version %s, got %s", mcp.ProtocolVersion, result.ProtocolVersion)
	}
	if result.ServerInfo != testInfo {
		t.Errorf("expected server info %+v, got %+v", testInfo, result.ServerInfo)
	}
	if result.Instructions != "be nice" {
		t.Errorf("expected instructions, got %q", result.Instructions)
	}
	if result.Capabilities.Tools == nil || result.Capabilities.Resources == nil || !result.Capabilities.Resources.Subscribe {
		t.Errorf("expected tools and subscribable resources, got %+v", result.Capabilities)
	}

	id, err := uuid.Parse(out.SessionID)
	if err != nil {
		t.Fatalf("expected a uuid session id, got %q", out.SessionID)
	}
	doc, ok, err := store.Read(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("expected the session to be persisted: %v (%v)", err, ok)
	}
	sess, err := mcp.RestoreSession(id, doc)
	if err != nil {
		t.Fatalf("failed to restore session: %v", err)
	}
	info, ok := mcp.SessionValue[mcp.Info](sess, mcp.SessionKeyClientInfo)
	if !ok || info.Name != "test-client" {
		t.Errorf("expected client info in session, got %+v (%v)", info, ok)
	}
}

func TestProcessInitializeUnknownVersion(t *testing.T) {
	srv, _ := newProcessServer(t)

	payload := strings.Replace(initializePayload, "2025-03-26", "1999-01-01", 1)
	out := srv.Process(context.Background(), []byte(payload), "")
	resp, ok := out.Replies[0].(*mcp.Response)
	if !ok {
		t.Fatalf("expected a response, got %s", encodeOutcome(t, out))
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("expected the server to answer with %s, got %s", mcp.ProtocolVersion, result.ProtocolVersion)
	}
}

func TestProcessProtocolFailures(t *testing.T) {
	srv, _ := newProcessServer(t)
	existing := initializeSession(t, srv)

	type testCase struct {
		name      string
		payload   string
		sessionID string
		status    int
		code      int
		id        string
	}

	testCases := []testCase{
		{
			name:    "missing session",
			payload: `{"jsonrpc":"2.0","id":2,"method":"ping"}`,
			status:  http.StatusBadRequest,
			code:    mcp.CodeInvalidRequest,
			id:      "2",
		},
		{
			name:      "malformed session id",
			payload:   `{"jsonrpc":"2.0","id":3,"method":"ping"}`,
			sessionID: "not-a-uuid",
			status:    http.StatusBadRequest,
			code:      mcp.CodeInvalidRequest,
			id:        "3",
		},
		{
			name:      "unknown session",
			payload:   `{"jsonrpc":"2.0","id":4,"method":"ping"}`,
			sessionID: uuid.NewString(),
			status:    http.StatusNotFound,
			code:      mcp.CodeInvalidRequest,
			id:        "4",
		},
		{
			name:    "initialize in a batch",
			payload: "[" + initializePayload + `,{"jsonrpc":"2.0","id":2,"method":"ping"}]`,
			status:  http.StatusBadRequest,
			code:    mcp.CodeInvalidRequest,
		},
		{
			name:      "initialize with a session",
			payload:   initializePayload,
			sessionID: existing,
			status:    http.StatusBadRequest,
			code:      mcp.CodeInvalidRequest,
			id:        "1",
		},
		{
			name:    "unparsable payload",
			payload: `{"jsonrpc":"2.0",`,
			status:  http.StatusBadRequest,
			code:    mcp.CodeParseError,
		},
		{
			name:    "empty batch",
			payload: `[]`,
			status:  http.StatusBadRequest,
			code:    mcp.CodeInvalidRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := srv.Process(context.Background(), []byte(tc.payload), tc.sessionID)
			if out.Status != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, out.Status)
			}
			if len(out.Replies) != 1 {
				t.Fatalf("expected 1 reply, got %d", len(out.Replies))
			}
			errResp, ok := out.Replies[0].(*mcp.ErrorResponse)
			if !ok {
				t.Fatalf("expected an error response, got %s", encodeOutcome(t, out))
			}
			if errResp.Error.Code != tc.code {
				t.Errorf("expected code %d, got %d", tc.code, errResp.Error.Code)
			}
			if errResp.ID.String() != tc.id {
				t.Errorf("expected id %q, got %q", tc.id, errResp.ID.String())
			}
		})
	}
}

func TestProcessBatch(t *testing.T) {
	srv, _ := newProcessServer(t)
	sessionID := initializeSession(t, srv)

	payload := `[{"jsonrpc":"2.0","id":1,"method":"ping"},` +
		`{"jsonrpc":"2.0","id":2,"method":"unknown/method"},` +
		`{"jsonrpc":"2.0","method":"notifications/initialized"},` +
		`{"jsonrpc":"2.0","id":"three","method":"tools/call","params":{"name":"alpha"}}]`
	out := srv.Process(context.Background(), []byte(payload), sessionID)
	if out.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", out.Status)
	}
	if len(out.Replies) != 3 {
		t.Fatalf("expected 3 replies, got %s", encodeOutcome(t, out))
	}

	if r, ok := out.Replies[0].(*mcp.Response); !ok || r.ID.String() != "1" {
		t.Errorf("expected ping response first, got %#v", out.Replies[0])
	}
	if r, ok := out.Replies[1].(*mcp.ErrorResponse); !ok || r.Error.Code != mcp.CodeMethodNotFound || r.ID.String() != "2" {
		t.Errorf("expected method not found second, got %#v", out.Replies[1])
	}
	r, ok := out.Replies[2].(*mcp.Response)
	if !ok || r.ID.String() != "three" {
		t.Fatalf("expected tool response third, got %#v", out.Replies[2])
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(r.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal tool result: %v", err)
	}
	if result.Content[0].Text != "alpha" {
		t.Errorf("expected tool output alpha, got %+v", result.Content)
	}
}

func TestProcessNotificationsOnly(t *testing.T) {
	srv, store := newProcessServer(t)
	sessionID := initializeSession(t, srv)

	out := srv.Process(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), sessionID)
	if out.Status != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", out.Status)
	}
	if len(out.Replies) != 0 {
		t.Errorf("expected no replies, got %s", encodeOutcome(t, out))
	}

	doc, _, err := store.Read(context.Background(), uuid.MustParse(sessionID))
	if err != nil {
		t.Fatalf("failed to read session: %v", err)
	}
	sess, err := mcp.RestoreSession(uuid.MustParse(sessionID), doc)
	if err != nil {
		t.Fatalf("failed to restore session: %v", err)
	}
	if initialized, _ := mcp.SessionValue[bool](sess, mcp.SessionKeyInitialized); !initialized {
		t.Error("expected the session to be marked initialized")
	}
}

func TestProcessPersistsBetweenCycles(t *testing.T) {
	srv, store := newProcessServer(t)
	sessionID := initializeSession(t, srv)
	ctx := context.Background()

	out := srv.Process(ctx, []byte(mustRequest(t, 2, mcp.MethodLoggingSetLevel, mcp.SetLogLevelParams{
		Level: mcp.LogLevelError,
	})), sessionID)
	if out.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", out.Status, encodeOutcome(t, out))
	}
	out = srv.Process(ctx, []byte(mustRequest(t, 3, mcp.MethodResourcesSubscribe, mcp.SubscribeResourceParams{
		URI: "file:///a.txt",
	})), sessionID)
	if out.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", out.Status, encodeOutcome(t, out))
	}

	id := uuid.MustParse(sessionID)
	doc, ok, err := store.Read(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected stored session: %v (%v)", err, ok)
	}
	sess, err := mcp.RestoreSession(id, doc)
	if err != nil {
		t.Fatalf("failed to restore session: %v", err)
	}
	if lvl, _ := mcp.SessionValue[string](sess, mcp.SessionKeyLogLevel); lvl != "error" {
		t.Errorf("expected log level error, got %q", lvl)
	}
	if subs, _ := mcp.SessionValue[[]string](sess, mcp.SessionKeySubscriptions); len(subs) != 1 {
		t.Errorf("expected one subscription, got %v", subs)
	}

	srv.EndSession(ctx, sessionID)
	if ok, _ := store.Exists(ctx, id); ok {
		t.Error("expected EndSession to destroy the session")
	}
	out = srv.Process(ctx, []byte(mustRequest(t, 4, mcp.MethodPing, nil)), sessionID)
	if out.Status != http.StatusNotFound {
		t.Errorf("expected status 404 after end, got %d", out.Status)
	}
}

func TestMethodHandlerChain(t *testing.T) {
	type testCase struct {
		name    string
		handler mcp.HandlerFunc
		status  int
		check   func(t *testing.T, reply mcp.Message)
	}

	testCases := []testCase{
		{
			name: "nil reply falls through to builtin",
			handler: func(context.Context, mcp.Message, *mcp.Session) (mcp.Message, error) {
				return nil, nil
			},
			status: http.StatusOK,
			check: func(t *testing.T, reply mcp.Message) {
				if _, ok := reply.(*mcp.Response); !ok {
					t.Errorf("expected builtin ping response, got %#v", reply)
				}
			},
		},
		{
			name: "first reply wins",
			handler: func(_ context.Context, msg mcp.Message, _ *mcp.Session) (mcp.Message, error) {
				return mcp.NewResponse(msg.(*mcp.Request).ID, map[string]string{"from": "custom"})
			},
			status: http.StatusOK,
			check: func(t *testing.T, reply mcp.Message) {
				resp, ok := reply.(*mcp.Response)
				if !ok || !strings.Contains(string(resp.Result), "custom") {
					t.Errorf("expected custom response, got %#v", reply)
				}
			},
		},
		{
			name: "silent drop emits nothing",
			handler: func(context.Context, mcp.Message, *mcp.Session) (mcp.Message, error) {
				return nil, mcp.ErrSilentDrop
			},
			status: http.StatusAccepted,
		},
		{
			name: "invalid params error",
			handler: func(context.Context, mcp.Message, *mcp.Session) (mcp.Message, error) {
				return nil, fmt.Errorf("%w: missing field", mcp.ErrInvalidParams)
			},
			status: http.StatusOK,
			check: func(t *testing.T, reply mcp.Message) {
				errResp, ok := reply.(*mcp.ErrorResponse)
				if !ok || errResp.Error.Code != mcp.CodeInvalidParams {
					t.Errorf("expected invalid params, got %#v", reply)
				}
			},
		},
		{
			name: "typed error keeps its code",
			handler: func(context.Context, mcp.Message, *mcp.Session) (mcp.Message, error) {
				return nil, &mcp.JSONRPCError{Code: -32050, Message: "custom failure"}
			},
			status: http.StatusOK,
			check: func(t *testing.T, reply mcp.Message) {
				errResp, ok := reply.(*mcp.ErrorResponse)
				if !ok || errResp.Error.Code != -32050 || errResp.Error.Message != "custom failure" {
					t.Errorf("expected custom error, got %#v", reply)
				}
			},
		},
		{
			name: "unexpected error is masked",
			handler: func(context.Context, mcp.Message, *mcp.Session) (mcp.Message, error) {
				return nil, errors.New("database password is hunter2")
			},
			status: http.StatusOK,
			check: func(t *testing.T, reply mcp.Message) {
				errResp, ok := reply.(*mcp.ErrorResponse)
				if !ok || errResp.Error.Code != mcp.CodeInternalError {
					t.Fatalf("expected internal error, got %#v", reply)
				}
				if strings.Contains(errResp.Error.Message, "hunter2") {
					t.Errorf("expected the cause to stay private, got %q", errResp.Error.Message)
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			handler := mcp.HandlerFunc(func(ctx context.Context, msg mcp.Message, sess *mcp.Session) (mcp.Message, error) {
				calls.Add(1)
				return tc.handler(ctx, msg, sess)
			})
			srv, _ := newProcessServer(t, mcp.WithMethodHandler(mcp.MethodPing, handler))
			sessionID := initializeSession(t, srv)

			out := srv.Process(context.Background(), []byte(mustRequest(t, 9, mcp.MethodPing, nil)), sessionID)
			if out.Status != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, out.Status)
			}
			if calls.Load() != 1 {
				t.Errorf("expected the custom handler to run once, ran %d times", calls.Load())
			}
			if tc.check == nil {
				if len(out.Replies) != 0 {
					t.Errorf("expected no replies, got %s", encodeOutcome(t, out))
				}
				return
			}
			if len(out.Replies) != 1 {
				t.Fatalf("expected 1 reply, got %d", len(out.Replies))
			}
			tc.check(t, out.Replies[0])
		})
	}
}

func TestNotificationHandlersAllRun(t *testing.T) {
	var first, second atomic.Int32
	counting := func(n *atomic.Int32) mcp.HandlerFunc {
		return func(context.Context, mcp.Message, *mcp.Session) (mcp.Message, error) {
			n.Add(1)
			return nil, nil
		}
	}
	srv, _ := newProcessServer(t,
		mcp.WithMethodHandler(mcp.MethodNotificationsRootsListChanged, counting(&first)),
		mcp.WithMethodHandler(mcp.MethodNotificationsRootsListChanged, counting(&second)),
	)
	sessionID := initializeSession(t, srv)

	payload := `{"jsonrpc":"2.0","method":"notifications/roots/list_changed"}`
	out := srv.Process(context.Background(), []byte(payload), sessionID)
	if out.Status != http.StatusAccepted || len(out.Replies) != 0 {
		t.Errorf("expected 202 without replies, got %d: %s", out.Status, encodeOutcome(t, out))
	}
	if first.Load() != 1 || second.Load() != 1 {
		t.Errorf("expected both handlers to run once, got %d and %d", first.Load(), second.Load())
	}
}

func TestProcessBatchElementWithoutMethod(t *testing.T) {
	srv, _ := newProcessServer(t)
	sessionID := initializeSession(t, srv)

	payload := `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2}]`
	out := srv.Process(context.Background(), []byte(payload), sessionID)
	if out.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", out.Status)
	}
	if len(out.Replies) != 2 {
		t.Fatalf("expected 2 replies, got %s", encodeOutcome(t, out))
	}
	if r, ok := out.Replies[0].(*mcp.Response); !ok || r.ID.String() != "1" {
		t.Errorf("expected ping response first, got %#v", out.Replies[0])
	}
	r, ok := out.Replies[1].(*mcp.ErrorResponse)
	if !ok || r.Error.Code != mcp.CodeParseError || r.ID.String() != "2" {
		t.Errorf("expected parse error for id 2, got %#v", out.Replies[1])
	}
}

func TestProcessUnusualHandlerResults(t *testing.T) {
	reg := mcp.NewMemoryRegistry()
	reg.AddTool(mcp.Tool{Name: "nil-result"}, func(context.Context, json.RawMessage) (any, error) {
		return (*mcp.CallToolResult)(nil), nil
	})
	reg.AddTool(mcp.Tool{Name: "explode"}, func(context.Context, json.RawMessage) (any, error) {
		panic("kaboom")
	})
	reg.AddResource(mcp.Resource{URI: "file:///nil"}, func(context.Context, string) (any, error) {
		return (*mcp.ReadResourceResult)(nil), nil
	})
	reg.AddResource(mcp.Resource{URI: "file:///gone"}, func(_ context.Context, uri string) (any, error) {
		return nil, fmt.Errorf("lookup in secret-db failed for %s: %w", uri, mcp.ErrResourceNotFound)
	})
	reg.AddPrompt(mcp.Prompt{Name: "nil-prompt", Description: "empty"}, func(context.Context, map[string]string) (any, error) {
		return (*mcp.GetPromptResult)(nil), nil
	}, nil)

	srv, _ := newProcessServer(t, mcp.WithRegistry(reg))
	sessionID := initializeSession(t, srv)

	type testCase struct {
		name   string
		method string
		params any
		check  func(t *testing.T, reply mcp.Message)
	}

	testCases := []testCase{
		{
			name:   "nil tool result",
			method: mcp.MethodToolsCall,
			params: mcp.CallToolParams{Name: "nil-result"},
			check: func(t *testing.T, reply mcp.Message) {
				resp, ok := reply.(*mcp.Response)
				if !ok || !strings.Contains(string(resp.Result), `"content":[]`) {
					t.Errorf("expected an empty tool result, got %#v", reply)
				}
			},
		},
		{
			name:   "panicking tool",
			method: mcp.MethodToolsCall,
			params: mcp.CallToolParams{Name: "explode"},
			check: func(t *testing.T, reply mcp.Message) {
				errResp, ok := reply.(*mcp.ErrorResponse)
				if !ok || errResp.Error.Code != mcp.CodeInternalError {
					t.Fatalf("expected internal error, got %#v", reply)
				}
				if strings.Contains(errResp.Error.Message, "kaboom") {
					t.Errorf("expected the panic value to stay private, got %q", errResp.Error.Message)
				}
			},
		},
		{
			name:   "nil resource result",
			method: mcp.MethodResourcesRead,
			params: mcp.ReadResourceParams{URI: "file:///nil"},
			check: func(t *testing.T, reply mcp.Message) {
				resp, ok := reply.(*mcp.Response)
				if !ok || !strings.Contains(string(resp.Result), `"contents":[]`) {
					t.Errorf("expected empty contents, got %#v", reply)
				}
			},
		},
		{
			name:   "resource not found hides the cause",
			method: mcp.MethodResourcesRead,
			params: mcp.ReadResourceParams{URI: "file:///gone"},
			check: func(t *testing.T, reply mcp.Message) {
				errResp, ok := reply.(*mcp.ErrorResponse)
				if !ok || errResp.Error.Code != mcp.CodeResourceNotFound {
					t.Fatalf("expected resource not found, got %#v", reply)
				}
				if errResp.Error.Message != "Resource not found" {
					t.Errorf("expected a fixed message, got %q", errResp.Error.Message)
				}
				data, _ := json.Marshal(errResp.Error.Data)
				if string(data) != `{"uri":"file:///gone"}` {
					t.Errorf("expected the uri as data, got %s", data)
				}
			},
		},
		{
			name:   "nil prompt result",
			method: mcp.MethodPromptsGet,
			params: mcp.GetPromptParams{Name: "nil-prompt"},
			check: func(t *testing.T, reply mcp.Message) {
				resp, ok := reply.(*mcp.Response)
				if !ok || !strings.Contains(string(resp.Result), `"messages":[]`) {
					t.Errorf("expected no prompt messages, got %#v", reply)
				}
			},
		},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := srv.Process(context.Background(), []byte(mustRequest(t, int64(i+10), tc.method, tc.params)), sessionID)
			if len(out.Replies) != 1 {
				t.Fatalf("expected 1 reply, got %s", encodeOutcome(t, out))
			}
			tc.check(t, out.Replies[0])
		})
	}

	// The server keeps serving after a panic.
	out := srv.Process(context.Background(), []byte(mustRequest(t, 99, mcp.MethodPing, nil)), sessionID)
	if _, ok := out.Replies[0].(*mcp.Response); !ok {
		t.Errorf("expected ping to succeed, got %s", encodeOutcome(t, out))
	}
}

func TestMethodHandlerSeesSessionAndAttributes(t *testing.T) {
	var gotMeta map[string]any
	var gotSession bool
	handler := mcp.HandlerFunc(func(ctx context.Context, msg mcp.Message, sess *mcp.Session) (mcp.Message, error) {
		req := msg.(*mcp.Request)
		gotMeta = req.Meta()
		ctxSess, ok := mcp.SessionFromContext(ctx)
		gotSession = ok && ctxSess.ID() == sess.ID()
		return nil, nil
	})
	srv, _ := newProcessServer(t, mcp.WithMethodHandler(mcp.MethodToolsList, handler))
	sessionID := initializeSession(t, srv)

	ctx := mcp.WithRequestAttributes(context.Background(), map[string]any{"user": "ann"})
	out := srv.Process(ctx, []byte(`{"jsonrpc":"2.0","id":5,"method":"tools/list","params":{"_meta":{"trace":"t1"}}}`), sessionID)
	if out.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", out.Status, encodeOutcome(t, out))
	}
	if gotMeta["user"] != "ann" || gotMeta["trace"] != "t1" {
		t.Errorf("expected merged meta, got %v", gotMeta)
	}
	if !gotSession {
		t.Error("expected the session in the handler context")
	}
}

func TestProcessListPagination(t *testing.T) {
	srv, _ := newProcessServer(t, mcp.WithPageSize(4))
	sessionID := initializeSession(t, srv)
	ctx := context.Background()

	var names []string
	cursor := ""
	for i := range 5 {
		out := srv.Process(ctx, []byte(mustRequest(t, int64(i+2), mcp.MethodToolsList, mcp.ListToolsParams{Cursor: cursor})), sessionID)
		resp, ok := out.Replies[0].(*mcp.Response)
		if !ok {
			t.Fatalf("expected a response, got %s", encodeOutcome(t, out))
		}
		var page mcp.ListToolsResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			t.Fatalf("failed to unmarshal page: %v", err)
		}
		if len(page.Tools) > 4 {
			t.Fatalf("expected at most 4 tools per page, got %d", len(page.Tools))
		}
		for _, tool := range page.Tools {
			names = append(names, tool.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if got := strings.Join(names, ","); got != "alpha,beta,gamma,progress,fail,log" {
		t.Errorf("unexpected tools across pages: %s", got)
	}

	out := srv.Process(ctx, []byte(mustRequest(t, 20, mcp.MethodToolsList, mcp.ListToolsParams{Cursor: "%%%"})), sessionID)
	errResp, ok := out.Replies[0].(*mcp.ErrorResponse)
	if !ok || errResp.Error.Code != mcp.CodeInvalidParams {
		t.Errorf("expected invalid params for a bad cursor, got %s", encodeOutcome(t, out))
	}
}

func TestProcessWithoutRegistry(t *testing.T) {
	srv := mcp.NewServer(testInfo, sessionstore.NewMemory(time.Minute), mcp.WithSessionGCProbability(0))
	sessionID := initializeSession(t, srv)

	out := srv.Process(context.Background(), []byte(mustRequest(t, 2, mcp.MethodToolsList, nil)), sessionID)
	errResp, ok := out.Replies[0].(*mcp.ErrorResponse)
	if !ok || errResp.Error.Code != mcp.CodeMethodNotFound {
		t.Errorf("expected method not found without a registry, got %s", encodeOutcome(t, out))
	}
	if caps := srv.Capabilities(); caps.Tools != nil || caps.Logging == nil {
		t.Errorf("expected logging only, got %+v", caps)
	}
}

func TestProcessCollectsGarbage(t *testing.T) {
	clock := newFakeClock()
	store := sessionstore.NewMemory(time.Minute, sessionstore.WithClock(clock.Now))
	srv := mcp.NewServer(testInfo, store, mcp.WithSessionGCProbability(1))

	first := initializeSession(t, srv)
	clock.Advance(2 * time.Minute)
	second := initializeSession(t, srv)

	eventually(t, time.Second, func() bool { return store.Len() == 1 }, "expired session collected")

	ctx := context.Background()
	if ok, _ := store.Exists(ctx, uuid.MustParse(first)); ok {
		t.Error("expected the expired session to be gone")
	}
	if ok, _ := store.Exists(ctx, uuid.MustParse(second)); !ok {
		t.Error("expected the fresh session to survive")
	}
}
