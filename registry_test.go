package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/MegaGrindStone/mcp"
)

func TestMemoryRegistryPagination(t *testing.T) {
	reg := mcp.NewMemoryRegistry()
	for i := range 5 {
		reg.AddTool(mcp.Tool{Name: fmt.Sprintf("tool-%d", i)}, nil)
	}
	// Re-registering a name replaces the tool in place.
	reg.AddTool(mcp.Tool{Name: "tool-2", Description: "replaced"}, nil)

	ctx := context.Background()
	var names []string
	cursor := ""
	pages := 0
	for {
		page, err := reg.Tools(ctx, 2, cursor)
		if err != nil {
			t.Fatalf("failed to list tools: %v", err)
		}
		pages++
		for _, tool := range page.Items {
			names = append(names, tool.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	want := []string{"tool-0", "tool-1", "tool-2", "tool-3", "tool-4"}
	if !slices.Equal(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}

	all, err := reg.Tools(ctx, 0, "")
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(all.Items) != 5 || all.NextCursor != "" {
		t.Errorf("expected a single unbounded page, got %d items and cursor %q", len(all.Items), all.NextCursor)
	}
	if all.Items[2].Description != "replaced" {
		t.Errorf("expected the replaced tool, got %+v", all.Items[2])
	}
}

func TestMemoryRegistryInvalidCursor(t *testing.T) {
	reg := mcp.NewMemoryRegistry()
	reg.AddPrompt(mcp.Prompt{Name: "only"}, nil, nil)

	type testCase struct {
		name   string
		cursor string
	}

	testCases := []testCase{
		{name: "not base64", cursor: "%%%"},
		{name: "not a number", cursor: "YWJj"},
		{name: "negative", cursor: "LTE="},
		{name: "out of range", cursor: "OTk="},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Prompts(context.Background(), 10, tc.cursor)
			if !errors.Is(err, mcp.ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestMemoryRegistryResources(t *testing.T) {
	reg := mcp.NewMemoryRegistry()
	reg.AddResource(mcp.Resource{URI: "notes://pinned/readme", Name: "readme"}, nil)
	err := reg.AddResourceTemplate(mcp.ResourceTemplate{
		URITemplate: "notes://{folder}/{name}",
		Name:        "note",
		MimeType:    "text/markdown",
	}, nil, nil)
	if err != nil {
		t.Fatalf("failed to add template: %v", err)
	}

	type testCase struct {
		name     string
		uri      string
		found    bool
		wantName string
	}

	testCases := []testCase{
		{name: "exact uri wins", uri: "notes://pinned/readme", found: true, wantName: "readme"},
		{name: "template match", uri: "notes://work/todo", found: true, wantName: "note"},
		{name: "extra segment", uri: "notes://work/todo/extra", found: false},
		{name: "empty variable", uri: "notes:///todo", found: false},
		{name: "other scheme", uri: "file:///todo", found: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ref, ok := reg.Resource(tc.uri)
			if ok != tc.found {
				t.Fatalf("expected found %t, got %t", tc.found, ok)
			}
			if !ok {
				return
			}
			if ref.Resource.Name != tc.wantName || ref.Resource.URI != tc.uri {
				t.Errorf("expected %s for %s, got %+v", tc.wantName, tc.uri, ref.Resource)
			}
		})
	}

	if _, ok := reg.ResourceTemplate("notes://{folder}/{name}"); !ok {
		t.Error("expected the template to be found by its uri template")
	}
	if _, ok := reg.ResourceTemplate("notes://{folder}"); ok {
		t.Error("expected no template for an unregistered uri template")
	}
}

func TestListCompletion(t *testing.T) {
	values, err := mcp.ListCompletion{"go", "gopher", "rust", "gleam"}.Complete(context.Background(), "go")
	if err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	if !slices.Equal(values, []string{"go", "gopher"}) {
		t.Errorf("expected go and gopher, got %v", values)
	}

	values, _ = mcp.ListCompletion{"a", "b"}.Complete(context.Background(), "")
	if len(values) != 2 {
		t.Errorf("expected every value for an empty prefix, got %v", values)
	}
}

func TestReferenceExecutor(t *testing.T) {
	ctx := context.Background()
	exec := mcp.ReferenceExecutor{}

	raw, err := exec.CallTool(ctx, mcp.ToolReference{
		Tool: mcp.Tool{Name: "echo"},
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			return string(args), nil
		},
	}, json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if raw != `{"a":1}` {
		t.Errorf("expected the handler result, got %v", raw)
	}

	if _, err := exec.CallTool(ctx, mcp.ToolReference{Tool: mcp.Tool{Name: "bare"}}, nil); err == nil {
		t.Error("expected an error for a tool without handler")
	}
	if _, err := exec.ReadResource(ctx, mcp.ResourceReference{}, "file:///x"); err == nil {
		t.Error("expected an error for a resource without handler")
	}
	if _, err := exec.GetPrompt(ctx, mcp.PromptReference{Prompt: mcp.Prompt{Name: "bare"}}, nil); err == nil {
		t.Error("expected an error for a prompt without handler")
	}
}
