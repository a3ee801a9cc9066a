package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ReferenceExecutor is the default Executor: it calls the handler stored in the reference.
type ReferenceExecutor struct{}

// ListCompletion is a CompletionProvider offering the values that start with the typed
// prefix, in their original order.
type ListCompletion []string

// CallTool implements Executor.
func (ReferenceExecutor) CallTool(ctx context.Context, ref ToolReference, args json.RawMessage) (any, error) {
	if ref.Handler == nil {
		return nil, fmt.Errorf("tool %q has no handler", ref.Tool.Name)
	}
	return ref.Handler(ctx, args)
}

// ReadResource implements Executor.
func (ReferenceExecutor) ReadResource(ctx context.Context, ref ResourceReference, uri string) (any, error) {
	if ref.Handler == nil {
		return nil, fmt.Errorf("resource %q has no handler", uri)
	}
	return ref.Handler(ctx, uri)
}

// GetPrompt implements Executor.
func (ReferenceExecutor) GetPrompt(ctx context.Context, ref PromptReference, args map[string]string) (any, error) {
	if ref.Handler == nil {
		return nil, fmt.Errorf("prompt %q has no handler", ref.Prompt.Name)
	}
	return ref.Handler(ctx, args)
}

// Complete implements CompletionProvider.
func (l ListCompletion) Complete(_ context.Context, value string) ([]string, error) {
	values := make([]string, 0, len(l))
	for _, v := range l {
		if strings.HasPrefix(v, value) {
			values = append(values, v)
		}
	}
	return values, nil
}

func toolResult(raw any) (CallToolResult, error) {
	switch v := raw.(type) {
	case CallToolResult:
		return v, nil
	case *CallToolResult:
		if v == nil {
			return CallToolResult{Content: []Content{}}, nil
		}
		return *v, nil
	case Content:
		return CallToolResult{Content: []Content{v}}, nil
	case []Content:
		return CallToolResult{Content: v}, nil
	case nil:
		return CallToolResult{Content: []Content{}}, nil
	case string:
		return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: v}}}, nil
	}
	bs, err := json.Marshal(raw)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: string(bs)}}}, nil
}

func resourceResult(raw any, ref ResourceReference, uri string) (ReadResourceResult, error) {
	mime := ref.Resource.MimeType
	switch v := raw.(type) {
	case ReadResourceResult:
		return v, nil
	case *ReadResourceResult:
		if v == nil {
			return ReadResourceResult{Contents: []ResourceContents{}}, nil
		}
		return *v, nil
	case ResourceContents:
		return ReadResourceResult{Contents: []ResourceContents{v}}, nil
	case []ResourceContents:
		return ReadResourceResult{Contents: v}, nil
	case string:
		if mime == "" {
			mime = "text/plain"
		}
		return ReadResourceResult{Contents: []ResourceContents{{URI: uri, MimeType: mime, Text: v}}}, nil
	case []byte:
		if mime == "" {
			mime = "application/octet-stream"
		}
		blob := base64.StdEncoding.EncodeToString(v)
		return ReadResourceResult{Contents: []ResourceContents{{URI: uri, MimeType: mime, Blob: blob}}}, nil
	}
	bs, err := json.Marshal(raw)
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to encode resource %s: %w", uri, err)
	}
	return ReadResourceResult{Contents: []ResourceContents{{URI: uri, MimeType: "application/json", Text: string(bs)}}}, nil
}

func promptResult(raw any, ref PromptReference) (GetPromptResult, error) {
	switch v := raw.(type) {
	case GetPromptResult:
		return v, nil
	case *GetPromptResult:
		if v == nil {
			return GetPromptResult{Description: ref.Prompt.Description, Messages: []PromptMessage{}}, nil
		}
		return *v, nil
	case []PromptMessage:
		return GetPromptResult{Messages: v, Description: ref.Prompt.Description}, nil
	case PromptMessage:
		return GetPromptResult{Messages: []PromptMessage{v}, Description: ref.Prompt.Description}, nil
	case string:
		return GetPromptResult{
			Description: ref.Prompt.Description,
			Messages:    []PromptMessage{{Role: RoleUser, Content: Content{Type: ContentTypeText, Text: v}}},
		}, nil
	}
	return GetPromptResult{}, fmt.Errorf("prompt %q returned unsupported result type %T", ref.Prompt.Name, raw)
}
