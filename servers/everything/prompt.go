package everything

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/MegaGrindStone/mcp"
)

func (s *Server) registerPrompts() {
	s.registry.AddPrompt(mcp.Prompt{
		Name:        "simple_prompt",
		Description: "A prompt without arguments",
	}, s.simplePrompt, nil)

	s.registry.AddPrompt(mcp.Prompt{
		Name:        "complex_prompt",
		Description: "A prompt with arguments",
		Arguments: []mcp.PromptArgument{
			{Name: "temperature", Description: "Temperature setting", Required: true},
			{Name: "style", Description: "Output style"},
		},
	}, s.complexPrompt, map[string]mcp.CompletionProvider{
		"temperature": mcp.ListCompletion{"0", "0.5", "0.7", "1.0"},
		"style":       mcp.ListCompletion{"casual", "formal", "technical", "friendly"},
	})
}

func (s *Server) simplePrompt(ctx context.Context, _ map[string]string) (any, error) {
	s.log(ctx, mcp.LogLevelDebug, "GetPrompt: simple_prompt")
	return "This is a simple prompt without arguments.", nil
}

func (s *Server) complexPrompt(ctx context.Context, args map[string]string) (any, error) {
	s.log(ctx, mcp.LogLevelDebug, "GetPrompt: complex_prompt")

	style := args["style"]
	if style == "" {
		style = "casual"
	}
	return []mcp.PromptMessage{
		{
			Role: mcp.RoleUser,
			Content: mcp.Content{
				Type: mcp.ContentTypeText,
				Text: fmt.Sprintf("This is a complex prompt with arguments: temperature=%s, style=%s",
					args["temperature"], style),
			},
		},
		{
			Role: mcp.RoleAssistant,
			Content: mcp.Content{
				Type: mcp.ContentTypeText,
				Text: "I understand. You've provided a complex prompt with temperature and style arguments.",
			},
		},
		{
			Role: mcp.RoleUser,
			Content: mcp.Content{
				Type:     mcp.ContentTypeImage,
				Data:     tinyImage,
				MimeType: "image/png",
			},
		},
	}, nil
}

func base64Text(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
