package everything

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/mcp"
)

// tinyImage is a 1x1 PNG.
const tinyImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

func (s *Server) registerTools() {
	s.registry.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "Echoes back the input",
		InputSchema: echoSchema,
	}, s.callEcho)
	s.registry.AddTool(mcp.Tool{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: addSchema,
	}, s.callAdd)
	s.registry.AddTool(mcp.Tool{
		Name:        "longRunningOperation",
		Description: "Demonstrates a long running operation with progress updates",
		InputSchema: longRunningOperationSchema,
	}, s.callLongRunningOperation)
	s.registry.AddTool(mcp.Tool{
		Name:        "printEnv",
		Description: "Prints all environment variables, helpful for debugging MCP server configuration",
		InputSchema: emptySchema,
	}, s.callPrintEnv)
	s.registry.AddTool(mcp.Tool{
		Name:        "getTinyImage",
		Description: "Returns a tiny PNG image",
		InputSchema: emptySchema,
	}, s.callGetTinyImage)
}

func (s *Server) callEcho(ctx context.Context, raw json.RawMessage) (any, error) {
	s.log(ctx, mcp.LogLevelDebug, "CallTool: echo")

	args, err := decodeArgs[EchoArgs](raw)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Echo: %s", args.Message), nil
}

func (s *Server) callAdd(ctx context.Context, raw json.RawMessage) (any, error) {
	s.log(ctx, mcp.LogLevelDebug, "CallTool: add")

	args, err := decodeArgs[AddArgs](raw)
	if err != nil {
		return nil, err
	}
	if args.A == nil || args.B == nil {
		return nil, errors.New("params validation failed: a and b are required")
	}
	a, b := *args.A, *args.B
	return fmt.Sprintf("The sum of %g and %g is %g", a, b, a+b), nil
}

// callLongRunningOperation reports one progress step per slice of the duration.
func (s *Server) callLongRunningOperation(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[LongRunningOperationArgs](raw)
	if err != nil {
		return nil, err
	}
	if args.Duration <= 0 {
		args.Duration = 10
	}
	if args.Steps <= 0 {
		args.Steps = 5
	}
	s.log(ctx, mcp.LogLevelInfo, fmt.Sprintf("longRunningOperation started: %g steps", args.Steps))

	report := mcp.ProgressFromContext(ctx)
	stepDuration := time.Duration(args.Duration / args.Steps * float64(s.stepUnit))
	steps := int(args.Steps)

	timer := time.NewTimer(stepDuration)
	defer timer.Stop()
	for i := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		report(float64(i+1), args.Steps, fmt.Sprintf("step %d of %d", i+1, steps))
		timer.Reset(stepDuration)
	}

	return fmt.Sprintf("Long running operation completed. Duration: %g seconds, Steps: %g",
		args.Duration, args.Steps), nil
}

func (s *Server) callPrintEnv(ctx context.Context, _ json.RawMessage) (any, error) {
	s.log(ctx, mcp.LogLevelDebug, "CallTool: printEnv")
	return fmt.Sprintf("Environment variables:\n%s", strings.Join(os.Environ(), "\n")), nil
}

func (s *Server) callGetTinyImage(ctx context.Context, _ json.RawMessage) (any, error) {
	s.log(ctx, mcp.LogLevelDebug, "CallTool: getTinyImage")
	return []mcp.Content{
		{Type: mcp.ContentTypeText, Text: "This is a tiny image:"},
		{Type: mcp.ContentTypeImage, Data: tinyImage, MimeType: "image/png"},
	}, nil
}
