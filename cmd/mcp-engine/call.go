package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/MegaGrindStone/mcp"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
)

const (
	flagURL      = "url"
	flagArgs     = "args"
	flagTimeout  = "timeout"
	flagProgress = "progress"
)

type callOptions struct {
	url      string
	args     string
	timeout  time.Duration
	progress bool
	command  []string
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call TOOL [-- COMMAND [ARGS...]]",
		Short: "Call a tool on an MCP server",
		Long: `Call a tool on an MCP server and print the result as JSON.

The server is reached over streamable HTTP with --url, or spawned and spoken to over stdio
when a command follows "--".`,
		Example: `  mcp-engine call add --url http://localhost:8080 --args '{"a":1,"b":2}'
  mcp-engine call longRunningOperation --progress -- mcp-engine serve`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := callOptions{}
			opts.url, _ = cmd.Flags().GetString(flagURL)
			opts.args, _ = cmd.Flags().GetString(flagArgs)
			opts.progress, _ = cmd.Flags().GetBool(flagProgress)

			rawTimeout, _ := cmd.Flags().GetString(flagTimeout)
			timeout, err := str2duration.ParseDuration(rawTimeout)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", flagTimeout, rawTimeout, err)
			}
			opts.timeout = timeout

			tool := args[0]
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				if dash != 1 {
					return errors.New("exactly one tool name must precede --")
				}
				opts.command = args[dash:]
			} else if len(args) > 1 {
				return errors.New("unexpected arguments, put the server command after --")
			}

			transport, err := newClientTransport(opts)
			if err != nil {
				return err
			}
			return runCall(cmd.Context(), transport, tool, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().String(flagURL, "", "streamable HTTP endpoint of the server")
	cmd.Flags().String(flagArgs, "{}", "tool arguments as a JSON object")
	cmd.Flags().String(flagTimeout, "30s", "how long to wait for the result")
	cmd.Flags().Bool(flagProgress, false, "request progress notifications and print them to stderr")
	return cmd
}

func newClientTransport(opts callOptions) (mcp.ClientTransport, error) {
	switch {
	case opts.url != "" && len(opts.command) > 0:
		return nil, fmt.Errorf("--%s and a server command are mutually exclusive", flagURL)
	case opts.url != "":
		return mcp.NewHTTPClient(opts.url), nil
	case len(opts.command) > 0:
		t, err := mcp.NewStdIOCommand(exec.Command(opts.command[0], opts.command[1:]...))
		if err != nil {
			return nil, fmt.Errorf("failed to prepare server command: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("either --%s or a server command is required", flagURL)
	}
}

func runCall(
	ctx context.Context,
	transport mcp.ClientTransport,
	tool string,
	opts callOptions,
	stdout, stderr io.Writer,
) error {
	if !json.Valid([]byte(opts.args)) {
		return fmt.Errorf("--%s must be a JSON object", flagArgs)
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := mcp.NewClient(mcp.Info{Name: "mcp-engine", Version: Version}, transport,
		mcp.WithClientLogger(logger),
		mcp.WithRequestTimeout(opts.timeout),
		mcp.WithLogReceiver(func(params mcp.LogParams) {
			fmt.Fprintf(stderr, "[%s] %s: %s\n", params.Level, params.Logger, params.Data)
		}),
	)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	var reqOpts []mcp.RequestOption
	if opts.progress {
		reqOpts = append(reqOpts, mcp.WithProgress(func(p mcp.ProgressParams) {
			fmt.Fprintf(stderr, "progress %g/%g %s\n", p.Progress, p.Total, p.Message)
		}))
	}

	res, err := client.CallTool(ctx, mcp.CallToolParams{Name: tool, Arguments: json.RawMessage(opts.args)}, reqOpts...)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", tool, err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to print result: %w", err)
	}
	if res.IsError {
		return fmt.Errorf("tool %s reported an error", tool)
	}
	return nil
}
