package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/mcp"
	"github.com/MegaGrindStone/mcp/servers/everything"
	"github.com/MegaGrindStone/mcp/sessionstore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo capability set",
		Long: `Serve the demo capability set (echo, add, longRunningOperation, 100 static resources,
prompts) over stdio or streamable HTTP.

Every flag can be set in mcp-engine.yaml or through MCP_ENGINE_* environment variables,
e.g. MCP_ENGINE_SESSION_TTL=1d.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, os.Stdin, os.Stdout, os.Stderr)
		},
	}
	addServeFlags(cmd)
	return cmd
}

// engine is the wired server side: dispatch engine, demo capabilities and session store.
type engine struct {
	server *mcp.Server
	demo   *everything.Server
	store  mcp.SessionStore
	logger *slog.Logger

	closers []func() error
}

func newEngine(ctx context.Context, cfg config, logger *slog.Logger) (*engine, error) {
	e := &engine{logger: logger}

	store, err := e.newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.store = store

	demo, err := everything.NewServer(
		everything.WithUpdateInterval(cfg.UpdateInterval),
		everything.WithLogger(logger),
	)
	if err != nil {
		_ = e.close()
		return nil, fmt.Errorf("failed to build demo capabilities: %w", err)
	}
	e.demo = demo

	e.server = mcp.NewServer(mcp.Info{Name: "mcp-engine", Version: Version}, store,
		mcp.WithRegistry(demo.Registry()),
		mcp.WithInstructions("Demo server exercising every feature of the MCP engine."),
		mcp.WithPageSize(cfg.PageSize),
		mcp.WithSessionGCProbability(cfg.GCProbability),
		mcp.WithServerLogger(logger),
	)
	return e, nil
}

func (e *engine) newStore(ctx context.Context, cfg config) (mcp.SessionStore, error) {
	switch cfg.Store {
	case storeFile:
		store, err := sessionstore.NewFile(cfg.StoreDir, cfg.SessionTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to open file session store: %w", err)
		}
		return store, nil
	case storeRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		e.closers = append(e.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = e.close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return sessionstore.NewCache(sessionstore.NewRedisCache(client), cfg.SessionTTL,
			sessionstore.WithPrefix(cfg.RedisPrefix)), nil
	default:
		return sessionstore.NewMemory(cfg.SessionTTL), nil
	}
}

// run serves t until ctx is done, alongside the simulated resource updates and the
// periodic session GC.
func (e *engine) run(ctx context.Context, t mcp.Transport, gcInterval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// The transport ending, e.g. stdin reaching EOF, stops everything else.
	g.Go(func() error {
		defer cancel()
		err := e.server.Serve(ctx, t)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return t.Close()
	})
	g.Go(func() error {
		return e.demo.Run(ctx, e.server)
	})
	if gcInterval > 0 {
		g.Go(func() error {
			e.collectGarbage(ctx, gcInterval)
			return nil
		})
	}

	return g.Wait()
}

func (e *engine) collectGarbage(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := e.store.GC(ctx)
		if err != nil {
			e.logger.Error("session gc failed", slog.String("err", err.Error()))
			continue
		}
		for _, id := range ids {
			e.server.EndSession(ctx, id.String())
		}
		if len(ids) > 0 {
			e.logger.Info("expired sessions collected", slog.Int("count", len(ids)))
		}
	}
}

func (e *engine) close() error {
	var firstErr error
	for _, c := range e.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func runServe(ctx context.Context, cfg config, stdin io.Reader, stdout, stderr io.Writer) error {
	logger := newLogger(cfg, stderr)

	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.close()

	var t mcp.Transport
	switch cfg.Transport {
	case transportHTTP:
		opts := []mcp.StreamableHTTPOption{mcp.WithHTTPLogger(logger)}
		if cfg.Streaming {
			opts = append(opts, mcp.WithStreamingResponses())
		}
		t = mcp.NewStreamableHTTP(cfg.Addr, opts...)
		logger.Info("serving http", slog.String("addr", cfg.Addr), slog.String("store", cfg.Store))
	default:
		t = mcp.NewStdIO(stdin, stdout, mcp.WithStdIOLogger(logger))
		logger.Info("serving stdio", slog.String("store", cfg.Store))
	}

	return e.run(ctx, t, cfg.GCInterval)
}
