// Command pwkeeper fronts a Playwright MCP subprocess with durable
// sessions, crash recovery, and reference-based payload retrieval.
//
// Usage:
//
//	pwkeeper -config pwkeeper.yaml        # run with config file
//	pwkeeper -db pwkeeper.db              # run with defaults
//	pwkeeper -db pwkeeper.db -sessions    # list sessions and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pwkeeper"
)

func main() {
	configPath := flag.String("config", "", "path to pwkeeper.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	listSessions := flag.Bool("sessions", false, "list sessions and exit")
	stdio := flag.Bool("stdio", false, "serve MCP over stdio instead of HTTP")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *listenAddr, *listSessions, *stdio); err != nil {
		logger.Error("pwkeeper: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, listenAddr string, listSessions, stdio bool) error {
	cfg, err := resolveConfig(configPath, dbPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	k, err := pwkeeper.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	// One-shot: sessions. Reads the database without spawning the
	// subprocess.
	if listSessions {
		defer k.Close(ctx)
		sessions, err := k.ListSessions(ctx, "")
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if err := k.Start(ctx); err != nil {
		k.Close(ctx)
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := k.Close(shutdownCtx); err != nil {
			logger.Error("pwkeeper: shutdown", "error", err)
		}
	}()

	if stdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "pwkeeper", Version: "0.1.0"}, nil)
		k.RegisterMCP(srv)
		logger.Info("pwkeeper: serving MCP over stdio", "db", cfg.DBPath)
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: k.Router()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("pwkeeper: listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("pwkeeper: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func resolveConfig(configPath, dbPath string) (*pwkeeper.Config, error) {
	if configPath != "" {
		return pwkeeper.LoadConfigFile(configPath)
	}

	cfg := &pwkeeper.Config{}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	if cfg.DBPath == "" {
		fmt.Fprintln(os.Stderr, "usage: pwkeeper -config <file> | -db <path> [-sessions] [-stdio]")
		os.Exit(1)
	}
	return cfg, nil
}
