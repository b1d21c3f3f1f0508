package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/webtransport-go"

	"github.com/udisondev/la2go/internal/adminhttp"
	"github.com/udisondev/la2go/internal/config"
	"github.com/udisondev/la2go/internal/core"
	"github.com/udisondev/la2go/internal/db"
	"github.com/udisondev/la2go/internal/directory"
	"github.com/udisondev/la2go/internal/transport"
	"github.com/udisondev/la2go/internal/wire"
)

const CoreConfigPath = "config/coreserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := CoreConfigPath
	if p := os.Getenv("LA2GO_CORE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadCoreRuntime(cfgPath)
	if err != nil {
		return fmt.Errorf("loading core runtime config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("core runtime starting", "bind", cfg.BindAddress, "port", cfg.Port)

	database, err := db.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	slog.Info("database connected")

	if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database migrations applied")

	charRepo := db.NewCharacterRepository(database.Pool())
	itemRepo := db.NewItemRepository(database.Pool())
	registry := transport.NewRegistry()

	cr, err := core.New(cfg, core.Deps{
		CharacterRepo: charRepo,
		ItemRepo:      itemRepo,
		Transport:     registry,
		Worlds:        []*directory.World{directory.NewWorld("aelion", "main")},
		HTTPChecker:   alwaysAliveChecker{},
		StartWorld:    "aelion",
		StartEntry:    "main",
		StartMapKind:  "giran",
	})
	if err != nil {
		return fmt.Errorf("constructing core runtime: %w", err)
	}

	tlsConfig, err := transport.GenerateSelfSignedTLSConfig(365*24*time.Hour, cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("generating tls config: %w", err)
	}

	wtAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	wtServer := transport.NewServer(wtAddr, tlsConfig, newSessionOnAccept(cr, registry))

	adminAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port+1)
	adminServer := adminhttp.NewServer(adminAddr, cr)

	errCh := make(chan error, 3)
	go func() { errCh <- cr.Run(ctx) }()
	go func() { errCh <- wtServer.Run(ctx) }()
	go func() {
		if err := adminServer.Run(); err != nil {
			errCh <- fmt.Errorf("admin http: %w", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = adminServer.Close()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	return nil
}

// newSessionOnAccept builds the per-session callback transport.NewServer
// invokes once a client completes its HTTP/3 upgrade: it mints a
// SessionID, wires a SessionHandler into CoreRuntime's ingress/dispatch
// pipeline, registers it so CoreRuntime can push broadcasts back, and runs
// it until the session ends.
func newSessionOnAccept(cr *core.CoreRuntime, registry *transport.Registry) func(ctx context.Context, sess *webtransport.Session) {
	return func(ctx context.Context, sess *webtransport.Session) {
		sessionID := wire.NewSessionID()
		handler := transport.NewSessionHandler(sess, cr.Ingress(), cr.Codec(), cr, sessionID)
		registry.Register(sessionID, handler)
		defer registry.Unregister(sessionID)

		slog.Info("session accepted", "session", sessionID)
		handler.Run(ctx)
		slog.Info("session ended", "session", sessionID)
	}
}

// alwaysAliveChecker stands in for the HTTP login service's session-alive
// check: this runtime has no HTTP token issuer of its own yet (token
// issuance is assumed to live in a collaborator per spec §4.C), so every
// token is treated as backed by a live session.
type alwaysAliveChecker struct{}

func (alwaysAliveChecker) IsAlive(httpSessionID string) bool { return true }

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
