package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"portico/internal/adapter/identity"
	"portico/internal/adapter/relay"
	"portico/internal/domain"
	"portico/internal/infra/config"
	"portico/internal/infra/logger"
	"portico/internal/infra/tracer"
	"portico/internal/security"
	"portico/internal/usecase/eventbus"
	"portico/internal/usecase/registry"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`portico - gateway relay for NAT-traversing backends

USAGE:
    gateway [FLAGS]

FLAGS:
    -h, --help      Show this help message
    --config PATH   Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (YAML, mode 0600)
    Environment: PORTICO_* variables override config
    Required:    gateway.secret (or PORTICO_SECRET)

ENDPOINTS:
    /backend                        backend WebSocket registration
    /client                         client WebSocket (secret query param)
    /proxy/{backendId}/{path}       HTTP bridge onto a backend
    /api/v1/status                  gateway status (secret gated)`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("PORTICO_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Audit trail
	var audit domain.AuditLogger = security.NopAuditLogger{}
	if cfg.Audit.Enabled {
		fileAudit, err := security.NewFileAuditLogger(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		audit = fileAudit
	}
	defer audit.Close()

	// 4. Identity store
	ids, err := identity.NewSQLiteStore(cfg.Identity.DBPath)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}
	defer ids.Close()

	// 5. Event bus & registries
	bus := eventbus.New(log)
	defer bus.Close()

	backends := registry.NewBackends(cfg.Gateway.Secret, ids, bus, audit, log)
	clients := registry.NewClients(bus, log)

	// 6. Relay server & heartbeat
	srv := relay.NewServer(cfg, backends, clients, bus, audit, log)
	monitor := relay.NewHeartbeatMonitor(srv, cfg.Heartbeat.Interval, bus, log)

	// 7. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go monitor.Run(ctx)

	log.Info("portico starting",
		"addr", cfg.Gateway.Addr,
		"heartbeat_interval", cfg.Heartbeat.Interval,
		"proxy_timeout", cfg.Gateway.ProxyTimeout,
		"identity_db", cfg.Identity.DBPath,
		"audit", cfg.Audit.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("portico stopped")
	return nil
}
