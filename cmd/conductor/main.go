// Conductor server hosts the team, office and panel drivers behind an
// HTTP API and streams their event buses over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentdesk/conductor/pkg/agent/provider"
	"github.com/agentdesk/conductor/pkg/api"
	"github.com/agentdesk/conductor/pkg/approval"
	"github.com/agentdesk/conductor/pkg/breaker"
	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/config"
	"github.com/agentdesk/conductor/pkg/mcp"
	"github.com/agentdesk/conductor/pkg/office"
	"github.com/agentdesk/conductor/pkg/panel"
	"github.com/agentdesk/conductor/pkg/retry"
	"github.com/agentdesk/conductor/pkg/store"
	"github.com/agentdesk/conductor/pkg/team"
	"github.com/agentdesk/conductor/pkg/tools"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func logLevel() slog.Level {
	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// driverStack is one driver with its private bus and tool pipeline.
type driverStack struct {
	name   string
	bus    *bus.Bus
	driver api.Driver
}

func buildStack(ctx context.Context, name string, st store.Store, cfg *config.Config,
	mcpClient *mcp.Client, servers []string, pol retry.Policy, breakers *breaker.Registry,
	logger *slog.Logger, build func(b *bus.Bus, exec *tools.Executor) api.Driver,
) (*driverStack, error) {
	b := bus.New()
	gate, err := approval.NewGate(ctx, approval.Options{
		Bus:                 b,
		Store:               st,
		AutoApprovePatterns: cfg.Approval.AutoApprovePatterns,
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("approval gate for %s: %w", name, err)
	}
	exec := tools.NewExecutor(mcp.NewSource(mcpClient, servers, nil), tools.Options{
		Approver: gate,
		Bus:      b,
		Retry:    pol,
		Breakers: breakers,
		Logger:   logger.With("driver", name),
	})
	return &driverStack{name: name, bus: b, driver: build(b, exec)}, nil
}

func main() {
	configPath := flag.String("config",
		getEnv("CONDUCTOR_CONFIG", "./conductor.yaml"),
		"Path to the configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: Postgres when a database URL is configured, otherwise
	// everything lives in memory for the process lifetime.
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{URL: cfg.Database.URL})
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
		logger.Info("Connected to PostgreSQL store")
	} else {
		st = store.NewMemory()
		logger.Info("Using in-memory store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Error closing store", "error", err)
		}
	}()

	llmClient, err := provider.NewOpenAIClient(provider.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
	})
	if err != nil {
		logger.Error("Failed to initialise LLM client", "error", err)
		os.Exit(1)
	}

	mcpClient := mcp.NewClient(cfg.MCPServers)
	mcpClient.Initialize(ctx)
	if failed := mcpClient.FailedServers(); len(failed) > 0 {
		logger.Warn("Some MCP servers failed to initialise", "failed_servers", failed)
	}
	defer func() {
		if err := mcpClient.Close(); err != nil {
			logger.Error("Error closing MCP client", "error", err)
		}
	}()

	pol := retry.Policy{
		MaxRetries:   cfg.Retry.MaxRetries,
		BaseDelay:    cfg.Retry.BaseDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		JitterFactor: cfg.Retry.JitterFactor,
	}
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})

	teamStack, err := buildStack(ctx, "team", st, cfg, mcpClient, cfg.Team.EnabledMCPServers,
		pol, breakers, logger, func(b *bus.Bus, exec *tools.Executor) api.Driver {
			return team.New(team.Options{
				Settings: cfg.Team, Client: llmClient, Tools: exec,
				Bus: b, Store: st, Logger: logger,
			})
		})
	if err != nil {
		logger.Error("Failed to build team driver", "error", err)
		os.Exit(1)
	}
	defer teamStack.bus.Close()

	officeStack, err := buildStack(ctx, "office", st, cfg, mcpClient, nil,
		pol, breakers, logger, func(b *bus.Bus, exec *tools.Executor) api.Driver {
			return office.New(office.Options{
				Settings: cfg.Office, Client: llmClient, Tools: exec,
				Bus: b, Store: st, Logger: logger,
			})
		})
	if err != nil {
		logger.Error("Failed to build office driver", "error", err)
		os.Exit(1)
	}
	defer officeStack.bus.Close()

	panelStack, err := buildStack(ctx, "panel", st, cfg, mcpClient, nil,
		pol, breakers, logger, func(b *bus.Bus, exec *tools.Executor) api.Driver {
			return panel.New(panel.Options{
				Settings: cfg.Panel, Client: llmClient, Tools: exec,
				Bus: b, Store: st, Logger: logger,
			})
		})
	if err != nil {
		logger.Error("Failed to build panel driver", "error", err)
		os.Exit(1)
	}
	defer panelStack.bus.Close()

	stacks := []*driverStack{teamStack, officeStack, panelStack}
	drivers := make(map[string]api.Driver, len(stacks))
	for _, s := range stacks {
		drivers[s.name] = s.driver
	}

	srv := api.New(api.Options{
		Drivers:        drivers,
		Store:          st,
		Breakers:       breakers,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	hub := srv.HubInstance()
	for _, s := range stacks {
		hub.Pump(s.name, s.bus.Subscribe())
	}

	// The office loop starts on its own when a standing objective is
	// configured; the other drivers wait for an API start.
	if cfg.Office.Objective != "" {
		if _, err := officeStack.driver.Start(ctx, ""); err != nil {
			logger.Error("Failed to start office loop", "error", err)
			os.Exit(1)
		}
		logger.Info("Office loop started", "objective", cfg.Office.Objective)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	for _, s := range stacks {
		s.driver.Stop()
	}
	for _, s := range stacks {
		s.bus.Close()
	}
	hub.Wait()

	logger.Info("Conductor stopped")
}
