package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/agentgate/backend/internal/config"
	"github.com/agentgate/backend/internal/gateway"
	"github.com/agentgate/backend/internal/mcpserver"
	"github.com/agentgate/backend/internal/nonce"
	"github.com/agentgate/backend/internal/oauth"
	"github.com/agentgate/backend/internal/payment"
	"github.com/agentgate/backend/internal/signing"
	"github.com/agentgate/backend/internal/store"
	"github.com/agentgate/backend/internal/tools"
	"github.com/agentgate/backend/internal/workflow"
)

const toolCacheTTL = 60 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		logger.Error("postgres", "error", err)
		os.Exit(1)
	}
	if err := pg.Migrate(ctx); err != nil {
		cancel()
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}
	cancel()
	defer pg.Close()

	// Nonce namespaces live in Redis so replay protection survives restarts
	// and spans replicas. Memory is the degraded single-process fallback.
	var loginNonces, paymentNonces nonce.Store
	if rdb, err := nonce.Dial(cfg.RedisURL); err != nil {
		logger.Warn("redis unavailable, using in-memory nonce stores", "error", err)
		loginNonces = nonce.NewMemoryStore(nonce.LoginTTL)
		paymentNonces = nonce.NewMemoryStore(nonce.PaymentTTL)
	} else {
		defer rdb.Close()
		loginNonces = nonce.NewRedisStore(rdb, nonce.NamespaceLogin, nonce.LoginTTL)
		paymentNonces = nonce.NewRedisStore(rdb, nonce.NamespacePayment, nonce.PaymentTTL)
	}

	oauthSrv := oauth.NewServer(pg, cfg, logger)
	signer := signing.NewService(pg, cfg.ServerPrivateKey, logger)
	registry := tools.NewRegistry(pg, toolCacheTTL, logger)
	defer registry.Close()
	pay := payment.NewClient(signer, cfg.ChainID, logger)
	engine := workflow.NewEngine(pg, pay, signer, cfg.ServerPrivateKey, cfg.RelayerURL, cfg.ChainID, logger)

	mcp := mcpserver.NewManager(mcpserver.ManagerConfig{
		Validator:    oauthSrv,
		Registry:     registry,
		Runner:       engine,
		Pay:          pay,
		Store:        pg,
		ServerKey:    cfg.ServerPrivateKey,
		IssuerURL:    cfg.IssuerURL,
		PublicMcpURL: cfg.PublicMcpURL,
		Logger:       logger,
	})
	defer mcp.Close()

	srv := gateway.NewServer(cfg, pg, oauthSrv, signer, mcp, engine, loginNonces, paymentNonces, logger)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("listening", "port", cfg.Port, "issuer", cfg.IssuerURL, "mcp", cfg.PublicMcpURL)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
