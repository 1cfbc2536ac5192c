package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/config"
	"github.com/medivault/lifeline/internal/server"
	"github.com/medivault/lifeline/internal/service"
	"github.com/medivault/lifeline/internal/store"
	"github.com/medivault/lifeline/internal/vault"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker API server",
		Long:  "Start the HTTP server that brokers credential requests, approvals, tokens, and retrievals.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logger := buildLogger(cfg.Logging)

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store opened", "data_dir", cfg.Storage.DataDir)

	keys, err := loadKeyProvider(cfg.Crypto)
	if err != nil {
		return err
	}
	aead, err := loadAEAD(cfg.Crypto)
	if err != nil {
		return err
	}

	registry := newRegistry()
	auditSvc := audit.New(st, logger)
	vaultSvc := vault.New(st, aead, logger)

	requestSvc := service.NewRequestService(st, auditSvc, registry, cfg, logger)
	requestSvc.SetWindows(
		config.Duration(cfg.Windows.Request, 0),
		config.Duration(cfg.Windows.Emergency, 0),
	)
	approvalSvc := service.NewApprovalService(st, auditSvc, keys, logger)
	tokenSvc := service.NewTokenService(st, auditSvc, keys, logger)
	retrievalSvc := service.NewRetrievalService(tokenSvc, vaultSvc, auditSvc, registry, cfg, cfg, logger)

	// Background sweeps: expire overdue requests and purge stale nonces.
	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	defer cancelSweeps()
	go runSweep(sweepCtx, config.Duration(cfg.Scheduler.ExpirySweep, 10*time.Second), func(ctx context.Context) {
		if _, err := requestSvc.ExpireOverdue(ctx); err != nil {
			logger.Error("expiry sweep failed", "error", err)
		}
	})
	go runSweep(sweepCtx, config.Duration(cfg.Scheduler.NoncePurge, time.Minute), func(ctx context.Context) {
		if _, err := tokenSvc.PurgeExpiredNonces(ctx); err != nil {
			logger.Error("nonce purge failed", "error", err)
		}
	})

	srv := server.New(cfg.Server, cfg.Auth, st, server.Services{
		Requests:  requestSvc,
		Approvals: approvalSvc,
		Tokens:    tokenSvc,
		Retrieval: retrievalSvc,
		Audit:     auditSvc,
	}, logger)

	return srv.ListenAndServe()
}

// runSweep runs fn on every tick until ctx is canceled.
func runSweep(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
