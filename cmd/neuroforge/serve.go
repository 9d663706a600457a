package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LukeLamb/neuroforge-sub000/internal/auth"
	"github.com/LukeLamb/neuroforge-sub000/internal/content"
	httpapp "github.com/LukeLamb/neuroforge-sub000/internal/http"
	"github.com/LukeLamb/neuroforge-sub000/internal/interaction"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if addr != "" {
				e.cfg.Addr = addr
			}
			return runServe(cmd.Context(), e)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides NEUROFORGE_ADDR)")
	return cmd
}

func runServe(parent context.Context, e env) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger := e.cfg, e.logger
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	events, closeEvents, err := newOutbox(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	issuer := auth.NewKeyIssuer(st, cfg.Auth.BcryptCost, cfg.Auth.DefaultKeyTTL)
	matcher := auth.NewKeyMatcher(st, cfg.Auth.ScanWorkers, logger)
	server := httpapp.NewServer(httpapp.Deps{
		Store:          st,
		Gate:           auth.NewGate(matcher, st, limiter, logger),
		Limiter:        limiter,
		Registrar:      auth.NewRegistrar(st, issuer, cfg.Auth.ChallengeTTL),
		Keys:           issuer,
		Posts:          content.NewPostLedger(st, events, logger),
		Threads:        content.NewThreadModel(st, events, logger),
		Ledger:         interaction.NewLedger(st, events, logger),
		Events:         events,
		Logger:         logger,
		AdminSecret:    cfg.AdminSecret,
		TrustForwarded: cfg.Auth.TrustForwarded,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("neuroforge listening", "addr", cfg.Addr, "postgres", cfg.UsesPostgres(), "redis", cfg.Redis.Addr != "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
