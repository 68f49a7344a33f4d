package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cawhq/caw/internal/config"
	"github.com/cawhq/caw/internal/events"
	"github.com/cawhq/caw/internal/httpapi"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/pkg/logger"
)

const reapInterval = 30 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 0, "override the listen port (default: config value)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	log := logger.NewLogger(logger.Config{Level: logger.LogLevel(cfg.Runtime.LogLevel)})
	ctx = logger.ContextWithLogger(ctx, log)

	st, err := store.NewStore(ctx, &store.Config{
		Path:          cfg.Store.Path,
		BusyTimeoutMS: cfg.Store.BusyTimeoutMS,
		MaxOpenConns:  cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("cawd: opening store: %w", err)
	}
	defer st.Close(ctx)

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		return fmt.Errorf("cawd: applying migrations: %w", err)
	}

	bus := events.New()
	svc := httpapi.NewServices(st, bus)
	router := httpapi.NewRouter(svc)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go reapStale(ctx, svc, cfg)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("cawd: listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("cawd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

// reapStale periodically reclaims abandoned agent claims and locks —
// the same liveness sweep lock.ReleaseStaleWorkflowLocks and
// agent.GetStale expose, run on a ticker rather than on demand.
func reapStale(ctx context.Context, svc *httpapi.Services, cfg *config.Config) {
	log := logger.FromContext(ctx)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := svc.Locks.ReleaseStaleWorkflowLocks(ctx, cfg.Runtime.StaleLockTimeout)
			if err != nil {
				log.Warn("cawd: releasing stale locks", "error", err)
			} else if released > 0 {
				log.Info("cawd: released stale workflow locks", "count", released)
			}

			stale, err := svc.Agents.GetStale(ctx, cfg.Runtime.StaleAgentTimeout)
			if err != nil {
				log.Warn("cawd: listing stale agents", "error", err)
				continue
			}
			for _, ag := range stale {
				if _, err := svc.Agents.Unregister(ctx, ag.ID); err != nil {
					log.Warn("cawd: unregistering stale agent", "agent_id", ag.ID, "error", err)
					continue
				}
				log.Info("cawd: unregistered stale agent", "agent_id", ag.ID)
			}
		}
	}
}
