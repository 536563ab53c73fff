package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antoniostano/focuslens/internal/app"
	"github.com/antoniostano/focuslens/internal/redact"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.BindAddr = addr
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		built, err := app.Build(ctx, cfg)
		if err != nil {
			return err
		}
		log.Printf("event store: %s %s", built.Store.Mode(), redact.URL(cfg.DatabaseURL))

		runCtx, runCancel := context.WithCancel(context.Background())
		defer runCancel()
		built.StartBackground(runCtx)

		httpServer := &http.Server{
			Addr:    cfg.BindAddr,
			Handler: built.API.Router(),
		}
		listenErr := make(chan error, 1)
		go func() {
			log.Printf("server listening on %s", cfg.BindAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				listenErr <- err
			}
			close(listenErr)
		}()

		select {
		case <-ctx.Done():
			log.Printf("shutdown signal received")
		case err := <-listenErr:
			if err != nil {
				_ = built.Cleanup()
				return fmt.Errorf("listen error: %w", err)
			}
		}

		runCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		if err := built.Cleanup(); err != nil {
			log.Printf("cleanup: %v", err)
		}
		log.Printf("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides APP_BIND_ADDR)")
}
