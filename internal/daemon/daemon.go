// Package daemon wires the pieces together and runs them until a signal
// arrives.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atelier-dev/atelier/internal/config"
	"github.com/atelier-dev/atelier/internal/gateway"
	"github.com/atelier-dev/atelier/internal/history"
	"github.com/atelier-dev/atelier/internal/logger"
	"github.com/atelier-dev/atelier/internal/ports"
	"github.com/atelier-dev/atelier/internal/project"
)

const shutdownTimeout = 5 * time.Second

func Run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	settings, err := config.OpenSettings(cfg.SettingsPath())
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		// History is a convenience; the daemon still orchestrates without it.
		logger.Warn("open history store", "err", err)
		hist = nil
	} else {
		defer hist.Close()
	}

	alloc := &ports.Allocator{
		Settings: settings,
		Base:     cfg.Ports.Base,
		Span:     cfg.Ports.Span,
	}

	hub := gateway.NewHub()
	reg := project.NewRegistry(project.Deps{
		Sink:     hub,
		Settings: settings,
		History:  hist,
		Alloc:    alloc,
		Agent:    cfg.Agent,
		Dev:      cfg.Dev,
	})
	srv := gateway.NewServer(hub, reg, settings, hist, alloc)

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("atelier daemon listening", "addr", cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		// Stop child processes first so their exit events still reach
		// connected viewers, then close the listener.
		reg.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			return httpSrv.Close()
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("daemon error: %w", err)
	}
}
