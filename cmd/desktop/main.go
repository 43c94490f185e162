// Package main runs the desktop sync service: a local REST API and a
// WebSocket event stream on localhost.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hamzamalik22/gaza-health-records-app/cmd/desktop/handlers"
	"github.com/hamzamalik22/gaza-health-records-app/internal/app"
	"github.com/hamzamalik22/gaza-health-records-app/internal/config"
	"github.com/hamzamalik22/gaza-health-records-app/internal/events"
	"github.com/hamzamalik22/gaza-health-records-app/internal/export"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/transfer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("HEALTHSYNC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	closer := logging.Setup(cfg.Log.Level, cfg.Log.File)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Desktop server stopped with error", err, nil)
		os.Exit(1)
	}
}

// run serves until ctx ends.
func run(ctx context.Context, cfg *config.Config) error {
	hub := NewWSHub()
	a, err := app.New(ctx, cfg, app.Options{
		Sinks:    []events.Sink{hub},
		Transfer: true,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Channel != nil {
		if stopRecv, err := a.ListenForPeers(); err != nil {
			logging.Error("Peer receive disabled", err, nil)
		} else {
			defer stopRecv()
		}
	}

	e := newServer(a, hub)
	a.Start(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTP.Port)
	logging.Info("Desktop server starting", map[string]interface{}{
		"addr":      addr,
		"device_id": a.DeviceID,
		"remote":    cfg.Remote.Driver,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newServer builds the echo instance with every route mounted.
func newServer(a *app.App, hub *WSHub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return isLocalOrigin(origin), nil
		},
	}))
	e.Use(requestLogger())

	set := &handlers.Set{
		Sync:     handlers.NewSyncHandler(a.Engine, a.Repo),
		Patients: handlers.NewPatientHandler(a.Engine, a.Repo),
		Transfer: handlers.NewTransferHandler(export.NewService(a.Repo, a.DeviceID), a.Peer, transferChannel(a)),
	}
	set.Register(e.Group("/api"))
	e.GET("/ws", echo.WrapHandler(HandleWebSocket(hub)))
	return e
}

// transferChannel avoids a typed nil inside the interface.
func transferChannel(a *app.App) transfer.Channel {
	if a.Channel == nil {
		return nil
	}
	return a.Channel
}

// requestLogger logs each request through the structured logger.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				logging.Warn("HTTP request failed", fields)
				return nil
			}
			logging.Debug("HTTP request", fields)
			return nil
		},
	})
}
