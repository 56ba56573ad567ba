package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	consoleslog "github.com/phsym/console-slog"

	"linak-desk/internal/connection"
	"linak-desk/internal/console"
	"linak-desk/internal/desk"
	"linak-desk/internal/gatt"
	"linak-desk/internal/store"
	"linak-desk/internal/transport"
	"linak-desk/internal/transport/bluez"
	"linak-desk/internal/transport/serialbridge"
	"linak-desk/internal/transport/sim"
	"linak-desk/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the YAML config")
	interactive := flag.Bool("i", false, "start the interactive console")
	flag.Parse()

	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// The console owns stdout; logs move to stderr.
	var logOut io.Writer = os.Stdout
	if *interactive {
		logOut = os.Stderr
	}
	logger := newLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("linak-desk starting", "version", version, "address", cfg.Desk.Address, "transport", cfg.Transport.Type)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	tr, err := createTransport(cfg, logger)
	if err != nil {
		logger.Error("create transport", "err", err)
		os.Exit(1)
	}

	chars, err := gatt.DefaultMap().WithOverrides(cfg.characteristicOverrides())
	if err != nil {
		logger.Error("characteristic overrides", "err", err)
		os.Exit(1)
	}
	conn := connection.New(tr, connection.Config{
		Address:           cfg.Desk.Address,
		Characteristics:   chars,
		ResponseTimeout:   cfg.Protocol.ResponseTimeout.Duration,
		MaxAttempts:       cfg.Protocol.MaxAttempts,
		ConnectAttempts:   cfg.Protocol.ConnectAttempts,
		ConnectRetryDelay: cfg.Protocol.ConnectRetryDelay.Duration,
		PumpTimeout:       cfg.Protocol.PumpTimeout.Duration,
		PullTimeout:       cfg.Protocol.PullTimeout.Duration,
	}, logger)

	d := desk.New(conn, db, desk.Config{
		Address:       cfg.Desk.Address,
		MoveInterval:  cfg.Desk.MoveInterval.Duration,
		MoveTimeout:   cfg.Desk.MoveTimeout.Duration,
		MaxIterations: cfg.Desk.MaxIterations,
		DeadBand:      cfg.Desk.DeadBand,
		ReconnectMin:  cfg.Desk.ReconnectMin.Duration,
		ReconnectMax:  cfg.Desk.ReconnectMax.Duration,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("desk run", "err", err)
		}
	}()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(d, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithStore(db), web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	var (
		webServer  *web.Server
		httpServer *http.Server
	)
	if cfg.Web.Enabled {
		webServer = web.NewServer(d, logger, webOpts...)
		httpServer = &http.Server{
			Addr:         cfg.Web.Listen,
			Handler:      webServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("web server starting", "addr", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server", "err", err)
			}
		}()
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(d, db, cfg, logger)

	if *interactive {
		c, err := console.New(d)
		if err != nil {
			logger.Error("console", "err", err)
			os.Exit(1)
		}
		go c.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
	}
	cancel()
	wg.Wait()

	logger.Info("goodbye")
}

func createTransport(cfg *Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "bluez", "":
		logger.Info("using BlueZ transport", "adapter", cfg.Transport.Adapter)
		return bluez.New(bluez.Config{
			Adapter:        cfg.Transport.Adapter,
			ConnectTimeout: cfg.Transport.ConnectTimeout.Duration,
		}, logger), nil
	case "serial":
		logger.Info("using serial bridge transport", "port", cfg.Transport.Port, "baud", cfg.Transport.Baud)
		return serialbridge.New(serialbridge.Config{
			Port:           cfg.Transport.Port,
			BaudRate:       cfg.Transport.Baud,
			ConnectTimeout: cfg.Transport.ConnectTimeout.Duration,
		}, logger), nil
	case "sim":
		logger.Warn("using simulated desk")
		return sim.New(sim.DefaultConfig()), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q (supported: bluez, serial, sim)", cfg.Transport.Type)
	}
}

func newLogger(w io.Writer, levelName, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "console":
		handler = consoleslog.NewHandler(w, &consoleslog.HandlerOptions{Level: level})
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
