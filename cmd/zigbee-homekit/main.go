package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/homekit"
	"zigbee-homekit/internal/web"
	"zigbee-homekit/internal/zigbee"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var _ web.Backend = (*zigbee.Controller)(nil)

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-homekit starting", "version", version)

	ctrl, err := zigbee.NewController(logger, controllerConfig(cfg), cfg.StoragePath)
	if err != nil {
		logger.Error("create controller", "err", err)
		os.Exit(1)
	}

	// A controller that cannot start leaves the bridge unusable.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ctrl.Start(ctx); err != nil {
		logger.Error("start controller", "err", err)
		cancel()
		ctrl.Close()
		os.Exit(1)
	}
	cancel()
	logger.Info("controller started", "database", ctrl.DatabasePath())

	if cfg.PermitJoin > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ctrl.PermitJoin(ctx, cfg.PermitJoin); err != nil {
			logger.Warn("permit join", "err", err)
		}
		cancel()
	}

	platform := homekit.NewPlatform(logger, ctrl, platformConfig(cfg))
	if err := platform.Load(); err != nil {
		logger.Error("load accessories", "err", err)
		ctrl.Close()
		os.Exit(1)
	}

	runCtx, stop := context.WithCancel(context.Background())
	hapDone := make(chan struct{})
	go func() {
		defer close(hapDone)
		if err := platform.Serve(runCtx); err != nil {
			logger.Error("homekit server", "err", err)
		}
	}()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webServer := web.NewServer(ctrl, platform, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(platform, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	stop()
	<-hapDone
	platform.Close()
	if err := ctrl.Close(); err != nil {
		logger.Error("close controller", "err", err)
	}

	logger.Info("goodbye")
}

func controllerConfig(cfg *Config) zigbee.Config {
	// validate has already checked the extended PAN ID.
	extPanID, _ := coordinator.ParseExtPanID(cfg.Network.ExtPanID)
	return zigbee.Config{
		Database:   cfg.Database,
		DevicesDir: cfg.DevicesDir,
		NCP: coordinator.NCPConfig{
			Type: cfg.NCP.Type,
			Port: cfg.NCP.Port,
			Baud: cfg.NCP.Baud,
		},
		Network: coordinator.Config{
			Channel:  cfg.Network.Channel,
			PanID:    cfg.Network.PanID,
			ExtPanID: extPanID,
		},
	}
}

func platformConfig(cfg *Config) homekit.PlatformConfig {
	pc := homekit.PlatformConfig{
		Name:        cfg.HomeKit.Name,
		Pin:         cfg.HomeKit.Pin,
		Listen:      cfg.HomeKit.Listen,
		StoragePath: cfg.StoragePath,
	}
	for _, acc := range cfg.Accessories {
		pc.Accessories = append(pc.Accessories, homekit.AccessoryConfig{IEEE: acc.IEEE, Name: acc.Name})
	}
	return pc
}
