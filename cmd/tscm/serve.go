package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"cpetscm/internal/web"
)

var serveCommand = app.Command("serve", "Run the API server and scheduled compliance runs.")

func doServe() {
	cfg := loadConfig()

	logrus.WithFields(logrus.Fields{
		"config_file": *configPath,
		"port":        cfg.Server.Port,
		"workers":     cfg.TSCM.Workers,
		"devices":     len(cfg.Devices),
		"checks":      len(cfg.Checks),
	}).Info("Starting TSCM compliance service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := newServices(ctx, cfg)
	kingpin.FatalIfError(err, "Unable to initialize services")
	defer svc.Close()

	var search web.Searcher
	if svc.index != nil {
		search = svc.index
	}
	webServer := web.NewServer(cfg, svc.store, svc.engine, search, svc.metrics)

	kingpin.FatalIfError(svc.engine.Start(ctx), "Unable to start compliance engine")
	kingpin.FatalIfError(webServer.Start(ctx), "Unable to start web server")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logrus.WithField("signal", sig).Info("Received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server shutdown failed")
	}
	logrus.Info("Shutdown complete")
}

func init() {
	commandHandlers = append(commandHandlers, func(command string) bool {
		if command != serveCommand.FullCommand() {
			return false
		}
		doServe()
		return true
	})
}
