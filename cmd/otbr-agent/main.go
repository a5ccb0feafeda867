package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	otbr "github.com/threadbr/go-otbr"
	"go.uber.org/multierr"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("failed reading configuration")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("failed configuring logging")
	}

	logger.Info(otbr.SystemInfoString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("failed creating app")
	}

	runErr := app.Run(ctx)
	if err := multierr.Combine(runErr, app.Close()); err != nil {
		log.WithError(err).Fatal("agent terminated with errors")
	}

	logger.Info("otbr-agent stopped")
}
