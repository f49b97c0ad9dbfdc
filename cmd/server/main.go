package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/config"
	"github.com/vdavid/vmail/mailcore/internal/db"
	"github.com/vdavid/vmail/mailcore/internal/server"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	logger.Info("Successfully connected to database")

	srv, err := server.New(ctx, cfg, pool, logger, server.Options{})
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	logger.WithField("environment", cfg.Environment).Info("mailcore backend starting")
	if err := srv.Run(ctx, ":"+cfg.Port); err != nil {
		logger.Fatalf("Server failed: %v", err)
	}
}
