package main

import (
	"github.com/voltsync/grid-sync-worker/internal/config"
	"github.com/voltsync/grid-sync-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
