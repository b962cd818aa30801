package main

import (
	"go.uber.org/zap"

	"transcript-collab/config"
	"transcript-collab/internal/server"
	"transcript-collab/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	mode := logger.DevelopmentMode
	if cfg.AppMode == server.ReleaseMode {
		mode = logger.ProductionMode
	}
	l := logger.New(mode)
	logger.SetGlobalLogger(l)
	zap.ReplaceGlobals(l.Logger)
	defer l.Logger.Sync()

	hub := server.NewHub(cfg)
	go hub.Run()

	srv := server.New(cfg, l)
	srv.SetupRoutes(hub)

	if err := srv.Start(); err != nil {
		l.Errorf("server exited with error: %s", err)
	}

	hub.Stop()
}
