// Command relay settles EVM hashed timelock contracts with preimages
// revealed on Lightning.
package main

import (
	"context"
	"os"

	"github.com/mbd888/htlcrelay/internal/config"
	"github.com/mbd888/htlcrelay/internal/logging"
	"github.com/mbd888/htlcrelay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting htlcrelay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"htlc_contract", cfg.HTLCContract,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
