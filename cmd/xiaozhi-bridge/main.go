package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/xiaozhi-bridge/core/logx"
	"github.com/gaspardpetit/xiaozhi-bridge/core/secret"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/bridge"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/config"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		fmt.Printf("xiaozhi-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup, err := bridge.New(cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("build bridge")
	}
	if cfg.MetricsAddr != "" {
		addr, err := bridge.StartMetricsServer(ctx, cfg.MetricsAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("start metrics server")
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics server started")
	}
	if cfg.StatusAddr != "" {
		addr, err := sup.StartStatusServer(ctx, cfg.StatusAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("start status server")
		}
		logx.Log.Info().Str("addr", addr).Msg("status server started")
	}

	logx.Log.Info().
		Str("bridge", cfg.BridgeName).
		Str("mcp_server", cfg.MCPServerURL).
		Str("token", secret.Mask(cfg.AccessToken)).
		Msg("configuration loaded")

	if err := sup.Start(ctx); err != nil {
		logx.Log.Fatal().Err(err).Msg("start bridge")
	}
	<-ctx.Done()
	sup.Disconnect()
}
