package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trailsim/internal/infrastructure/config"
	"trailsim/internal/infrastructure/container"
	"trailsim/internal/infrastructure/logger"
	"trailsim/internal/interfaces/console"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	logger.Setup("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init container failed")
	}
	defer c.Close()

	app := c.App()
	positions := app.PositionService()

	// 恢复必须在接受命令之前完成
	n, err := positions.Recover(ctx)
	if err != nil {
		log.Error().Err(err).Int("recovered", n).Msg("recover positions failed")
	}

	sink := console.NewSink(os.Stdout)
	cons := console.New(positions, app.Formatter(), sink)
	go cons.RunStatusBoard(ctx, time.Duration(cfg.App.PrintEveryMin)*time.Minute)

	log.Info().
		Str("config", *configPath).
		Str("venue", cfg.Exchange.Venue).
		Str("storage", cfg.Storage.Driver).
		Strs("sources", app.PriceService().Sources()).
		Dur("poll_interval", cfg.Trailing.PollInterval.Duration).
		Int("recovered", n).
		Msg("trailsim started")

	_ = sink.WriteLine("type 'help' for commands")
	if err := cons.Run(ctx, os.Stdin); err != nil {
		log.Error().Err(err).Msg("console exited")
	}

	// 监控停止后仓位保持原状态，下次启动时恢复
	positions.Shutdown()
	log.Info().Int("open", len(positions.ListActive())).Msg("trailsim stopped")
}
