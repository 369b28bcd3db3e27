package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"syscall"

	"os/signal"

	"github.com/inboxhub/aggregator/internal/app/supervisor"
	"github.com/inboxhub/aggregator/internal/pkg/logger"
)

var (
	configFilepath = flag.String("config", "./config.yaml", "Filepath to the runtime tuning configuration. Default is './config.yaml'")
	envFilepath    = flag.String("env-file", "./.env", "Filepath to the account credentials env file. Default is './.env'")
)

func main() {
	flag.Parse()

	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: logger.ReplaceAttr,
	})
	slogger := slog.New(logger.NewContextHandler(textHandler))

	sp, err := supervisor.New(supervisor.Options{
		ConfigFilepath: *configFilepath,
		EnvFilepath:    *envFilepath,
		Getenv:         os.Getenv,
		Logger:         slogger,
	})
	if err != nil {
		log.Fatalf("failed to initialize supervisor: %s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slogger.Error(fmt.Sprintf("aggregator exited with error: %s", err), slog.String("module", "main"))
		os.Exit(1)
	}
}
