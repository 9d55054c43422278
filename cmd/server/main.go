// Command server runs the GoRelay message relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gorelay/internal/config"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "gorelay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := server.New(cfg, logger)
	httpServer := server.CreateServer(cfg.Server.Addr(), relay.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.ListenAndServe(httpServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested", zap.Error(context.Cause(gctx)))
		return relay.Shutdown(context.Background(), httpServer)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
