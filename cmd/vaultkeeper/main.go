package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/vaultkeeper/internal/cli"
	"github.com/dmitrijs2005/vaultkeeper/internal/config"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	app.Run(ctx)
}
