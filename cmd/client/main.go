package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/burrow/internal/client"
	"github.com/matst80/burrow/internal/obs"
)

func main() {
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("client.start", obs.Fields{
		"server": cfg.ServerHost, "port": cfg.ServerPort,
		"local": cfg.LocalHost, "localPort": cfg.LocalPort,
		"subdomain": cfg.Subdomain,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := client.New(client.Config{
		ServerHost: cfg.ServerHost,
		ServerPort: cfg.ServerPort,
		LocalHost:  cfg.LocalHost,
		LocalPort:  cfg.LocalPort,
		Subdomain:  cfg.Subdomain,
		MaxRetries: cfg.MaxRetries,
	})
	err := rt.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("client.stopped", obs.Fields{})
}
