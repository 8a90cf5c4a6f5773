package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"perp_gateway/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	envPath := flag.String("env", ".env", "Path to an optional .env file with credentials")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting perpetual futures gateway",
		"symbols", app.Cfg.MarketData.Symbols,
		"testnet", app.Cfg.App.Testnet,
		"private_stream", app.Cfg.Orders.PrivateStream)
	app.Logger.Debug("Effective configuration", "config", app.Cfg.String())

	gw, err := bootstrap.BuildGateway(app.Cfg, app.Logger, app.Health, bootstrap.WebsocketDialer(app.Cfg, app.Logger))
	if err != nil {
		app.Logger.Error("Failed to build gateway", "error", err)
		_ = app.Close()
		os.Exit(1)
	}

	runErr := app.Run(context.Background(), gw.Runners()...)

	if err := gw.Close(); err != nil {
		app.Logger.Warn("Failed to close record sink", "error", err)
	}
	if err := app.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Telemetry shutdown: %v\n", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
