// Command keygate runs the licensing and session authority: license
// lifecycle, heartbeat-driven session quotas, the balance ledger and the
// purchase flow behind one HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"keygate/internal/app"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
)

func main() {
	configPath := flag.String("config", "keygate.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "keygate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := infrastructure.NewLogger(cfg.Logging)

	application, err := app.NewApplication(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	return application.Run()
}
