// Command landscapectl drives lenses and inspects the analysis chain from a terminal.
package main

import (
	"context"
	"fmt"
	"os"

	"trace-landscape/backend/internal/services"
	"trace-landscape/backend/pkg/config"
	"trace-landscape/backend/pkg/logger"
)

func main() {
	cmd := newRootCmd(openServices)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openServices loads the environment configuration and connects the configured backends
func openServices(ctx context.Context, debug bool) (*services.ServiceManager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	env := "production"
	if debug {
		env = "development"
	}
	if err := logger.Init(env); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return services.NewServiceManager(ctx, cfg)
}
