package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/estamp-field/api/internal/bootstrap"
	"github.com/estamp-field/api/internal/cli"
	"github.com/estamp-field/api/internal/di"
	"github.com/estamp-field/api/internal/platform/config"
	"github.com/estamp-field/api/internal/platform/observability"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	root := cli.NewRootCommand(openRuntime(logger.Named("stampctl")))
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openRuntime(logger *zap.Logger) cli.Opener {
	return func(ctx context.Context) (*cli.Runtime, error) {
		loaded, err := bootstrap.Load(ctx, logger)
		if err != nil {
			var missing *config.MissingSecretsError
			if errors.As(err, &missing) {
				return nil, fmt.Errorf("missing required secrets: %s", strings.Join(missing.RedactedNames(), ", "))
			}
			return nil, err
		}
		container, err := di.NewContainer(ctx, loaded.Config, logger)
		if err != nil {
			_ = loaded.Close()
			return nil, err
		}
		svc := container.Services
		return &cli.Runtime{
			Templates:  svc.Templates,
			Promos:     svc.Promos,
			Orders:     svc.Orders,
			SigningKey: []byte(loaded.Config.Stamps.SigningKey),
			Close: func() error {
				return errors.Join(container.Close(context.Background()), loaded.Close())
			},
		}, nil
	}
}
