package app

import (
	"context"

	"botfleet/internal/config"
)

// ConfigPath is the file the app was loaded from; workers receive it too.
type ConfigPath string

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config, path ConfigPath) *AppBuilder {
	return NewAppBuilder(cfg, string(path))
}
