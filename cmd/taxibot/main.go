// Command taxibot runs the fleet driver bot.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/m3rciful/taxibot/core/bootstrap"
	corecmd "github.com/m3rciful/taxibot/core/cmd"
	"github.com/m3rciful/taxibot/internal/app"
	"github.com/m3rciful/taxibot/internal/config"
	"github.com/m3rciful/taxibot/migrations"
)

func main() {
	err := corecmd.Execute(corecmd.Options{
		Name:              "taxibot",
		DefaultConfigPath: "configs/config.yaml",
		LoadConfig: func(path string) (corecmd.ConfigCarrier, error) {
			return config.Load(path)
		},
		Bootstrap: func(ctx context.Context, carrier corecmd.ConfigCarrier) (corecmd.TelegramApp, error) {
			cfg, res, err := infra(ctx, carrier)
			if err != nil {
				return nil, err
			}
			application, err := app.New(cfg, res.DB)
			if err != nil {
				_ = res.Close()
				return nil, err
			}
			return application, nil
		},
		Migrate: func(ctx context.Context, carrier corecmd.ConfigCarrier) error {
			_, res, err := infra(ctx, carrier)
			if err != nil {
				return err
			}
			return res.Close()
		},
	})
	if err != nil {
		os.Exit(1)
	}
}

// infra initializes logging and brings the database schema up to date.
func infra(ctx context.Context, carrier corecmd.ConfigCarrier) (*config.Config, *bootstrap.Result, error) {
	cfg, ok := carrier.(*config.Config)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected config type %T", carrier)
	}
	res, err := bootstrap.Run(ctx, bootstrap.Options{
		Config:     cfg.CoreConfig(),
		Database:   cfg.Database,
		Migrations: migrations.FS,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, res, nil
}
