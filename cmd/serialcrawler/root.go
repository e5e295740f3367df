package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/config"
	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the application surface commands use. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	FetchPage(ctx context.Context, locator string) (crawler.Page, error)
	StartSession(ctx context.Context, req crawler.StartRequest) (string, error)
	StopSession(id string) error
	Subscribe(origin string) (<-chan crawler.Completion, func())
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "serialcrawler",
		Short: "Crawls paged serial content into a single artifact per session.",
		Long: `serialcrawler follows "next" links through a sequence of pages, waits for each
page to settle, extracts its content and writes the whole sequence as one artifact.
Run it as a service with "serve" or drive a single session with "crawl".`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFiles...); err != nil {
				return fmt.Errorf("load env: %w", err)
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load before config (default .env)")

	cmd.AddCommand(newServeCmd(), newCrawlCmd())
	return cmd
}

// shutdown closes the app even when the command failed or was interrupted.
func shutdown(ctx context.Context, appInstance App) {
	if err := appInstance.Close(context.WithoutCancel(ctx)); err != nil {
		appInstance.Logger().Error("shutdown failed", zap.Error(err))
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
