package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astrobridge/qtbridge/pkg/app"
	"github.com/astrobridge/qtbridge/pkg/config"
	"github.com/astrobridge/qtbridge/pkg/logger"
	"github.com/astrobridge/qtbridge/pkg/storage"
)

func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge instances and the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serveCmd(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to config file (json or yaml)")
	return cmd
}

func serveCmd(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}

	container, err := app.NewContainer(cfg, store)
	if err != nil {
		store.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := container.Start(ctx); err != nil {
		store.Close()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.InfoC("app", "Shutdown signal received")
	cancel()
	container.Shutdown(context.Background())
	return nil
}
