package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/astrobridge/qtbridge/cmd/qtbridge/internal/pairscmd"
	"github.com/astrobridge/qtbridge/cmd/qtbridge/internal/serve"
	"github.com/astrobridge/qtbridge/cmd/qtbridge/internal/version"
)

func NewQtbridgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "qtbridge",
		Short:   "qtbridge - QQ <-> Telegram message bridge",
		Example: "qtbridge serve --config config.json",
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		pairscmd.NewPairsCommand(),
		version.NewVersionCommand(),
	)
	return cmd
}

func main() {
	cmd := NewQtbridgeCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
