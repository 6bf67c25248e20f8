// Package pairscmd manages forward pairs directly against the store,
// for use while the bridge is not running.
package pairscmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/astrobridge/qtbridge/pkg/config"
	"github.com/astrobridge/qtbridge/pkg/pairs"
	"github.com/astrobridge/qtbridge/pkg/storage"
)

func NewPairsCommand() *cobra.Command {
	var configPath string
	var instanceID string

	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "Inspect and edit forward pairs",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to config file")
	cmd.PersistentFlags().StringVarP(&instanceID, "instance", "i", "", "Instance id (defaults to the first configured instance)")

	cmd.AddCommand(
		newListCommand(&configPath, &instanceID),
		newAddCommand(&configPath, &instanceID),
		newRemoveCommand(&configPath, &instanceID),
	)
	return cmd
}

// openRegistry loads config, opens the store and returns a loaded
// registry for the selected instance. The caller closes the store.
func openRegistry(configPath, instanceID string) (*pairs.Registry, *storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if instanceID == "" {
		instanceID = cfg.Instances[0].ID
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}

	reg := pairs.NewRegistry(instanceID, store)
	if err := reg.Load(context.Background()); err != nil {
		store.Close()
		return nil, nil, err
	}
	return reg, store, nil
}

func newListCommand(configPath, instanceID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List forward pairs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			reg, store, err := openRegistry(*configPath, *instanceID)
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := reg.All()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("no pairs")
				return nil
			}
			for _, p := range all {
				thread := ""
				if p.TGThreadID != 0 {
					thread = fmt.Sprintf(" (thread %d)", p.TGThreadID)
				}
				fmt.Printf("%4d  qq:%d  <->  tg:%d%s\n", p.ID, p.QQRoomID, p.TGChatID, thread)
			}
			return nil
		},
	}
}

func newAddCommand(configPath, instanceID *string) *cobra.Command {
	var qqRoom, tgChat, tgThread int64

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Bind a QQ room to a Telegram chat",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			reg, store, err := openRegistry(*configPath, *instanceID)
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := reg.Add(context.Background(), qqRoom, tgChat, tgThread)
			if err != nil {
				return err
			}
			fmt.Printf("pair %d: qq:%d <-> tg:%d thread:%d\n", p.ID, p.QQRoomID, p.TGChatID, p.TGThreadID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&qqRoom, "qq", 0, "QQ room id")
	cmd.Flags().Int64Var(&tgChat, "tg", 0, "Telegram chat id")
	cmd.Flags().Int64Var(&tgThread, "thread", 0, "Telegram thread id (0 for whole chat)")
	cmd.MarkFlagRequired("qq")
	cmd.MarkFlagRequired("tg")
	return cmd
}

func newRemoveCommand(configPath, instanceID *string) *cobra.Command {
	var qqRoom int64

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Unbind a QQ room",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			reg, store, err := openRegistry(*configPath, *instanceID)
			if err != nil {
				return err
			}
			defer store.Close()

			existed, err := reg.Remove(context.Background(), qqRoom)
			if err != nil {
				return err
			}
			if !existed {
				fmt.Printf("no pair for qq:%d\n", qqRoom)
				return nil
			}
			fmt.Printf("removed pair for qq:%d\n", qqRoom)
			return nil
		},
	}

	cmd.Flags().Int64Var(&qqRoom, "qq", 0, "QQ room id")
	cmd.MarkFlagRequired("qq")
	return cmd
}
