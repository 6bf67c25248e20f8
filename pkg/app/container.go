// Package app is the composition root: it wires configuration, storage,
// bridge instances, the event bus and the gateway server into one
// runnable unit.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/astrobridge/qtbridge/pkg/bridge"
	"github.com/astrobridge/qtbridge/pkg/bus"
	"github.com/astrobridge/qtbridge/pkg/config"
	"github.com/astrobridge/qtbridge/pkg/forward"
	"github.com/astrobridge/qtbridge/pkg/gateway"
	"github.com/astrobridge/qtbridge/pkg/logger"
	"github.com/astrobridge/qtbridge/pkg/pairs"
	"github.com/astrobridge/qtbridge/pkg/qq"
	"github.com/astrobridge/qtbridge/pkg/telegram"
)

// Container holds every long-lived component of a qtbridge process.
type Container struct {
	Config    *config.Config
	Store     *storageHandle
	Bus       *bus.Bus
	Instances []*bridge.Instance
	Gateway   *gateway.Server
}

// storageHandle keeps the app package decoupled from the concrete store
// only as far as shutdown is concerned.
type storageHandle struct {
	io interface{ Close() error }
}

func (s *storageHandle) Close() error { return s.io.Close() }

// Repositories is the persistence surface the container needs.
type Repositories interface {
	pairs.Repository
	forward.Repository
	Close() error
}

// NewContainer builds the full object graph from configuration.
func NewContainer(cfg *config.Config, store Repositories) (*Container, error) {
	logger.SetLevel(cfg.LogLevel)

	b := bus.New()

	instances := make([]*bridge.Instance, 0, len(cfg.Instances))
	gwInstances := make([]gateway.Instance, 0, len(cfg.Instances))

	for _, ic := range cfg.Instances {
		qqAdapter := qq.NewAdapter(ic.OneBotURL, ic.OneBotToken)
		tgAdapter, err := telegram.NewAdapter(ic.TelegramBot)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", ic.ID, err)
		}

		inst := bridge.NewInstance(
			ic.ID,
			qqAdapter,
			tgAdapter,
			pairs.NewRegistry(ic.ID, store),
			forward.NewResolver(ic.ID, store),
			b,
			bridge.Options{
				NicknameMode: ic.NicknameMode,
				ReloadCron:   cfg.Maintenance.ReloadCron,
			},
		)
		instances = append(instances, inst)
		gwInstances = append(gwInstances, inst)
	}

	tokens := make([]gateway.Token, 0, len(cfg.Gateway.Tokens))
	for _, tc := range cfg.Gateway.Tokens {
		tokens = append(tokens, gateway.Token{Value: tc.Token, Instances: tc.Instances})
	}

	gw := gateway.NewServer(gateway.Options{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		HeartbeatInterval: time.Duration(cfg.Gateway.HeartbeatIntervalMS) * time.Millisecond,
		IdentifyTimeout:   time.Duration(cfg.Gateway.IdentifyTimeoutMS) * time.Millisecond,
		SendQueueSize:     cfg.Gateway.SendQueueSize,
		Tokens:            tokens,
	}, b, gwInstances)

	return &Container{
		Config:    cfg,
		Store:     &storageHandle{io: store},
		Bus:       b,
		Instances: instances,
		Gateway:   gw,
	}, nil
}

// Start brings every instance up, then the gateway. A failing instance
// aborts startup; already-started instances are stopped again.
func (c *Container) Start(ctx context.Context) error {
	started := make([]*bridge.Instance, 0, len(c.Instances))
	for _, inst := range c.Instances {
		if err := inst.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop(ctx)
			}
			return err
		}
		started = append(started, inst)
	}

	if err := c.Gateway.Start(); err != nil {
		for _, s := range started {
			s.Stop(ctx)
		}
		return err
	}

	logger.InfoCF("app", "qtbridge running", map[string]interface{}{
		"instances": len(c.Instances),
	})
	return nil
}

// Shutdown tears the process down in reverse order of startup.
func (c *Container) Shutdown(ctx context.Context) {
	c.Gateway.Shutdown(ctx)
	for _, inst := range c.Instances {
		inst.Stop(ctx)
	}
	c.Bus.Close()
	c.Store.Close()
	logger.InfoC("app", "qtbridge stopped")
}
