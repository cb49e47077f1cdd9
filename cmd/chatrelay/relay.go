package main

import (
	"fmt"
	"log/slog"

	"github.com/user/chatrelay/internal/backend"
	"github.com/user/chatrelay/internal/config"
	"github.com/user/chatrelay/internal/relay"
	"github.com/user/chatrelay/internal/router"
	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/translate"
	"github.com/user/chatrelay/internal/types"
)

// relayApp holds the assembled relay and the stores it owns.
type relayApp struct {
	service *relay.Service
	groups  types.GroupStore
	journal types.Journal
	stats   *relay.Stats
}

func openGroups(cfg *config.Config) (types.GroupStore, error) {
	groups, err := state.Open(cfg.Database.Driver, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open group store: %w", err)
	}
	return groups, nil
}

func openJournal(cfg *config.Config) types.Journal {
	if !cfg.Journal.Enabled {
		return nil
	}
	return state.NewJournal(cfg.DataDir)
}

func buildRelay(cfg *config.Config, logger *slog.Logger) (*relayApp, error) {
	bc, err := backend.New(cfg.Connection.BackendURL, cfg.Connection.Timeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	rc, err := router.New(router.Config{
		URL:               cfg.Connection.WSURL,
		Platform:          cfg.Adapter.PlatformID,
		Token:             cfg.Connection.Token,
		ReconnectInterval: cfg.Connection.Reconnect(),
		HandshakeTimeout:  cfg.Connection.Timeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router client: %w", err)
	}

	// Per-call store errors degrade to identity mapping inside the Mapper, but
	// a store that cannot be opened at all stops startup.
	groups, err := openGroups(cfg)
	if err != nil {
		return nil, err
	}
	mapper := state.NewMapper(groups, logger)
	journal := openJournal(cfg)
	stats := &relay.Stats{}

	poller := relay.NewPoller(bc, rc, translate.New(cfg.Adapter.PlatformID), mapper.Resolve, relay.PollerOptions{
		Interval: cfg.Adapter.Interval(),
		Backoff:  cfg.Adapter.PollBackoff,
		Journal:  journal,
		Stats:    stats,
		Logger:   logger,
	})

	pushOpts := relay.PushOptions{
		MaxConcurrent: int64(cfg.Adapter.MaxConcurrentPush),
		DropEmpty:     cfg.Adapter.DropEmptyInbound,
		Journal:       journal,
		Stats:         stats,
		Logger:        logger,
	}
	if cfg.Adapter.SessionFromGroup {
		pushOpts.SessionOf = mapper.SessionOf
	}
	push := relay.NewPushHandler(bc, pushOpts)

	return &relayApp{
		service: relay.NewService(bc, rc, poller, push, stats, logger),
		groups:  groups,
		journal: journal,
		stats:   stats,
	}, nil
}

func (a *relayApp) Close() {
	if a.groups != nil {
		a.groups.Close()
		a.groups = nil
	}
}
