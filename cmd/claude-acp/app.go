package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/m4xw311/claude-acp/agent"
	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
	"github.com/m4xw311/claude-acp/permission"
	"github.com/m4xw311/claude-acp/process"
	"github.com/m4xw311/claude-acp/session"
	"github.com/m4xw311/claude-acp/store"
	"github.com/m4xw311/claude-acp/tools"
)

const maxLogFiles = 10

// app holds everything a command needs for one run.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	sessions   *session.Store
	gate       *permission.Gate
	registry   *tools.ToolRegistry
	supervisor *process.Supervisor
	closers    []io.Closer
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.LoadConfig()
}

// newApp loads the configuration and opens storage. Model processes and MCP
// servers are not started until startTools and the first turn.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := logging.Initialize(debug || cfg.Log.Debug, cfg.Log.Dir, maxLogFiles); err != nil {
		return nil, errors.Wrapf(err, "initializing logging")
	}
	a := &app{cfg: cfg, logger: logging.Logger}

	decisions, persistence, err := a.openStore()
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewStore(persistence, cfg.Turn.BusyPolicy, a.logger)
	a.gate, err = permission.NewGate(cfg.Permissions, decisions, a.logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.supervisor = process.NewSupervisor(cfg.Model, cfg.Process, a.logger)
	return a, nil
}

// openStore returns the decision store and session persistence for the
// configured driver.
func (a *app) openStore() (permission.DecisionStore, session.Persistence, error) {
	switch a.cfg.Store.Driver {
	case "sqlite":
		db, err := store.Open(a.cfg.Store.Path, debug || a.cfg.Log.Debug, a.logger)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening session database %s", a.cfg.Store.Path)
		}
		a.closers = append(a.closers, db)
		return permission.Tiered{Session: permission.NewMemoryStore(), Global: db}, db, nil
	case "jsonl":
		files, err := session.NewFileStore(a.cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		if a.cfg.Permissions.AlwaysScope == "global" {
			a.logger.Warn("global permission decisions are not persisted with the jsonl store")
		}
		return permission.NewMemoryStore(), files, nil
	}
	return nil, nil, errors.New("invalid store.driver %q, want sqlite or jsonl", a.cfg.Store.Driver)
}

// startTools registers the built-in tools and connects the configured MCP
// servers.
func (a *app) startTools(ctx context.Context) {
	a.registry = tools.NewToolRegistry(a.cfg, a.logger)
	a.registry.ConnectMCP(ctx, a.cfg.AdditionalMCPServers)
	a.closers = append(a.closers, a.registry)
}

func (a *app) runner(n agent.Notifier) (*agent.Runner, error) {
	if a.registry == nil {
		return nil, errors.New("tools are not started")
	}
	return agent.NewRunner(a.cfg, agent.Dependencies{
		Sessions:  a.sessions,
		Processes: agent.Supervised(a.supervisor),
		Gate:      a.gate,
		Tools:     a.registry,
		Notifier:  n,
		Logger:    a.logger,
	})
}

// Close stops every model process and releases storage.
func (a *app) Close(ctx context.Context) {
	if a.supervisor != nil {
		grace := a.cfg.Process.GracePeriod + time.Second
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		if err := a.supervisor.Shutdown(sctx); err != nil {
			a.logger.Warn("shutting down model processes", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("closing", "error", err)
		}
	}
	a.closers = nil
}
