package cmd

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"cellrun/cli/internal/config"
	"cellrun/cli/internal/driver"
	"cellrun/cli/internal/gateway"
	"cellrun/cli/internal/history"
	"cellrun/cli/internal/kernel"
	"cellrun/cli/internal/kernel/scriptkernel"
	"cellrun/cli/internal/keychain"
	"cellrun/cli/internal/logging"
)

// app bundles the collaborators a command needs, built from the config file.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	history *history.Store
	gateway *gateway.Client
	keys    *keychain.Manager
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if strings.TrimSpace(logLevel) != "" {
		level = logLevel
	}
	log, err := logging.New(level)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	if cfg.History.Persist {
		path, err := history.DefaultPath()
		if err == nil {
			a.history, err = history.Open(path)
		}
		if err != nil {
			log.Warn("history unavailable, keeping it in memory", zap.Error(err))
		}
	}
	if a.history == nil {
		a.history = history.NewMemory()
	}
	return a, nil
}

// keychain opens the OS credential store once. A failure is logged and
// connections that need it fail when opened.
func (a *app) keychain() *keychain.Manager {
	if a.keys != nil {
		return a.keys
	}
	km, err := keychain.Open()
	if err != nil {
		a.log.Debug("keychain unavailable", zap.Error(err))
		return nil
	}
	a.keys = km
	return km
}

func (a *app) registry() *driver.Registry {
	var passwords driver.PasswordSource
	needKeychain := false
	for _, c := range a.cfg.Connections {
		needKeychain = needKeychain || c.Keychain
	}
	if needKeychain {
		if km := a.keychain(); km != nil {
			passwords = km
		}
	}
	return driver.NewRegistry(a.cfg.Connections, passwords, a.log)
}

// deps builds kernel dependencies. The gateway is dialed only when configured.
func (a *app) deps() (kernel.Deps, error) {
	deps := kernel.Deps{
		Connections: a.registry(),
		Script: scriptkernel.Options{
			Runtime: a.cfg.Script.Runtime,
			Args:    a.cfg.Script.Args,
			Timeout: time.Duration(a.cfg.Script.TimeoutSeconds) * time.Second,
		},
		Log: a.log,
	}
	if strings.TrimSpace(a.cfg.Gateway.Addr) != "" {
		client, err := gateway.Dial(a.cfg.Gateway, a.log)
		if err != nil {
			return deps, err
		}
		a.gateway = client
		deps.Publisher = client
		deps.Searcher = client
	}
	return deps, nil
}

func (a *app) close() {
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			a.log.Debug("close gateway", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
