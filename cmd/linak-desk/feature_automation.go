//go:build !no_automation

package main

import (
	"log/slog"

	"linak-desk/internal/automation"
	"linak-desk/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(d automation.Controller, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	if !cfg.Automation.Enabled {
		return &autoStopper{}, nil
	}
	scriptMgr, err := automation.NewManager(cfg.Automation.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(d, scriptMgr, logger)
	engine.Start()
	logger.Info("automation started", "dir", cfg.Automation.ScriptsDir, "running", engine.Running())

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
