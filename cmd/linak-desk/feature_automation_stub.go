//go:build no_automation

package main

import (
	"log/slog"

	"linak-desk/internal/automation"
	"linak-desk/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ automation.Controller, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
