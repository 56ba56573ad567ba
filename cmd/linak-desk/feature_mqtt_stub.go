//go:build no_mqtt

package main

import (
	"log/slog"

	"linak-desk/internal/desk"
	"linak-desk/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *desk.Desk, _ store.Store, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
