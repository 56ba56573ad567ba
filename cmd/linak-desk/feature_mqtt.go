//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "linak-desk/internal/mqtt"

	"linak-desk/internal/store"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(d mqttbridge.Controller, st store.Store, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(d, st, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
