//go:build no_mqtt

package main

import (
	"log/slog"

	"zigbee-homekit/internal/homekit"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *homekit.Platform, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
