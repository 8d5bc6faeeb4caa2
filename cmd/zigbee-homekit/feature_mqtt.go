//go:build !no_mqtt

package main

import (
	"log/slog"

	"zigbee-homekit/internal/homekit"
	mqttbridge "zigbee-homekit/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(platform *homekit.Platform, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	var switches []mqttbridge.Switch
	for _, sw := range platform.Switches() {
		switches = append(switches, sw)
	}
	bridge, err := mqttbridge.NewBridge(switches, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
