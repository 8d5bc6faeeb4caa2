// Package clusters holds the built-in ZCL cluster definitions, named the way
// the controller reports them in messages.
package clusters

import "zigbee-homekit/internal/zcl"

// Builtin lists every built-in definition in cluster ID order.
var Builtin = []zcl.ClusterDef{
	GenBasic,
	GenPowerCfg,
	GenDeviceTempCfg,
	GenIdentify,
	GenOnOff,
	GenLevelCtrl,
	GenMultistateInput,
	SeMetering,
	HaElectricalMeasurement,
	AqaraOpple,
}

// RegisterAll adds the built-in clusters to r.
func RegisterAll(r *zcl.Registry) {
	for _, c := range Builtin {
		r.Register(c)
	}
}
