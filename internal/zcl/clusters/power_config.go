package clusters

import "zigbee-homekit/internal/zcl"

var GenPowerCfg = zcl.ClusterDef{
	ID:   0x0001,
	Name: "genPowerCfg",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "mainsVoltage", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0020, Name: "batteryVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0021, Name: "batteryPercentageRemaining", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0031, Name: "batterySize", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0033, Name: "batteryQuantity", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite},
	},
}
