package clusters

import "zigbee-homekit/internal/zcl"

// GenDeviceTempCfg is reported by mains-powered Aqara switches.
var GenDeviceTempCfg = zcl.ClusterDef{
	ID:   0x0002,
	Name: "genDeviceTempCfg",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "currentTemperature", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "minTempExperienced", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "maxTempExperienced", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: 0x0003, Name: "overTempTotalDwell", Type: zcl.TypeUint16, Access: zcl.AccessRead},
	},
}
