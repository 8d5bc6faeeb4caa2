package clusters

import "zigbee-homekit/internal/zcl"

var HaElectricalMeasurement = zcl.ClusterDef{
	ID:   0x0B04,
	Name: "haElectricalMeasurement",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "measurementType", Type: zcl.TypeBitmap32, Access: zcl.AccessRead},
		{ID: 0x0505, Name: "rmsVoltage", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0508, Name: "rmsCurrent", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x050B, Name: "activePower", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0604, Name: "acPowerMultiplier", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0605, Name: "acPowerDivisor", Type: zcl.TypeUint16, Access: zcl.AccessRead},
	},
}
