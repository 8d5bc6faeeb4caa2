package clusters

import "zigbee-homekit/internal/zcl"

var SeMetering = zcl.ClusterDef{
	ID:   0x0702,
	Name: "seMetering",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "currentSummDelivered", Type: zcl.TypeUint48, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0300, Name: "unitOfMeasure", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
		{ID: 0x0301, Name: "multiplier", Type: zcl.TypeUint24, Access: zcl.AccessRead},
		{ID: 0x0302, Name: "divisor", Type: zcl.TypeUint24, Access: zcl.AccessRead},
		{ID: 0x0400, Name: "instantaneousDemand", Type: zcl.TypeInt24, Access: zcl.AccessRead | zcl.AccessReport},
	},
}
