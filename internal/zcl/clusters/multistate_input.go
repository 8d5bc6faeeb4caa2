package clusters

import "zigbee-homekit/internal/zcl"

// GenMultistateInput carries button actions on Aqara wall switches.
var GenMultistateInput = zcl.ClusterDef{
	ID:   0x0012,
	Name: "genMultistateInput",
	Attributes: []zcl.AttributeDef{
		{ID: 0x004A, Name: "numberOfStates", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0051, Name: "outOfService", Type: zcl.TypeBool, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0055, Name: "presentValue", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x006F, Name: "statusFlags", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessReport},
	},
}
