package clusters

import "zigbee-homekit/internal/zcl"

var GenIdentify = zcl.ClusterDef{
	ID:   0x0003,
	Name: "genIdentify",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "identifyTime", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "identify", Direction: zcl.DirectionToServer},
		{ID: 0x01, Name: "identifyQuery", Direction: zcl.DirectionToServer},
		{ID: 0x00, Name: "identifyQueryRsp", Direction: zcl.DirectionToClient},
	},
}
