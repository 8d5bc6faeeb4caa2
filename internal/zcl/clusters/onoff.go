package clusters

import "zigbee-homekit/internal/zcl"

var GenOnOff = zcl.ClusterDef{
	ID:   0x0006,
	Name: "genOnOff",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "onOff", Type: zcl.TypeBool, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x4001, Name: "onTime", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x4002, Name: "offWaitTime", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x4003, Name: "startUpOnOff", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessWrite},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "off", Direction: zcl.DirectionToServer},
		{ID: 0x01, Name: "on", Direction: zcl.DirectionToServer},
		{ID: 0x02, Name: "toggle", Direction: zcl.DirectionToServer},
	},
}

const AttrOnOff uint16 = 0x0000
