package clusters

import "zigbee-homekit/internal/zcl"

var GenLevelCtrl = zcl.ClusterDef{
	ID:   0x0008,
	Name: "genLevelCtrl",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "currentLevel", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "remainingTime", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0010, Name: "onOffTransitionTime", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0011, Name: "onLevel", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "moveToLevel", Direction: zcl.DirectionToServer},
		{ID: 0x01, Name: "move", Direction: zcl.DirectionToServer},
		{ID: 0x02, Name: "step", Direction: zcl.DirectionToServer},
		{ID: 0x03, Name: "stop", Direction: zcl.DirectionToServer},
		{ID: 0x04, Name: "moveToLevelWithOnOff", Direction: zcl.DirectionToServer},
	},
}
