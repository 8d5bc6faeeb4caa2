package clusters

import "zigbee-homekit/internal/zcl"

// AqaraOpple is the Lumi manufacturer cluster. Attribute 0x000A is written
// to switch the relay on wireless-decoupled wall switches, and 0xF000 shows
// up alongside onOff in genuine state reports.
var AqaraOpple = zcl.ClusterDef{
	ID:               0xFCC0,
	Name:             "aqaraOpple",
	ManufacturerCode: 0x115F,
	Attributes: []zcl.AttributeDef{
		{ID: 0x0009, Name: "mode", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x000A, Name: "switchState", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x00F7, Name: "lumiTLV", Type: zcl.TypeOctetStr, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0200, Name: "operationMode", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite},
	},
}

const (
	AttrAqaraSwitchState uint16 = 0x000A
	AttrAqaraStateMarker uint16 = 0xF000
)
