package coordinator

import (
	"testing"

	"zigbee-homekit/internal/ncp"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zcl"
)

// lumiTLV is a typical 0xFF01 payload: battery 3000 mV, device temperature
// 25 C and channel state on.
var lumiTLV = []byte{
	0x01, zcl.TypeUint16, 0xB8, 0x0B,
	0x03, zcl.TypeInt8, 0x19,
	0x64, zcl.TypeBool, 0x01,
}

func TestDecodeXiaomiTLV(t *testing.T) {
	got, err := decodeXiaomiTLV(lumiTLV)
	if err != nil {
		t.Fatal(err)
	}
	if got[1] != uint16(3000) || got[3] != int8(25) || got[100] != true {
		t.Errorf("tlv = %v", got)
	}
}

func TestDecodeXiaomiTLVTruncated(t *testing.T) {
	data := append(append([]byte{}, lumiTLV...), 0x05, zcl.TypeUint32, 0x01)
	got, err := decodeXiaomiTLV(data)
	if err == nil {
		t.Fatal("expected error for truncated value")
	}
	if len(got) != 3 {
		t.Errorf("tags decoded before the error = %d, want 3", len(got))
	}
}

func TestApplyTransform(t *testing.T) {
	tests := []struct {
		name      string
		transform string
		in        any
		want      any
	}{
		{"battery full", "lumi_battery", uint16(3000), 100},
		{"battery empty", "lumi_battery", uint16(2700), 0},
		{"battery half", "lumi_battery", uint16(2925), 50},
		{"bool from uint8", "bool", uint8(1), true},
		{"bool passthrough", "bool", false, false},
		{"divide 10", "divide_10", int16(215), 21.5},
		{"divide 100", "divide_100", uint16(2150), 21.5},
		{"unknown passthrough", "", uint8(7), uint8(7)},
		{"non-numeric passthrough", "divide_10", "x", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := applyTransform(tt.transform, tt.in); got != tt.want {
				t.Errorf("applyTransform(%q, %v) = %v (%T), want %v", tt.transform, tt.in, got, got, tt.want)
			}
		})
	}
}

func TestReportExpandsProperties(t *testing.T) {
	c, fake, ms := newTestCoordinator(t)
	c.DeviceDB().Add(DeviceDefinition{
		Manufacturer: "LUMI",
		Model:        "lumi.switch.b1nacn02",
		Properties: []PropertySource{{
			Cluster:   0x0000,
			Attribute: 0xFF01,
			Decoder:   "xiaomi_tlv",
			Values: []PropertyDef{
				{Tag: 1, Name: "battery", Transform: "lumi_battery"},
				{Tag: 3, Name: "deviceTemperature"},
				{Tag: 100, Name: "state", Transform: "bool"},
			},
		}},
	})
	ms.SaveDevice(&store.Device{
		IEEEAddress:  testIEEEStr,
		ShortAddress: 0xABCD,
		Manufacturer: "LUMI",
		Model:        "lumi.switch.b1nacn02",
	})
	events := collect(c.Events(), EventMessage)

	fake.Report(ncp.AttributeReportEvent{
		SrcAddr:   0xABCD,
		SrcEP:     1,
		ClusterID: 0x0000,
		Records: []ncp.AttributeRecord{
			{AttrID: 0xFF01, DataType: zcl.TypeCharStr, Value: append([]byte{byte(len(lumiTLV))}, lumiTLV...)},
		},
	})

	if len(*events) != 1 {
		t.Fatalf("messages = %d", len(*events))
	}
	data := (*events)[0].Data.(Message).Data
	if data["battery"] != 100 || data["deviceTemperature"] != int8(25) || data["state"] != true {
		t.Errorf("data = %v", data)
	}
	if _, ok := data["65281"]; !ok {
		t.Error("raw attribute missing from message data")
	}
}

func TestReportWithoutDefinitionKeepsRawData(t *testing.T) {
	c, fake, ms := newTestCoordinator(t)
	ms.SaveDevice(&store.Device{IEEEAddress: testIEEEStr, ShortAddress: 0xABCD, Model: "unknown"})
	events := collect(c.Events(), EventMessage)

	fake.Report(ncp.AttributeReportEvent{
		SrcAddr:   0xABCD,
		ClusterID: 0x0000,
		Records: []ncp.AttributeRecord{
			{AttrID: 0xFF01, DataType: zcl.TypeCharStr, Value: append([]byte{byte(len(lumiTLV))}, lumiTLV...)},
		},
	})

	data := (*events)[0].Data.(Message).Data
	if len(data) != 1 {
		t.Errorf("data = %v, want only the raw attribute", data)
	}
}
