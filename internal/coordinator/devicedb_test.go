package coordinator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"zigbee-homekit/internal/zcl"
)

func TestDeviceDBAddLookup(t *testing.T) {
	db := NewDeviceDB()

	db.Add(DeviceDefinition{
		Manufacturer: "LUMI",
		Model:        "lumi.switch.b1nacn02",
		FriendlyName: "Aqara D1 Switch",
		Bind:         []uint16{6},
	})

	if db.Len() != 1 {
		t.Fatalf("len = %d, want 1", db.Len())
	}

	def := db.Lookup("LUMI", "lumi.switch.b1nacn02")
	if def == nil {
		t.Fatal("lookup returned nil")
	}
	if def.FriendlyName != "Aqara D1 Switch" {
		t.Errorf("friendly_name = %q", def.FriendlyName)
	}

	if db.Lookup("LUMI", "unknown") != nil {
		t.Error("expected nil for unknown model")
	}
	if db.Lookup("Other", "lumi.switch.b1nacn02") != nil {
		t.Error("manufacturer-scoped definition matched another manufacturer")
	}
}

func TestDeviceDBModelOnlyFallback(t *testing.T) {
	db := NewDeviceDB()
	db.Add(DeviceDefinition{Model: "lumi.ctrl_ln1.aq1", Exposes: ExposeSwitch})

	def := db.Lookup("LUMI", "lumi.ctrl_ln1.aq1")
	if def == nil || def.Exposes != ExposeSwitch {
		t.Fatalf("fallback lookup = %+v", def)
	}
}

func TestZCLTypeJSON(t *testing.T) {
	var spec OnOffSpec
	if err := json.Unmarshal([]byte(`{"cluster":"aqaraOpple","attribute":10,"type":"uint8"}`), &spec); err != nil {
		t.Fatal(err)
	}
	if spec.Type != ZCLType(zcl.TypeUint8) {
		t.Errorf("type by name = 0x%02X", uint8(spec.Type))
	}

	var entry ReportingEntry
	if err := json.Unmarshal([]byte(`{"cluster":6,"attribute":0,"type":16}`), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Type != ZCLType(zcl.TypeBool) {
		t.Errorf("type by number = 0x%02X", uint8(entry.Type))
	}

	if err := json.Unmarshal([]byte(`{"type":"nope"}`), &spec); err == nil {
		t.Error("unknown type name: expected error")
	}
}

func TestLoadDeviceDir(t *testing.T) {
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)

	// Pre-register genOnOff so the file's cluster entry merges into it.
	registry.Register(zcl.ClusterDef{
		ID:   6,
		Name: "genOnOff",
		Attributes: []zcl.AttributeDef{
			{ID: 0, Name: "onOff", Type: zcl.TypeBool, Access: zcl.AccessRead},
		},
	})

	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "aqara.json"), []byte(`{
		"clusters": [
			{
				"id": 64704,
				"name": "aqaraOpple",
				"manufacturer_code": 4447,
				"attributes": [
					{"id": 10, "name": "switchState", "type": 32, "access": 3}
				]
			},
			{
				"id": 6,
				"attributes": [
					{"id": 16387, "name": "startUpOnOff", "type": 48, "access": 3}
				]
			}
		],
		"manufacturers": [
			{
				"name": "LUMI",
				"models": [
					{
						"model": "lumi.switch.b1nacn02",
						"vendor": "Aqara",
						"exposes": "light",
						"bind": [6],
						"reporting": [
							{"cluster": 6, "attribute": 0, "type": "bool", "min": 0, "max": 300, "change": 0}
						],
						"on_off": {
							"cluster": "aqaraOpple",
							"attribute": 10,
							"type": "uint8",
							"report_keys": ["onOff", "61440"]
						}
					}
				]
			}
		]
	}`), 0644)

	os.WriteFile(filepath.Join(dir, "ikea.json"), []byte(`{
		"devices": [
			{
				"manufacturer": "IKEA of Sweden",
				"model": "TRADFRI control outlet",
				"exposes": "switch",
				"bind": [6]
			}
		]
	}`), 0644)

	db, err := LoadDeviceDir(dir, registry, logger)
	if err != nil {
		t.Fatal(err)
	}

	opple := registry.ByName("aqaraOpple")
	if opple == nil {
		t.Fatal("aqaraOpple not found in registry")
	}
	if opple.ID != 0xFCC0 || opple.ManufacturerCode != 0x115F {
		t.Errorf("aqaraOpple = %+v", opple)
	}
	if len(registry.Get(6).Attributes) != 2 {
		t.Errorf("genOnOff attrs = %d, want 2", len(registry.Get(6).Attributes))
	}

	if db.Len() != 2 {
		t.Fatalf("device count = %d, want 2", db.Len())
	}

	lumi := db.Lookup("LUMI", "lumi.switch.b1nacn02")
	if lumi == nil {
		t.Fatal("LUMI device not found")
	}
	if lumi.Vendor != "Aqara" || lumi.Exposes != ExposeLight {
		t.Errorf("vendor/exposes = %q/%q", lumi.Vendor, lumi.Exposes)
	}
	if lumi.OnOff == nil || lumi.OnOff.Attribute != 0x000A || len(lumi.OnOff.ReportKeys) != 2 {
		t.Fatalf("on_off = %+v", lumi.OnOff)
	}
	if len(lumi.Reporting) != 1 || lumi.Reporting[0].Type != ZCLType(zcl.TypeBool) {
		t.Errorf("reporting = %+v", lumi.Reporting)
	}

	if ikea := db.Lookup("IKEA of Sweden", "TRADFRI control outlet"); ikea == nil || ikea.OnOff != nil {
		t.Errorf("ikea = %+v", ikea)
	}
}

func TestLoadDeviceDirBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"devices": [`), 0644)

	if _, err := LoadDeviceDir(dir, zcl.NewRegistry(newTestLogger()), newTestLogger()); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadDeviceDirMissing(t *testing.T) {
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)

	// Non-existent directory should return empty DB, no error.
	db, err := LoadDeviceDir("/nonexistent/dir", registry, logger)
	if err != nil {
		t.Fatal(err)
	}
	if db.Len() != 0 {
		t.Errorf("len = %d, want 0", db.Len())
	}
}
