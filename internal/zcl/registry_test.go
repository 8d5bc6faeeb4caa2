package zcl

import (
	"io"
	"log/slog"
	"testing"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{
		ID:   0x0006,
		Name: "genOnOff",
		Attributes: []AttributeDef{
			{ID: 0, Name: "onOff", Type: TypeBool, Access: AccessRead},
		},
	})

	got := r.Get(0x0006)
	if got == nil {
		t.Fatal("cluster not found")
	}
	if got.Name != "genOnOff" || len(got.Attributes) != 1 {
		t.Errorf("got %+v", got)
	}

	// Get returns a copy.
	got.Attributes[0].Name = "mutated"
	if r.Get(0x0006).Attributes[0].Name != "onOff" {
		t.Error("registry entry was mutated through Get")
	}
}

func TestRegistryByName(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{ID: 0xFCC0, Name: "aqaraOpple", ManufacturerCode: 0x115F})

	c := r.ByName("aqaraOpple")
	if c == nil {
		t.Fatal("aqaraOpple not found")
	}
	if c.ID != 0xFCC0 || c.ManufacturerCode != 0x115F {
		t.Errorf("got %+v", c)
	}
	if r.ByName("nope") != nil {
		t.Error("unknown name should be nil")
	}
	if r.Name(0xFCC0) != "aqaraOpple" || r.Name(0x1234) != "4660" {
		t.Errorf("names: %q %q", r.Name(0xFCC0), r.Name(0x1234))
	}
}

func TestRegistryMerge(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{
		ID:   0x0006,
		Name: "genOnOff",
		Attributes: []AttributeDef{
			{ID: 0, Name: "onOff", Type: TypeBool, Access: AccessRead},
		},
	})
	r.Register(ClusterDef{
		ID: 0x0006,
		Attributes: []AttributeDef{
			{ID: 0, Name: "duplicate", Type: TypeBool},
			{ID: 0x4003, Name: "startUpOnOff", Type: TypeEnum8, Access: AccessRead | AccessWrite},
		},
	})

	got := r.Get(0x0006)
	if len(got.Attributes) != 2 {
		t.Fatalf("after merge: attrs = %d, want 2", len(got.Attributes))
	}
	if got.FindAttribute(0).Name != "onOff" {
		t.Error("existing attribute was overwritten")
	}
	if got.FindAttributeByName("startUpOnOff") == nil {
		t.Error("merged attribute not found")
	}
}

func TestRegistryMergeNamesUnnamedCluster(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{ID: 0xFC00})
	r.Register(ClusterDef{ID: 0xFC00, Name: "manuSpecific", ManufacturerCode: 0x1234})

	c := r.ByName("manuSpecific")
	if c == nil || c.ManufacturerCode != 0x1234 {
		t.Errorf("got %+v", c)
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{ID: 3, Name: "c"})
	r.Register(ClusterDef{ID: 1, Name: "a"})
	r.Register(ClusterDef{ID: 2, Name: "b"})

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("got %d clusters, want 3", len(all))
	}
	for i, c := range all {
		if c.ID != uint16(i+1) {
			t.Errorf("all[%d].ID = %d", i, c.ID)
		}
	}
}

func TestAttributeKey(t *testing.T) {
	c := &ClusterDef{Attributes: []AttributeDef{{ID: 0, Name: "onOff"}}}
	if got := c.AttributeKey(0); got != "onOff" {
		t.Errorf("known = %q", got)
	}
	if got := c.AttributeKey(0xF000); got != "61440" {
		t.Errorf("unknown = %q", got)
	}
	var nilDef *ClusterDef
	if got := nilDef.AttributeKey(5); got != "5" {
		t.Errorf("nil cluster = %q", got)
	}
}

func TestFindCommandByName(t *testing.T) {
	c := &ClusterDef{Commands: []CommandDef{
		{ID: 0x00, Name: "off", Direction: DirectionToServer},
		{ID: 0x01, Name: "on", Direction: DirectionToServer},
		{ID: 0x0A, Name: "report", Direction: DirectionToClient},
	}}
	if cmd := c.FindCommandByName("on"); cmd == nil || cmd.ID != 0x01 {
		t.Errorf("on = %+v", cmd)
	}
	if cmd := c.FindCommandByName("report"); cmd != nil {
		t.Errorf("client-bound command returned: %+v", cmd)
	}
	if cmd := c.FindCommandByName("nope"); cmd != nil {
		t.Errorf("unknown = %+v", cmd)
	}
}
