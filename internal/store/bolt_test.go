package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zigBee.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		IEEEAddress:  "0x00158d0001abcd01",
		ShortAddress: 0x1234,
		Manufacturer: "LUMI",
		Model:        "lumi.switch.b1nacn02",
		Interviewed:  true,
		JoinedAt:     time.Now().Truncate(time.Millisecond),
		LastSeen:     time.Now().Truncate(time.Millisecond),
		Endpoints: []Endpoint{
			{ID: 1, ProfileID: 0x0104, DeviceID: 0x0100, InClusters: []uint16{0, 6, 0xFCC0}, OutClusters: []uint16{0x19}},
		},
	}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.IEEEAddress)
	if err != nil {
		t.Fatal(err)
	}
	if got.ShortAddress != dev.ShortAddress {
		t.Errorf("short = 0x%04X, want 0x%04X", got.ShortAddress, dev.ShortAddress)
	}
	if got.Model != dev.Model || got.Manufacturer != dev.Manufacturer {
		t.Errorf("identity = %q/%q", got.Manufacturer, got.Model)
	}
	if !got.Interviewed {
		t.Error("interviewed = false, want true")
	}
	if len(got.Endpoints) != 1 || !got.Endpoints[0].HasInCluster(0xFCC0) {
		t.Errorf("endpoints = %+v", got.Endpoints)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{IEEEAddress: "0x00158d0001abcd01", ShortAddress: 0x1234}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDevice(dev.IEEEAddress); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(dev.IEEEAddress); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 3; i++ {
		if err := s.SaveDevice(&Device{IEEEAddress: fmt.Sprintf("0x%016x", i), ShortAddress: uint16(i)}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{IEEEAddress: "0x0000000000000001", ShortAddress: 0x0001}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateDevice("0x0000000000000001", func(dev *Device) error {
		dev.ShortAddress = 0x4321
		dev.Properties = map[string]any{"onOff": true}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("0x0000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if got.ShortAddress != 0x4321 || got.Properties["onOff"] != true {
		t.Errorf("got %+v", got)
	}
}

func TestUpdateDeviceErrors(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateDevice("0x0000000000000009", func(*Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing device: err = %v, want ErrNotFound", err)
	}

	if err := s.SaveDevice(&Device{IEEEAddress: "0x0000000000000001", Model: "before"}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err = s.UpdateDevice("0x0000000000000001", func(dev *Device) error {
		dev.Model = "after"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	got, _ := s.GetDevice("0x0000000000000001")
	if got.Model != "before" {
		t.Errorf("model = %q, failed update must not persist", got.Model)
	}
}

func TestSaveAndGetNetworkState(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetNetworkState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: err = %v, want ErrNotFound", err)
	}

	state := &NetworkState{Channel: 15, PanID: 0x1A62, ExtPanID: "dddddddddddddddd", Formed: true}
	if err := s.SaveNetworkState(state); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetNetworkState()
	if err != nil {
		t.Fatal(err)
	}
	if got.Channel != 15 || got.PanID != 0x1A62 || got.ExtPanID != state.ExtPanID || !got.Formed {
		t.Errorf("got %+v", got)
	}
}

func TestAccessories(t *testing.T) {
	s := newTestStore(t)

	recs := []*AccessoryRecord{
		{IEEEAddress: "0x00158d0001abcd01", DisplayName: "Hall", ModelID: "lumi.switch.b1nacn02", Service: "light", CreatedAt: time.Now()},
		{IEEEAddress: "0x00158d0001abcd02", DisplayName: "Kitchen", Service: "switch", CreatedAt: time.Now()},
	}
	for _, r := range recs {
		if err := s.SaveAccessory(r); err != nil {
			t.Fatal(err)
		}
	}
	// Saving the same address again replaces the record.
	recs[0].DisplayName = "Hallway"
	if err := s.SaveAccessory(recs[0]); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListAccessories()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("accessories = %d, want 2", len(list))
	}
	byIEEE := map[string]*AccessoryRecord{}
	for _, r := range list {
		byIEEE[r.IEEEAddress] = r
	}
	if byIEEE["0x00158d0001abcd01"].DisplayName != "Hallway" {
		t.Errorf("display name = %q", byIEEE["0x00158d0001abcd01"].DisplayName)
	}

	if err := s.DeleteAccessory("0x00158d0001abcd02"); err != nil {
		t.Fatal(err)
	}
	list, _ = s.ListAccessories()
	if len(list) != 1 {
		t.Errorf("after delete = %d, want 1", len(list))
	}
}
