package homekit

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/brutella/hap/characteristic"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zigbee"
)

const switchIEEE = "0x00158d0001abcd01"

var stateReport = map[string]any{"onOff": 1, "61440": 59891968}

func newTestSwitch(t *testing.T) (*SwitchAccessory, *fakeNetwork) {
	t.Helper()
	net := newFakeNetwork()
	net.addDevice(&store.Device{
		IEEEAddress:  switchIEEE,
		ShortAddress: 0xABCD,
		Model:        "lumi.switch.b1nacn02",
		Endpoints:    []store.Endpoint{{ID: 1}, {ID: 2}},
	})
	acc := NewAccessory(&store.AccessoryRecord{
		IEEEAddress: switchIEEE,
		DisplayName: "Hall",
		ModelID:     "lumi.switch.b1nacn02",
		Service:     coordinator.ExposeLight,
	})
	sw := NewSwitchAccessory(testLogger(), net, acc, DefaultProfile())
	t.Cleanup(sw.Close)
	return sw, net
}

func TestGetBeforeReportIsOff(t *testing.T) {
	sw, _ := newTestSwitch(t)
	if sw.HandleOnGet() {
		t.Error("GET before any report = true, want false")
	}
}

func TestSetWritesSwitchState(t *testing.T) {
	sw, net := newTestSwitch(t)

	if err := sw.HandleOnSet(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	writes := net.writeLog()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	w := writes[0]
	if w.IEEE != switchIEEE || w.Endpoint != 1 || w.Cluster != "aqaraOpple" {
		t.Errorf("write = %+v", w)
	}
	attr, ok := w.Payload[0x000A]
	if !ok {
		t.Fatalf("payload = %v, want attribute 0x000A", w.Payload)
	}
	if attr.Value != 1 || attr.OnOff != 1 || attr.Type != zigbee.WriteTypeWrite {
		t.Errorf("attribute = %+v", attr)
	}
	if sw.HandleOnGet() {
		t.Error("SET changed the cached value")
	}
}

func TestSetEncodesFalseAsZero(t *testing.T) {
	sw, net := newTestSwitch(t)
	sw.OnOff().Update(true)

	if err := sw.HandleOnSet(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	attr := net.writeLog()[0].Payload[0x000A]
	if attr.Value != 0 || attr.OnOff != 0 {
		t.Errorf("attribute = %+v", attr)
	}
}

func TestSetSameValueIsSkipped(t *testing.T) {
	sw, net := newTestSwitch(t)
	ctx := context.Background()

	sw.HandleOnSet(ctx, false)
	if n := len(net.writeLog()); n != 0 {
		t.Errorf("writes for unchanged value = %d", n)
	}

	sw.OnOff().Update(true)
	sw.HandleOnSet(ctx, true)
	sw.HandleOnSet(ctx, true)
	if n := len(net.writeLog()); n != 0 {
		t.Errorf("writes for repeated SET = %d", n)
	}
}

func TestSetErrors(t *testing.T) {
	sw, net := newTestSwitch(t)
	ctx := context.Background()

	boom := errors.New("no ack")
	net.writeErr = boom
	if err := sw.HandleOnSet(ctx, true); !errors.Is(err, boom) {
		t.Errorf("write failure err = %v", err)
	}

	net.writeErr = nil
	net.addDevice(&store.Device{IEEEAddress: switchIEEE})
	if err := sw.HandleOnSet(ctx, true); !errors.Is(err, zigbee.ErrNoEndpoints) {
		t.Errorf("no endpoints err = %v", err)
	}

	net.mu.Lock()
	delete(net.devices, switchIEEE)
	net.mu.Unlock()
	if err := sw.HandleOnSet(ctx, true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing device err = %v", err)
	}
}

func TestReportUpdatesCache(t *testing.T) {
	sw, net := newTestSwitch(t)

	net.report(switchIEEE, stateReport)
	if !sw.HandleOnGet() {
		t.Fatal("report onOff=1 did not turn the accessory on")
	}

	net.report(switchIEEE, map[string]any{"onOff": 0, "61440": 59891968})
	if sw.HandleOnGet() {
		t.Error("report onOff=0 did not turn the accessory off")
	}

	net.report(switchIEEE, map[string]any{"onOff": true, "61440": uint32(59891968)})
	if !sw.HandleOnGet() {
		t.Error("decoded bool report ignored")
	}
	if len(net.writeLog()) != 0 {
		t.Error("report path issued a write")
	}
}

func TestReportIgnored(t *testing.T) {
	tests := []struct {
		name string
		ieee string
		data map[string]any
	}{
		{"other device", "0x00158d0001ffff02", stateReport},
		{"missing marker", switchIEEE, map[string]any{"onOff": 1}},
		{"missing onOff", switchIEEE, map[string]any{"61440": 59891968}},
		{"empty", switchIEEE, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw, net := newTestSwitch(t)
			net.report(tt.ieee, tt.data)
			if sw.HandleOnGet() {
				t.Error("report changed the cached value")
			}
		})
	}
}

func TestSubscribeSeesReports(t *testing.T) {
	sw, net := newTestSwitch(t)
	var got []bool
	unsub := sw.Subscribe(func(v bool) { got = append(got, v) })

	net.report(switchIEEE, stateReport)
	unsub()
	net.report(switchIEEE, map[string]any{"onOff": 0, "61440": 1})

	if len(got) != 1 || !got[0] {
		t.Errorf("notifications = %v", got)
	}
}

func TestCloseStopsReports(t *testing.T) {
	sw, net := newTestSwitch(t)
	sw.Close()
	net.report(switchIEEE, stateReport)
	if sw.HandleOnGet() {
		t.Error("closed accessory still mirrors reports")
	}
}

func TestHAPHandlers(t *testing.T) {
	sw, net := newTestSwitch(t)
	svc := sw.Accessory().Service(coordinator.ExposeLight)
	c := findC(svc, characteristic.TypeOn)
	if c == nil || c.ValueRequestFunc == nil || c.SetValueRequestFunc == nil {
		t.Fatal("On characteristic handlers not wired")
	}
	req := httptest.NewRequest("PUT", "/characteristics", nil)

	if v, status := c.ValueRequestFunc(req); v != false || status != 0 {
		t.Errorf("GET = %v, %d", v, status)
	}
	if _, status := c.SetValueRequestFunc(true, req); status != 0 {
		t.Errorf("SET status = %d", status)
	}

	net.writeErr = errors.New("timeout")
	if _, status := c.SetValueRequestFunc(true, req); status != statusCommunicationFailure {
		t.Errorf("failed SET status = %d, want %d", status, statusCommunicationFailure)
	}
}

func TestHAPSetUpdatesCachedState(t *testing.T) {
	sw, net := newTestSwitch(t)
	c := findC(sw.Accessory().Service(coordinator.ExposeLight), characteristic.TypeOn)
	req := httptest.NewRequest("PUT", "/characteristics", nil)
	var seen []bool
	unsub := sw.Subscribe(func(v bool) { seen = append(seen, v) })
	defer unsub()

	if _, status := c.SetValueRequest(true, req); status != 0 {
		t.Fatalf("SET true status = %d", status)
	}
	if !sw.HandleOnGet() {
		t.Error("GET after accepted SET true = false")
	}
	if _, status := c.SetValueRequest(false, req); status != 0 {
		t.Fatalf("SET false status = %d", status)
	}

	writes := net.writeLog()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	if writes[0].Payload[0x000A].Value != 1 || writes[1].Payload[0x000A].Value != 0 {
		t.Errorf("written values = %v, %v", writes[0].Payload[0x000A].Value, writes[1].Payload[0x000A].Value)
	}
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("notifications = %v", seen)
	}
}

func TestHAPSetFailureKeepsCachedState(t *testing.T) {
	sw, net := newTestSwitch(t)
	c := findC(sw.Accessory().Service(coordinator.ExposeLight), characteristic.TypeOn)
	net.writeErr = errors.New("no ack")

	req := httptest.NewRequest("PUT", "/characteristics", nil)
	if _, status := c.SetValueRequest(true, req); status != statusCommunicationFailure {
		t.Errorf("status = %d, want %d", status, statusCommunicationFailure)
	}
	if sw.HandleOnGet() {
		t.Error("failed SET changed the cached value")
	}
}

func TestCommandProfile(t *testing.T) {
	net := newFakeNetwork()
	net.addDevice(&store.Device{IEEEAddress: switchIEEE, ShortAddress: 0xABCD, Endpoints: []store.Endpoint{{ID: 1}}})
	acc := NewAccessory(&store.AccessoryRecord{IEEEAddress: switchIEEE, DisplayName: "Plug", Service: coordinator.ExposeSwitch})
	profile := Profile{
		Service:    coordinator.ExposeSwitch,
		Cluster:    "genOnOff",
		Attribute:  0x0000,
		Method:     coordinator.OnOffCommand,
		ReportKeys: []string{"onOff"},
	}
	sw := NewSwitchAccessory(testLogger(), net, acc, profile)
	defer sw.Close()
	ctx := context.Background()

	if err := sw.HandleOnSet(ctx, true); err != nil {
		t.Fatal(err)
	}
	sw.OnOff().Update(true)
	if err := sw.HandleOnSet(ctx, false); err != nil {
		t.Fatal(err)
	}

	calls := net.writeLog()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	for i, want := range []string{"on", "off"} {
		if calls[i].Command != want || calls[i].Cluster != "genOnOff" || calls[i].Payload != nil {
			t.Errorf("call %d = %+v, want command %q", i, calls[i], want)
		}
	}
}

func TestAccessoryInformation(t *testing.T) {
	sw, _ := newTestSwitch(t)
	acc := sw.Accessory()

	if got := acc.Info.Manufacturer.Value(); got != "Aqara" {
		t.Errorf("manufacturer = %q", got)
	}
	if acc.Info.Model.Value() != "lumi.switch.b1nacn02" || acc.Info.SerialNumber.Value() != "lumi.switch.b1nacn02" {
		t.Errorf("model/serial = %q/%q", acc.Info.Model.Value(), acc.Info.SerialNumber.Value())
	}
	if acc.Id != AccessoryID(switchIEEE) {
		t.Errorf("id = %d", acc.Id)
	}
}

func TestServiceReused(t *testing.T) {
	net := newFakeNetwork()
	acc := NewAccessory(&store.AccessoryRecord{IEEEAddress: switchIEEE, DisplayName: "Hall", Service: coordinator.ExposeSwitch})
	existing := acc.AddService(coordinator.ExposeSwitch)
	before := len(acc.Ss)

	profile := DefaultProfile()
	profile.Service = coordinator.ExposeSwitch
	sw := NewSwitchAccessory(testLogger(), net, acc, profile)
	defer sw.Close()

	if len(acc.Ss) != before {
		t.Errorf("services = %d, want %d", len(acc.Ss), before)
	}
	if acc.Service(coordinator.ExposeSwitch) != existing {
		t.Error("existing service not reused")
	}
}

func TestIsOn(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{true, true},
		{false, false},
		{1, true},
		{0, false},
		{uint8(1), true},
		{float64(1), true},
		{2, false},
		{"1", false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isOn(tt.in); got != tt.want {
			t.Errorf("isOn(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
