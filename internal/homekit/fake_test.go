package homekit

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zigbee"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type writeCall struct {
	IEEE     string
	Endpoint uint8
	Cluster  string
	Payload  zigbee.WritePayload
	Command  string
}

// fakeNetwork implements Controller in memory.
type fakeNetwork struct {
	mu        sync.Mutex
	devices   map[string]*store.Device
	defs      map[string]*coordinator.DeviceDefinition // by model
	listeners []func(coordinator.Message)
	writes    []writeCall
	writeErr  error
	records   *memAccessories
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		devices: make(map[string]*store.Device),
		defs:    make(map[string]*coordinator.DeviceDefinition),
		records: &memAccessories{recs: make(map[string]*store.AccessoryRecord)},
	}
}

func (f *fakeNetwork) addDevice(dev *store.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[dev.IEEEAddress] = dev
}

func (f *fakeNetwork) OnAttributeReport(fn func(coordinator.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.listeners)
	f.listeners = append(f.listeners, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners[idx] = nil
	}
}

// report delivers an attributeReport from ieee to every listener.
func (f *fakeNetwork) report(ieee string, data map[string]any) {
	f.mu.Lock()
	ls := append([]func(coordinator.Message){}, f.listeners...)
	f.mu.Unlock()
	msg := coordinator.Message{
		Type:     coordinator.MessageAttributeReport,
		Device:   &store.Device{IEEEAddress: ieee},
		Endpoint: 1,
		Cluster:  "genOnOff",
		Data:     data,
	}
	for _, fn := range ls {
		if fn != nil {
			fn(msg)
		}
	}
}

func (f *fakeNetwork) Device(ieee string) (*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[ieee]
	if !ok {
		return nil, store.ErrNotFound
	}
	return dev, nil
}

func (f *fakeNetwork) Write(ctx context.Context, dev *store.Device, ep uint8, cluster string, payload zigbee.WritePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{IEEE: dev.IEEEAddress, Endpoint: ep, Cluster: cluster, Payload: payload})
	return f.writeErr
}

func (f *fakeNetwork) Command(ctx context.Context, dev *store.Device, ep uint8, cluster, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{IEEE: dev.IEEEAddress, Endpoint: ep, Cluster: cluster, Command: command})
	return f.writeErr
}

func (f *fakeNetwork) writeLog() []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writeCall(nil), f.writes...)
}

func (f *fakeNetwork) Devices() ([]*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeNetwork) Definition(dev *store.Device) *coordinator.DeviceDefinition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defs[dev.Model]
}

func (f *fakeNetwork) Accessories() zigbee.AccessoryStore {
	return f.records
}

type memAccessories struct {
	mu   sync.Mutex
	recs map[string]*store.AccessoryRecord
}

func (m *memAccessories) SaveAccessory(rec *store.AccessoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.IEEEAddress] = &cp
	return nil
}

func (m *memAccessories) ListAccessories() ([]*store.AccessoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.AccessoryRecord, 0, len(m.recs))
	for _, r := range m.recs {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memAccessories) DeleteAccessory(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, ieee)
	return nil
}
