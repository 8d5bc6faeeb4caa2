// Package homekit exposes Zigbee on/off devices as HomeKit accessories.
package homekit

import (
	"encoding/binary"
	"net/http"
	"sync"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/store"
)

// DeviceContext identifies the Zigbee device behind an accessory.
type DeviceContext struct {
	IEEEAddr string
	ModelID  string
}

// Context is the persisted part of an accessory.
type Context struct {
	Device DeviceContext
}

// Accessory is a HAP accessory bound to exactly one Zigbee device.
type Accessory struct {
	*accessory.A
	DisplayName string
	Context     Context
	Kind        string // coordinator.ExposeLight or coordinator.ExposeSwitch
}

// NewAccessory builds the HAP accessory for rec. Its ID is derived from the
// IEEE address so HomeKit sees the same accessory on every start.
func NewAccessory(rec *store.AccessoryRecord) *Accessory {
	typ := byte(accessory.TypeLightbulb)
	if rec.Service == coordinator.ExposeSwitch {
		typ = accessory.TypeSwitch
	}
	a := accessory.New(accessory.Info{Name: rec.DisplayName}, typ)
	a.Id = AccessoryID(rec.IEEEAddress)
	return &Accessory{
		A:           a,
		DisplayName: rec.DisplayName,
		Context:     Context{Device: DeviceContext{IEEEAddr: rec.IEEEAddress, ModelID: rec.ModelID}},
		Kind:        rec.Service,
	}
}

// AccessoryID maps an IEEE address to a HAP accessory ID. ID 1 belongs to
// the bridge.
func AccessoryID(ieee string) uint64 {
	addr, err := coordinator.ParseIEEE(ieee)
	if err != nil {
		return 2
	}
	id := binary.LittleEndian.Uint64(addr[:])
	if id <= 1 {
		id += 2
	}
	return id
}

func serviceType(kind string) string {
	if kind == coordinator.ExposeSwitch {
		return service.TypeSwitch
	}
	return service.TypeLightbulb
}

// Service returns the accessory's service of the given kind, or nil.
func (a *Accessory) Service(kind string) *service.S {
	typ := serviceType(kind)
	for _, s := range a.Ss {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

// AddService creates a service of the given kind with its On characteristic.
func (a *Accessory) AddService(kind string) *service.S {
	var s *service.S
	if kind == coordinator.ExposeSwitch {
		s = service.NewSwitch().S
	} else {
		s = service.NewLightbulb().S
	}
	a.AddS(s)
	return s
}

func findC(s *service.S, typ string) *characteristic.C {
	for _, c := range s.Cs {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// setServiceName sets the optional Name characteristic, adding it if needed.
func setServiceName(s *service.S, name string) {
	if c := findC(s, characteristic.TypeName); c != nil {
		(&characteristic.String{C: c}).SetValue(name)
		return
	}
	n := characteristic.NewName()
	n.SetValue(name)
	s.AddC(n.C)
}

// onCharacteristic returns the On characteristic of s, adding one to
// services restored without it.
func onCharacteristic(s *service.S) *characteristic.On {
	if c := findC(s, characteristic.TypeOn); c != nil {
		return &characteristic.On{Bool: &characteristic.Bool{C: c}}
	}
	on := characteristic.NewOn()
	s.AddC(on.C)
	return on
}

// OnOff wraps the On characteristic, which is the only copy of the cached
// state. Device reports and successful HAP SETs both change it.
type OnOff struct {
	c *characteristic.On

	mu     sync.Mutex
	subs   []subscriber
	nextID int
}

type subscriber struct {
	id int
	fn func(bool)
}

func newOnOff(c *characteristic.On) *OnOff {
	o := &OnOff{c: c}
	c.OnCValueUpdate(func(_ *characteristic.C, newVal, _ interface{}, _ *http.Request) {
		v, _ := newVal.(bool)
		o.notify(v)
	})
	return o
}

// Value returns the characteristic's value; false until it is first set.
func (o *OnOff) Value() bool {
	v, _ := o.c.C.Value().(bool)
	return v
}

// Update pushes v to HAP without calling the SET handler. Subscribers hear
// about it only when the value changes.
func (o *OnOff) Update(v bool) {
	o.c.SetValue(v)
}

func (o *OnOff) notify(v bool) {
	o.mu.Lock()
	subs := make([]subscriber, len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// Subscribe registers fn for every value change and returns its unsubscribe
// func.
func (o *OnOff) Subscribe(fn func(bool)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscriber{id: id, fn: fn})
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}
