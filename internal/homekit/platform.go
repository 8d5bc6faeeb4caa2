package homekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zigbee"
)

var timeNow = time.Now

// Controller is the network controller as seen by the platform.
type Controller interface {
	Network
	Devices() ([]*store.Device, error)
	Definition(dev *store.Device) *coordinator.DeviceDefinition
	Accessories() zigbee.AccessoryStore
}

var _ Controller = (*zigbee.Controller)(nil)

// AccessoryConfig declares an accessory by hand.
type AccessoryConfig struct {
	IEEE string
	Name string
}

// PlatformConfig configures the HAP bridge.
type PlatformConfig struct {
	Name        string
	Pin         string
	Listen      string
	StoragePath string
	Accessories []AccessoryConfig
}

// Platform owns every accessory and the HAP server.
type Platform struct {
	logger *slog.Logger
	ctrl   Controller
	cfg    PlatformConfig

	mu       sync.RWMutex
	switches []*SwitchAccessory
	byIEEE   map[string]*SwitchAccessory
}

// NewPlatform creates an empty platform; call Load to build accessories.
func NewPlatform(logger *slog.Logger, ctrl Controller, cfg PlatformConfig) *Platform {
	if cfg.Name == "" {
		cfg.Name = "Zigbee Bridge"
	}
	return &Platform{
		logger: logger.With("component", "platform"),
		ctrl:   ctrl,
		cfg:    cfg,
		byIEEE: make(map[string]*SwitchAccessory),
	}
}

// Load restores cached accessory records, adds configured and discovered
// devices, persists the new records and builds one SwitchAccessory each.
// A record whose profile cannot be built is logged and skipped.
func (p *Platform) Load() error {
	recs, err := p.ctrl.Accessories().ListAccessories()
	if err != nil {
		return fmt.Errorf("list accessories: %w", err)
	}
	for _, rec := range recs {
		p.logger.Info("restoring accessory from cache", "ieee", rec.IEEEAddress, "name", rec.DisplayName)
		p.add(rec)
	}

	for _, ac := range p.cfg.Accessories {
		ieee, err := coordinator.NormalizeIEEE(ac.IEEE)
		if err != nil {
			p.logger.Warn("skipping configured accessory", "ieee", ac.IEEE, "err", err)
			continue
		}
		if p.Switch(ieee) != nil {
			continue
		}
		rec := &store.AccessoryRecord{IEEEAddress: ieee, DisplayName: ac.Name, Service: coordinator.ExposeLight}
		if dev, err := p.ctrl.Device(ieee); err == nil {
			rec.ModelID = dev.Model
			if def := p.ctrl.Definition(dev); def != nil && def.Exposes != "" {
				rec.Service = def.Exposes
			}
		}
		if rec.DisplayName == "" {
			rec.DisplayName = ieee
		}
		p.persistAndAdd(rec)
	}

	devices, err := p.ctrl.Devices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		if p.Switch(dev.IEEEAddress) != nil {
			continue
		}
		def := p.ctrl.Definition(dev)
		if def == nil || def.OnOff == nil {
			continue
		}
		name := def.FriendlyName
		if dev.FriendlyName != "" {
			name = dev.FriendlyName
		}
		if name == "" {
			name = dev.IEEEAddress
		}
		kind := def.Exposes
		if kind == "" {
			kind = coordinator.ExposeLight
		}
		p.persistAndAdd(&store.AccessoryRecord{
			IEEEAddress: dev.IEEEAddress,
			DisplayName: name,
			ModelID:     dev.Model,
			Service:     kind,
		})
	}

	p.logger.Info("accessories loaded", "count", len(p.Switches()))
	return nil
}

func (p *Platform) persistAndAdd(rec *store.AccessoryRecord) {
	rec.CreatedAt = timeNow()
	if err := p.ctrl.Accessories().SaveAccessory(rec); err != nil {
		p.logger.Error("save accessory", "ieee", rec.IEEEAddress, "err", err)
	}
	p.logger.Info("adding new accessory", "ieee", rec.IEEEAddress, "name", rec.DisplayName)
	p.add(rec)
}

func (p *Platform) add(rec *store.AccessoryRecord) {
	if p.Switch(rec.IEEEAddress) != nil {
		p.logger.Warn("duplicate accessory ignored", "ieee", rec.IEEEAddress)
		return
	}
	var def *coordinator.DeviceDefinition
	if dev, err := p.ctrl.Device(rec.IEEEAddress); err == nil {
		def = p.ctrl.Definition(dev)
	}
	profile, err := ProfileFor(def, p.logger)
	if err != nil {
		p.logger.Error("build accessory profile", "ieee", rec.IEEEAddress, "err", err)
		return
	}
	if rec.Service != "" {
		profile.Service = rec.Service
	}

	sw := NewSwitchAccessory(p.logger, p.ctrl, NewAccessory(rec), profile)
	p.mu.Lock()
	p.switches = append(p.switches, sw)
	p.byIEEE[rec.IEEEAddress] = sw
	p.mu.Unlock()
}

// Switches returns every accessory in load order.
func (p *Platform) Switches() []*SwitchAccessory {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*SwitchAccessory, len(p.switches))
	copy(out, p.switches)
	return out
}

// Switch returns the accessory for ieee, or nil.
func (p *Platform) Switch(ieee string) *SwitchAccessory {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byIEEE[ieee]
}

// Server builds the HAP server for the bridge and all accessories. Pairing
// data lives in <storage path>/hap.
func (p *Platform) Server() (*hap.Server, error) {
	bridge := accessory.NewBridge(accessory.Info{
		Name:         p.cfg.Name,
		Manufacturer: DefaultVendor,
		Model:        "zigbee-homekit",
	})

	switches := p.Switches()
	accs := make([]*accessory.A, 0, len(switches))
	for _, sw := range switches {
		accs = append(accs, sw.Accessory().A)
	}

	fs := hap.NewFsStore(filepath.Join(p.cfg.StoragePath, "hap"))
	server, err := hap.NewServer(fs, bridge.A, accs...)
	if err != nil {
		return nil, fmt.Errorf("create hap server: %w", err)
	}
	if p.cfg.Pin != "" {
		server.Pin = p.cfg.Pin
	}
	if p.cfg.Listen != "" {
		server.Addr = p.cfg.Listen
	}
	return server, nil
}

// Serve runs the HAP server until ctx is done.
func (p *Platform) Serve(ctx context.Context) error {
	server, err := p.Server()
	if err != nil {
		return err
	}
	p.logger.Info("hap server starting", "name", p.cfg.Name, "addr", server.Addr, "accessories", len(p.Switches()))
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("hap server: %w", err)
	}
	return nil
}

// Close unsubscribes every accessory from the controller and closes their
// report filters.
func (p *Platform) Close() {
	for _, sw := range p.Switches() {
		sw.Close()
	}
}
