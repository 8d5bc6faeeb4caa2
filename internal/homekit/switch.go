package homekit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/metrics"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zigbee"
)

// statusCommunicationFailure is the HAP status for "service communication
// failure"; HomeKit shows the accessory as not responding.
const statusCommunicationFailure = -70402

// Network is what an accessory needs from the network controller.
type Network interface {
	OnAttributeReport(fn func(coordinator.Message)) func()
	Device(ieee string) (*store.Device, error)
	Write(ctx context.Context, dev *store.Device, ep uint8, cluster string, payload zigbee.WritePayload) error
	Command(ctx context.Context, dev *store.Device, ep uint8, cluster, command string) error
}

// SwitchAccessory mirrors one device's on/off state into HomeKit and turns
// HomeKit SETs into attribute writes or on/off commands.
type SwitchAccessory struct {
	acc     *Accessory
	net     Network
	profile Profile
	on      *OnOff
	logger  *slog.Logger
	unsub   func()
}

// NewSwitchAccessory fills the accessory information, reuses or creates the
// on/off service, wires the GET and SET handlers and subscribes to reports.
func NewSwitchAccessory(logger *slog.Logger, net Network, acc *Accessory, profile Profile) *SwitchAccessory {
	s := &SwitchAccessory{
		acc:     acc,
		net:     net,
		profile: profile,
		logger:  logger.With("component", "homekit", "ieee", acc.Context.Device.IEEEAddr),
	}

	vendor := profile.Vendor
	if vendor == "" {
		vendor = DefaultVendor
	}
	acc.Info.Manufacturer.SetValue(vendor)
	acc.Info.Model.SetValue(acc.Context.Device.ModelID)
	acc.Info.SerialNumber.SetValue(acc.Context.Device.ModelID)

	svc := acc.Service(profile.Service)
	if svc == nil {
		svc = acc.AddService(profile.Service)
	}
	setServiceName(svc, acc.DisplayName)

	onC := onCharacteristic(svc)
	s.on = newOnOff(onC)
	onC.ValueRequestFunc = func(*http.Request) (interface{}, int) {
		return s.HandleOnGet(), 0
	}
	onC.SetValueRequestFunc = func(v interface{}, r *http.Request) (interface{}, int) {
		on, ok := v.(bool)
		if !ok {
			s.logger.Warn("set with non-bool value", "value", v)
			return nil, statusCommunicationFailure
		}
		ctx := context.Background()
		if r != nil {
			ctx = r.Context()
		}
		if err := s.HandleOnSet(ctx, on); err != nil {
			s.logger.Error("set on", "value", on, "err", err)
			return nil, statusCommunicationFailure
		}
		return nil, 0
	}

	s.unsub = net.OnAttributeReport(s.handleReport)
	return s
}

// IEEEAddr is the address of the device behind the accessory.
func (s *SwitchAccessory) IEEEAddr() string {
	return s.acc.Context.Device.IEEEAddr
}

// Accessory returns the HAP accessory.
func (s *SwitchAccessory) Accessory() *Accessory {
	return s.acc
}

// OnOff returns the cached characteristic.
func (s *SwitchAccessory) OnOff() *OnOff {
	return s.on
}

// Subscribe calls fn whenever the cached state changes.
func (s *SwitchAccessory) Subscribe(fn func(bool)) func() {
	return s.on.Subscribe(fn)
}

// HandleOnSet switches the device to v unless the cached value already
// equals v. It does not touch the cache itself.
func (s *SwitchAccessory) HandleOnSet(ctx context.Context, v bool) error {
	if s.on.Value() == v {
		s.logger.Debug("set skipped, state unchanged", "value", v)
		metrics.SetSkipped.Inc()
		return nil
	}

	dev, err := s.net.Device(s.IEEEAddr())
	if err != nil {
		return fmt.Errorf("set on: %w", err)
	}
	ep, err := zigbee.FirstEndpoint(dev)
	if err != nil {
		return fmt.Errorf("set on %s: %w", dev.IEEEAddress, err)
	}

	if s.profile.Method == coordinator.OnOffCommand {
		command := "off"
		if v {
			command = "on"
		}
		s.logger.Info("set on", "value", v, "endpoint", ep, "cluster", s.profile.Cluster, "command", command)
		return s.net.Command(ctx, dev, ep, s.profile.Cluster, command)
	}

	state := 0
	if v {
		state = 1
	}
	payload := zigbee.WritePayload{
		s.profile.Attribute: {Value: state, OnOff: state, Type: zigbee.WriteTypeWrite, DataType: s.profile.DataType},
	}
	s.logger.Info("set on", "value", v, "endpoint", ep, "cluster", s.profile.Cluster,
		"attribute", fmt.Sprintf("0x%04X", s.profile.Attribute))
	return s.net.Write(ctx, dev, ep, s.profile.Cluster, payload)
}

// HandleOnGet returns the cached state without touching the network.
func (s *SwitchAccessory) HandleOnGet() bool {
	return s.on.Value()
}

func (s *SwitchAccessory) handleReport(msg coordinator.Message) {
	if msg.Device == nil || msg.Device.IEEEAddress != s.IEEEAddr() {
		return
	}
	raw, ok := msg.Data["onOff"]
	if !ok || !s.profile.Match(msg.Data) {
		return
	}
	on := isOn(raw)
	s.logger.Info("state report", "on", on)
	s.on.Update(on)
	metrics.ReportsMirrored.Inc()
}

// Close stops listening for reports and frees the report filter.
func (s *SwitchAccessory) Close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.profile.Close()
}

// isOn treats true and the number 1 as on.
func isOn(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x == 1
	case int8:
		return x == 1
	case int16:
		return x == 1
	case int32:
		return x == 1
	case int64:
		return x == 1
	case uint8:
		return x == 1
	case uint16:
		return x == 1
	case uint32:
		return x == 1
	case uint64:
		return x == 1
	case float64:
		return x == 1
	}
	return false
}
