package homekit

import (
	"fmt"
	"log/slog"
	"strconv"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/script"
	"zigbee-homekit/internal/zcl/clusters"
)

// DefaultVendor is the manufacturer shown in HomeKit when a definition does
// not name one.
const DefaultVendor = "Aqara"

// Profile says where a device model keeps its on/off state and which reports
// carry it.
type Profile struct {
	Vendor     string
	Service    string // coordinator.ExposeLight or coordinator.ExposeSwitch
	Cluster    string
	Attribute  uint16
	Method     string // coordinator.OnOffWrite or coordinator.OnOffCommand
	DataType   uint8  // 0: taken from the cluster registry
	ReportKeys []string
	Filter     *script.Filter
}

// DefaultProfile is the Aqara wall switch: writes go to aqaraOpple
// switchState and a genuine state report carries onOff next to the 0xF000
// marker.
func DefaultProfile() Profile {
	return Profile{
		Vendor:     DefaultVendor,
		Service:    coordinator.ExposeLight,
		Cluster:    clusters.AqaraOpple.Name,
		Attribute:  clusters.AttrAqaraSwitchState,
		Method:     coordinator.OnOffWrite,
		ReportKeys: []string{"onOff", strconv.Itoa(int(clusters.AttrAqaraStateMarker))},
	}
}

// ProfileFor builds the profile of a device definition. Definitions without
// an on_off block get DefaultProfile.
func ProfileFor(def *coordinator.DeviceDefinition, logger *slog.Logger) (Profile, error) {
	p := DefaultProfile()
	if def == nil {
		return p, nil
	}
	if def.Vendor != "" {
		p.Vendor = def.Vendor
	}
	if def.Exposes != "" {
		p.Service = def.Exposes
	}
	spec := def.OnOff
	if spec == nil {
		return p, nil
	}

	p.Cluster = spec.Cluster
	p.Attribute = spec.Attribute
	switch spec.Method {
	case "", coordinator.OnOffWrite:
		p.Method = coordinator.OnOffWrite
	case coordinator.OnOffCommand:
		p.Method = coordinator.OnOffCommand
	default:
		return Profile{}, fmt.Errorf("on_off method %q for %s", spec.Method, def.Model)
	}
	p.DataType = uint8(spec.Type)
	p.ReportKeys = spec.ReportKeys
	if spec.ReportFilter != "" {
		f, err := script.Compile(spec.ReportFilter, logger)
		if err != nil {
			return Profile{}, fmt.Errorf("report filter for %s: %w", def.Model, err)
		}
		p.Filter = f
	}
	return p, nil
}

// Match reports whether data is a state report for this profile.
func (p Profile) Match(data map[string]any) bool {
	for _, k := range p.ReportKeys {
		if _, ok := data[k]; !ok {
			return false
		}
	}
	if p.Filter != nil {
		return p.Filter.Match(data)
	}
	return true
}

// Close releases the compiled report filter.
func (p Profile) Close() {
	if p.Filter != nil {
		p.Filter.Close()
	}
}
