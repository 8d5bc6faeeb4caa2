package store

import "time"

// Device is a Zigbee device as known to the controller.
type Device struct {
	IEEEAddress  string         `json:"ieee_address"`
	ShortAddress uint16         `json:"short_address"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Endpoints    []Endpoint     `json:"endpoints,omitempty"`
	Interviewed  bool           `json:"interviewed"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastSeen     time.Time      `json:"last_seen"`
	LQI          uint8          `json:"lqi,omitempty"`
	RSSI         int8           `json:"rssi,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// Endpoint represents a device endpoint.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
}

// HasInCluster reports whether the endpoint serves the given cluster.
func (e Endpoint) HasInCluster(id uint16) bool {
	for _, c := range e.InClusters {
		if c == id {
			return true
		}
	}
	return false
}

// NetworkState holds persisted network configuration.
type NetworkState struct {
	Channel  uint8     `json:"channel"`
	PanID    uint16    `json:"pan_id"`
	ExtPanID string    `json:"ext_pan_id"`
	Formed   bool      `json:"formed"`
	FormedAt time.Time `json:"formed_at,omitempty"`
}

// AccessoryRecord is a HomeKit accessory restored on every start. It binds
// exactly one accessory to one Zigbee device.
type AccessoryRecord struct {
	IEEEAddress string    `json:"ieee_address"`
	DisplayName string    `json:"display_name"`
	ModelID     string    `json:"model_id,omitempty"`
	Service     string    `json:"service"` // "light" or "switch"
	CreatedAt   time.Time `json:"created_at"`
}
