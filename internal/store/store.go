package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store is the controller database: devices, network state and the
// accessory records the HomeKit side persists between runs.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	// Accessory records are keyed by IEEE address.
	SaveAccessory(rec *AccessoryRecord) error
	ListAccessories() ([]*AccessoryRecord, error)
	DeleteAccessory(ieee string) error

	Close() error
}
