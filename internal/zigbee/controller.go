// Package zigbee owns the network controller for the HomeKit side: it opens
// the controller database, starts the coordinator, logs every lifecycle event
// and hands attribute reports to accessories.
package zigbee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/metrics"
	"zigbee-homekit/internal/ncp"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zcl"
	"zigbee-homekit/internal/zcl/clusters"
)

// DefaultDatabaseName is the controller database file created inside the
// storage directory when no explicit database path is configured.
const DefaultDatabaseName = "zigBee.db"

// WriteTypeWrite is the only write operation Controller.Write accepts.
const WriteTypeWrite = "write"

var (
	ErrNoEndpoints          = errors.New("device has no endpoints")
	ErrUnknownCluster       = errors.New("unknown cluster")
	ErrUnsupportedWriteType = errors.New("unsupported write type")
	ErrReadOnlyAttribute    = errors.New("attribute is not writable")
	ErrUnknownCommand       = errors.New("unknown command")
)

// Config is what the controller needs at construction.
type Config struct {
	Database   string // empty: <storage path>/zigBee.db
	DevicesDir string
	NCP        coordinator.NCPConfig
	Network    coordinator.Config
}

// AttributeWrite is one attribute entry of a WritePayload. OnOff mirrors
// Value for switch-like attributes and is informational only.
type AttributeWrite struct {
	Value    any
	OnOff    any
	Type     string
	DataType uint8 // overrides the registry type when non-zero
}

// WritePayload maps attribute IDs to the values to write.
type WritePayload map[uint16]AttributeWrite

// AccessoryStore is the part of the controller database the HomeKit
// platform persists its accessories in.
type AccessoryStore interface {
	SaveAccessory(rec *store.AccessoryRecord) error
	ListAccessories() ([]*store.AccessoryRecord, error)
	DeleteAccessory(ieee string) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithBackend replaces the serial NCP with b.
func WithBackend(b ncp.NCP) Option {
	return func(c *Controller) {
		c.backend = b
	}
}

// Controller is the single network controller shared by every accessory.
type Controller struct {
	logger  *slog.Logger
	dbPath  string
	store   store.Store
	backend ncp.NCP
	coord   *coordinator.Coordinator
	events  *coordinator.EventBus
}

// ResolveDatabasePath returns database when set, otherwise the default
// database file inside storagePath.
func ResolveDatabasePath(database, storagePath string) string {
	if database != "" {
		return database
	}
	return filepath.Join(storagePath, DefaultDatabaseName)
}

// NewController opens the controller database and builds the coordinator.
// The network is not touched until Start.
func NewController(logger *slog.Logger, cfg Config, storagePath string, opts ...Option) (*Controller, error) {
	c := &Controller{
		logger: logger.With("component", "zigbee"),
		dbPath: ResolveDatabasePath(cfg.Database, storagePath),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(filepath.Dir(c.dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	st, err := store.NewBoltStore(c.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", c.dbPath, err)
	}
	c.store = st

	registry := zcl.NewRegistry(logger)
	clusters.RegisterAll(registry)
	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, registry, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load device definitions: %w", err)
	}

	if c.backend == nil {
		backend, err := newBackend(cfg.NCP, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		c.backend = backend
	}

	c.events = coordinator.NewEventBus(logger)
	c.registerLogListeners()
	c.coord = coordinator.New(c.backend, st, registry, deviceDB, c.events, cfg.Network, cfg.NCP, logger)

	c.logger.Info("controller created", "database", c.dbPath,
		"clusters", len(registry.All()), "definitions", deviceDB.Len())
	return c, nil
}

func newBackend(cfg coordinator.NCPConfig, logger *slog.Logger) (ncp.NCP, error) {
	switch cfg.Type {
	case "nrf52840", "":
		logger.Info("using nRF52840 NCP (ZBOSS)", "port", cfg.Port, "baud", cfg.Baud)
		return ncp.NewNRF52840(cfg.Port, cfg.Baud, logger)
	default:
		return nil, fmt.Errorf("unknown NCP type: %q (supported: nrf52840)", cfg.Type)
	}
}

func (c *Controller) registerLogListeners() {
	c.events.On(coordinator.EventMessage, func(e coordinator.Event) {
		if msg, ok := e.Data.(coordinator.Message); ok {
			metrics.Messages.WithLabelValues(msg.Type).Inc()
		}
		c.logEvent(slog.LevelDebug, e)
	})
	for _, name := range coordinator.LifecycleEvents {
		c.events.On(name, func(e coordinator.Event) {
			c.logEvent(slog.LevelInfo, e)
		})
	}
}

func (c *Controller) logEvent(level slog.Level, e coordinator.Event) {
	ctx := context.Background()
	if !c.logger.Enabled(ctx, level) {
		return
	}
	payload, err := json.Marshal(e.Data)
	if err != nil {
		c.logger.Log(ctx, level, "zigbee event", "event", e.Type,
			"payload", fmt.Sprintf("%+v", e.Data), "marshal_err", err)
		return
	}
	c.logger.Log(ctx, level, "zigbee event", "event", e.Type, "payload", string(payload))
}

// Start forms or resumes the network. The coordinator's error is returned
// as is.
func (c *Controller) Start(ctx context.Context) error {
	return c.coord.Start(ctx)
}

// OnAttributeReport calls fn for every attributeReport message, in emission
// order. Each call adds a listener.
func (c *Controller) OnAttributeReport(fn func(coordinator.Message)) func() {
	return c.events.On(coordinator.EventMessage, func(e coordinator.Event) {
		msg, ok := e.Data.(coordinator.Message)
		if !ok || msg.Type != coordinator.MessageAttributeReport {
			return
		}
		fn(msg)
	})
}

// Device looks a device up by IEEE address in any accepted form.
func (c *Controller) Device(ieee string) (*store.Device, error) {
	key, err := coordinator.NormalizeIEEE(ieee)
	if err != nil {
		return nil, err
	}
	dev, err := c.coord.Devices().GetDevice(key)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", key, err)
	}
	return dev, nil
}

// Definition returns the device definition for dev, or nil.
func (c *Controller) Definition(dev *store.Device) *coordinator.DeviceDefinition {
	return c.coord.DeviceDB().Lookup(dev.Manufacturer, dev.Model)
}

// FirstEndpoint returns the first endpoint dev declared during its interview.
func FirstEndpoint(dev *store.Device) (uint8, error) {
	if dev == nil || len(dev.Endpoints) == 0 {
		return 0, ErrNoEndpoints
	}
	return dev.Endpoints[0].ID, nil
}

// Write sends a ZCL Write Attributes for payload to cluster on dev/ep.
// Attribute data types come from the cluster registry.
func (c *Controller) Write(ctx context.Context, dev *store.Device, ep uint8, cluster string, payload WritePayload) error {
	def := c.coord.Registry().ByName(cluster)
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
	}

	ids := make([]uint16, 0, len(payload))
	for id := range payload {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	records := make([]ncp.AttributeRecord, 0, len(ids))
	for _, id := range ids {
		w := payload[id]
		if w.Type != WriteTypeWrite {
			return fmt.Errorf("%w: %q", ErrUnsupportedWriteType, w.Type)
		}
		attr := def.FindAttribute(id)
		if attr != nil && !attr.IsWritable() {
			return fmt.Errorf("%w: %s 0x%04X (%s)", ErrReadOnlyAttribute, cluster, id, attr.Name)
		}
		dataType := w.DataType
		if dataType == 0 && attr != nil {
			dataType = attr.Type
		}
		if dataType == 0 {
			return fmt.Errorf("attribute 0x%04X of %s: no data type", id, cluster)
		}
		raw, err := zcl.EncodeValue(dataType, w.Value)
		if err != nil {
			return fmt.Errorf("encode attribute 0x%04X: %w", id, err)
		}
		records = append(records, ncp.AttributeRecord{AttrID: id, DataType: dataType, Value: raw})
	}

	c.logger.Debug("write", "ieee", dev.IEEEAddress, "endpoint", ep, "cluster", cluster,
		"mfr_code", fmt.Sprintf("0x%04X", def.ManufacturerCode), "attributes", len(records))
	err := c.coord.WriteAttributes(ctx, dev.ShortAddress, ep, def.ID, def.ManufacturerCode, records)
	metrics.Writes.WithLabelValues(metrics.WriteResult(err)).Inc()
	if err != nil {
		return fmt.Errorf("write %s to %s: %w", cluster, dev.IEEEAddress, err)
	}
	return nil
}

// Command sends the client-to-server cluster command named command, without
// a payload, to dev/ep. Devices whose state attribute is read-only (genOnOff
// onOff) are switched this way.
func (c *Controller) Command(ctx context.Context, dev *store.Device, ep uint8, cluster, command string) error {
	def := c.coord.Registry().ByName(cluster)
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
	}
	cmd := def.FindCommandByName(command)
	if cmd == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownCommand, cluster, command)
	}

	c.logger.Debug("command", "ieee", dev.IEEEAddress, "endpoint", ep, "cluster", cluster,
		"command", command, "command_id", fmt.Sprintf("0x%02X", cmd.ID))
	err := c.coord.SendClusterCommand(ctx, dev.ShortAddress, ep, def.ID, cmd.ID, nil)
	metrics.Writes.WithLabelValues(metrics.WriteResult(err)).Inc()
	if err != nil {
		return fmt.Errorf("command %s.%s to %s: %w", cluster, command, dev.IEEEAddress, err)
	}
	return nil
}

// PermitJoin opens the network for seconds (0 closes it).
func (c *Controller) PermitJoin(ctx context.Context, seconds uint8) error {
	return c.coord.PermitJoin(ctx, seconds)
}

// Devices lists every known device.
func (c *Controller) Devices() ([]*store.Device, error) {
	return c.coord.Devices().ListDevices()
}

// Events returns the controller's event bus.
func (c *Controller) Events() *coordinator.EventBus {
	return c.events
}

// Accessories returns the accessory records part of the database.
func (c *Controller) Accessories() AccessoryStore {
	return c.store
}

// NetworkInfo describes the running network.
func (c *Controller) NetworkInfo() map[string]any {
	return c.coord.NetworkInfo()
}

// Coordinator exposes the underlying coordinator.
func (c *Controller) Coordinator() *coordinator.Coordinator {
	return c.coord
}

// DatabasePath is the resolved controller database file.
func (c *Controller) DatabasePath() string {
	return c.dbPath
}

// Close stops the coordinator and releases the NCP and the database.
func (c *Controller) Close() error {
	c.coord.Stop()
	var errs []error
	if err := c.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ncp: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
