package coordinator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"zigbee-homekit/internal/ncp"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zcl"
)

// Config holds coordinator configuration.
type Config struct {
	Channel  uint8
	PanID    uint16
	ExtPanID [8]byte
}

// NCPConfig holds NCP hardware/port configuration for display purposes.
type NCPConfig struct {
	Type string
	Port string
	Baud int
}

// ParseIEEE parses an IEEE address into its over-the-air (little-endian) byte
// order. Accepted forms: "0x00158d0001abcd01", "00158D0001ABCD01" and
// "00:15:8D:00:01:AB:CD:01", all most-significant byte first.
func ParseIEEE(s string) ([8]byte, error) {
	var result [8]byte
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	binary.LittleEndian.PutUint64(result[:], binary.BigEndian.Uint64(b))
	return result, nil
}

// FormatIEEE renders a little-endian IEEE address as "0x" plus 16 lowercase
// hex digits, the form used as the device key everywhere.
func FormatIEEE(addr [8]byte) string {
	return fmt.Sprintf("0x%016x", binary.LittleEndian.Uint64(addr[:]))
}

// NormalizeIEEE rewrites any accepted IEEE form into the FormatIEEE form.
func NormalizeIEEE(s string) (string, error) {
	addr, err := ParseIEEE(s)
	if err != nil {
		return "", err
	}
	return FormatIEEE(addr), nil
}

// ParseExtPanID parses "DD:DD:DD:DD:DD:DD:DD:DD" into [8]byte, keeping the
// written byte order.
func ParseExtPanID(s string) ([8]byte, error) {
	var result [8]byte
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return result, fmt.Errorf("parse extended pan id: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("extended pan id must be 8 bytes, got %d", len(b))
	}
	copy(result[:], b)
	return result, nil
}

// Coordinator manages the Zigbee network via an NCP backend.
type Coordinator struct {
	ncp       ncp.NCP
	store     store.Store
	registry  *zcl.Registry
	deviceDB  *DeviceDB
	events    *EventBus
	devices   *DeviceManager
	logger    *slog.Logger
	config    Config
	ncpConfig NCPConfig
	localIEEE [8]byte // coordinator's own IEEE address, cached at Start
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new Coordinator on top of the given NCP backend.
func New(backend ncp.NCP, st store.Store, registry *zcl.Registry, deviceDB *DeviceDB, events *EventBus, cfg Config, ncpCfg NCPConfig, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	if deviceDB == nil {
		deviceDB = NewDeviceDB()
	}
	c := &Coordinator{
		ncp:       backend,
		store:     st,
		registry:  registry,
		deviceDB:  deviceDB,
		events:    events,
		logger:    logger.With("component", "coordinator"),
		config:    cfg,
		ncpConfig: ncpCfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	c.registerIndicationHandlers()
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start initializes the NCP and forms or resumes the network.
// If a network was previously formed with the same parameters, it resumes
// from NCP NVRAM instead of re-forming, which would generate a new network
// key and orphan every paired device.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing NCP")

	if c.canResumeNetwork() {
		c.logger.Info("resuming existing network")
		// Soft reset (no NVRAM erase) so the NCP drops stale LL sequence numbers.
		if err := c.ncp.Reset(ctx); err != nil {
			return fmt.Errorf("ncp reset (resume): %w", err)
		}
		if err := c.ncp.Init(ctx); err != nil {
			return fmt.Errorf("ncp init: %w", err)
		}
		if err := c.ncp.StartNetwork(ctx); err == nil {
			c.cacheLocalIEEE(ctx)
			c.logger.Info("network resumed", "channel", c.config.Channel, "pan_id", fmt.Sprintf("0x%04X", c.config.PanID))
			return nil
		}
		c.logger.Warn("network resume failed, re-forming")
	}

	ncpCfg := ncp.NetworkConfig{
		Channel:  c.config.Channel,
		PanID:    c.config.PanID,
		ExtPanID: c.config.ExtPanID,
	}

	c.logger.Info("forming new network")
	if err := c.ncp.Reset(ctx); err != nil {
		return fmt.Errorf("ncp reset: %w", err)
	}
	if err := c.ncp.Init(ctx); err != nil {
		return fmt.Errorf("ncp init: %w", err)
	}
	if err := c.ncp.FormNetwork(ctx, ncpCfg); err != nil {
		// Stale NVRAM state: factory reset and retry once.
		c.logger.Warn("formation failed, trying factory reset", "err", err)
		if err := c.ncp.FactoryReset(ctx); err != nil {
			return fmt.Errorf("ncp factory reset: %w", err)
		}
		if err := c.ncp.Init(ctx); err != nil {
			return fmt.Errorf("ncp init after factory reset: %w", err)
		}
		if err := c.ncp.FormNetwork(ctx, ncpCfg); err != nil {
			return fmt.Errorf("form network: %w", err)
		}
	}
	if err := c.ncp.StartNetwork(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	c.saveNetworkState()
	c.cacheLocalIEEE(ctx)
	c.logger.Info("network formed", "channel", c.config.Channel, "pan_id", fmt.Sprintf("0x%04X", c.config.PanID))
	return nil
}

func (c *Coordinator) cacheLocalIEEE(ctx context.Context) {
	ieee, err := c.ncp.GetLocalIEEE(ctx)
	if err != nil {
		c.logger.Warn("get coordinator IEEE", "err", err)
		return
	}
	c.localIEEE = ieee
	c.logger.Info("coordinator IEEE", "ieee", FormatIEEE(ieee))
}

// LocalIEEE returns the coordinator's own IEEE address.
func (c *Coordinator) LocalIEEE() [8]byte {
	return c.localIEEE
}

func (c *Coordinator) saveNetworkState() {
	if err := c.store.SaveNetworkState(&store.NetworkState{
		Channel:  c.config.Channel,
		PanID:    c.config.PanID,
		ExtPanID: fmt.Sprintf("%X", c.config.ExtPanID),
		Formed:   true,
		FormedAt: timeNow(),
	}); err != nil {
		c.logger.Error("save network state", "err", err)
	}
}

// canResumeNetwork checks if the previously formed network matches current config.
func (c *Coordinator) canResumeNetwork() bool {
	ns, err := c.store.GetNetworkState()
	if err != nil || !ns.Formed {
		return false
	}
	return ns.Channel == c.config.Channel &&
		ns.PanID == c.config.PanID &&
		ns.ExtPanID == fmt.Sprintf("%X", c.config.ExtPanID)
}

// Stop cancels the coordinator context and waits for in-progress interviews.
func (c *Coordinator) Stop() {
	c.cancel()
	c.devices.CancelAllInterviews()
}

// PermitJoin opens (duration > 0) or closes the network for device joining.
func (c *Coordinator) PermitJoin(ctx context.Context, duration uint8) error {
	if err := c.ncp.PermitJoin(ctx, duration); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	c.events.Emit(Event{
		Type: EventPermitJoinChanged,
		Data: PermitJoinPayload{Permitted: duration > 0, Timeout: duration},
	})
	return nil
}

// NetworkInfo returns current network information from cached config.
func (c *Coordinator) NetworkInfo() map[string]any {
	info := c.ncp.Info()
	return map[string]any{
		"channel":          c.config.Channel,
		"pan_id":           fmt.Sprintf("0x%04X", c.config.PanID),
		"ext_pan_id":       fmt.Sprintf("%X", c.config.ExtPanID),
		"ncp_type":         c.ncpConfig.Type,
		"port":             c.ncpConfig.Port,
		"baud":             c.ncpConfig.Baud,
		"coordinator_ieee": FormatIEEE(c.localIEEE),
		"fw_version":       info.FWVersion,
		"stack_version":    info.StackVersion,
		"protocol_version": info.ProtocolVersion,
	}
}

// NCP returns the underlying NCP backend.
func (c *Coordinator) NCP() ncp.NCP {
	return c.ncp
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// DeviceDB returns the device definitions database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

func (c *Coordinator) registerIndicationHandlers() {
	c.ncp.OnDeviceJoined(c.devices.HandleJoin)
	c.ncp.OnDeviceLeft(c.devices.HandleLeave)
	c.ncp.OnDeviceAnnounce(c.devices.HandleAnnounce)
	c.ncp.OnAttributeReport(c.devices.HandleAttributeReport)
	c.ncp.OnClusterCommand(c.devices.HandleClusterCommand)
	c.ncp.OnNwkAddrUpdate(func(short uint16) {
		c.logger.Info("coordinator network address updated", "short", fmt.Sprintf("0x%04X", short))
	})
	c.ncp.OnDisconnect(func(err error) {
		c.logger.Error("adapter disconnected", "err", err)
		c.events.Emit(Event{
			Type: EventAdapterDisconnected,
			Data: AdapterDisconnectedPayload{Error: err.Error()},
		})
	})
}
