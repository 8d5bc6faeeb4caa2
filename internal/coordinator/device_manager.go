package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zigbee-homekit/internal/ncp"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zcl"
	"zigbee-homekit/internal/zcl/clusters"
)

var timeNow = time.Now

type interviewEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

// DeviceManager handles device lifecycle (join, leave, interview) and turns
// inbound ZCL traffic into messages.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Interview cancellation: tracks active interview cancel funcs by IEEE.
	interviewMu      sync.Mutex
	interviewCancels map[string]interviewEntry
	interviewGen     atomic.Uint64
	interviewWg      sync.WaitGroup

	// Debounce duplicate announces for the same device.
	lastJoinMu sync.Mutex
	lastJoin   map[string]time.Time

	// In-memory short address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint16]string

	retryDelay time.Duration
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:            coord,
		logger:           coord.logger.With("component", "device_manager"),
		interviewCancels: make(map[string]interviewEntry),
		lastJoin:         make(map[string]time.Time),
		addrIndex:        make(map[uint16]string),
		retryDelay:       5 * time.Second,
	}
}

// CancelAllInterviews cancels all running interview goroutines and waits for them.
func (dm *DeviceManager) CancelAllInterviews() {
	dm.interviewMu.Lock()
	for ieee, entry := range dm.interviewCancels {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
	dm.interviewWg.Wait()
}

func (dm *DeviceManager) updateAddrIndex(ieee string, shortAddr uint16) {
	dm.addrMu.Lock()
	dm.addrIndex[shortAddr] = ieee
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) removeFromAddrIndex(shortAddr uint16) {
	dm.addrMu.Lock()
	delete(dm.addrIndex, shortAddr)
	dm.addrMu.Unlock()
}

// removeIEEEFromAddrIndex drops every short address mapped to ieee.
func (dm *DeviceManager) removeIEEEFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	for addr, storedIEEE := range dm.addrIndex {
		if storedIEEE == ieee {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) lookupIEEE(shortAddr uint16) string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return dm.addrIndex[shortAddr]
}

// deviceName returns a human-readable display name for a device.
// Returns "Manufacturer Model" if available, or empty string for unknown devices.
func deviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" || dev.Model != "" {
		return strings.TrimSpace(dev.Manufacturer + " " + dev.Model)
	}
	return ""
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

// upsert records that ieee is reachable at shortAddr. It returns the saved
// device and the previous short address when a known device moved.
func (dm *DeviceManager) upsert(ieee string, shortAddr uint16) (dev *store.Device, prev uint16, moved bool, err error) {
	now := timeNow()
	dev, err = dm.coord.Store().GetDevice(ieee)
	switch {
	case err == nil:
		if dev.ShortAddress != shortAddr {
			prev, moved = dev.ShortAddress, true
			dm.removeFromAddrIndex(prev)
		}
		dev.ShortAddress = shortAddr
		dev.LastSeen = now
	case errors.Is(err, store.ErrNotFound):
		dev = &store.Device{
			IEEEAddress:  ieee,
			ShortAddress: shortAddr,
			JoinedAt:     now,
			LastSeen:     now,
		}
	default:
		return nil, 0, false, err
	}
	dm.updateAddrIndex(ieee, shortAddr)
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		return nil, 0, false, err
	}
	return dev, prev, moved, nil
}

func (dm *DeviceManager) emitAddressChanged(dev *store.Device, prev uint16) {
	dm.logger.Info("device network address changed", "ieee", dev.IEEEAddress, "name", deviceName(dev),
		"from", fmt.Sprintf("0x%04X", prev), "to", fmt.Sprintf("0x%04X", dev.ShortAddress))
	dm.coord.Events().Emit(Event{
		Type: EventDeviceNetworkAddressChanged,
		Data: NetworkAddressChangedPayload{Device: dev, PreviousAddress: prev},
	})
}

// HandleJoin processes a device join event.
func (dm *DeviceManager) HandleJoin(evt ncp.DeviceJoinedEvent) {
	ieee := FormatIEEE(evt.IEEEAddr)

	dev, prev, moved, err := dm.upsert(ieee, evt.ShortAddr)
	if err != nil {
		dm.logger.Error("save device on join", "err", err, "ieee", ieee)
		return
	}
	dm.logger.Info("device joined", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", deviceName(dev))

	if moved {
		dm.emitAddressChanged(dev, prev)
	}
	dm.coord.Events().Emit(Event{Type: EventDeviceJoined, Data: DevicePayload{Device: dev}})

	// The interview waits for the device announce: the join indication fires
	// before the TC key exchange, so the device cannot answer ZDO requests yet.
}

// HandleLeave processes a device leave event: cancels interview, removes from
// address index, deletes from store, and emits deviceLeave.
func (dm *DeviceManager) HandleLeave(evt ncp.DeviceLeftEvent) {
	ieee := FormatIEEE(evt.IEEEAddr)
	dev, _ := dm.coord.Store().GetDevice(ieee)
	name := deviceName(dev)
	dm.logger.Info("device left", "ieee", ieee, "name", name)

	dm.cancelInterview(ieee)

	dm.lastJoinMu.Lock()
	delete(dm.lastJoin, ieee)
	dm.lastJoinMu.Unlock()

	// ShortAddr may be 0 for NwkLeaveInd, so remove by IEEE.
	dm.removeIEEEFromAddrIndex(ieee)

	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		dm.logger.Error("delete device on leave", "err", err, "ieee", ieee)
	} else {
		dm.logger.Info("device removed from store", "ieee", ieee, "name", name)
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceLeave,
		Data: DeviceLeavePayload{IEEEAddr: ieee, Device: dev},
	})
}

// HandleAnnounce processes a device announce event. A device that was never
// interviewed is interviewed now, since the announce means the TC key
// exchange succeeded.
func (dm *DeviceManager) HandleAnnounce(evt ncp.DeviceAnnounceEvent) {
	ieee := FormatIEEE(evt.IEEEAddr)

	dev, prev, moved, err := dm.upsert(ieee, evt.ShortAddr)
	if err != nil {
		dm.logger.Error("save device on announce", "err", err, "ieee", ieee)
		return
	}
	dm.logger.Info("device announce", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", deviceName(dev))

	if moved {
		dm.emitAddressChanged(dev, prev)
	}
	dm.coord.Events().Emit(Event{Type: EventDeviceAnnounce, Data: DevicePayload{Device: dev}})

	if dev.Interviewed {
		return
	}

	dm.interviewMu.Lock()
	_, interviewing := dm.interviewCancels[ieee]
	dm.interviewMu.Unlock()
	if interviewing {
		dm.logger.Info("announce during interview, address updated", "ieee", ieee,
			"short", fmt.Sprintf("0x%04X", evt.ShortAddr))
		return
	}

	dm.lastJoinMu.Lock()
	if last, ok := dm.lastJoin[ieee]; ok && time.Since(last) < 3*time.Second {
		dm.lastJoinMu.Unlock()
		dm.logger.Debug("duplicate announce, interview already started", "ieee", ieee)
		return
	}
	dm.lastJoin[ieee] = time.Now()
	// Evict stale entries to prevent unbounded growth.
	if len(dm.lastJoin) > 50 {
		for k, t := range dm.lastJoin {
			if time.Since(t) > time.Minute {
				delete(dm.lastJoin, k)
			}
		}
	}
	dm.lastJoinMu.Unlock()

	dm.interviewWg.Add(1)
	go dm.Interview(ieee)
}

// lookupOrRebuild looks up an IEEE address by short address from the in-memory
// index. If not found, rebuilds the index from the store under a write lock
// with a double-check to avoid redundant rebuilds.
func (dm *DeviceManager) lookupOrRebuild(shortAddr uint16) string {
	dm.addrMu.RLock()
	ieee := dm.addrIndex[shortAddr]
	dm.addrMu.RUnlock()
	if ieee != "" {
		return ieee
	}

	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()

	if ieee = dm.addrIndex[shortAddr]; ieee != "" {
		return ieee
	}

	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index for lookup", "err", err)
		return ""
	}
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
		if d.ShortAddress == shortAddr {
			ieee = d.IEEEAddress
		}
	}
	return ieee
}

// touch refreshes LastSeen and link quality of the stored device ieee and
// merges the values returned by collect into its cluster properties.
// Returns the updated device, or nil when it is not stored.
func (dm *DeviceManager) touch(ieee string, lqi uint8, rssi int8, cluster string, collect func(*store.Device) map[string]any) *store.Device {
	var out *store.Device
	err := dm.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		dev.LastSeen = timeNow()
		if lqi > 0 {
			dev.LQI = lqi
			dev.RSSI = rssi
		}
		if values := collect(dev); len(values) > 0 {
			if dev.Properties == nil {
				dev.Properties = make(map[string]any)
			}
			props, _ := dev.Properties[cluster].(map[string]any)
			if props == nil {
				props = make(map[string]any, len(values))
			}
			for k, v := range values {
				props[k] = v
			}
			dev.Properties[cluster] = props
		}
		out = dev
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("update device last_seen", "err", err, "ieee", ieee)
		}
		return nil
	}
	return out
}

// decodeRecords maps each record to its attribute key and decoded value.
// Undecodable values are kept as uppercase hex.
func decodeRecords(def *zcl.ClusterDef, records []ncp.AttributeRecord) map[string]any {
	data := make(map[string]any, len(records))
	for _, r := range records {
		val, _, err := zcl.DecodeValue(r.DataType, r.Value)
		if err != nil {
			val = fmt.Sprintf("%X", r.Value)
		}
		data[def.AttributeKey(r.AttrID)] = val
	}
	return data
}

// HandleAttributeReport turns one report frame into an attributeReport message.
// Reports from devices that are not in the store are dropped.
func (dm *DeviceManager) HandleAttributeReport(evt ncp.AttributeReportEvent) {
	clusterName := dm.coord.Registry().Name(evt.ClusterID)

	var dev *store.Device
	var data map[string]any
	if ieee := dm.lookupOrRebuild(evt.SrcAddr); ieee != "" {
		def := dm.coord.Registry().Get(evt.ClusterID)
		dev = dm.touch(ieee, evt.LQI, evt.RSSI, clusterName, func(d *store.Device) map[string]any {
			data = decodeRecords(def, evt.Records)
			dm.expandProperties(d, evt.ClusterID, evt.Records, data)
			return data
		})
	}
	if dev == nil {
		dm.logger.Debug("report from unknown device dropped",
			"short", fmt.Sprintf("0x%04X", evt.SrcAddr), "cluster", clusterName)
		return
	}

	dm.logger.Debug("attribute report",
		"ieee", dev.IEEEAddress,
		"name", deviceName(dev),
		"ep", evt.SrcEP,
		"cluster", clusterName,
		"data", data,
	)

	dm.coord.Events().Emit(Event{
		Type: EventMessage,
		Data: Message{
			Type:        MessageAttributeReport,
			Device:      dev,
			Endpoint:    evt.SrcEP,
			Cluster:     clusterName,
			Data:        data,
			LinkQuality: evt.LQI,
		},
	})
}

// commandMessageType returns "command" plus the capitalised command name,
// e.g. "commandToggle", or "command" plus the decimal ID when unknown.
func commandMessageType(def *zcl.ClusterDef, id uint8) string {
	name := strconv.Itoa(int(id))
	if def != nil {
		if cmd := def.FindCommand(id, zcl.DirectionToServer); cmd != nil && cmd.Name != "" {
			name = strings.ToUpper(cmd.Name[:1]) + cmd.Name[1:]
		}
	}
	return "command" + name
}

// HandleClusterCommand turns an incoming cluster command into a
// command<Name> message.
func (dm *DeviceManager) HandleClusterCommand(evt ncp.ClusterCommandEvent) {
	clusterName := dm.coord.Registry().Name(evt.ClusterID)

	var dev *store.Device
	if ieee := dm.lookupOrRebuild(evt.SrcAddr); ieee != "" {
		dev = dm.touch(ieee, evt.LQI, evt.RSSI, clusterName, func(*store.Device) map[string]any { return nil })
	}
	if dev == nil {
		dm.logger.Debug("command from unknown device dropped",
			"short", fmt.Sprintf("0x%04X", evt.SrcAddr), "cluster", clusterName)
		return
	}

	data := make(map[string]any)
	if len(evt.Payload) > 0 {
		data["payload"] = fmt.Sprintf("%X", evt.Payload)
	}
	dm.coord.Events().Emit(Event{
		Type: EventMessage,
		Data: Message{
			Type:        commandMessageType(dm.coord.Registry().Get(evt.ClusterID), evt.CommandID),
			Device:      dev,
			Endpoint:    evt.SrcEP,
			Cluster:     clusterName,
			Data:        data,
			LinkQuality: evt.LQI,
		},
	})
}

func (dm *DeviceManager) cancelInterview(ieee string) {
	dm.interviewMu.Lock()
	if entry, ok := dm.interviewCancels[ieee]; ok {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
}

func (dm *DeviceManager) emitInterview(status string, dev *store.Device) {
	dm.coord.Events().Emit(Event{
		Type: EventDeviceInterview,
		Data: DeviceInterviewPayload{Status: status, Device: dev},
	})
}

// Interview queries a device for its endpoints and descriptors.
// Retries up to 3 times, re-reading the device from store each time
// to pick up any short address changes from re-joins.
func (dm *DeviceManager) Interview(ieee string) {
	gen := dm.interviewGen.Add(1)

	defer func() {
		dm.interviewMu.Lock()
		if entry, ok := dm.interviewCancels[ieee]; ok && entry.gen == gen {
			delete(dm.interviewCancels, ieee)
		}
		dm.interviewMu.Unlock()
		dm.interviewWg.Done()
	}()

	ctx, cancel := context.WithTimeout(dm.coord.Context(), 3*time.Minute)
	defer cancel()

	dm.interviewMu.Lock()
	if prev, ok := dm.interviewCancels[ieee]; ok {
		prev.cancel()
	}
	dm.interviewCancels[ieee] = interviewEntry{cancel: cancel, gen: gen}
	dm.interviewMu.Unlock()

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		dm.logger.Error("interview: device not found", "ieee", ieee)
		return
	}
	dm.emitInterview(InterviewStarted, dev)

	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		dev, err = dm.coord.Store().GetDevice(ieee)
		if err != nil {
			dm.logger.Error("interview: device not found", "ieee", ieee)
			dm.emitInterview(InterviewFailed, &store.Device{IEEEAddress: ieee})
			return
		}

		name := deviceName(dev)
		dm.logger.Info("starting interview", "ieee", ieee, "name", name,
			"short", fmt.Sprintf("0x%04X", dev.ShortAddress), "attempt", attempt)

		endpoints, err := dm.coord.NCP().ActiveEndpoints(ctx, dev.ShortAddress)
		if err != nil {
			dm.logger.Warn("interview: active EP failed", "err", err, "ieee", ieee, "name", name, "attempt", attempt)
			if ctx.Err() != nil {
				break
			}
			if attempt < maxRetries {
				delay := dm.retryDelay + time.Duration(rand.Int64N(int64(dm.retryDelay)*3/5+1))
				dm.logger.Info("interview: will retry", "ieee", ieee, "delay", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
				}
			}
			continue
		}

		if len(endpoints) > 0 {
			dm.readBasicAttributes(ctx, dev, endpoints[0])
		}

		def := dm.coord.DeviceDB().Lookup(dev.Manufacturer, dev.Model)
		if def != nil && def.FriendlyName != "" {
			dev.FriendlyName = def.FriendlyName
		} else if dev.FriendlyName == "" && dev.Model != "" {
			dev.FriendlyName = dev.Model
		}
		name = deviceName(dev)

		dev.Endpoints = make([]store.Endpoint, 0, len(endpoints))
		for _, ep := range endpoints {
			sd, err := dm.coord.NCP().SimpleDescriptor(ctx, dev.ShortAddress, ep)
			if err != nil {
				dm.logger.Warn("interview: simple desc", "err", err, "ieee", ieee, "name", name, "ep", ep)
				continue
			}
			dev.Endpoints = append(dev.Endpoints, store.Endpoint{
				ID:          ep,
				ProfileID:   sd.ProfileID,
				DeviceID:    sd.DeviceID,
				InClusters:  sd.InClusters,
				OutClusters: sd.OutClusters,
			})
			dm.logger.Info("endpoint discovered",
				"ieee", ieee, "name", name, "ep", ep,
				"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
				"device", fmt.Sprintf("0x%04X", sd.DeviceID),
				"in_clusters", len(sd.InClusters),
				"out_clusters", len(sd.OutClusters),
			)
		}

		// Configure while the device is still awake.
		if def != nil {
			dm.configureDevice(ctx, dev, def)
		} else {
			dm.logger.Info("no device definition found, skipping configure",
				"ieee", ieee, "name", name,
				"manufacturer", dev.Manufacturer, "model", dev.Model)
		}

		dev.Interviewed = true
		if err := dm.coord.Store().SaveDevice(dev); err != nil {
			dm.logger.Error("interview: save", "err", err, "ieee", ieee, "name", name)
		}
		dm.logger.Info("interview complete", "ieee", ieee, "name", name, "endpoints", len(dev.Endpoints))
		dm.emitInterview(InterviewSuccessful, dev)
		return
	}

	dm.logger.Error("interview failed", "ieee", ieee, "attempts", maxRetries)
	dm.emitInterview(InterviewFailed, dev)
}

func (dm *DeviceManager) readBasicAttributes(ctx context.Context, dev *store.Device, ep uint8) {
	results, err := dm.coord.ReadAttributes(ctx, dev.ShortAddress, ep, clusters.GenBasic.ID,
		[]uint16{clusters.AttrManufacturerName, clusters.AttrModelID})
	if err != nil {
		dm.logger.Warn("read basic attributes", "err", err, "ieee", dev.IEEEAddress)
		return
	}

	for _, r := range results {
		s, ok := r.Value.(string)
		if !ok {
			continue
		}
		switch r.AttrID {
		case clusters.AttrManufacturerName:
			dev.Manufacturer = s
		case clusters.AttrModelID:
			dev.Model = s
		}
	}
}

// configureDevice binds clusters and sets up reporting based on a device definition.
// Must be called right after interview while the device is still awake.
func (dm *DeviceManager) configureDevice(ctx context.Context, dev *store.Device, def *DeviceDefinition) {
	if len(dev.Endpoints) == 0 {
		return
	}
	name := deviceName(dev)

	for _, ep := range dev.Endpoints {
		// Bind only clusters the endpoint actually serves.
		for _, cluster := range def.Bind {
			if !ep.HasInCluster(cluster) && !hasOutCluster(ep, cluster) {
				continue
			}
			err := dm.coord.bindToCoordinator(ctx, dev, ep.ID, cluster)
			if err != nil {
				dm.logger.Warn("configure: bind", "err", err, "name", name, "ep", ep.ID, "cluster", fmt.Sprintf("0x%04X", cluster))
			} else {
				dm.logger.Info("bound cluster", "name", name, "ep", ep.ID, "cluster", fmt.Sprintf("0x%04X", cluster))
			}
		}

		for _, r := range def.Reporting {
			if !ep.HasInCluster(r.Cluster) {
				continue
			}
			err := dm.coord.ConfigureReporting(ctx, dev.ShortAddress, ep.ID, r.Cluster, r.Attribute,
				uint8(r.Type), r.Min, r.Max, reportableChange(r.Change))
			if err != nil {
				dm.logger.Warn("configure: reporting", "err", err, "name", name,
					"ep", ep.ID,
					"cluster", fmt.Sprintf("0x%04X", r.Cluster),
					"attr", fmt.Sprintf("0x%04X", r.Attribute))
			} else {
				dm.logger.Info("configured reporting", "name", name,
					"ep", ep.ID,
					"cluster", fmt.Sprintf("0x%04X", r.Cluster),
					"attr", fmt.Sprintf("0x%04X", r.Attribute))
			}
		}
	}
}

func hasOutCluster(ep store.Endpoint, cluster uint16) bool {
	for _, c := range ep.OutClusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// RemoveDevice sends a ZDO leave request, cancels any in-progress interview,
// removes from addr index, and deletes from store.
func (dm *DeviceManager) RemoveDevice(ieee string) error {
	dm.cancelInterview(ieee)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err == nil {
		if addr, parseErr := ParseIEEE(ieee); parseErr == nil {
			ctx, cancel := context.WithTimeout(dm.coord.Context(), 10*time.Second)
			defer cancel()
			if leaveErr := dm.coord.NCP().MgmtLeave(ctx, dev.ShortAddress, addr); leaveErr != nil {
				dm.logger.Warn("mgmt leave request failed", "ieee", ieee, "name", deviceName(dev), "err", leaveErr)
			} else {
				dm.logger.Info("device removed from network", "ieee", ieee, "name", deviceName(dev))
			}
		}
	}

	dm.removeIEEEFromAddrIndex(ieee)
	return dm.coord.Store().DeleteDevice(ieee)
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.Store().GetDevice(ieee)
}

// DeviceByShort returns the stored device currently at shortAddr.
func (dm *DeviceManager) DeviceByShort(shortAddr uint16) (*store.Device, error) {
	ieee := dm.lookupOrRebuild(shortAddr)
	if ieee == "" {
		return nil, store.ErrNotFound
	}
	return dm.coord.Store().GetDevice(ieee)
}
