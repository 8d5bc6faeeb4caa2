// Package ncptest provides an in-memory ncp.NCP for tests of the layers above
// the serial driver.
package ncptest

import (
	"context"
	"sync"

	"zigbee-homekit/internal/ncp"
)

// Fake records every request and lets tests raise indications by hand.
// Zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	// Errors returned by the matching request. Set before use.
	ResetErr        error
	InitErr         error
	FormErr         error
	FormErrOnce     bool // only the first FormNetwork fails
	StartErr        error
	WriteErr        error
	ActiveEPErr     error
	LocalIEEE       [8]byte
	Endpoints       []uint8
	Descriptors     map[uint8]*ncp.SimpleDescriptor
	ReadResponses   map[uint16][]ncp.AttributeResponse // by cluster
	InfoValue       ncp.NCPInfo
	Calls           []string
	Writes          []ncp.WriteAttributesRequest
	Reads           []ncp.ReadAttributesRequest
	Commands        []ncp.ClusterCommandRequest
	Binds           []ncp.BindRequest
	Reportings      []ncp.ConfigureReportingRequest
	PermitDurations []uint8
	Formed          []ncp.NetworkConfig
	Leaves          []uint16

	onJoined     func(ncp.DeviceJoinedEvent)
	onLeft       func(ncp.DeviceLeftEvent)
	onAnnounce   func(ncp.DeviceAnnounceEvent)
	onReport     func(ncp.AttributeReportEvent)
	onCommand    func(ncp.ClusterCommandEvent)
	onNwkAddr    func(uint16)
	onDisconnect func(error)
	closed       bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Descriptors:   make(map[uint8]*ncp.SimpleDescriptor),
		ReadResponses: make(map[uint16][]ncp.AttributeResponse),
	}
}

var _ ncp.NCP = (*Fake)(nil)

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

// CallLog returns a copy of the request names seen so far.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// WriteLog returns a copy of the write requests seen so far.
func (f *Fake) WriteLog() []ncp.WriteAttributesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ncp.WriteAttributesRequest(nil), f.Writes...)
}

func (f *Fake) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Reset")
	return f.ResetErr
}

func (f *Fake) FactoryReset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FactoryReset")
	return nil
}

func (f *Fake) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Init")
	return f.InitErr
}

func (f *Fake) FormNetwork(ctx context.Context, cfg ncp.NetworkConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FormNetwork")
	f.Formed = append(f.Formed, cfg)
	err := f.FormErr
	if f.FormErrOnce {
		f.FormErr = nil
	}
	return err
}

func (f *Fake) StartNetwork(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartNetwork")
	return f.StartErr
}

func (f *Fake) PermitJoin(ctx context.Context, duration uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PermitJoin")
	f.PermitDurations = append(f.PermitDurations, duration)
	return nil
}

func (f *Fake) GetLocalIEEE(ctx context.Context) ([8]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetLocalIEEE")
	return f.LocalIEEE, nil
}

func (f *Fake) ActiveEndpoints(ctx context.Context, shortAddr uint16) ([]uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ActiveEndpoints")
	if f.ActiveEPErr != nil {
		return nil, f.ActiveEPErr
	}
	return append([]uint8(nil), f.Endpoints...), nil
}

func (f *Fake) SimpleDescriptor(ctx context.Context, shortAddr uint16, endpoint uint8) (*ncp.SimpleDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SimpleDescriptor")
	if sd, ok := f.Descriptors[endpoint]; ok {
		return sd, nil
	}
	return &ncp.SimpleDescriptor{Endpoint: endpoint, ProfileID: 0x0104}, nil
}

func (f *Fake) Bind(ctx context.Context, req ncp.BindRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Bind")
	f.Binds = append(f.Binds, req)
	return nil
}

func (f *Fake) MgmtLeave(ctx context.Context, shortAddr uint16, ieeeAddr [8]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("MgmtLeave")
	f.Leaves = append(f.Leaves, shortAddr)
	return nil
}

func (f *Fake) ReadAttributes(ctx context.Context, req ncp.ReadAttributesRequest) ([]ncp.AttributeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReadAttributes")
	f.Reads = append(f.Reads, req)
	return f.ReadResponses[req.ClusterID], nil
}

func (f *Fake) WriteAttributes(ctx context.Context, req ncp.WriteAttributesRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WriteAttributes")
	f.Writes = append(f.Writes, req)
	return f.WriteErr
}

func (f *Fake) SendCommand(ctx context.Context, req ncp.ClusterCommandRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendCommand")
	f.Commands = append(f.Commands, req)
	return nil
}

func (f *Fake) ConfigureReporting(ctx context.Context, req ncp.ConfigureReportingRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ConfigureReporting")
	f.Reportings = append(f.Reportings, req)
	return nil
}

func (f *Fake) OnDeviceJoined(h func(ncp.DeviceJoinedEvent)) {
	f.mu.Lock()
	f.onJoined = h
	f.mu.Unlock()
}

func (f *Fake) OnDeviceLeft(h func(ncp.DeviceLeftEvent)) {
	f.mu.Lock()
	f.onLeft = h
	f.mu.Unlock()
}

func (f *Fake) OnDeviceAnnounce(h func(ncp.DeviceAnnounceEvent)) {
	f.mu.Lock()
	f.onAnnounce = h
	f.mu.Unlock()
}

func (f *Fake) OnAttributeReport(h func(ncp.AttributeReportEvent)) {
	f.mu.Lock()
	f.onReport = h
	f.mu.Unlock()
}

func (f *Fake) OnClusterCommand(h func(ncp.ClusterCommandEvent)) {
	f.mu.Lock()
	f.onCommand = h
	f.mu.Unlock()
}

func (f *Fake) OnNwkAddrUpdate(h func(uint16)) {
	f.mu.Lock()
	f.onNwkAddr = h
	f.mu.Unlock()
}

func (f *Fake) OnDisconnect(h func(error)) {
	f.mu.Lock()
	f.onDisconnect = h
	f.mu.Unlock()
}

func (f *Fake) Info() ncp.NCPInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.InfoValue
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Join raises a device-joined indication.
func (f *Fake) Join(evt ncp.DeviceJoinedEvent) {
	f.mu.Lock()
	h := f.onJoined
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Leave raises a device-left indication.
func (f *Fake) Leave(evt ncp.DeviceLeftEvent) {
	f.mu.Lock()
	h := f.onLeft
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Announce raises a device-announce indication.
func (f *Fake) Announce(evt ncp.DeviceAnnounceEvent) {
	f.mu.Lock()
	h := f.onAnnounce
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Report raises an attribute-report indication.
func (f *Fake) Report(evt ncp.AttributeReportEvent) {
	f.mu.Lock()
	h := f.onReport
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Command raises a cluster-command indication.
func (f *Fake) Command(evt ncp.ClusterCommandEvent) {
	f.mu.Lock()
	h := f.onCommand
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Disconnect raises a transport failure.
func (f *Fake) Disconnect(err error) {
	f.mu.Lock()
	h := f.onDisconnect
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}
