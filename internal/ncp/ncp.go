// Package ncp talks to the Zigbee Network Co-Processor.
// The only backend is an nRF52840 dongle running the ZBOSS NCP firmware over USB CDC ACM.
package ncp

import "context"

// NCP is the coordinator-side view of a network co-processor.
type NCP interface {
	// Network management
	Reset(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	Init(ctx context.Context) error
	FormNetwork(ctx context.Context, cfg NetworkConfig) error
	StartNetwork(ctx context.Context) error
	PermitJoin(ctx context.Context, duration uint8) error
	GetLocalIEEE(ctx context.Context) ([8]byte, error)

	// ZDO
	ActiveEndpoints(ctx context.Context, shortAddr uint16) ([]uint8, error)
	SimpleDescriptor(ctx context.Context, shortAddr uint16, endpoint uint8) (*SimpleDescriptor, error)
	Bind(ctx context.Context, req BindRequest) error
	MgmtLeave(ctx context.Context, shortAddr uint16, ieeeAddr [8]byte) error

	// ZCL
	ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error)
	WriteAttributes(ctx context.Context, req WriteAttributesRequest) error
	SendCommand(ctx context.Context, req ClusterCommandRequest) error
	ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error

	// Indication callbacks. Each setter replaces the previous handler.
	OnDeviceJoined(handler func(DeviceJoinedEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))
	OnDeviceAnnounce(handler func(DeviceAnnounceEvent))
	OnAttributeReport(handler func(AttributeReportEvent))
	OnClusterCommand(handler func(ClusterCommandEvent))
	OnNwkAddrUpdate(handler func(uint16))
	// OnDisconnect fires once per lost transport, e.g. when the dongle is unplugged.
	OnDisconnect(handler func(error))

	Info() NCPInfo
	Close() error
}

// NCPInfo holds firmware and stack versions reported by the NCP.
type NCPInfo struct {
	FWVersion       uint32 `json:"fw_version"`
	StackVersion    string `json:"stack_version"`
	ProtocolVersion uint32 `json:"protocol_version"`
}

// NetworkConfig holds parameters for network formation.
type NetworkConfig struct {
	Channel  uint8
	PanID    uint16
	ExtPanID [8]byte
}

// SimpleDescriptor describes an endpoint.
type SimpleDescriptor struct {
	Endpoint    uint8
	ProfileID   uint16
	DeviceID    uint16
	InClusters  []uint16
	OutClusters []uint16
}

// BindRequest is a ZDO bind request.
type BindRequest struct {
	TargetShortAddr uint16
	SrcIEEE         [8]byte
	SrcEP           uint8
	ClusterID       uint16
	DstIEEE         [8]byte
	DstEP           uint8
}

// ReadAttributesRequest specifies which attributes to read.
type ReadAttributesRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	MfrCode   uint16 // 0 for standard clusters
	AttrIDs   []uint16
}

// AttributeResponse holds a single attribute read result.
type AttributeResponse struct {
	AttrID   uint16
	Status   uint8
	DataType uint8
	Value    []byte
}

// WriteAttributesRequest specifies attributes to write.
type WriteAttributesRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	MfrCode   uint16 // 0 for standard clusters
	Records   []AttributeRecord
}

// AttributeRecord is one attribute with its ZCL type and raw little-endian value.
// Variable-length values keep their length prefix.
type AttributeRecord struct {
	AttrID   uint16
	DataType uint8
	Value    []byte
}

// ClusterCommandRequest sends a cluster-specific command.
type ClusterCommandRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	MfrCode   uint16
	CommandID uint8
	Payload   []byte
}

// ConfigureReportingRequest sets up attribute reporting.
type ConfigureReportingRequest struct {
	DstAddr      uint16
	DstEP        uint8
	ClusterID    uint16
	MfrCode      uint16
	AttrID       uint16
	DataType     uint8
	MinInterval  uint16
	MaxInterval  uint16
	ReportChange []byte
}

// DeviceJoinedEvent is emitted when a device joins or rejoins the network.
type DeviceJoinedEvent struct {
	ShortAddr uint16
	IEEEAddr  [8]byte
}

// DeviceLeftEvent is emitted when a device leaves.
// ShortAddr is zero when the NCP only reported the IEEE address.
type DeviceLeftEvent struct {
	ShortAddr uint16
	IEEEAddr  [8]byte
}

// DeviceAnnounceEvent is emitted on ZDO device announce.
type DeviceAnnounceEvent struct {
	ShortAddr  uint16
	IEEEAddr   [8]byte
	Capability uint8
}

// AttributeReportEvent carries every record of one ZCL Report Attributes frame.
type AttributeReportEvent struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	MfrCode   uint16
	Records   []AttributeRecord
	LQI       uint8
	RSSI      int8
}

// ClusterCommandEvent is emitted for incoming cluster-specific commands.
type ClusterCommandEvent struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	CommandID uint8
	Payload   []byte
	LQI       uint8
	RSSI      int8
}
