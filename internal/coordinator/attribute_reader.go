package coordinator

import (
	"context"
	"fmt"

	"zigbee-homekit/internal/ncp"
	"zigbee-homekit/internal/zcl"
)

// AttributeResult holds a decoded attribute read result.
type AttributeResult struct {
	AttrID   uint16 `json:"attr_id"`
	AttrName string `json:"attr_name"`
	TypeID   uint8  `json:"type_id"`
	TypeName string `json:"type_name"`
	Value    any    `json:"value"`
	Status   uint8  `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ReadAttributes reads attributes from a device endpoint/cluster. Successful
// values are also emitted as a readResponse message when the device is known.
func (c *Coordinator) ReadAttributes(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]AttributeResult, error) {
	cluster := c.registry.Get(clusterID)
	var mfr uint16
	if cluster != nil {
		mfr = cluster.ManufacturerCode
	}
	responses, err := c.ncp.ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		MfrCode:   mfr,
		AttrIDs:   attrIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}

	results := make([]AttributeResult, 0, len(responses))
	data := make(map[string]any, len(responses))
	for _, r := range responses {
		result := AttributeResult{
			AttrID:   r.AttrID,
			AttrName: cluster.AttributeKey(r.AttrID),
			Status:   r.Status,
			TypeID:   r.DataType,
			TypeName: zcl.TypeName(r.DataType),
		}
		if r.Status != 0 {
			result.Error = fmt.Sprintf("status 0x%02X", r.Status)
		} else if len(r.Value) > 0 {
			val, _, err := zcl.DecodeValue(r.DataType, r.Value)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Value = val
				data[result.AttrName] = val
			}
		}
		results = append(results, result)
	}

	if len(data) > 0 {
		if dev, err := c.devices.DeviceByShort(shortAddr); err == nil {
			c.events.Emit(Event{
				Type: EventMessage,
				Data: Message{
					Type:        MessageReadResponse,
					Device:      dev,
					Endpoint:    endpoint,
					Cluster:     c.registry.Name(clusterID),
					Data:        data,
					LinkQuality: dev.LQI,
				},
			})
		}
	}
	return results, nil
}

// WriteAttributes writes pre-encoded attribute records to a device cluster.
// mfrCode is non-zero for manufacturer-specific clusters.
func (c *Coordinator) WriteAttributes(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, mfrCode uint16, records []ncp.AttributeRecord) error {
	err := c.ncp.WriteAttributes(ctx, ncp.WriteAttributesRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		MfrCode:   mfrCode,
		Records:   records,
	})
	if err != nil {
		return fmt.Errorf("write attributes: %w", err)
	}
	return nil
}

// WriteAttribute encodes and writes a single attribute value.
func (c *Coordinator) WriteAttribute(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrID uint16, dataType uint8, value any) error {
	encoded, err := zcl.EncodeValue(dataType, value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	var mfr uint16
	if cluster := c.registry.Get(clusterID); cluster != nil {
		mfr = cluster.ManufacturerCode
	}
	return c.WriteAttributes(ctx, shortAddr, endpoint, clusterID, mfr, []ncp.AttributeRecord{
		{AttrID: attrID, DataType: dataType, Value: encoded},
	})
}

// SendClusterCommand sends a cluster-specific command.
func (c *Coordinator) SendClusterCommand(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, commandID uint8, payload []byte) error {
	var mfr uint16
	if cluster := c.registry.Get(clusterID); cluster != nil {
		mfr = cluster.ManufacturerCode
	}
	return c.ncp.SendCommand(ctx, ncp.ClusterCommandRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		MfrCode:   mfr,
		CommandID: commandID,
		Payload:   payload,
	})
}

// ConfigureReporting sets up attribute reporting on a device.
func (c *Coordinator) ConfigureReporting(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrID uint16, dataType uint8, minInterval, maxInterval uint16, reportableChange []byte) error {
	var mfr uint16
	if cluster := c.registry.Get(clusterID); cluster != nil {
		mfr = cluster.ManufacturerCode
	}
	return c.ncp.ConfigureReporting(ctx, ncp.ConfigureReportingRequest{
		DstAddr:      shortAddr,
		DstEP:        endpoint,
		ClusterID:    clusterID,
		MfrCode:      mfr,
		AttrID:       attrID,
		DataType:     dataType,
		MinInterval:  minInterval,
		MaxInterval:  maxInterval,
		ReportChange: reportableChange,
	})
}
