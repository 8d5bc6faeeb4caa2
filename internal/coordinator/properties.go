package coordinator

import (
	"fmt"

	"zigbee-homekit/internal/ncp"
	"zigbee-homekit/internal/store"
	"zigbee-homekit/internal/zcl"
)

// PropertySource describes a proprietary attribute packing several values,
// such as the Xiaomi/Aqara TLV blob in genBasic 0xFF01 or aqaraOpple 0x00F7.
type PropertySource struct {
	Cluster   uint16        `json:"cluster"`
	Attribute uint16        `json:"attribute"`
	Decoder   string        `json:"decoder"` // "xiaomi_tlv"
	Values    []PropertyDef `json:"values"`
}

// PropertyDef names one value extracted from a decoded attribute.
type PropertyDef struct {
	Tag       int    `json:"tag"`
	Name      string `json:"name"`
	Transform string `json:"transform,omitempty"`
}

// expandProperties decodes the device's proprietary attributes found in
// records and adds the named values to data.
func (dm *DeviceManager) expandProperties(dev *store.Device, clusterID uint16, records []ncp.AttributeRecord, data map[string]any) {
	if dev == nil || dev.Model == "" {
		return
	}
	def := dm.coord.DeviceDB().Lookup(dev.Manufacturer, dev.Model)
	if def == nil || len(def.Properties) == 0 {
		return
	}

	for _, ps := range def.Properties {
		if ps.Cluster != clusterID {
			continue
		}
		for _, r := range records {
			if r.AttrID != ps.Attribute {
				continue
			}
			if ps.Decoder != "xiaomi_tlv" {
				dm.logger.Warn("unknown property decoder", "ieee", dev.IEEEAddress, "decoder", ps.Decoder)
				continue
			}
			decoded, _, err := zcl.DecodeValue(r.DataType, r.Value)
			if err != nil {
				continue
			}
			var raw []byte
			switch v := decoded.(type) {
			case []byte:
				raw = v
			case string:
				raw = []byte(v)
			default:
				dm.logger.Warn("property decoder expects []byte or string",
					"ieee", dev.IEEEAddress, "got", fmt.Sprintf("%T", decoded))
				continue
			}
			tlv, err := decodeXiaomiTLV(raw)
			if err != nil {
				// Keep the tags decoded before the error.
				dm.logger.Debug("xiaomi TLV decode incomplete", "ieee", dev.IEEEAddress, "err", err)
			}
			for _, v := range ps.Values {
				val, ok := tlv[v.Tag]
				if !ok {
					continue
				}
				data[v.Name] = applyTransform(v.Transform, val)
			}
		}
	}
}

// decodeXiaomiTLV parses the Xiaomi proprietary TLV format.
// Each entry is: [tag:uint8][zcl_type:uint8][value:variable].
func decodeXiaomiTLV(data []byte) (map[int]any, error) {
	result := make(map[int]any)
	pos := 0

	for pos+2 <= len(data) {
		tag := int(data[pos])
		typeID := data[pos+1]
		pos += 2

		val, consumed, err := zcl.DecodeValue(typeID, data[pos:])
		if err != nil {
			return result, fmt.Errorf("tag %d type 0x%02X at offset %d: %w", tag, typeID, pos, err)
		}
		result[tag] = val
		pos += consumed
	}

	return result, nil
}

// applyTransform converts a raw decoded value using a named transform.
func applyTransform(name string, value any) any {
	switch name {
	case "lumi_battery":
		return lumiBattery(value)
	case "bool":
		return toBool(value)
	case "divide_10":
		return divideN(value, 10)
	case "divide_100":
		return divideN(value, 100)
	default:
		return value
	}
}

func divideN(value any, n int) any {
	v, ok := toNumeric(value)
	if !ok {
		return value
	}
	return float64(v) / float64(n)
}

// lumiBattery converts millivolt reading to battery percentage.
// 2850 mV = 0%, 3000 mV = 100%, linearly interpolated and clamped.
func lumiBattery(value any) any {
	mv, ok := toNumeric(value)
	if !ok {
		return value
	}
	const minMV, maxMV = 2850, 3000
	pct := float64(mv-minMV) / float64(maxMV-minMV) * 100
	return int(max(0, min(100, pct)))
}

func toBool(value any) any {
	if b, ok := value.(bool); ok {
		return b
	}
	n, ok := toNumeric(value)
	if !ok {
		return value
	}
	return n != 0
}

func toNumeric(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
