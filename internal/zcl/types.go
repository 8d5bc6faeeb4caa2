package zcl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeNoData     uint8 = 0x00
	TypeData8      uint8 = 0x08
	TypeBool       uint8 = 0x10
	TypeBitmap8    uint8 = 0x18
	TypeBitmap16   uint8 = 0x19
	TypeBitmap24   uint8 = 0x1A
	TypeBitmap32   uint8 = 0x1B
	TypeUint8      uint8 = 0x20
	TypeUint16     uint8 = 0x21
	TypeUint24     uint8 = 0x22
	TypeUint32     uint8 = 0x23
	TypeUint40     uint8 = 0x24
	TypeUint48     uint8 = 0x25
	TypeUint64     uint8 = 0x27
	TypeInt8       uint8 = 0x28
	TypeInt16      uint8 = 0x29
	TypeInt24      uint8 = 0x2A
	TypeInt32      uint8 = 0x2B
	TypeInt64      uint8 = 0x2F
	TypeEnum8      uint8 = 0x30
	TypeEnum16     uint8 = 0x31
	TypeFloat16    uint8 = 0x38
	TypeFloat32    uint8 = 0x39
	TypeFloat64    uint8 = 0x3A
	TypeOctetStr   uint8 = 0x41
	TypeCharStr    uint8 = 0x42
	TypeOctetStr16 uint8 = 0x43
	TypeCharStr16  uint8 = 0x44
	TypeArray      uint8 = 0x48
	TypeStruct     uint8 = 0x4C
	TypeToD        uint8 = 0xE0
	TypeDate       uint8 = 0xE1
	TypeUTC        uint8 = 0xE2
	TypeClusterID  uint8 = 0xE8
	TypeAttrID     uint8 = 0xE9
	TypeEUI64      uint8 = 0xF0
)

type typeKind int

const (
	kindNone typeKind = iota
	kindUnsigned
	kindSigned
	kindBool
	kindFloat
	kindString
	kindOctets
	kindEUI64
	kindOpaque
)

type typeInfo struct {
	name string
	size int // fixed size in bytes, -1 for variable length
	kind typeKind
}

var typeTable = map[uint8]typeInfo{
	TypeNoData:     {"nodata", 0, kindNone},
	TypeData8:      {"data8", 1, kindUnsigned},
	0x09:           {"data16", 2, kindUnsigned},
	0x0A:           {"data24", 3, kindUnsigned},
	0x0B:           {"data32", 4, kindUnsigned},
	TypeBool:       {"bool", 1, kindBool},
	TypeBitmap8:    {"map8", 1, kindUnsigned},
	TypeBitmap16:   {"map16", 2, kindUnsigned},
	TypeBitmap24:   {"map24", 3, kindUnsigned},
	TypeBitmap32:   {"map32", 4, kindUnsigned},
	TypeUint8:      {"uint8", 1, kindUnsigned},
	TypeUint16:     {"uint16", 2, kindUnsigned},
	TypeUint24:     {"uint24", 3, kindUnsigned},
	TypeUint32:     {"uint32", 4, kindUnsigned},
	TypeUint40:     {"uint40", 5, kindUnsigned},
	TypeUint48:     {"uint48", 6, kindUnsigned},
	0x26:           {"uint56", 7, kindUnsigned},
	TypeUint64:     {"uint64", 8, kindUnsigned},
	TypeInt8:       {"int8", 1, kindSigned},
	TypeInt16:      {"int16", 2, kindSigned},
	TypeInt24:      {"int24", 3, kindSigned},
	TypeInt32:      {"int32", 4, kindSigned},
	0x2C:           {"int40", 5, kindSigned},
	0x2D:           {"int48", 6, kindSigned},
	0x2E:           {"int56", 7, kindSigned},
	TypeInt64:      {"int64", 8, kindSigned},
	TypeEnum8:      {"enum8", 1, kindUnsigned},
	TypeEnum16:     {"enum16", 2, kindUnsigned},
	TypeFloat16:    {"float16", 2, kindFloat},
	TypeFloat32:    {"float32", 4, kindFloat},
	TypeFloat64:    {"float64", 8, kindFloat},
	TypeOctetStr:   {"octstr", -1, kindOctets},
	TypeCharStr:    {"string", -1, kindString},
	TypeOctetStr16: {"octstr16", -1, kindOctets},
	TypeCharStr16:  {"string16", -1, kindString},
	TypeArray:      {"array", -1, kindOpaque},
	TypeStruct:     {"struct", -1, kindOpaque},
	TypeToD:        {"ToD", 4, kindUnsigned},
	TypeDate:       {"date", 4, kindUnsigned},
	TypeUTC:        {"UTC", 4, kindUnsigned},
	TypeClusterID:  {"clusterId", 2, kindUnsigned},
	TypeAttrID:     {"attribId", 2, kindUnsigned},
	TypeEUI64:      {"EUI64", 8, kindEUI64},
}

var typeByName = func() map[string]uint8 {
	m := make(map[string]uint8, len(typeTable))
	for id, info := range typeTable {
		m[info.name] = id
	}
	return m
}()

// TypeSize returns the fixed size in bytes of a ZCL type, or -1 for variable-length
// and unknown types.
func TypeSize(typeID uint8) int {
	if info, ok := typeTable[typeID]; ok {
		return info.size
	}
	return -1
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	if info, ok := typeTable[typeID]; ok {
		return info.name
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// TypeByName resolves a type name as returned by TypeName.
func TypeByName(name string) (uint8, bool) {
	id, ok := typeByName[name]
	return id, ok
}

// DecodeValue decodes a ZCL typed value from raw bytes, returning the Go value and bytes consumed.
// Unsigned integers decode to the smallest of uint8/16/32/64 that holds them, signed
// integers likewise to int8/16/32/64.
func DecodeValue(typeID uint8, data []byte) (any, int, error) {
	info, ok := typeTable[typeID]
	if !ok {
		return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", typeID)
	}
	if info.size < 0 {
		return decodeVariableValue(typeID, info, data)
	}
	if len(data) < info.size {
		return nil, 0, fmt.Errorf("zcl: not enough data for %s: need %d, have %d", info.name, info.size, len(data))
	}
	raw := data[:info.size]

	switch info.kind {
	case kindNone:
		return nil, 0, nil
	case kindBool:
		return raw[0] != 0, 1, nil
	case kindUnsigned:
		return narrowUnsigned(readUint(raw)), info.size, nil
	case kindSigned:
		return narrowSigned(signExtend(readUint(raw), info.size)), info.size, nil
	case kindFloat:
		switch info.size {
		case 2:
			return float16ToFloat32(binary.LittleEndian.Uint16(raw)), 2, nil
		case 4:
			return math.Float32frombits(binary.LittleEndian.Uint32(raw)), 4, nil
		default:
			return math.Float64frombits(binary.LittleEndian.Uint64(raw)), 8, nil
		}
	case kindEUI64:
		return fmt.Sprintf("0x%016x", binary.LittleEndian.Uint64(raw)), 8, nil
	}
	return append([]byte(nil), raw...), info.size, nil
}

func decodeVariableValue(typeID uint8, info typeInfo, data []byte) (any, int, error) {
	var prefix, length int
	switch typeID {
	case TypeOctetStr, TypeCharStr:
		if len(data) < 1 {
			return nil, 0, fmt.Errorf("zcl: no length byte for %s", info.name)
		}
		prefix, length = 1, int(data[0])
		if length == 0xFF {
			return nil, 1, nil // invalid value
		}
	case TypeOctetStr16, TypeCharStr16:
		if len(data) < 2 {
			return nil, 0, fmt.Errorf("zcl: no length bytes for %s", info.name)
		}
		prefix, length = 2, int(binary.LittleEndian.Uint16(data))
		if length == 0xFFFF {
			return nil, 2, nil
		}
	default:
		return nil, 0, fmt.Errorf("zcl: unsupported variable type %s", info.name)
	}
	if len(data) < prefix+length {
		return nil, 0, fmt.Errorf("zcl: %s truncated: need %d, have %d", info.name, length, len(data)-prefix)
	}
	body := data[prefix : prefix+length]
	if info.kind == kindString {
		return string(body), prefix + length, nil
	}
	return append([]byte(nil), body...), prefix + length, nil
}

// EncodeValue encodes a Go value into ZCL wire format.
func EncodeValue(typeID uint8, val any) ([]byte, error) {
	info, ok := typeTable[typeID]
	if !ok {
		return nil, fmt.Errorf("zcl: encode not implemented for type 0x%02X", typeID)
	}

	switch info.kind {
	case kindBool:
		v, ok := toBool(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case kindUnsigned:
		v, ok := toUint64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, info.name)
		}
		if info.size < 8 && v > 1<<(8*info.size)-1 {
			return nil, fmt.Errorf("zcl: value %d overflows %s", v, info.name)
		}
		return writeUint(v, info.size), nil

	case kindSigned:
		v, ok := toInt64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, info.name)
		}
		if info.size < 8 {
			lim := int64(1) << (8*info.size - 1)
			if v < -lim || v >= lim {
				return nil, fmt.Errorf("zcl: value %d overflows %s (range %d..%d)", v, info.name, -lim, lim-1)
			}
		}
		return writeUint(uint64(v), info.size), nil

	case kindFloat:
		v, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, info.name)
		}
		switch info.size {
		case 2:
			return nil, fmt.Errorf("zcl: encode not implemented for %s", info.name)
		case 4:
			return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(v))), nil
		default:
			return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v)), nil
		}

	case kindEUI64:
		switch a := val.(type) {
		case [8]byte:
			return append([]byte(nil), a[:]...), nil
		case []byte:
			if len(a) != 8 {
				return nil, fmt.Errorf("zcl: EUI64 requires 8 bytes, got %d", len(a))
			}
			return append([]byte(nil), a...), nil
		}
		return nil, fmt.Errorf("zcl: cannot convert %T to EUI64", val)

	case kindString, kindOctets:
		var body []byte
		switch v := val.(type) {
		case string:
			body = []byte(v)
		case []byte:
			body = v
		default:
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, info.name)
		}
		if typeID == TypeOctetStr || typeID == TypeCharStr {
			if len(body) > 254 {
				return nil, fmt.Errorf("zcl: %s too long: %d (max 254)", info.name, len(body))
			}
			return append([]byte{uint8(len(body))}, body...), nil
		}
		if len(body) > 65534 {
			return nil, fmt.Errorf("zcl: %s too long: %d (max 65534)", info.name, len(body))
		}
		return append(binary.LittleEndian.AppendUint16(nil, uint16(len(body))), body...), nil
	}

	return nil, fmt.Errorf("zcl: encode not implemented for %s", info.name)
}

func readUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func writeUint(v uint64, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func signExtend(v uint64, size int) int64 {
	shift := 64 - 8*size
	return int64(v<<shift) >> shift
}

func narrowUnsigned(v uint64) any {
	switch {
	case v <= math.MaxUint8:
		return uint8(v)
	case v <= math.MaxUint16:
		return uint16(v)
	case v <= math.MaxUint32:
		return uint32(v)
	}
	return v
}

func narrowSigned(v int64) any {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return int8(v)
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return int16(v)
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return int32(v)
	}
	return v
}

// float16ToFloat32 converts an IEEE 754 half-precision value.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h) & 0x3FF
	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal
		f := float32(frac) / 1024 / 16384
		if sign != 0 {
			return -f
		}
		return f
	case 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	case uint8:
		return val != 0, true
	}
	return false, false
}

func toUint64(v any) (uint64, bool) {
	switch val := v.(type) {
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case int:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case float64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val > math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}
