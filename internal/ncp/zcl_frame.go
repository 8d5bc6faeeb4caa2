package ncp

import (
	"encoding/binary"
	"fmt"
)

const zclProfileHA uint16 = 0x0104

// ZCL frame control bits.
const (
	zclFrameTypeGlobal    uint8 = 0x00
	zclFrameTypeCluster   uint8 = 0x01
	zclFlagMfrSpecific    uint8 = 0x04
	zclDirServerToClient  uint8 = 0x08
	zclDisableDefaultResp uint8 = 0x10
)

// ZCL global commands.
const (
	zclCmdReadAttributes       uint8 = 0x00
	zclCmdReadAttributesRsp    uint8 = 0x01
	zclCmdWriteAttributes      uint8 = 0x02
	zclCmdConfigureReporting   uint8 = 0x06
	zclCmdReportAttributes     uint8 = 0x0A
	zclCmdDefaultResponse      uint8 = 0x0B
	zclStatusSuccess           uint8 = 0x00
	zclStatusUnsupportedAttrib uint8 = 0x86
)

type zclHeader struct {
	FrameControl uint8
	MfrCode      uint16
	Seq          uint8
	Command      uint8
}

func (h zclHeader) frameType() uint8 { return h.FrameControl & 0x03 }

func (h zclHeader) encode() []byte {
	if h.MfrCode != 0 {
		h.FrameControl |= zclFlagMfrSpecific
	}
	buf := []byte{h.FrameControl}
	if h.FrameControl&zclFlagMfrSpecific != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, h.MfrCode)
	}
	return append(buf, h.Seq, h.Command)
}

// parseZCLHeader returns the header and the offset of the command payload.
func parseZCLHeader(data []byte) (zclHeader, int, error) {
	var h zclHeader
	if len(data) < 3 {
		return h, 0, fmt.Errorf("zcl: header too short: %d bytes", len(data))
	}
	h.FrameControl = data[0]
	pos := 1
	if h.FrameControl&zclFlagMfrSpecific != 0 {
		if len(data) < 5 {
			return h, 0, fmt.Errorf("zcl: manufacturer header too short: %d bytes", len(data))
		}
		h.MfrCode = binary.LittleEndian.Uint16(data[1:3])
		pos = 3
	}
	h.Seq = data[pos]
	h.Command = data[pos+1]
	return h, pos + 2, nil
}

func zclBuildReadAttributes(seq uint8, mfrCode uint16, attrIDs []uint16) []byte {
	buf := zclHeader{FrameControl: zclFrameTypeGlobal, MfrCode: mfrCode, Seq: seq, Command: zclCmdReadAttributes}.encode()
	for _, id := range attrIDs {
		buf = binary.LittleEndian.AppendUint16(buf, id)
	}
	return buf
}

func zclBuildWriteAttributes(seq uint8, mfrCode uint16, records []AttributeRecord) []byte {
	buf := zclHeader{FrameControl: zclFrameTypeGlobal, MfrCode: mfrCode, Seq: seq, Command: zclCmdWriteAttributes}.encode()
	for _, r := range records {
		buf = binary.LittleEndian.AppendUint16(buf, r.AttrID)
		buf = append(buf, r.DataType)
		buf = append(buf, r.Value...)
	}
	return buf
}

func zclBuildClusterCommand(seq uint8, mfrCode uint16, cmdID uint8, payload []byte) []byte {
	buf := zclHeader{FrameControl: zclFrameTypeCluster, MfrCode: mfrCode, Seq: seq, Command: cmdID}.encode()
	return append(buf, payload...)
}

func zclBuildConfigureReporting(seq uint8, req ConfigureReportingRequest) []byte {
	buf := zclHeader{FrameControl: zclFrameTypeGlobal, MfrCode: req.MfrCode, Seq: seq, Command: zclCmdConfigureReporting}.encode()
	buf = append(buf, 0x00) // direction: reported
	buf = binary.LittleEndian.AppendUint16(buf, req.AttrID)
	buf = append(buf, req.DataType)
	buf = binary.LittleEndian.AppendUint16(buf, req.MinInterval)
	buf = binary.LittleEndian.AppendUint16(buf, req.MaxInterval)
	if isAnalogType(req.DataType) {
		change := req.ReportChange
		if size := typeSize(req.DataType); len(change) != size && size > 0 {
			change = make([]byte, size)
			copy(change, req.ReportChange)
		}
		buf = append(buf, change...)
	}
	return buf
}

// parseReportRecords decodes the body of a Report Attributes frame.
// Parsing stops at the first record whose type length is unknown.
func parseReportRecords(data []byte) []AttributeRecord {
	var out []AttributeRecord
	pos := 0
	for pos+3 <= len(data) {
		id := binary.LittleEndian.Uint16(data[pos : pos+2])
		dt := data[pos+2]
		pos += 3
		n := valueLen(dt, data[pos:])
		if n < 0 || pos+n > len(data) {
			break
		}
		out = append(out, AttributeRecord{AttrID: id, DataType: dt, Value: append([]byte(nil), data[pos:pos+n]...)})
		pos += n
	}
	return out
}

// parseAttributeResponses decodes the body of a Read Attributes Response.
func parseAttributeResponses(data []byte) []AttributeResponse {
	var out []AttributeResponse
	pos := 0
	for pos+3 <= len(data) {
		r := AttributeResponse{
			AttrID: binary.LittleEndian.Uint16(data[pos : pos+2]),
			Status: data[pos+2],
		}
		pos += 3
		if r.Status != zclStatusSuccess {
			out = append(out, r)
			continue
		}
		if pos >= len(data) {
			break
		}
		r.DataType = data[pos]
		pos++
		n := valueLen(r.DataType, data[pos:])
		if n < 0 || pos+n > len(data) {
			break
		}
		r.Value = append([]byte(nil), data[pos:pos+n]...)
		pos += n
		out = append(out, r)
	}
	return out
}

// valueLen returns the encoded length of a value of type dt at the start of
// data, including any length prefix, or -1 when it cannot be determined.
func valueLen(dt uint8, data []byte) int {
	switch dt {
	case 0x41, 0x42: // octstr, string
		if len(data) < 1 {
			return -1
		}
		if data[0] == 0xFF {
			return 1
		}
		return 1 + int(data[0])
	case 0x43, 0x44: // octstr16, string16
		if len(data) < 2 {
			return -1
		}
		n := binary.LittleEndian.Uint16(data)
		if n == 0xFFFF {
			return 2
		}
		return 2 + int(n)
	}
	if n := typeSize(dt); n > 0 {
		return n
	}
	return -1
}

// typeSize returns the fixed size of a ZCL data type, or 0 when variable or unknown.
func typeSize(dt uint8) int {
	switch {
	case dt == 0x00: // nodata
		return 0
	case dt >= 0x08 && dt <= 0x0F: // data8..data64
		return int(dt-0x08) + 1
	case dt == 0x10: // bool
		return 1
	case dt >= 0x18 && dt <= 0x1F: // map8..map64
		return int(dt-0x18) + 1
	case dt >= 0x20 && dt <= 0x27: // uint8..uint64
		return int(dt-0x20) + 1
	case dt >= 0x28 && dt <= 0x2F: // int8..int64
		return int(dt-0x28) + 1
	case dt == 0x30: // enum8
		return 1
	case dt == 0x31: // enum16
		return 2
	case dt == 0x38: // semi
		return 2
	case dt == 0x39: // single
		return 4
	case dt == 0x3A: // double
		return 8
	case dt == 0xE0, dt == 0xE1, dt == 0xE2: // ToD, date, UTC
		return 4
	case dt == 0xE8, dt == 0xE9: // cluster ID, attribute ID
		return 2
	case dt == 0xF0: // EUI64
		return 8
	}
	return 0
}

// isAnalogType reports whether reporting configuration carries a reportable change field.
func isAnalogType(dt uint8) bool {
	return (dt >= 0x20 && dt <= 0x2F) || (dt >= 0x38 && dt <= 0x3A) || (dt >= 0xE0 && dt <= 0xE2)
}

// buildAPSDEDataReq builds an APSDE-DATA.request payload addressed to a short address.
func buildAPSDEDataReq(dstAddr uint16, dstEP, srcEP uint8, clusterID, profileID uint16, radius uint8, data []byte) []byte {
	const hdrSize = 24
	buf := make([]byte, hdrSize+len(data))
	buf[0] = hdrSize - 3 // param length excludes itself and data length
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(data)))
	binary.LittleEndian.PutUint16(buf[3:5], dstAddr) // dst addr, 8-byte field
	binary.LittleEndian.PutUint16(buf[11:13], profileID)
	binary.LittleEndian.PutUint16(buf[13:15], clusterID)
	buf[15] = dstEP
	buf[16] = srcEP
	buf[17] = radius
	buf[18] = zbossAddrModeShort
	buf[19] = 0x00 // tx options
	buf[20] = 0x00 // use alias
	// buf[21:23] alias src addr, buf[23] alias seq
	copy(buf[hdrSize:], data)
	return buf
}
