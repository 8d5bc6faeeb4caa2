package ncp

// ZBOSS NCP serial framing: LL header with CRC8, body CRC16, HL header.
// Layout follows the Wireshark ZBOSS NCP dissector (packet-zbncp.c).

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	zbossSig0         = 0xDE
	zbossSig1         = 0xAD
	zbossLLHeaderSize = 7 // sig(2) + size(2) + type(1) + flags(1) + crc8(1)
	zbossBodyCRCSize  = 2
	zbossMaxFrameSize = 512

	zbossLLType uint8 = 0x06
)

// LL flags.
const (
	zbossFlagACK         = 0x01
	zbossFlagRetrans     = 0x02
	zbossFlagPktSeqMask  = 0x0C
	zbossFlagPktSeqShift = 2
	zbossFlagAckSeqMask  = 0x30
	zbossFlagAckSeqShift = 4
	zbossFlagFirstFrag   = 0x40
	zbossFlagLastFrag    = 0x80
)

// HL packet types.
const (
	zbossHLVersion    uint8 = 0x00
	zbossHLRequest    uint8 = 0x00
	zbossHLResponse   uint8 = 0x01
	zbossHLIndication uint8 = 0x02
)

// HL call IDs.
const (
	zbossCmdGetModuleVersion uint16 = 0x0001
	zbossCmdNCPReset         uint16 = 0x0002
	zbossCmdSetZigbeeRole    uint16 = 0x0005
	zbossCmdSetChannelMask   uint16 = 0x0007
	zbossCmdSetPanID         uint16 = 0x000A
	zbossCmdGetLocalIEEE     uint16 = 0x000B
	zbossCmdSetRxOnWhenIdle  uint16 = 0x0013
	zbossCmdSetEDTimeout     uint16 = 0x0017
	zbossCmdSetNwkKey        uint16 = 0x001B
	zbossCmdNCPResetInd      uint16 = 0x002B
	zbossCmdSetTCPolicy      uint16 = 0x0032
	zbossCmdSetExtPanID      uint16 = 0x0033
	zbossCmdSetMaxChildren   uint16 = 0x0034

	zbossCmdAFSetSimpleDesc uint16 = 0x0101

	zbossCmdZDOSimpleDescReq    uint16 = 0x0205
	zbossCmdZDOActiveEPReq      uint16 = 0x0206
	zbossCmdZDOBindReq          uint16 = 0x0208
	zbossCmdZDOMgmtLeaveReq     uint16 = 0x020A
	zbossCmdZDOPermitJoiningReq uint16 = 0x020B
	zbossCmdZDODevAnnceInd      uint16 = 0x020C
	zbossCmdZDODevAuthorizedInd uint16 = 0x0214
	zbossCmdZDODevUpdateInd     uint16 = 0x0215

	zbossCmdAPSDEDataReq uint16 = 0x0301
	zbossCmdAPSDEDataInd uint16 = 0x0306

	zbossCmdNwkFormation        uint16 = 0x0401
	zbossCmdNwkLeaveInd         uint16 = 0x040B
	zbossCmdNwkAddrUpdateInd    uint16 = 0x041C
	zbossCmdNwkStartWithoutForm uint16 = 0x041D
)

var zbossCmdNames = map[uint16]string{
	zbossCmdGetModuleVersion:    "GetModuleVersion",
	zbossCmdNCPReset:            "NCPReset",
	zbossCmdSetZigbeeRole:       "SetZigbeeRole",
	zbossCmdSetChannelMask:      "SetChannelMask",
	zbossCmdSetPanID:            "SetPanID",
	zbossCmdGetLocalIEEE:        "GetLocalIEEE",
	zbossCmdSetRxOnWhenIdle:     "SetRxOnWhenIdle",
	zbossCmdSetEDTimeout:        "SetEDTimeout",
	zbossCmdSetNwkKey:           "SetNwkKey",
	zbossCmdNCPResetInd:         "NCPResetInd",
	zbossCmdSetTCPolicy:         "SetTCPolicy",
	zbossCmdSetExtPanID:         "SetExtPanID",
	zbossCmdSetMaxChildren:      "SetMaxChildren",
	zbossCmdAFSetSimpleDesc:     "AFSetSimpleDesc",
	zbossCmdZDOSimpleDescReq:    "ZDO_SimpleDesc",
	zbossCmdZDOActiveEPReq:      "ZDO_ActiveEP",
	zbossCmdZDOBindReq:          "ZDO_Bind",
	zbossCmdZDOMgmtLeaveReq:     "ZDO_MgmtLeave",
	zbossCmdZDOPermitJoiningReq: "ZDO_PermitJoin",
	zbossCmdZDODevAnnceInd:      "ZDO_DevAnnce",
	zbossCmdZDODevAuthorizedInd: "ZDO_DevAuthorized",
	zbossCmdZDODevUpdateInd:     "ZDO_DevUpdate",
	zbossCmdAPSDEDataReq:        "APSDE_DataReq",
	zbossCmdAPSDEDataInd:        "APSDE_DataInd",
	zbossCmdNwkFormation:        "NwkFormation",
	zbossCmdNwkLeaveInd:         "NwkLeaveInd",
	zbossCmdNwkAddrUpdateInd:    "NwkAddrUpdateInd",
	zbossCmdNwkStartWithoutForm: "NwkStartWithoutForm",
}

func zbossCmdName(id uint16) string {
	if name, ok := zbossCmdNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}

var zbossStatusCategories = map[uint8]string{
	0: "Generic", 2: "MAC", 3: "NWK", 4: "APS", 5: "ZDO", 6: "CBKE",
}

func zbossStatusName(cat, code uint8) string {
	if cat == 0 && code == 0 {
		return "OK"
	}
	name, ok := zbossStatusCategories[cat]
	if !ok {
		name = fmt.Sprintf("cat%d", cat)
	}
	return fmt.Sprintf("%s/%d(0x%02X)", name, code, code)
}

type zbossLLHeader struct {
	Length uint16
	Type   uint8
	Flags  uint8
}

type zbossHLHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8 // request/response only
	StatusCat  uint8 // response only
	StatusCode uint8 // response only
}

type zbossFrame struct {
	LL      zbossLLHeader
	HL      zbossHLHeader
	Payload []byte
}

func (f *zbossFrame) ok() bool {
	return f.HL.StatusCat == 0 && f.HL.StatusCode == 0
}

func zbossLLPktSeq(flags uint8) uint8 { return (flags & zbossFlagPktSeqMask) >> zbossFlagPktSeqShift }
func zbossLLAckSeq(flags uint8) uint8 { return (flags & zbossFlagAckSeqMask) >> zbossFlagAckSeqShift }
func zbossLLIsACK(flags uint8) bool   { return flags&zbossFlagACK != 0 }

// CRC-8/KOOP over the LL header: reflected poly 0xB2, init 0xFF, xorout 0xFF.
// CRC-16/KERMIT over the body: reflected poly 0x8408, init 0, xorout 0.
var (
	crc8Table  [256]uint8
	crc16Table [256]uint16
)

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = (c8 >> 1) ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = (c16 >> 1) ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func zbossCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func zbossCRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

// zbossEncodeRequest builds a complete frame carrying one HL request.
func zbossEncodeRequest(callID uint16, tsn, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 5, 5+len(payload))
	hl[0] = zbossHLVersion
	hl[1] = zbossHLRequest
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	hl[4] = tsn
	hl = append(hl, payload...)

	flags := uint8(zbossFlagFirstFrag|zbossFlagLastFrag) | (pktSeq<<zbossFlagPktSeqShift)&zbossFlagPktSeqMask
	return zbossEncodeLL(flags, hl)
}

// zbossEncodeACK builds a body-less LL acknowledgement.
func zbossEncodeACK(ackSeq uint8) []byte {
	return zbossEncodeLL(zbossFlagACK|(ackSeq<<zbossFlagAckSeqShift)&zbossFlagAckSeqMask, nil)
}

// zbossEncodeLL wraps HL bytes in an LL frame. A nil hl yields an ACK-sized frame.
func zbossEncodeLL(flags uint8, hl []byte) []byte {
	size := 5 // size(2) + type(1) + flags(1) + crc8(1)
	if hl != nil {
		size += zbossBodyCRCSize + len(hl)
	}
	frame := make([]byte, 2+size)
	frame[0], frame[1] = zbossSig0, zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], uint16(size))
	frame[4] = zbossLLType
	frame[5] = flags
	frame[6] = zbossCRC8(frame[2:6])
	if hl != nil {
		binary.LittleEndian.PutUint16(frame[7:9], zbossCRC16(hl))
		copy(frame[9:], hl)
	}
	return frame
}

// zbossDecodeFrame parses one complete frame as returned by readZBOSSFrame.
func zbossDecodeFrame(data []byte) (*zbossFrame, error) {
	if len(data) < zbossLLHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != zbossSig0 || data[1] != zbossSig1 {
		return nil, fmt.Errorf("zboss: bad signature: 0x%02X%02X", data[0], data[1])
	}
	if got := zbossCRC8(data[2:6]); data[6] != got {
		return nil, fmt.Errorf("zboss: LL CRC8 mismatch: got 0x%02X, want 0x%02X", data[6], got)
	}
	f := &zbossFrame{LL: zbossLLHeader{
		Length: binary.LittleEndian.Uint16(data[2:4]),
		Type:   data[4],
		Flags:  data[5],
	}}
	if f.LL.Type != zbossLLType {
		return nil, fmt.Errorf("zboss: unexpected LL type: 0x%02X", f.LL.Type)
	}
	end := 2 + int(f.LL.Length)
	if end > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d, have %d", end, len(data))
	}
	if zbossLLIsACK(f.LL.Flags) {
		return f, nil
	}

	body := data[zbossLLHeaderSize:end]
	if len(body) < zbossBodyCRCSize+4 {
		return nil, fmt.Errorf("zboss: body too short: %d bytes", len(body))
	}
	hl := body[zbossBodyCRCSize:]
	if want, got := binary.LittleEndian.Uint16(body[:2]), zbossCRC16(hl); want != got {
		return nil, fmt.Errorf("zboss: body CRC16 mismatch: got 0x%04X, want 0x%04X", want, got)
	}

	f.HL.Version = hl[0]
	f.HL.PacketType = hl[1]
	f.HL.CallID = binary.LittleEndian.Uint16(hl[2:4])
	var pos int
	switch f.HL.PacketType {
	case zbossHLRequest:
		if len(hl) < 5 {
			return nil, fmt.Errorf("zboss: request HL too short")
		}
		f.HL.TSN = hl[4]
		pos = 5
	case zbossHLResponse:
		if len(hl) < 7 {
			return nil, fmt.Errorf("zboss: response HL too short")
		}
		f.HL.TSN, f.HL.StatusCat, f.HL.StatusCode = hl[4], hl[5], hl[6]
		pos = 7
	case zbossHLIndication:
		pos = 4
	default:
		return nil, fmt.Errorf("zboss: unknown HL packet type: 0x%02X", f.HL.PacketType)
	}
	if pos < len(hl) {
		f.Payload = append([]byte(nil), hl[pos:]...)
	}
	return f, nil
}

// readZBOSSFrame reads the next frame from the serial stream, skipping any
// bytes until a signature is found. Frames with an impossible size field are
// dropped and the scan resumes after their signature.
func readZBOSSFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig0 {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig1 {
			if b == zbossSig0 {
				_ = r.UnreadByte()
			}
			continue
		}

		var sizeBuf [2]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, err
		}
		size := int(binary.LittleEndian.Uint16(sizeBuf[:]))
		if size < 5 || size > zbossMaxFrameSize {
			continue
		}
		frame := make([]byte, 2+size)
		frame[0], frame[1] = zbossSig0, zbossSig1
		copy(frame[2:4], sizeBuf[:])
		if _, err := io.ReadFull(r, frame[4:]); err != nil {
			return nil, err
		}
		return frame, nil
	}
}
