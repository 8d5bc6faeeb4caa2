package ncp

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ErrClosed is returned by requests issued after Close or during a reconnect.
var ErrClosed = errors.New("ncp closed")

const (
	zbossAddrModeShort uint8 = 0x02
	zbossAddrModeIEEE  uint8 = 0x03

	zbossRoleCoordinator uint8 = 0x00

	zbossResetNoOption uint8 = 0x00
	zbossResetFactory  uint8 = 0x02
)

// ZDO DevUpdate status values.
const (
	zbossDevUpdateSecureRejoin uint8 = 0x00
	zbossDevUpdateUnsecureJoin uint8 = 0x01
	zbossDevUpdateLeft         uint8 = 0x02
	zbossDevUpdateTCRejoin     uint8 = 0x03
)

// Trust Center policy types for SetTCPolicy.
const (
	zbossTCPolicyLinkKeysRequired      uint16 = 0x0000
	zbossTCPolicyICRequired            uint16 = 0x0001
	zbossTCPolicyTCRejoinEnabled       uint16 = 0x0002
	zbossTCPolicyIgnoreTCRejoin        uint16 = 0x0003
	zbossTCPolicyAPSInsecureJoin       uint16 = 0x0004
	zbossTCPolicyDisableNwkMgmtChanUpd uint16 = 0x0005
)

const (
	llACKTimeout = 500 * time.Millisecond
	llMaxRetries = 3
	apsRadius    = 30
	localEP      = 1

	otaCluster = 0x0019
)

// NRF52840 implements NCP for an nRF52840 running the ZBOSS NCP firmware.
type NRF52840 struct {
	port     serial.Port
	portName string
	portMode *serial.Mode
	reader   *bufio.Reader
	logger   *slog.Logger

	hlTSN     atomic.Uint32
	hlPending map[uint8]chan *zbossFrame
	hlMu      sync.Mutex

	// LL packet sequence cycles 1..3.
	llPktSeq uint8
	llSeqMu  sync.Mutex
	llAckCh  chan uint8
	writeMu  sync.Mutex

	zclSeq     atomic.Uint32
	zclPending map[uint8]chan []byte
	zclMu      sync.Mutex

	handlerMu       sync.RWMutex
	onJoined        func(DeviceJoinedEvent)
	onLeft          func(DeviceLeftEvent)
	onAnnounce      func(DeviceAnnounceEvent)
	onReport        func(AttributeReportEvent)
	onClusterCmd    func(ClusterCommandEvent)
	onNwkAddrUpdate func(uint16)
	onDisconnect    func(error)

	resetIndCh chan struct{}

	infoMu sync.RWMutex
	info   NCPInfo

	// lifecycleMu guards port, done, llAckCh and closeOnce across reconnects.
	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

// NewNRF52840 opens the serial port and starts the read loop.
func NewNRF52840(portName string, baudRate int, logger *slog.Logger) (*NRF52840, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("nrf52840: open %s: %w", portName, err)
	}

	n := &NRF52840{
		port:       port,
		portName:   portName,
		portMode:   mode,
		reader:     bufio.NewReader(port),
		logger:     logger.With("component", "ncp"),
		hlPending:  make(map[uint8]chan *zbossFrame),
		zclPending: make(map[uint8]chan []byte),
		llAckCh:    make(chan uint8, 4),
		resetIndCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	n.wg.Add(1)
	go n.readLoop()
	return n, nil
}

func openPort(name string, mode *serial.Mode) (serial.Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	// USB CDC ACM: the firmware waits for DTR before talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return port, nil
}

func (n *NRF52840) nextTSN() uint8    { return uint8(n.hlTSN.Add(1)) }
func (n *NRF52840) nextZCLSeq() uint8 { return uint8(n.zclSeq.Add(1)) }

func (n *NRF52840) nextPktSeq() uint8 {
	n.llSeqMu.Lock()
	defer n.llSeqMu.Unlock()
	n.llPktSeq = n.llPktSeq%3 + 1
	return n.llPktSeq
}

// request sends an HL request and waits for the matching HL response.
// A non-OK status is returned as an error together with the response.
func (n *NRF52840) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	tsn := n.nextTSN()
	cmd := zbossCmdName(callID)

	ch := make(chan *zbossFrame, 1)
	n.hlMu.Lock()
	n.hlPending[tsn] = ch
	n.hlMu.Unlock()
	defer func() {
		n.hlMu.Lock()
		delete(n.hlPending, tsn)
		n.hlMu.Unlock()
	}()

	pktSeq := n.nextPktSeq()
	if err := n.writeWithACK(ctx, zbossEncodeRequest(callID, tsn, pktSeq, payload), pktSeq); err != nil {
		return nil, fmt.Errorf("zboss %s: %w", cmd, err)
	}
	n.logger.Debug("zboss TX", "cmd", cmd, "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("zboss %s: %w", cmd, ErrClosed)
		}
		status := zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode)
		if !resp.ok() {
			n.logger.Warn("zboss RX", "cmd", cmd, "tsn", tsn, "status", status)
			return resp, fmt.Errorf("zboss %s: %s", cmd, status)
		}
		n.logger.Debug("zboss RX", "cmd", cmd, "tsn", tsn, "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		n.logger.Warn("zboss timeout", "cmd", cmd, "tsn", tsn, "err", ctx.Err())
		return nil, ctx.Err()
	case <-n.doneCh():
		return nil, fmt.Errorf("zboss %s: %w", cmd, ErrClosed)
	}
}

func (n *NRF52840) doneCh() chan struct{} {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.done
}

func (n *NRF52840) write(frame []byte) error {
	n.lifecycleMu.Lock()
	port := n.port
	n.lifecycleMu.Unlock()
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_, err := port.Write(frame)
	return err
}

// writeWithACK writes a frame and retries until the LL ACK for pktSeq arrives.
func (n *NRF52840) writeWithACK(ctx context.Context, frame []byte, pktSeq uint8) error {
	n.lifecycleMu.Lock()
	ackCh, done := n.llAckCh, n.done
	n.lifecycleMu.Unlock()

	for attempt := 0; attempt <= llMaxRetries; attempt++ {
		if err := n.write(frame); err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		timer := time.NewTimer(llACKTimeout)
	wait:
		for {
			select {
			case seq := <-ackCh:
				if seq == pktSeq {
					timer.Stop()
					return nil
				}
				n.logger.Debug("zboss stale ACK", "got", seq, "want", pktSeq)
			case <-timer.C:
				n.logger.Warn("zboss ACK timeout", "attempt", attempt+1, "pkt_seq", pktSeq)
				break wait
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-done:
				timer.Stop()
				return ErrClosed
			}
		}
	}
	return fmt.Errorf("no LL ACK after %d attempts", llMaxRetries+1)
}

func (n *NRF52840) sendACK(pktSeq uint8) {
	if err := n.write(zbossEncodeACK(pktSeq)); err != nil {
		n.logger.Error("zboss send ACK", "err", err)
	}
}

func (n *NRF52840) readLoop() {
	defer n.wg.Done()

	n.lifecycleMu.Lock()
	reader, done, ackCh := n.reader, n.done, n.llAckCh
	n.lifecycleMu.Unlock()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	reported := false

	for {
		raw, err := readZBOSSFrame(reader)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			n.logger.Error("nrf52840 read", "err", err)
			if !reported {
				reported = true
				n.handlerMu.RLock()
				onDisconnect := n.onDisconnect
				n.handlerMu.RUnlock()
				if onDisconnect != nil {
					onDisconnect(err)
				}
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond
		reported = false

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			n.logger.Warn("zboss decode", "err", err)
			continue
		}
		if zbossLLIsACK(frame.LL.Flags) {
			select {
			case ackCh <- zbossLLAckSeq(frame.LL.Flags):
			default:
			}
			continue
		}
		n.sendACK(zbossLLPktSeq(frame.LL.Flags))

		switch frame.HL.PacketType {
		case zbossHLResponse:
			n.hlMu.Lock()
			ch, ok := n.hlPending[frame.HL.TSN]
			n.hlMu.Unlock()
			if !ok {
				n.logger.Warn("zboss orphaned response",
					"cmd", zbossCmdName(frame.HL.CallID),
					"tsn", frame.HL.TSN,
					"status", zbossStatusName(frame.HL.StatusCat, frame.HL.StatusCode))
				continue
			}
			select {
			case ch <- frame:
			default:
			}
		case zbossHLIndication:
			n.handleIndication(frame)
		}
	}
}

func (n *NRF52840) handleIndication(f *zbossFrame) {
	n.handlerMu.RLock()
	onJoined := n.onJoined
	onLeft := n.onLeft
	onAnnounce := n.onAnnounce
	onReport := n.onReport
	onClusterCmd := n.onClusterCmd
	onNwkAddrUpdate := n.onNwkAddrUpdate
	n.handlerMu.RUnlock()

	p := f.Payload
	switch f.HL.CallID {
	case zbossCmdZDODevAnnceInd:
		// nwk(2) + ieee(8) + capability(1)
		if len(p) < 11 || onAnnounce == nil {
			return
		}
		evt := DeviceAnnounceEvent{ShortAddr: binary.LittleEndian.Uint16(p[0:2]), Capability: p[10]}
		copy(evt.IEEEAddr[:], p[2:10])
		onAnnounce(evt)

	case zbossCmdZDODevUpdateInd:
		// ieee(8) + nwk(2) + status(1)
		if len(p) < 11 {
			return
		}
		var ieee [8]byte
		copy(ieee[:], p[0:8])
		short := binary.LittleEndian.Uint16(p[8:10])
		switch p[10] {
		case zbossDevUpdateSecureRejoin, zbossDevUpdateUnsecureJoin, zbossDevUpdateTCRejoin:
			if onJoined != nil {
				onJoined(DeviceJoinedEvent{ShortAddr: short, IEEEAddr: ieee})
			}
		case zbossDevUpdateLeft:
			if onLeft != nil {
				onLeft(DeviceLeftEvent{ShortAddr: short, IEEEAddr: ieee})
			}
		default:
			n.logger.Warn("DevUpdateInd unknown status", "status", p[10])
		}

	case zbossCmdNwkLeaveInd:
		// ieee(8) + rejoin(1)
		if len(p) < 8 {
			return
		}
		var ieee [8]byte
		copy(ieee[:], p[0:8])
		rejoin := len(p) >= 9 && p[8] != 0
		if !rejoin && onLeft != nil {
			onLeft(DeviceLeftEvent{IEEEAddr: ieee})
		}

	case zbossCmdAPSDEDataInd:
		n.handleAPSDEDataInd(p, onReport, onClusterCmd)

	case zbossCmdNCPResetInd:
		n.logger.Warn("NCP reset indication")
		select {
		case n.resetIndCh <- struct{}{}:
		default:
		}

	case zbossCmdZDODevAuthorizedInd:
		n.logger.Debug("device authorized", "payload", fmt.Sprintf("%X", p))

	case zbossCmdNwkAddrUpdateInd:
		if len(p) >= 2 && onNwkAddrUpdate != nil {
			onNwkAddrUpdate(binary.LittleEndian.Uint16(p[0:2]))
		}

	default:
		n.logger.Debug("zboss unhandled indication", "cmd", zbossCmdName(f.HL.CallID), "payload", fmt.Sprintf("%X", p))
	}
}

// handleAPSDEDataInd parses APSDE-DATA.indication and dispatches the ZCL frame.
//
//	param_len(1) data_len(2) aps_fc(1) src_nwk(2) dst_nwk(2) group(2) dst_ep(1)
//	src_ep(1) cluster(2) profile(2) aps_counter(1) src_mac(2) dst_mac(2) lqi(1)
//	rssi(1) key_attr(1) data[data_len]
func (n *NRF52840) handleAPSDEDataInd(payload []byte, onReport func(AttributeReportEvent), onClusterCmd func(ClusterCommandEvent)) {
	const apsHdrSize = 24
	if len(payload) < apsHdrSize {
		return
	}
	dataLen := int(binary.LittleEndian.Uint16(payload[1:3]))
	if dataLen == 0 || len(payload) < apsHdrSize+dataLen {
		return
	}
	srcAddr := binary.LittleEndian.Uint16(payload[4:6])
	srcEP := payload[11]
	clusterID := binary.LittleEndian.Uint16(payload[12:14])
	lqi := payload[21]
	rssi := int8(payload[22])
	zclData := payload[apsHdrSize : apsHdrSize+dataLen]

	hdr, pos, err := parseZCLHeader(zclData)
	if err != nil {
		n.logger.Debug("zcl header", "short", fmt.Sprintf("0x%04X", srcAddr), "err", err)
		return
	}
	body := zclData[pos:]

	if hdr.frameType() == zclFrameTypeCluster {
		if clusterID == otaCluster && hdr.Command == 0x01 {
			// Runs on its own goroutine: the response can only arrive through this read loop.
			go n.sendOTANoImage(srcAddr, srcEP, hdr.Seq)
			return
		}
		if onClusterCmd != nil {
			onClusterCmd(ClusterCommandEvent{
				SrcAddr:   srcAddr,
				SrcEP:     srcEP,
				ClusterID: clusterID,
				CommandID: hdr.Command,
				Payload:   append([]byte(nil), body...),
				LQI:       lqi,
				RSSI:      rssi,
			})
		}
		return
	}

	switch hdr.Command {
	case zclCmdReadAttributesRsp:
		n.zclMu.Lock()
		ch, ok := n.zclPending[hdr.Seq]
		n.zclMu.Unlock()
		if ok {
			select {
			case ch <- append([]byte(nil), body...):
			default:
			}
		}
	case zclCmdReportAttributes:
		if onReport == nil {
			return
		}
		records := parseReportRecords(body)
		if len(records) == 0 {
			return
		}
		onReport(AttributeReportEvent{
			SrcAddr:   srcAddr,
			SrcEP:     srcEP,
			ClusterID: clusterID,
			MfrCode:   hdr.MfrCode,
			Records:   records,
			LQI:       lqi,
			RSSI:      rssi,
		})
	case zclCmdDefaultResponse:
		if len(body) >= 2 && body[1] != zclStatusSuccess {
			n.logger.Warn("zcl default response",
				"short", fmt.Sprintf("0x%04X", srcAddr),
				"cluster", fmt.Sprintf("0x%04X", clusterID),
				"cmd", fmt.Sprintf("0x%02X", body[0]),
				"status", fmt.Sprintf("0x%02X", body[1]))
		}
	}
}

// sendOTANoImage answers an OTA Query Next Image request with NO_IMAGE_AVAILABLE.
func (n *NRF52840) sendOTANoImage(dstAddr uint16, dstEP uint8, seq uint8) {
	frame := []byte{zclFrameTypeCluster | zclDirServerToClient | zclDisableDefaultResp, seq, 0x02, 0x98}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.request(ctx, zbossCmdAPSDEDataReq, buildAPSDEDataReq(dstAddr, dstEP, localEP, otaCluster, zclProfileHA, apsRadius, frame)); err != nil {
		n.logger.Warn("OTA no-image response", "err", err)
	}
}

// resetAndReconnect resets the NCP and reopens the port once USB re-enumerates.
func (n *NRF52840) resetAndReconnect(ctx context.Context, option uint8) error {
	what := "reset"
	if option == zbossResetFactory {
		what = "factory reset"
	}

	// The NCP's expected LL sequence is unknown after a process restart, so
	// the reset goes out under every sequence and only one is accepted.
	tsn := n.nextTSN()
	for _, seq := range []uint8{1, 2, 3} {
		_ = n.write(zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{option}))
	}
	time.Sleep(100 * time.Millisecond)
	n.logger.Info("NCP "+what+" sent, waiting for USB reconnect")

	n.stopReadLoop()

	for attempt := 1; attempt <= 30; attempt++ {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}

		port, err := openPort(n.portName, n.portMode)
		if err != nil {
			n.logger.Debug("waiting for NCP", "attempt", attempt, "err", err)
			continue
		}
		n.resetState(port)

		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, err = n.request(probeCtx, zbossCmdGetModuleVersion, nil)
		cancel()
		if err != nil {
			n.logger.Debug("NCP not ready", "attempt", attempt, "err", err)
			n.stopReadLoop()
			continue
		}

		n.logger.Info("NCP reconnected after "+what, "attempts", attempt)
		// Formation fails with NO_MATCH until the stack signals it is up.
		select {
		case <-n.resetIndCh:
		case <-time.After(3 * time.Second):
			n.logger.Warn("no NCP reset indication, proceeding")
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return fmt.Errorf("NCP did not recover after %s", what)
}

// stopReadLoop closes the current port and waits for the read loop to exit.
func (n *NRF52840) stopReadLoop() {
	n.lifecycleMu.Lock()
	n.closeOnce.Do(func() { close(n.done) })
	_ = n.port.Close()
	n.lifecycleMu.Unlock()
	n.wg.Wait()
}

// resetState swaps in a fresh port. The previous read loop must have exited.
func (n *NRF52840) resetState(port serial.Port) {
	n.lifecycleMu.Lock()
	n.port = port
	n.reader = bufio.NewReader(port)
	n.done = make(chan struct{})
	n.llAckCh = make(chan uint8, 4)
	n.resetIndCh = make(chan struct{}, 1)
	n.closeOnce = sync.Once{}
	n.lifecycleMu.Unlock()

	n.failPending()

	n.llSeqMu.Lock()
	n.llPktSeq = 0
	n.llSeqMu.Unlock()
	n.hlTSN.Store(0)
	n.zclSeq.Store(0)

	n.wg.Add(1)
	go n.readLoop()
}

// failPending unblocks every waiting request.
func (n *NRF52840) failPending() {
	n.hlMu.Lock()
	for tsn, ch := range n.hlPending {
		close(ch)
		delete(n.hlPending, tsn)
	}
	n.hlMu.Unlock()

	n.zclMu.Lock()
	for seq, ch := range n.zclPending {
		close(ch)
		delete(n.zclPending, seq)
	}
	n.zclMu.Unlock()
}

func (n *NRF52840) Reset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetNoOption)
}

func (n *NRF52840) FactoryReset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetFactory)
}

func (n *NRF52840) Init(ctx context.Context) error {
	resp, err := n.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return fmt.Errorf("get module version: %w", err)
	}
	if len(resp.Payload) >= 12 {
		stack := binary.LittleEndian.Uint32(resp.Payload[4:8])
		info := NCPInfo{
			FWVersion:       binary.LittleEndian.Uint32(resp.Payload[0:4]),
			StackVersion:    fmt.Sprintf("%d.%d.%d.%d", stack>>24, (stack>>16)&0xFF, (stack>>8)&0xFF, stack&0xFF),
			ProtocolVersion: binary.LittleEndian.Uint32(resp.Payload[8:12]),
		}
		n.infoMu.Lock()
		n.info = info
		n.infoMu.Unlock()
		n.logger.Info("NCP module version", "fw", info.FWVersion, "stack", info.StackVersion, "protocol", info.ProtocolVersion)
	}

	// Legacy Trust Center: well-known link key, no install codes.
	policies := []struct {
		typ uint16
		val uint8
	}{
		{zbossTCPolicyLinkKeysRequired, 0},
		{zbossTCPolicyICRequired, 0},
		{zbossTCPolicyTCRejoinEnabled, 1},
		{zbossTCPolicyIgnoreTCRejoin, 0},
		{zbossTCPolicyAPSInsecureJoin, 0},
		{zbossTCPolicyDisableNwkMgmtChanUpd, 0},
	}
	for _, p := range policies {
		buf := binary.LittleEndian.AppendUint16(nil, p.typ)
		if _, err := n.request(ctx, zbossCmdSetTCPolicy, append(buf, p.val)); err != nil {
			return fmt.Errorf("set TC policy 0x%04X: %w", p.typ, err)
		}
	}
	return nil
}

func (n *NRF52840) FormNetwork(ctx context.Context, cfg NetworkConfig) error {
	if _, err := n.request(ctx, zbossCmdSetZigbeeRole, []byte{zbossRoleCoordinator}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetExtPanID, cfg.ExtPanID[:]); err != nil {
		return fmt.Errorf("set ext pan id: %w", err)
	}

	mask := uint32(1) << cfg.Channel
	chanBuf := binary.LittleEndian.AppendUint32([]byte{0x00}, mask) // page 0
	if _, err := n.request(ctx, zbossCmdSetChannelMask, chanBuf); err != nil {
		return fmt.Errorf("set channel mask: %w", err)
	}

	key := make([]byte, 17) // key(16) + key seq(1)
	if _, err := rand.Read(key[:16]); err != nil {
		return fmt.Errorf("generate nwk key: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetNwkKey, key); err != nil {
		return fmt.Errorf("set nwk key: %w", err)
	}

	// channel list(1+5) + scan duration(1) + distributed flag(1) + distributed addr(2) + ext pan(8)
	form := make([]byte, 18)
	form[0] = 0x01
	binary.LittleEndian.PutUint32(form[2:6], mask)
	form[6] = 0x05
	copy(form[10:18], cfg.ExtPanID[:])
	var formErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if _, formErr = n.request(ctx, zbossCmdNwkFormation, form); formErr == nil {
			break
		}
		n.logger.Warn("network formation failed, retrying", "attempt", attempt, "err", formErr)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if formErr != nil {
		return fmt.Errorf("form network: %w", formErr)
	}

	// PAN ID only sticks after formation.
	if _, err := n.request(ctx, zbossCmdSetPanID, binary.LittleEndian.AppendUint16(nil, cfg.PanID)); err != nil {
		return fmt.Errorf("set pan id: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetRxOnWhenIdle, []byte{0x01}); err != nil {
		return fmt.Errorf("set rx on when idle: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetEDTimeout, []byte{0x08}); err != nil {
		n.logger.Warn("set end device timeout", "err", err)
	}
	if _, err := n.request(ctx, zbossCmdSetMaxChildren, []byte{100}); err != nil {
		n.logger.Warn("set max children", "err", err)
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (n *NRF52840) StartNetwork(ctx context.Context) error {
	if _, err := n.request(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	// EP1, HA profile, configuration tool device.
	desc := []byte{localEP, 0, 0, 0x05, 0x00, 0, 0, 0}
	binary.LittleEndian.PutUint16(desc[1:3], zclProfileHA)
	if _, err := n.request(ctx, zbossCmdAFSetSimpleDesc, desc); err != nil {
		return fmt.Errorf("register endpoint %d: %w", localEP, err)
	}
	return nil
}

func (n *NRF52840) PermitJoin(ctx context.Context, duration uint8) error {
	// dest short(2) + duration(1) + tc significance(1)
	_, err := n.request(ctx, zbossCmdZDOPermitJoiningReq, []byte{0x00, 0x00, duration, 0x01})
	return err
}

func (n *NRF52840) GetLocalIEEE(ctx context.Context) ([8]byte, error) {
	var ieee [8]byte
	resp, err := n.request(ctx, zbossCmdGetLocalIEEE, []byte{0x00})
	if err != nil {
		return ieee, fmt.Errorf("get local ieee: %w", err)
	}
	// mac interface(1) + ieee(8)
	if len(resp.Payload) >= 9 {
		copy(ieee[:], resp.Payload[1:9])
	}
	return ieee, nil
}

func (n *NRF52840) ActiveEndpoints(ctx context.Context, shortAddr uint16) ([]uint8, error) {
	resp, err := n.request(ctx, zbossCmdZDOActiveEPReq, binary.LittleEndian.AppendUint16(nil, shortAddr))
	if err != nil {
		return nil, err
	}
	// count(1) + eps[count] + nwk(2)
	if len(resp.Payload) < 1 {
		return nil, fmt.Errorf("active endpoints: empty response")
	}
	count := int(resp.Payload[0])
	if len(resp.Payload) < 1+count {
		return nil, fmt.Errorf("active endpoints: truncated: need %d, have %d", 1+count, len(resp.Payload))
	}
	return append([]uint8(nil), resp.Payload[1:1+count]...), nil
}

func (n *NRF52840) SimpleDescriptor(ctx context.Context, shortAddr uint16, endpoint uint8) (*SimpleDescriptor, error) {
	buf := append(binary.LittleEndian.AppendUint16(nil, shortAddr), endpoint)
	resp, err := n.request(ctx, zbossCmdZDOSimpleDescReq, buf)
	if err != nil {
		return nil, err
	}
	return parseSimpleDescriptor(resp.Payload)
}

// parseSimpleDescriptor decodes ep(1) profile(2) device(2) version(1)
// in_count(1) out_count(1) in[in_count] out[out_count].
func parseSimpleDescriptor(p []byte) (*SimpleDescriptor, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("simple descriptor: too short: %d bytes", len(p))
	}
	sd := &SimpleDescriptor{
		Endpoint:  p[0],
		ProfileID: binary.LittleEndian.Uint16(p[1:3]),
		DeviceID:  binary.LittleEndian.Uint16(p[3:5]),
	}
	inCount, outCount := int(p[6]), int(p[7])
	pos := 8
	for i := 0; i < inCount && pos+2 <= len(p); i++ {
		sd.InClusters = append(sd.InClusters, binary.LittleEndian.Uint16(p[pos:pos+2]))
		pos += 2
	}
	for i := 0; i < outCount && pos+2 <= len(p); i++ {
		sd.OutClusters = append(sd.OutClusters, binary.LittleEndian.Uint16(p[pos:pos+2]))
		pos += 2
	}
	return sd, nil
}

func (n *NRF52840) Bind(ctx context.Context, req BindRequest) error {
	// nwk(2) + src ieee(8) + src ep(1) + cluster(2) + dst mode(1) + dst ieee(8) + dst ep(1)
	buf := make([]byte, 23)
	binary.LittleEndian.PutUint16(buf[0:2], req.TargetShortAddr)
	copy(buf[2:10], req.SrcIEEE[:])
	buf[10] = req.SrcEP
	binary.LittleEndian.PutUint16(buf[11:13], req.ClusterID)
	buf[13] = zbossAddrModeIEEE
	copy(buf[14:22], req.DstIEEE[:])
	buf[22] = req.DstEP
	_, err := n.request(ctx, zbossCmdZDOBindReq, buf)
	return err
}

func (n *NRF52840) MgmtLeave(ctx context.Context, shortAddr uint16, ieeeAddr [8]byte) error {
	// nwk(2) + ieee(8) + flags(1); flags 0 = leave without rejoin
	buf := make([]byte, 11)
	binary.LittleEndian.PutUint16(buf[0:2], shortAddr)
	copy(buf[2:10], ieeeAddr[:])
	_, err := n.request(ctx, zbossCmdZDOMgmtLeaveReq, buf)
	return err
}

func (n *NRF52840) sendZCL(ctx context.Context, dstAddr uint16, dstEP uint8, clusterID uint16, frame []byte) error {
	_, err := n.request(ctx, zbossCmdAPSDEDataReq, buildAPSDEDataReq(dstAddr, dstEP, localEP, clusterID, zclProfileHA, apsRadius, frame))
	return err
}

func (n *NRF52840) ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error) {
	seq := n.nextZCLSeq()
	ch := make(chan []byte, 1)
	n.zclMu.Lock()
	n.zclPending[seq] = ch
	n.zclMu.Unlock()
	defer func() {
		n.zclMu.Lock()
		delete(n.zclPending, seq)
		n.zclMu.Unlock()
	}()

	// The data request confirms transmission only; the response arrives as an indication.
	if err := n.sendZCL(ctx, req.DstAddr, req.DstEP, req.ClusterID, zclBuildReadAttributes(seq, req.MfrCode, req.AttrIDs)); err != nil {
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return parseAttributeResponses(data), nil
	case <-ctx.Done():
		n.logger.Warn("zcl read timeout",
			"short", fmt.Sprintf("0x%04X", req.DstAddr),
			"cluster", fmt.Sprintf("0x%04X", req.ClusterID))
		return nil, ctx.Err()
	case <-n.doneCh():
		return nil, ErrClosed
	}
}

func (n *NRF52840) WriteAttributes(ctx context.Context, req WriteAttributesRequest) error {
	return n.sendZCL(ctx, req.DstAddr, req.DstEP, req.ClusterID, zclBuildWriteAttributes(n.nextZCLSeq(), req.MfrCode, req.Records))
}

func (n *NRF52840) SendCommand(ctx context.Context, req ClusterCommandRequest) error {
	return n.sendZCL(ctx, req.DstAddr, req.DstEP, req.ClusterID, zclBuildClusterCommand(n.nextZCLSeq(), req.MfrCode, req.CommandID, req.Payload))
}

func (n *NRF52840) ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error {
	return n.sendZCL(ctx, req.DstAddr, req.DstEP, req.ClusterID, zclBuildConfigureReporting(n.nextZCLSeq(), req))
}

func (n *NRF52840) OnDeviceJoined(handler func(DeviceJoinedEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onJoined = handler
}

func (n *NRF52840) OnDeviceLeft(handler func(DeviceLeftEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onLeft = handler
}

func (n *NRF52840) OnDeviceAnnounce(handler func(DeviceAnnounceEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onAnnounce = handler
}

func (n *NRF52840) OnAttributeReport(handler func(AttributeReportEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onReport = handler
}

func (n *NRF52840) OnClusterCommand(handler func(ClusterCommandEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onClusterCmd = handler
}

func (n *NRF52840) OnNwkAddrUpdate(handler func(uint16)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onNwkAddrUpdate = handler
}

func (n *NRF52840) OnDisconnect(handler func(error)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onDisconnect = handler
}

func (n *NRF52840) Info() NCPInfo {
	n.infoMu.RLock()
	defer n.infoMu.RUnlock()
	return n.info
}

// Close stops the read loop and releases the serial port.
func (n *NRF52840) Close() error {
	n.lifecycleMu.Lock()
	if n.closed {
		n.lifecycleMu.Unlock()
		return nil
	}
	n.closed = true
	n.closeOnce.Do(func() { close(n.done) })
	err := n.port.Close()
	n.lifecycleMu.Unlock()

	n.wg.Wait()
	n.failPending()
	return err
}
