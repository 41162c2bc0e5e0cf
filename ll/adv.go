package ll

import (
	"encoding/binary"

	ble "github.com/rigado/blell"
	"github.com/rigado/blell/ll/cputime"
	"github.com/rigado/blell/ll/critsec"
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/ll/phy"
	"github.com/rigado/blell/ll/sched"
)

// Advertising types.
const (
	AdvTypeInd        = 0x00 // connectable undirected
	AdvTypeDirectHD   = 0x01 // connectable directed, high duty cycle
	AdvTypeScanInd    = 0x02 // scannable undirected
	AdvTypeNonconnInd = 0x03 // non-connectable undirected
	AdvTypeDirectLD   = 0x04 // connectable directed, low duty cycle
)

// Advertising filter policies.
const (
	AdvFilterNone = 0x00 // any scanner, any initiator
	AdvFilterScan = 0x01 // whitelisted scanners, any initiator
	AdvFilterConn = 0x02 // any scanner, whitelisted initiators
	AdvFilterBoth = 0x03
)

const (
	advItvlUnit       = 625
	advItvlMin        = 0x0020
	advItvlNonconnMin = 0x00a0
	advItvlMax        = 0x4000
	advChanMaskAll    = 0x07

	advPDUItvlHD  = 5000
	advPDUItvlLD  = 10000
	advDelayMax   = 10000
	advHDMax      = 1280000
	advSchedTries = 4
	advParamsLen  = 15
)

// AdvParams are the LE Set Advertising Parameters fields.
type AdvParams struct {
	IntervalMin  uint16 // 0.625 ms units
	IntervalMax  uint16
	Type         uint8
	OwnAddrType  uint8
	PeerAddrType uint8
	PeerAddr     ble.DeviceAddr
	ChannelMap   uint8 // bit 0: channel 37
	FilterPolicy uint8
}

// Unmarshal decodes the HCI command parameters.
func (p *AdvParams) Unmarshal(b []byte) error {
	if len(b) != advParamsLen {
		return ble.ErrInvalidParams
	}
	p.IntervalMin = binary.LittleEndian.Uint16(b[0:])
	p.IntervalMax = binary.LittleEndian.Uint16(b[2:])
	p.Type = b[4]
	p.OwnAddrType = b[5]
	p.PeerAddrType = b[6]
	copy(p.PeerAddr[:], b[7:13])
	p.ChannelMap = b[13]
	p.FilterPolicy = b[14]
	return nil
}

func (p AdvParams) directed() bool {
	return p.Type == AdvTypeDirectHD || p.Type == AdvTypeDirectLD
}

func (p AdvParams) validate() error {
	var min uint16
	switch p.Type {
	case AdvTypeInd, AdvTypeDirectHD, AdvTypeDirectLD:
		min = advItvlMin
	case AdvTypeScanInd, AdvTypeNonconnInd:
		min = advItvlNonconnMin
	default:
		return ble.ErrInvalidParams
	}

	switch {
	case p.IntervalMin >= p.IntervalMax:
		return ble.ErrInvalidParams
	case p.IntervalMin < min || p.IntervalMax > advItvlMax:
		return ble.ErrInvalidParams
	case p.OwnAddrType > 3 || p.PeerAddrType > ble.AddrTypeRandom:
		return ble.ErrInvalidParams
	case p.ChannelMap == 0 || p.ChannelMap&^advChanMaskAll != 0:
		return ble.ErrInvalidParams
	case p.FilterPolicy > AdvFilterBoth:
		return ble.ErrInvalidParams
	}
	return nil
}

func defaultAdvParams() AdvParams {
	return AdvParams{
		IntervalMin: 0x0800,
		IntervalMax: 0x0800,
		Type:        AdvTypeInd,
		ChannelMap:  advChanMaskAll,
	}
}

type advertiser struct {
	enabled     bool
	params      AdvParams
	advData     []byte
	scanRspData []byte

	// read by the transmit path; replaced, never modified
	advPDU     critsec.Value[pdu.Adv]
	scanRspPDU critsec.Value[pdu.Adv]

	advA       ble.DeviceAddr
	advRandom  bool
	itvl       uint32
	ch         uint8
	eventStart uint32
	pduStart   uint32
	endTime    uint32
	rspTxing   bool
}

func (a *advertiser) init() {
	a.params = defaultAdvParams()
	a.advData = nil
	a.scanRspData = nil
	a.advPDU.Store(nil)
	a.scanRspPDU.Store(nil)
}

func (a *advertiser) pduType() pdu.Type {
	switch a.params.Type {
	case AdvTypeDirectHD, AdvTypeDirectLD:
		return pdu.AdvDirectInd
	case AdvTypeScanInd:
		return pdu.AdvScanInd
	case AdvTypeNonconnInd:
		return pdu.AdvNonconnInd
	default:
		return pdu.AdvInd
	}
}

func (a *advertiser) scannable() bool {
	return a.params.Type == AdvTypeInd || a.params.Type == AdvTypeScanInd
}

func (a *advertiser) connectable() bool {
	return a.params.Type == AdvTypeInd || a.params.directed()
}

// buildPDUs regenerates the advertising and scan response PDUs.
func (a *advertiser) buildPDUs() error {
	var p pdu.Adv
	if a.params.directed() {
		p = pdu.NewDirectInd(a.advA, a.advRandom, a.params.PeerAddr, a.params.PeerAddrType == ble.AddrTypeRandom)
	} else {
		var err error
		p, err = pdu.NewAdv(a.pduType(), a.advA, a.advRandom, a.advData)
		if err != nil {
			return err
		}
	}
	a.advPDU.Store(p)

	if !a.scannable() {
		a.scanRspPDU.Store(nil)
		return nil
	}
	rsp, err := pdu.NewAdv(pdu.ScanRsp, a.advA, a.advRandom, a.scanRspData)
	if err != nil {
		return err
	}
	a.scanRspPDU.Store(rsp)
	return nil
}

// window is how long one advertising PDU may occupy the radio.
func (a *advertiser) window() uint32 {
	if !a.scannable() && !a.connectable() {
		return pdu.TxTime(len(a.advPDU.Load()))
	}
	return advEventMax + wfrSlack
}

func (a *advertiser) pduItvl() uint32 {
	if a.params.Type == AdvTypeDirectHD {
		return advPDUItvlHD
	}
	return advPDUItvlLD
}

func firstAdvChan(mask uint8) uint8 {
	for i := uint8(0); i < 3; i++ {
		if mask&(1<<i) != 0 {
			return pdu.FirstAdvChan + i
		}
	}
	return pdu.FirstAdvChan
}

func finalAdvChan(mask uint8) uint8 {
	for i := uint8(2); i > 0; i-- {
		if mask&(1<<i) != 0 {
			return pdu.FirstAdvChan + i
		}
	}
	return pdu.FirstAdvChan
}

func nextAdvChan(cur, mask uint8) uint8 {
	for ch := cur + 1; ch <= pdu.LastAdvChan; ch++ {
		if mask&(1<<(ch-pdu.FirstAdvChan)) != 0 {
			return ch
		}
	}
	return firstAdvChan(mask)
}

// SetAdvParams sets the advertising parameters. Not allowed while
// advertising.
func (ll *LinkLayer) SetAdvParams(p AdvParams) error {
	return ll.locked(func() error {
		if ll.adv.enabled {
			return ble.ErrCommandDisallowed
		}
		if err := p.validate(); err != nil {
			return err
		}
		if p.directed() {
			p.FilterPolicy = AdvFilterNone
		}
		ll.adv.params = p
		return nil
	})
}

// SetAdvData sets the advertising data (at most 31 bytes). While
// advertising the PDU is rebuilt and takes effect on the next transmission.
func (ll *LinkLayer) SetAdvData(b []byte) error {
	return ll.locked(func() error {
		if len(b) > pdu.MaxAdvData {
			return ble.ErrInvalidParams
		}
		ll.adv.advData = append([]byte(nil), b...)
		if ll.adv.enabled {
			return ll.adv.buildPDUs()
		}
		return nil
	})
}

// SetScanRspData sets the scan response data (at most 31 bytes).
func (ll *LinkLayer) SetScanRspData(b []byte) error {
	return ll.locked(func() error {
		if len(b) > pdu.MaxAdvData {
			return ble.ErrInvalidParams
		}
		ll.adv.scanRspData = append([]byte(nil), b...)
		if ll.adv.enabled {
			return ll.adv.buildPDUs()
		}
		return nil
	})
}

// SetAdvEnable starts or stops advertising.
func (ll *LinkLayer) SetAdvEnable(enable bool) error {
	return ll.locked(func() error {
		if !enable {
			if ll.adv.enabled {
				ll.advStop()
			}
			return nil
		}
		if ll.adv.enabled {
			return nil
		}
		if ll.adv.connectable() && ll.conn.state != ConnIdle {
			return ble.ErrCommandDisallowed
		}
		return ll.advStart()
	})
}

// AdvEnabled reports whether advertising is enabled.
func (ll *LinkLayer) AdvEnabled() bool {
	ll.irq.Enter()
	defer ll.irq.Exit()
	return ll.adv.enabled
}

func (ll *LinkLayer) advStart() error {
	a := &ll.adv
	addr, random := ll.ownAddr(a.params.OwnAddrType)
	if random && !addr.ValidRandom(ll.pubAddr) {
		return ble.ErrCommandDisallowed
	}
	a.advA, a.advRandom = addr, random
	if err := a.buildPDUs(); err != nil {
		return ble.ErrInvalidParams
	}

	a.enabled = true
	a.itvl = uint32(a.params.IntervalMax) * advItvlUnit
	a.ch = firstAdvChan(a.params.ChannelMap)
	a.eventStart = ll.clk.Now() + advStartDelay
	a.pduStart = a.eventStart
	a.endTime = a.eventStart + advHDMax
	a.rspTxing = false

	ll.log.Debugf("advertising start: type %v itvl %vus chanmask %#x", a.params.Type, a.itvl, a.params.ChannelMap)
	if err := ll.advSchedule(); err != nil {
		ll.log.Errorf("unable to start advertising: %v", err)
		a.enabled = false
		return schedStatus(err)
	}
	return nil
}

func (ll *LinkLayer) advStop() {
	a := &ll.adv
	a.enabled = false
	ll.sched.Remove(sched.KindAdv, nil)
	if ll.state == StateAdv {
		ll.radio.Disable()
		ll.wfr.Stop()
		ll.setState(StateStandby)
	}
	ll.log.Debugf("advertising stop")
}

// advDelay is the random advDelay added to each advertising interval.
func (ll *LinkLayer) advDelay() uint32 {
	return uint32(ll.rnd.Intn(advDelayMax))
}

// advNextEvent moves to the first channel of the next advertising event.
func (ll *LinkLayer) advNextEvent() {
	a := &ll.adv
	a.ch = firstAdvChan(a.params.ChannelMap)
	a.eventStart += a.itvl + ll.advDelay()
	a.pduStart = a.eventStart
}

// advSchedule places the next advertising PDU. Overlapping windows skip
// to the next advertising event.
func (ll *LinkLayer) advSchedule() error {
	a := &ll.adv
	for i := 0; i < advSchedTries; i++ {
		it := sched.Item{
			Kind:  sched.KindAdv,
			Start: a.pduStart,
			End:   a.pduStart + a.window(),
			Tag:   uint16(a.ch),
		}
		_, err := ll.sched.Schedule(it)
		if err == nil {
			return nil
		}
		ll.stats.AdvSchedFail++
		if err != sched.ErrOverlap {
			return err
		}
		ll.advNextEvent()
	}
	return sched.ErrOverlap
}

// advTxDone runs in task context after each advertising PDU window.
func (ll *LinkLayer) advTxDone() {
	a := &ll.adv
	if !a.enabled {
		return
	}

	if a.ch == finalAdvChan(a.params.ChannelMap) {
		ll.advNextEvent()
	} else {
		a.ch = nextAdvChan(a.ch, a.params.ChannelMap)
		a.pduStart += a.pduItvl()
	}

	now := ll.clk.Now()
	if cputime.Before(a.pduStart, now) {
		ll.stats.AdvLateTxDone++
		a.ch = firstAdvChan(a.params.ChannelMap)
		for cputime.Before(a.pduStart, now) {
			a.eventStart += a.itvl + ll.advDelay()
			a.pduStart = a.eventStart
		}
	}

	if a.params.Type == AdvTypeDirectHD && cputime.Reached(a.pduStart, a.endTime) {
		ll.stats.AdvHDTimeouts++
		ll.advStop()
		ll.notify(ble.ConnectionComplete{Status: ble.ErrDirAdvTimeout})
		return
	}
	if err := ll.advSchedule(); err != nil {
		ll.log.Errorf("unable to schedule advertising, stopping: %v", err)
		ll.advStop()
	}
}

// advRun executes an advertising schedule item. Interrupt context.
func (ll *LinkLayer) advRun(it *sched.Item) sched.Result {
	a := &ll.adv
	if it.Step == 0 {
		if !a.enabled {
			return sched.Done()
		}
		ll.halt()

		after := phy.TransTxRx
		if !a.scannable() && !a.connectable() {
			after = phy.TransNone
		}
		a.rspTxing = false
		err := ll.radio.SetChannel(a.ch, pdu.AdvAccessAddr, pdu.AdvCRCInit)
		if err == nil {
			err = ll.radio.Transmit(a.advPDU.Load(), phy.TransNone, after)
		}
		if err != nil {
			ll.stats.RadioStateErrs++
			ll.log.Errorf("advertising tx on %v: %v", a.ch, err)
			ll.post(event{kind: evAdvTxDone})
			return sched.Done()
		}
		ll.stats.AdvTxd++
		ll.setState(StateAdv)
		it.Step = 1
		return sched.Running(it.End)
	}

	if ll.state == StateAdv {
		ll.radio.Disable()
		ll.wfr.Stop()
		ll.setState(StateStandby)
	}
	ll.post(event{kind: evAdvTxDone})
	return sched.Done()
}

// advTxEnd: interrupt context.
func (ll *LinkLayer) advTxEnd() {
	a := &ll.adv
	if a.rspTxing {
		a.rspTxing = false
		return
	}
	if a.scannable() || a.connectable() {
		ll.wfr.Start(ll.clk.Now() + phy.IFS + wfrSlack)
	}
}

// advRxStart decides whether to receive a request. Interrupt context.
func (ll *LinkLayer) advRxStart(f *pdu.Frame) phy.RxAction {
	a := &ll.adv
	switch f.Adv().Type() {
	case pdu.ScanReq:
		if a.scannable() {
			return phy.RxTurnaround
		}
	case pdu.ConnectReq:
		if a.connectable() {
			return phy.RxContinue
		}
	}
	return phy.RxAbort
}

// advAccept checks that a request targets our advertising address and
// passes the filter policy bit wl.
func (ll *LinkLayer) advAccept(p pdu.Adv, wl uint8) bool {
	a := &ll.adv
	if p.AdvA() != a.advA || p.RxAdd() != a.advRandom {
		return false
	}
	if a.params.FilterPolicy&wl != 0 && !ll.wl.match(p.PeerA(), p.TxAdd()) {
		return false
	}
	return true
}

// advRxEnd handles a valid request. A SCAN_REQ is answered right away;
// a CONNECT_REQ is flagged for the task. Interrupt context.
func (ll *LinkLayer) advRxEnd(f *pdu.Frame) {
	a := &ll.adv
	p := f.Adv()

	switch p.Type() {
	case pdu.ScanReq:
		if a.scannable() && ll.advAccept(p, AdvFilterScan) {
			f.Flags |= pdu.FlagDevMatch
			if err := ll.radio.Transmit(a.scanRspPDU.Load(), phy.TransRxTx, phy.TransNone); err != nil {
				ll.stats.RadioStateErrs++
				break
			}
			f.Flags |= pdu.FlagScanRspTxd
			a.rspTxing = true
			ll.stats.ScanRspTxd++
			return
		}
	case pdu.ConnectReq:
		if !a.connectable() || !ll.advAccept(p, AdvFilterConn) {
			break
		}
		if a.params.directed() && (p.PeerA() != a.params.PeerAddr || p.TxAdd() != (a.params.PeerAddrType == ble.AddrTypeRandom)) {
			break
		}
		f.Flags |= pdu.FlagDevMatch
	}

	ll.radio.Disable()
	ll.setState(StateStandby)
}

// advConnReqRxd starts a slave connection from an accepted CONNECT_REQ.
// Task context.
func (ll *LinkLayer) advConnReqRxd(f *pdu.Frame) {
	a := &ll.adv
	if !a.enabled || !a.connectable() || ll.conn.state != ConnIdle {
		return
	}
	req, err := pdu.ParseConnReq(f.Adv())
	if err == nil {
		err = validConnReq(req)
	}
	if err != nil {
		ll.log.Warnf("connect request from %v rejected: %v", f.Adv().PeerA(), err)
		return
	}

	ll.advStop()
	ll.connSlaveStart(req, f.End)
}
