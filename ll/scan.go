package ll

import (
	"encoding/binary"

	ble "github.com/rigado/blell"
	"github.com/rigado/blell/ll/cputime"
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/ll/phy"
	"github.com/rigado/blell/ll/sched"
)

// Scan types.
const (
	ScanTypePassive = 0x00
	ScanTypeActive  = 0x01
)

// Scanner filter policies.
const (
	ScanFilterNone      = 0x00
	ScanFilterWhitelist = 0x01
)

const (
	scanItvlUnit   = 625
	scanItvlMin    = 0x0004
	scanItvlMax    = 0x4000
	scanParamsLen  = 7
	scanSchedTries = 4
	dupListSize    = 16

	connParamsLen   = 25
	connItvlMin     = 0x0006
	connItvlMax     = 0x0c80
	connLatencyMax  = 0x01f3
	connTimeoutMin  = 0x000a
	connTimeoutMax  = 0x0c80
	connInitWinSize = 1
)

// ScanParams are the LE Set Scan Parameters fields.
type ScanParams struct {
	Type         uint8
	Interval     uint16 // 0.625 ms units
	Window       uint16
	OwnAddrType  uint8
	FilterPolicy uint8
}

// Unmarshal decodes the HCI command parameters.
func (p *ScanParams) Unmarshal(b []byte) error {
	if len(b) != scanParamsLen {
		return ble.ErrInvalidParams
	}
	p.Type = b[0]
	p.Interval = binary.LittleEndian.Uint16(b[1:])
	p.Window = binary.LittleEndian.Uint16(b[3:])
	p.OwnAddrType = b[5]
	p.FilterPolicy = b[6]
	return nil
}

func validScanTiming(itvl, window uint16) bool {
	return itvl >= scanItvlMin && itvl <= scanItvlMax &&
		window >= scanItvlMin && window <= scanItvlMax && window <= itvl
}

func (p ScanParams) validate() error {
	switch {
	case p.Type > ScanTypeActive:
		return ble.ErrInvalidParams
	case !validScanTiming(p.Interval, p.Window):
		return ble.ErrInvalidParams
	case p.OwnAddrType > 3 || p.FilterPolicy > ScanFilterWhitelist:
		return ble.ErrInvalidParams
	}
	return nil
}

// CreateConnParams are the LE Create Connection fields.
type CreateConnParams struct {
	ScanInterval uint16 // 0.625 ms units
	ScanWindow   uint16
	FilterPolicy uint8
	PeerAddrType uint8
	PeerAddr     ble.DeviceAddr
	OwnAddrType  uint8
	IntervalMin  uint16 // 1.25 ms units
	IntervalMax  uint16
	Latency      uint16
	Timeout      uint16 // 10 ms units
	MinCELen     uint16
	MaxCELen     uint16
}

// Unmarshal decodes the HCI command parameters.
func (p *CreateConnParams) Unmarshal(b []byte) error {
	if len(b) != connParamsLen {
		return ble.ErrInvalidParams
	}
	p.ScanInterval = binary.LittleEndian.Uint16(b[0:])
	p.ScanWindow = binary.LittleEndian.Uint16(b[2:])
	p.FilterPolicy = b[4]
	p.PeerAddrType = b[5]
	copy(p.PeerAddr[:], b[6:12])
	p.OwnAddrType = b[12]
	p.IntervalMin = binary.LittleEndian.Uint16(b[13:])
	p.IntervalMax = binary.LittleEndian.Uint16(b[15:])
	p.Latency = binary.LittleEndian.Uint16(b[17:])
	p.Timeout = binary.LittleEndian.Uint16(b[19:])
	p.MinCELen = binary.LittleEndian.Uint16(b[21:])
	p.MaxCELen = binary.LittleEndian.Uint16(b[23:])
	return nil
}

func (p CreateConnParams) validate() error {
	switch {
	case !validScanTiming(p.ScanInterval, p.ScanWindow):
		return ble.ErrInvalidParams
	case p.FilterPolicy > ScanFilterWhitelist:
		return ble.ErrInvalidParams
	case p.FilterPolicy == ScanFilterNone && p.PeerAddrType > ble.AddrTypeRandom:
		return ble.ErrInvalidParams
	case p.OwnAddrType > 3:
		return ble.ErrInvalidParams
	case p.IntervalMin > p.IntervalMax:
		return ble.ErrInvalidParams
	case p.IntervalMin < connItvlMin || p.IntervalMax > connItvlMax:
		return ble.ErrInvalidParams
	case p.Latency > connLatencyMax:
		return ble.ErrInvalidParams
	case p.Timeout < connTimeoutMin || p.Timeout > connTimeoutMax:
		return ble.ErrInvalidParams
	case p.MinCELen > p.MaxCELen:
		return ble.ErrInvalidParams
	}

	// the supervision timeout must cover (1 + latency) * interval * 2
	// (units: 10 ms vs 1.25 ms)
	itvl := uint32(p.IntervalMax)
	if uint32(p.Timeout)*8 <= (1+uint32(p.Latency))*itvl*2 {
		return ble.ErrInvalidParams
	}
	return nil
}

type scanner struct {
	enabled    bool
	initiating bool
	params     ScanParams
	filterDup  bool
	dups       []wlEntry

	ownA      ble.DeviceAddr
	ownRandom bool
	itvl      uint32
	window    uint32
	ch        uint8
	winStart  uint32

	// initiator
	filterPolicy uint8
	peer         wlEntry
	connTmpl     pdu.ConnReq
	connReq      pdu.ConnReq
	connReqTxing bool
}

func (s *scanner) init() {
	s.params = ScanParams{
		Type:     ScanTypePassive,
		Interval: 0x0010,
		Window:   0x0010,
	}
	s.filterPolicy = ScanFilterNone
}

func (s *scanner) active() bool {
	return s.enabled || s.initiating
}

func (s *scanner) stop() {
	s.enabled = false
	s.initiating = false
	s.connReqTxing = false
	s.dups = nil
}

// duplicate records (a, typ) and reports whether it was already reported.
func (s *scanner) duplicate(a ble.DeviceAddr, random bool) bool {
	if !s.filterDup {
		return false
	}
	e := wlEntry{addr: a}
	if random {
		e.addrType = ble.AddrTypeRandom
	}
	for _, d := range s.dups {
		if d == e {
			return true
		}
	}
	if len(s.dups) == dupListSize {
		s.dups = s.dups[1:]
	}
	s.dups = append(s.dups, e)
	return false
}

// SetScanParams sets the scanning parameters. Not allowed while scanning.
func (ll *LinkLayer) SetScanParams(p ScanParams) error {
	return ll.locked(func() error {
		if ll.scan.enabled {
			return ble.ErrCommandDisallowed
		}
		if err := p.validate(); err != nil {
			return err
		}
		ll.scan.params = p
		return nil
	})
}

// SetScanEnable starts or stops passive scanning.
func (ll *LinkLayer) SetScanEnable(enable, filterDup bool) error {
	return ll.locked(func() error {
		s := &ll.scan
		if !enable {
			if s.enabled {
				ll.scanStop()
			}
			return nil
		}
		if s.initiating {
			return ble.ErrCommandDisallowed
		}
		if s.enabled {
			s.filterDup = filterDup
			return nil
		}
		if s.params.Type == ScanTypeActive {
			return ble.ErrUnsupported
		}

		own, random := ll.ownAddr(s.params.OwnAddrType)
		if random && !own.ValidRandom(ll.pubAddr) {
			return ble.ErrCommandDisallowed
		}
		s.enabled = true
		s.filterDup = filterDup
		s.dups = nil
		s.filterPolicy = s.params.FilterPolicy
		return ll.scanStart(own, random, s.params.Interval, s.params.Window)
	})
}

// ScanEnabled reports whether passive scanning is enabled.
func (ll *LinkLayer) ScanEnabled() bool {
	ll.irq.Enter()
	defer ll.irq.Exit()
	return ll.scan.enabled
}

// CreateConnection starts initiating a connection as master.
func (ll *LinkLayer) CreateConnection(p CreateConnParams) error {
	return ll.locked(func() error {
		s := &ll.scan
		if s.active() {
			return ble.ErrCommandDisallowed
		}
		if ll.conn.state != ConnIdle {
			return ble.ErrConnLimit
		}
		if err := p.validate(); err != nil {
			return err
		}
		own, random := ll.ownAddr(p.OwnAddrType)
		if random && !own.ValidRandom(ll.pubAddr) {
			return ble.ErrCommandDisallowed
		}

		s.initiating = true
		s.filterPolicy = p.FilterPolicy
		s.peer = wlEntry{addrType: p.PeerAddrType & 1, addr: p.PeerAddr}
		s.connTmpl = pdu.ConnReq{
			InitA:      own,
			InitRandom: random,
			AccessAddr: ll.newAccessAddr(),
			CRCInit:    ll.rnd.Uint32() & 0xffffff,
			WinSize:    connInitWinSize,
			WinOffset:  0,
			Interval:   p.IntervalMax,
			Latency:    p.Latency,
			Timeout:    p.Timeout,
			ChanMap:    ll.chanMap,
			Hop:        uint8(ll.rnd.Intn(12) + 5),
			SCA:        ll.masterSCA,
		}
		ll.log.Debugf("initiating: peer %v aa %#08x itvl %v", p.PeerAddr, s.connTmpl.AccessAddr, p.IntervalMax)
		return ll.scanStart(own, random, p.ScanInterval, p.ScanWindow)
	})
}

// CreateConnectionCancel stops initiating. The host is sent a
// ConnectionComplete with status ErrConnID.
func (ll *LinkLayer) CreateConnectionCancel() error {
	return ll.locked(func() error {
		if !ll.scan.initiating {
			return ble.ErrCommandDisallowed
		}
		ll.scanStop()
		ll.notify(ble.ConnectionComplete{Status: ble.ErrConnID})
		return nil
	})
}

// scanStart places the first scan window. On failure scanning or
// initiating is left disabled.
func (ll *LinkLayer) scanStart(own ble.DeviceAddr, random bool, itvl, window uint16) error {
	s := &ll.scan
	s.ownA, s.ownRandom = own, random
	s.itvl = uint32(itvl) * scanItvlUnit
	s.window = uint32(window) * scanItvlUnit
	s.ch = pdu.FirstAdvChan
	s.winStart = ll.clk.Now() + rxSchedDelay
	s.connReqTxing = false
	if err := ll.scanSchedule(); err != nil {
		ll.log.Errorf("unable to start scanning: %v", err)
		s.stop()
		return schedStatus(err)
	}
	return nil
}

func (ll *LinkLayer) scanStop() {
	ll.scan.stop()
	ll.sched.Remove(sched.KindScan, nil)
	if ll.state == StateScanning || ll.state == StateInitiating {
		ll.radio.Disable()
		ll.setState(StateStandby)
	}
}

func (ll *LinkLayer) scanSchedule() error {
	s := &ll.scan
	for i := 0; i < scanSchedTries; i++ {
		it := sched.Item{
			Kind:  sched.KindScan,
			Start: s.winStart,
			End:   s.winStart + s.window,
			Tag:   uint16(s.ch),
		}
		_, err := ll.sched.Schedule(it)
		if err == nil {
			return nil
		}
		if err != sched.ErrOverlap {
			return err
		}
		s.winStart += s.itvl
	}
	return sched.ErrOverlap
}

// scanWindowEnd moves to the next channel and window. Task context.
func (ll *LinkLayer) scanWindowEnd() {
	s := &ll.scan
	if !s.active() {
		return
	}
	s.ch++
	if s.ch > pdu.LastAdvChan {
		s.ch = pdu.FirstAdvChan
	}
	s.winStart += s.itvl
	// a window that started late keeps its end time
	for now := ll.clk.Now(); cputime.Before(s.winStart+s.window, now); {
		s.winStart += s.itvl
	}
	if err := ll.scanSchedule(); err != nil {
		ll.log.Errorf("unable to schedule scan window, stopping: %v", err)
		initiating := s.initiating
		ll.scanStop()
		if initiating {
			ll.notify(ble.ConnectionComplete{Status: ble.ErrUnspecified})
		}
	}
}

func (ll *LinkLayer) scanState() State {
	if ll.scan.initiating {
		return StateInitiating
	}
	return StateScanning
}

// scanRun executes a scan window. Interrupt context.
func (ll *LinkLayer) scanRun(it *sched.Item) sched.Result {
	s := &ll.scan
	if it.Step == 0 {
		if !s.active() {
			return sched.Done()
		}
		ll.halt()
		err := ll.radio.SetChannel(s.ch, pdu.AdvAccessAddr, pdu.AdvCRCInit)
		if err == nil {
			err = ll.radio.Receive()
		}
		if err != nil {
			ll.stats.RadioStateErrs++
			ll.log.Errorf("scan rx on %v: %v", s.ch, err)
			ll.post(event{kind: evScanWinEnd})
			return sched.Done()
		}
		ll.stats.ScanWindows++
		ll.setState(ll.scanState())
		it.Step = 1
		return sched.Running(it.End)
	}

	if s.connReqTxing {
		// let the CONNECT_REQ finish
		return sched.Running(ll.clk.Now() + pdu.TxTime(pdu.HeaderLen+pdu.ConnReqLen))
	}
	if ll.state == StateScanning || ll.state == StateInitiating {
		ll.radio.Disable()
		ll.setState(StateStandby)
	}
	ll.post(event{kind: evScanWinEnd})
	return sched.Done()
}

// scanRxStart: interrupt context.
func (ll *LinkLayer) scanRxStart(f *pdu.Frame) phy.RxAction {
	if !ll.scan.initiating {
		return phy.RxContinue
	}
	switch f.Adv().Type() {
	case pdu.AdvInd, pdu.AdvDirectInd:
		return phy.RxTurnaround
	}
	return phy.RxContinue
}

// scanAccept applies the filter policy to the advertiser of p.
func (ll *LinkLayer) scanAccept(p pdu.Adv) bool {
	s := &ll.scan
	switch p.Type() {
	case pdu.AdvInd, pdu.AdvScanInd, pdu.AdvNonconnInd:
	case pdu.AdvDirectInd:
		if p.PeerA() != s.ownA || p.RxAdd() != s.ownRandom {
			return false
		}
	default:
		return false
	}
	if s.filterPolicy == ScanFilterWhitelist {
		return ll.wl.match(p.AdvA(), p.TxAdd())
	}
	return true
}

func (ll *LinkLayer) initAccept(p pdu.Adv) bool {
	s := &ll.scan
	switch p.Type() {
	case pdu.AdvInd:
	case pdu.AdvDirectInd:
		if p.PeerA() != s.ownA || p.RxAdd() != s.ownRandom {
			return false
		}
	default:
		return false
	}
	if s.filterPolicy == ScanFilterWhitelist {
		return ll.wl.match(p.AdvA(), p.TxAdd())
	}
	return p.AdvA() == s.peer.addr && p.TxAdd() == (s.peer.addrType == ble.AddrTypeRandom)
}

// scanRxEnd handles a valid advertising channel PDU while scanning or
// initiating. Interrupt context.
func (ll *LinkLayer) scanRxEnd(f *pdu.Frame) {
	s := &ll.scan
	p := f.Adv()

	if s.initiating {
		if !s.connReqTxing && ll.initAccept(p) {
			req := s.connTmpl
			req.AdvA = p.AdvA()
			req.AdvRandom = p.TxAdd()
			if err := ll.radio.Transmit(req.Marshal(), phy.TransRxTx, phy.TransNone); err != nil {
				ll.stats.RadioStateErrs++
			} else {
				s.connReq = req
				s.connReqTxing = true
				f.Flags |= pdu.FlagConnReqTxd | pdu.FlagDevMatch
				ll.stats.ConnReqTxd++
				return
			}
		}
	} else if ll.scanAccept(p) {
		f.Flags |= pdu.FlagDevMatch
	}
	ll.scanResume()
}

// scanResume keeps listening for the rest of the window.
func (ll *LinkLayer) scanResume() {
	if err := ll.radio.Receive(); err != nil {
		ll.stats.RadioStateErrs++
		ll.setState(StateStandby)
	}
}

// initConnCreated runs when the CONNECT_REQ has been sent. The connection
// exists from here on. Interrupt context.
func (ll *LinkLayer) initConnCreated() {
	s := &ll.scan
	req := s.connReq
	end := ll.clk.Now()

	s.stop()
	ll.sched.Remove(sched.KindScan, nil)
	ll.setState(StateStandby)
	ll.connMasterStart(req, end)
}

// scanReport builds the host report for an accepted advertising PDU.
// Task context.
func (ll *LinkLayer) scanReport(f *pdu.Frame) {
	s := &ll.scan
	p := f.Adv()
	if !s.enabled || s.duplicate(p.AdvA(), p.TxAdd()) {
		return
	}

	r := ble.AdvReport{
		AddrType: ble.AddrTypePublic,
		Addr:     p.AdvA(),
		RSSI:     f.RSSI,
		Channel:  f.Channel,
	}
	if p.TxAdd() {
		r.AddrType = ble.AddrTypeRandom
	}
	switch p.Type() {
	case pdu.AdvInd:
		r.EventType = ble.AdvReportInd
	case pdu.AdvDirectInd:
		r.EventType = ble.AdvReportDirectInd
	case pdu.AdvScanInd:
		r.EventType = ble.AdvReportScanInd
	case pdu.AdvNonconnInd:
		r.EventType = ble.AdvReportNonconnInd
	default:
		r.EventType = ble.AdvReportScanRsp
	}
	if p.Type() != pdu.AdvDirectInd {
		r.Data = append([]byte(nil), p.AdvData()...)
	}
	ll.notify(r)
}
