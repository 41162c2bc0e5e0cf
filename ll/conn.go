package ll

import (
	"fmt"

	ble "github.com/rigado/blell"
	"github.com/rigado/blell/ll/cputime"
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/ll/phy"
	"github.com/rigado/blell/ll/sched"
)

// ConnState is the state of the connection state machine.
type ConnState uint8

const (
	ConnIdle ConnState = iota
	ConnCreated
	ConnEstablished
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnCreated:
		return "created"
	case ConnEstablished:
		return "established"
	default:
		return fmt.Sprintf("connstate(%d)", uint8(s))
	}
}

const (
	connHandle          = 0x0001
	connItvlUnit        = 1250
	connTmoUnit         = 10000
	connTxQueueLen      = 8
	connEstablishEvents = 6
	connSchedTries      = 4
	connWinMinWidening  = 16
	localSCAPPM         = 50
)

// sleep clock accuracy field to worst case ppm
var scaPPM = [8]uint32{500, 250, 150, 100, 75, 50, 30, 20}

// connEventLen covers one maximum size exchange.
var connEventLen = 2*(pdu.TxTime(pdu.HeaderLen+pdu.MaxDataLen)+phy.IFS) + wfrSlack

type txPDU struct {
	llid    uint8
	payload []byte
}

type connection struct {
	state  ConnState
	role   uint8
	handle uint16
	peer   wlEntry

	aa       uint32
	crcInit  uint32
	hop      uint8
	chanMap  pdu.ChannelMap
	unmapped uint8
	dataChan uint8

	interval uint16
	latency  uint16
	timeout  uint16
	itvl     uint32
	sca      uint8

	anchor    uint32
	lastSync  uint32
	firstWin  uint32 // transmit window, first slave event only
	eventCntr uint16

	sn     uint8
	nesn   uint8
	txq    []txPDU
	txHead bool // txq[0] is in flight
	acked  int

	terminating  bool
	termAcked    bool
	peerTerm     bool
	peerReason   ble.ErrCommand
	peerTermAckd bool
}

func (c *connection) reset() {
	*c = connection{}
}

// ConnInfo is a snapshot of the connection.
type ConnInfo struct {
	Handle       uint16
	Role         uint8
	State        ConnState
	PeerAddrType uint8
	PeerAddr     ble.DeviceAddr
	AccessAddr   uint32
	CRCInit      uint32
	Hop          uint8
	ChanMap      pdu.ChannelMap
	Channel      uint8
	Interval     uint16
	Latency      uint16
	Timeout      uint16
	EventCounter uint16
	TxQueued     int
}

// ConnInfo returns the current connection, if any.
func (ll *LinkLayer) ConnInfo() (ConnInfo, bool) {
	ll.irq.Enter()
	defer ll.irq.Exit()
	c := &ll.conn
	if c.state == ConnIdle {
		return ConnInfo{}, false
	}
	return ConnInfo{
		Handle:       c.handle,
		Role:         c.role,
		State:        c.state,
		PeerAddrType: c.peer.addrType,
		PeerAddr:     c.peer.addr,
		AccessAddr:   c.aa,
		CRCInit:      c.crcInit,
		Hop:          c.hop,
		ChanMap:      c.chanMap,
		Channel:      c.dataChan,
		Interval:     c.interval,
		Latency:      c.latency,
		Timeout:      c.timeout,
		EventCounter: c.eventCntr,
		TxQueued:     len(c.txq),
	}, true
}

// newAccessAddr draws random access addresses until one is valid.
func (ll *LinkLayer) newAccessAddr() uint32 {
	for {
		aa := ll.rnd.Uint32()
		if pdu.ValidAccessAddress(aa) {
			return aa
		}
	}
}

func validConnReq(r pdu.ConnReq) error {
	switch {
	case r.Interval < connItvlMin || r.Interval > connItvlMax:
		return ble.ErrInvalidParams
	case r.Latency > connLatencyMax:
		return ble.ErrInvalidParams
	case r.Timeout < connTimeoutMin || r.Timeout > connTimeoutMax:
		return ble.ErrInvalidParams
	case uint32(r.Timeout)*8 <= (1+uint32(r.Latency))*uint32(r.Interval)*2:
		return ble.ErrInvalidParams
	case r.WinSize == 0 || r.WinSize > 8 || uint16(r.WinSize) >= r.Interval:
		return ble.ErrInvalidParams
	case r.WinOffset > r.Interval:
		return ble.ErrInvalidParams
	case r.Hop < 5 || r.Hop > 16:
		return ble.ErrInvalidParams
	case r.ChanMap.Count() < 2:
		return ble.ErrInvalidParams
	case !pdu.ValidAccessAddress(r.AccessAddr):
		return ble.ErrInvalidParams
	}
	return nil
}

func (c *connection) init(r pdu.ConnReq, role uint8, reqEnd uint32) {
	c.reset()
	c.role = role
	c.handle = connHandle
	c.aa = r.AccessAddr
	c.crcInit = r.CRCInit
	c.hop = r.Hop
	c.chanMap = r.ChanMap
	c.interval = r.Interval
	c.latency = r.Latency
	c.timeout = r.Timeout
	c.itvl = uint32(r.Interval) * connItvlUnit
	c.sca = r.SCA
	c.anchor = reqEnd + connTxWinDelay + uint32(r.WinOffset)*connItvlUnit
	c.lastSync = reqEnd
	c.unmapped, c.dataChan = pdu.NextDataChannel(0, c.hop, c.chanMap)
	if role == ble.RoleSlave {
		c.firstWin = uint32(r.WinSize) * connItvlUnit
		c.peer = peerEntry(r.InitA, r.InitRandom)
	} else {
		c.peer = peerEntry(r.AdvA, r.AdvRandom)
	}
}

func peerEntry(a ble.DeviceAddr, random bool) wlEntry {
	e := wlEntry{addr: a}
	if random {
		e.addrType = ble.AddrTypeRandom
	}
	return e
}

// widening is the slave receive window widening for the next anchor.
func (c *connection) widening() uint32 {
	if c.role != ble.RoleSlave {
		return 0
	}
	elapsed := uint64(c.anchor - c.lastSync)
	w := (uint64(scaPPM[c.sca&7]+localSCAPPM)*elapsed + 999999) / 1000000
	return uint32(w) + connWinMinWidening
}

func (c *connection) lead() uint32 {
	if c.role == ble.RoleSlave {
		return c.widening() + rxSchedDelay
	}
	return txSchedDelay
}

func (c *connection) nextEvent() {
	c.eventCntr++
	c.anchor += c.itvl
	c.firstWin = 0
	c.unmapped, c.dataChan = pdu.NextDataChannel(c.unmapped, c.hop, c.chanMap)
}

// nextTx builds the PDU for the next transmission: the queue head, or an
// empty PDU.
func (c *connection) nextTx() pdu.Data {
	llid, payload := uint8(pdu.LLIDDataCont), []byte(nil)
	c.txHead = len(c.txq) > 0
	if c.txHead {
		llid, payload = c.txq[0].llid, c.txq[0].payload
	}
	// payload size is checked when queued
	d, _ := pdu.NewData(llid, c.sn, c.nesn, len(c.txq) > 1, payload)
	return d
}

func (c *connection) ackHead() {
	h := c.txq[0]
	c.txq = c.txq[1:]
	c.txHead = false
	if h.llid == pdu.LLIDControl {
		if h.payload[0] == pdu.OpTerminateInd {
			c.termAcked = true
		}
		return
	}
	c.acked++
}

func (ll *LinkLayer) connMasterStart(r pdu.ConnReq, reqEnd uint32) {
	ll.conn.init(r, ble.RoleMaster, reqEnd)
	ll.connStart()
}

func (ll *LinkLayer) connSlaveStart(r pdu.ConnReq, reqEnd uint32) {
	ll.conn.init(r, ble.RoleSlave, reqEnd)
	ll.connStart()
}

// connStart: interrupt or task context.
func (ll *LinkLayer) connStart() {
	c := &ll.conn
	c.state = ConnCreated
	ll.spvn.Start(c.anchor + connEstablishEvents*c.itvl)
	ll.log.Infof("connection created: role %v peer %v aa %#08x itvl %v", c.role, c.peer.addr, c.aa, c.interval)
	ll.connSchedule()
	ll.post(event{kind: evConnCreated})
}

// connSchedule places the event at c.anchor, skipping events that are
// already late or collide with other activity.
func (ll *LinkLayer) connSchedule() {
	c := &ll.conn
	for i := 0; i < connSchedTries; i++ {
		now := ll.clk.Now()
		for cputime.Before(c.anchor-c.lead(), now) {
			ll.stats.ConnEventsLate++
			c.nextEvent()
		}
		it := sched.Item{
			Kind:  sched.KindConn,
			Start: c.anchor - c.lead(),
			End:   c.anchor + c.widening() + c.firstWin + connEventLen,
			Tag:   c.handle,
		}
		_, err := ll.sched.Schedule(it)
		if err == nil {
			return
		}
		if err != sched.ErrOverlap {
			ll.log.Errorf("connection event: %v", err)
			return
		}
		ll.stats.ConnEventsLate++
		c.nextEvent()
	}
	// supervision ends the connection if this persists
	ll.log.Errorf("unable to schedule connection event %v", c.eventCntr)
}

// connRun executes a connection event. Interrupt context.
func (ll *LinkLayer) connRun(it *sched.Item) sched.Result {
	c := &ll.conn
	switch it.Step {
	case 0:
		if c.state == ConnIdle {
			return sched.Done()
		}
		ll.halt()
		if err := ll.radio.SetChannel(c.dataChan, c.aa, c.crcInit); err != nil {
			ll.stats.RadioStateErrs++
			ll.post(event{kind: evConnEventEnd})
			return sched.Done()
		}
		it.Step = 1
		return sched.Running(c.anchor - c.widening())

	case 1:
		var err error
		if c.role == ble.RoleMaster {
			pkt := c.nextTx()
			err = ll.radio.Transmit(pkt, phy.TransNone, phy.TransTxRx)
			if err == nil && c.txHead {
				ll.stats.DataTxd++
			}
		} else {
			err = ll.radio.Receive()
			if err == nil {
				ll.wfr.Start(c.anchor + c.widening() + c.firstWin + wfrSlack)
			}
		}
		if err != nil {
			ll.stats.RadioStateErrs++
			ll.post(event{kind: evConnEventEnd})
			return sched.Done()
		}
		ll.stats.ConnEvents++
		ll.setState(StateConnection)
		it.Step = 2
		return sched.Running(it.End)
	}

	if ll.state == StateConnection {
		ll.radio.Disable()
		ll.wfr.Stop()
		ll.setState(StateStandby)
	}
	ll.post(event{kind: evConnEventEnd})
	return sched.Done()
}

func (ll *LinkLayer) connRxStart(f *pdu.Frame) phy.RxAction {
	if ll.conn.role == ble.RoleSlave {
		return phy.RxTurnaround
	}
	return phy.RxContinue
}

// connRxEnd does acknowledgement and flow control for a received data
// PDU; the slave answers right away. Interrupt context.
func (ll *LinkLayer) connRxEnd(f *pdu.Frame) {
	c := &ll.conn
	d := f.Data()
	if f.CRCOK && d.Validate() == nil {
		ll.spvn.Start(f.End + uint32(c.timeout)*connTmoUnit)
		if c.state == ConnCreated {
			c.state = ConnEstablished
		}
		if d.NESN() != c.sn {
			c.sn ^= 1
			if c.txHead {
				c.ackHead()
			}
		}
		if d.SN() == c.nesn {
			c.nesn ^= 1
			if d.Len() > 0 {
				f.Flags |= pdu.FlagDevMatch
			}
		}
	}

	if c.role == ble.RoleMaster {
		ll.setState(StateStandby)
		return
	}

	if f.CRCOK {
		c.anchor = f.End - pdu.TxTime(len(f.Buf))
		c.lastSync = c.anchor
		c.firstWin = 0
	}
	if err := ll.radio.Transmit(c.nextTx(), phy.TransRxTx, phy.TransNone); err != nil {
		ll.stats.RadioStateErrs++
		ll.setState(StateStandby)
		return
	}
	if c.txHead {
		ll.stats.DataTxd++
	}
}

func (ll *LinkLayer) connTxEnd() {
	if ll.conn.role == ble.RoleMaster {
		ll.wfr.Start(ll.clk.Now() + phy.IFS + wfrSlack)
		return
	}
	ll.setState(StateStandby)
}

// connRxData handles a new, non-empty data PDU. Task context.
func (ll *LinkLayer) connRxData(f *pdu.Frame) {
	c := &ll.conn
	d := f.Data()
	if d.LLID() != pdu.LLIDControl {
		ll.notify(ble.DataReceived{
			Handle: c.handle,
			LLID:   d.LLID(),
			Data:   append([]byte(nil), d.Payload()...),
		})
		return
	}

	pl := d.Payload()
	switch pl[0] {
	case pdu.OpTerminateInd:
		if len(pl) < 2 {
			return
		}
		c.peerTerm = true
		c.peerReason = ble.ErrCommand(pl[1])
		ll.log.Infof("peer terminated connection: %v", c.peerReason)
	case pdu.OpUnknownRsp:
	default:
		c.txq = append(c.txq, txPDU{llid: pdu.LLIDControl, payload: []byte{pdu.OpUnknownRsp, pl[0]}})
	}
}

// connCreated reports the new connection. Task context.
func (ll *LinkLayer) connCreated() {
	c := &ll.conn
	if c.state == ConnIdle {
		return
	}
	ll.notify(ble.ConnectionComplete{
		Handle:       c.handle,
		Role:         c.role,
		PeerAddrType: c.peer.addrType,
		PeerAddr:     c.peer.addr,
		Interval:     c.interval,
		Latency:      c.latency,
		Timeout:      c.timeout,
		MasterSCA:    c.sca,
	})
}

// connEventEnd closes a connection event and schedules the next. Task
// context.
func (ll *LinkLayer) connEventEnd() {
	c := &ll.conn
	if c.state == ConnIdle {
		return
	}
	for ; c.acked > 0; c.acked-- {
		ll.stats.DataAcked++
		ll.notify(ble.DataAcked{Handle: c.handle})
	}

	switch {
	case c.termAcked:
		ll.connEnd(ble.ErrLocalHost)
		return
	case c.peerTerm && (c.role == ble.RoleSlave || c.peerTermAckd):
		ll.connEnd(c.peerReason)
		return
	case c.peerTerm:
		// the master acknowledges in the next event
		c.peerTermAckd = true
	}

	c.nextEvent()
	ll.connSchedule()
}

// connSupervisionTimeout: task context.
func (ll *LinkLayer) connSupervisionTimeout() {
	c := &ll.conn
	if c.state == ConnIdle || ll.spvn.Armed() {
		return
	}
	ll.stats.ConnSpvnTmo++
	if c.state == ConnCreated {
		ll.connEnd(ble.ErrConnEstablish)
		return
	}
	ll.connEnd(ble.ErrConnTimeout)
}

func (ll *LinkLayer) connEnd(reason ble.ErrCommand) {
	c := &ll.conn
	h := c.handle
	ll.sched.Remove(sched.KindConn, nil)
	ll.spvn.Stop()
	if ll.state == StateConnection {
		ll.radio.Disable()
		ll.wfr.Stop()
		ll.setState(StateStandby)
	}
	ll.log.Infof("connection %v ended: %v", h, reason)
	c.reset()
	ll.notify(ble.DisconnectionComplete{Handle: h, Reason: reason})
}

// SendData queues an L2CAP start fragment of at most 27 bytes.
func (ll *LinkLayer) SendData(handle uint16, data []byte) error {
	return ll.locked(func() error {
		c := &ll.conn
		switch {
		case c.state == ConnIdle || handle != c.handle:
			return ble.ErrConnID
		case len(data) == 0 || len(data) > pdu.MaxDataLen:
			return ble.ErrInvalidParams
		case c.terminating:
			return ble.ErrCommandDisallowed
		case len(c.txq) >= connTxQueueLen:
			return ble.ErrMemCapacity
		}
		c.txq = append(c.txq, txPDU{llid: pdu.LLIDDataStart, payload: append([]byte(nil), data...)})
		return nil
	})
}

func validDisconnectReason(r ble.ErrCommand) bool {
	switch r {
	case 0x05, // authentication failure
		ble.ErrRemoteUser,
		0x14, // low resources
		0x15, // power off
		ble.ErrUnsuppRemote,
		0x29, // pairing with unit key
		0x3b: // unacceptable connection parameters
		return true
	}
	return false
}

// Disconnect terminates the connection. The link ends once the peer
// acknowledges the TERMINATE_IND, or by supervision timeout.
func (ll *LinkLayer) Disconnect(handle uint16, reason ble.ErrCommand) error {
	return ll.locked(func() error {
		c := &ll.conn
		switch {
		case c.state == ConnIdle || handle != c.handle:
			return ble.ErrConnID
		case !validDisconnectReason(reason):
			return ble.ErrInvalidParams
		case c.terminating:
			return ble.ErrCommandDisallowed
		}
		c.terminating = true
		c.txq = append(c.txq, txPDU{llid: pdu.LLIDControl, payload: []byte{pdu.OpTerminateInd, byte(reason)}})
		ll.log.Debugf("terminating connection %v: %v", handle, reason)
		return nil
	})
}
