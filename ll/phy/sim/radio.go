package sim

import (
	"sync"

	"github.com/rigado/blell/ll/cputime"
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/ll/phy"
)

// Stats counts radio activity.
type Stats struct {
	Tx        uint32
	Rx        uint32
	RxDropped uint32 // no free receive buffer
	Missed    uint32 // frame on our channel while not listening
}

// Radio implements phy.PHY on an Air.
type Radio struct {
	name string
	air  *Air
	clk  cputime.Clock
	pool *pdu.Pool

	mu      sync.Mutex
	h       phy.Handler
	state   phy.State
	ch      uint8
	aa      uint32
	crcInit uint32
	power   int

	tx      *Transmission
	txAfter phy.Transition
	txEnd   cputime.Timer

	rx         *pdu.Frame
	rxEndAt    uint32
	turnaround bool // RxStart asked for a reply
	canReply   bool // inside RxEnd of a frame that asked for a reply

	stats Stats
}

var _ phy.PHY = (*Radio)(nil)

func (r *Radio) Name() string { return r.name }

func (r *Radio) SetHandler(h phy.Handler) {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
}

func (r *Radio) SetChannel(ch uint8, accessAddr, crcInit uint32) error {
	if _, err := phy.Freq(ch); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch, r.aa, r.crcInit = ch, accessAddr, crcInit
	return nil
}

func (r *Radio) Channel() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch
}

func (r *Radio) State() phy.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Radio) SetTxPower(dbm int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.power = phy.RailTxPower(dbm)
	return r.power
}

func (r *Radio) TxPower() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.power
}

func (r *Radio) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// FreeBuffers returns the number of unused receive buffers.
func (r *Radio) FreeBuffers() int {
	return r.pool.Available()
}

func (r *Radio) Transmit(b []byte, before, after phy.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var start uint32
	switch before {
	case phy.TransRxTx:
		if !r.canReply {
			return phy.ErrRadioState
		}
		r.canReply = false
		start = r.rxEndAt + phy.IFS
	default:
		if r.state != phy.StateIdle {
			return phy.ErrRadioState
		}
		start = r.clk.Now()
	}

	t := &Transmission{
		From:       r.name,
		Channel:    r.ch,
		AccessAddr: r.aa,
		CRCInit:    r.crcInit,
		Start:      start,
		End:        start + pdu.TxTime(len(b)),
		PDU:        append([]byte(nil), b...),
		Power:      r.power,
	}
	r.state = phy.StateTx
	r.tx = t
	r.txAfter = after
	r.stats.Tx++
	r.txEnd.Start(t.End)
	r.air.send(r, t)
	return nil
}

func (r *Radio) Receive() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != phy.StateIdle {
		return phy.ErrRadioState
	}
	r.state = phy.StateRx
	return nil
}

// Disable stops the radio. A transmission that has not started is
// cancelled; one already on the air completes for its receivers, but no
// TxEnd is reported.
func (r *Radio) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx != nil && cputime.Before(r.clk.Now(), r.tx.Start) {
		r.air.abort(r.tx)
	}
	r.tx = nil
	r.txEnd.Stop()
	r.rx = nil
	r.turnaround = false
	r.canReply = false
	r.state = phy.StateIdle
}

func (r *Radio) onTxEnd() {
	r.mu.Lock()
	if r.tx == nil {
		r.mu.Unlock()
		return
	}
	r.tx = nil
	if r.txAfter == phy.TransTxRx {
		r.state = phy.StateRx
	} else {
		r.state = phy.StateIdle
	}
	h := r.h
	r.mu.Unlock()

	if h != nil {
		h.TxEnd()
	}
}

// sync runs when the access address of t has been received.
func (r *Radio) sync(t *Transmission) {
	r.mu.Lock()
	if r.ch != t.Channel {
		r.mu.Unlock()
		return
	}
	if r.state != phy.StateRx || r.rx != nil || r.aa != t.AccessAddr {
		r.stats.Missed++
		r.mu.Unlock()
		return
	}

	f := r.pool.Get(t.PDU)
	if f == nil {
		r.stats.RxDropped++
		r.mu.Unlock()
		return
	}
	f.Channel = t.Channel
	f.CRCOK = r.crcInit == t.CRCInit
	f.RSSI = int8(t.Power - 50)
	f.End = t.End
	r.rx = f
	h := r.h
	r.mu.Unlock()

	action := phy.RxContinue
	if h != nil {
		action = h.RxStart(f)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rx != f {
		// disabled from RxStart
		f.Release()
		return
	}
	if action == phy.RxAbort {
		r.rx = nil
		r.state = phy.StateIdle
		f.Release()
		return
	}
	r.turnaround = action == phy.RxTurnaround
	tm := r.clk.NewTimer(func() { r.rxEnd(f) })
	tm.Start(t.End)
}

func (r *Radio) rxEnd(f *pdu.Frame) {
	r.mu.Lock()
	if r.rx != f {
		r.mu.Unlock()
		f.Release()
		return
	}
	r.rx = nil
	r.rxEndAt = f.End
	r.canReply = r.turnaround
	r.turnaround = false
	r.state = phy.StateIdle
	r.stats.Rx++
	h := r.h
	r.mu.Unlock()

	if h != nil {
		h.RxEnd(f)
	} else {
		f.Release()
	}

	r.mu.Lock()
	r.canReply = false
	r.mu.Unlock()
}
