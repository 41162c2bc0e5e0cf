package ll

import (
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/ll/phy"
)

// RxStart implements phy.Handler.
func (ll *LinkLayer) RxStart(f *pdu.Frame) phy.RxAction {
	ll.irq.Enter()
	defer ll.irq.Exit()

	ll.wfr.Stop()
	if !f.AdvChannel() {
		if ll.state == StateConnection {
			return ll.connRxStart(f)
		}
		ll.stats.BadLLState++
		return phy.RxContinue
	}

	switch ll.state {
	case StateAdv:
		return ll.advRxStart(f)
	case StateScanning, StateInitiating:
		return ll.scanRxStart(f)
	default:
		ll.stats.BadLLState++
		return phy.RxContinue
	}
}

// RxEnd implements phy.Handler. The frame is either posted to the task or
// released here.
func (ll *LinkLayer) RxEnd(f *pdu.Frame) {
	ll.irq.Enter()
	defer ll.irq.Exit()

	if !f.AdvChannel() {
		if ll.state != StateConnection {
			ll.stats.BadLLState++
			f.Release()
			return
		}
		ll.connRxEnd(f)
		ll.post(event{kind: evRxPkt, frame: f})
		return
	}

	f.Flags |= pdu.FlagAdvChan
	if !f.CRCOK {
		ll.rxResume()
		ll.post(event{kind: evRxPkt, frame: f})
		return
	}
	if err := f.Adv().Validate(); err != nil {
		ll.stats.RxMalformed++
		f.Release()
		ll.rxResume()
		return
	}

	switch ll.state {
	case StateAdv:
		ll.advRxEnd(f)
	case StateScanning, StateInitiating:
		ll.scanRxEnd(f)
	default:
		ll.stats.BadLLState++
	}
	ll.post(event{kind: evRxPkt, frame: f})
}

// rxResume continues after an unusable advertising channel frame.
func (ll *LinkLayer) rxResume() {
	switch ll.state {
	case StateAdv:
		ll.radio.Disable()
		ll.setState(StateStandby)
	case StateScanning, StateInitiating:
		ll.scanResume()
	}
}

// TxEnd implements phy.Handler.
func (ll *LinkLayer) TxEnd() {
	ll.irq.Enter()
	defer ll.irq.Exit()

	switch ll.state {
	case StateAdv:
		ll.advTxEnd()
	case StateInitiating:
		if ll.scan.connReqTxing {
			ll.initConnCreated()
		}
	case StateConnection:
		ll.connTxEnd()
	}
}

func (ll *LinkLayer) wfrExpired() {
	ll.irq.Enter()
	defer ll.irq.Exit()

	ll.stats.WfrTimeouts++
	ll.radio.Disable()
	ll.setState(StateStandby)
}

func (ll *LinkLayer) spvnExpired() {
	ll.irq.Enter()
	defer ll.irq.Exit()
	ll.post(event{kind: evSpvnTmo})
}

// rxPktIn is the task half of reception. Task context.
func (ll *LinkLayer) rxPktIn(f *pdu.Frame) {
	defer f.Release()

	if f.CRCOK {
		ll.stats.RxCRCOK++
	} else {
		ll.stats.RxCRCFail++
	}
	ll.stats.RxBytes += uint32(len(f.Buf))

	if f.Flags&pdu.FlagAdvChan == 0 {
		ll.stats.RxDataPDUs++
		if f.Flags&pdu.FlagDevMatch != 0 && ll.conn.state != ConnIdle {
			ll.connRxData(f)
		}
		return
	}

	if !f.CRCOK {
		return
	}
	p := f.Adv()
	ll.stats.countAdvType(p.Type())
	if f.Flags&pdu.FlagDevMatch == 0 {
		return
	}
	switch p.Type() {
	case pdu.ConnectReq:
		ll.advConnReqRxd(f)
	case pdu.AdvInd, pdu.AdvDirectInd, pdu.AdvScanInd, pdu.AdvNonconnInd:
		ll.scanReport(f)
	}
}
