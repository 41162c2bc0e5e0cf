package sim

import (
	"bytes"
	"testing"

	"github.com/rigado/blell/ll/cputime"
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/ll/phy"
)

type handler struct {
	clk     *cputime.Sim
	radio   *Radio
	action  phy.RxAction
	reply   []byte
	starts  int
	frames  [][]byte
	crc     []bool
	txEnds  []uint32
	replied error
}

func (h *handler) RxStart(f *pdu.Frame) phy.RxAction {
	h.starts++
	return h.action
}

func (h *handler) RxEnd(f *pdu.Frame) {
	h.frames = append(h.frames, append([]byte(nil), f.Buf...))
	h.crc = append(h.crc, f.CRCOK)
	f.Release()
	if h.reply != nil {
		h.replied = h.radio.Transmit(h.reply, phy.TransRxTx, phy.TransNone)
	}
}

func (h *handler) TxEnd() {
	h.txEnds = append(h.txEnds, h.clk.Now())
}

func setup(t *testing.T) (*cputime.Sim, *Air, *Radio, *handler, *Radio, *handler) {
	clk := cputime.NewSim(1000)
	air := NewAir(clk)

	a := air.NewRadio("a", 4)
	ha := &handler{clk: clk, radio: a}
	a.SetHandler(ha)

	b := air.NewRadio("b", 4)
	hb := &handler{clk: clk, radio: b}
	b.SetHandler(hb)

	for _, r := range []*Radio{a, b} {
		if err := r.SetChannel(37, pdu.AdvAccessAddr, pdu.AdvCRCInit); err != nil {
			t.Fatal(err)
		}
	}
	return clk, air, a, ha, b, hb
}

func TestTransmitReceive(t *testing.T) {
	clk, air, a, ha, b, hb := setup(t)

	if err := b.Receive(); err != nil {
		t.Fatal(err)
	}
	frame := []byte{0x00, 0x06, 1, 2, 3, 4, 5, 6}
	if err := a.Transmit(frame, phy.TransNone, phy.TransTxRx); err != nil {
		t.Fatal(err)
	}
	if a.State() != phy.StateTx {
		t.Fatal("transmitter should be in tx")
	}

	clk.Advance(1000)

	end := uint32(1000) + pdu.TxTime(len(frame))
	if len(ha.txEnds) != 1 || ha.txEnds[0] != end {
		t.Fatalf("expected tx end at %v, got %v", end, ha.txEnds)
	}
	if a.State() != phy.StateRx {
		t.Fatal("TxRx should leave the transmitter listening")
	}
	if hb.starts != 1 || len(hb.frames) != 1 || !bytes.Equal(hb.frames[0], frame) || !hb.crc[0] {
		t.Fatalf("receiver got %v frames", len(hb.frames))
	}
	if b.State() != phy.StateIdle {
		t.Fatal("receiver should be idle after rx end")
	}
	if log := air.Log(); len(log) != 1 || log[0].From != "a" || log[0].End != end {
		t.Fatalf("unexpected log %+v", log)
	}
	if b.FreeBuffers() != 4 {
		t.Fatal("frame leaked")
	}
}

func TestTurnaroundReply(t *testing.T) {
	clk, air, a, ha, b, hb := setup(t)

	hb.action = phy.RxTurnaround
	hb.reply = []byte{0x04, 0x06, 9, 9, 9, 9, 9, 9}
	b.Receive()
	a.Transmit([]byte{0x03, 0x0c, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, phy.TransNone, phy.TransTxRx)

	clk.Advance(2000)

	if hb.replied != nil {
		t.Fatal(hb.replied)
	}
	log := air.Log()
	if len(log) != 2 {
		t.Fatalf("expected request and reply, got %+v", log)
	}
	if log[1].Start != log[0].End+phy.IFS {
		t.Fatalf("reply must start IFS after request end: %v vs %v", log[1].Start, log[0].End)
	}
	if len(ha.frames) != 1 || ha.frames[0][0] != 0x04 {
		t.Fatal("requester did not receive the reply")
	}
}

func TestReplyWithoutTurnaroundRejected(t *testing.T) {
	clk, _, a, _, b, hb := setup(t)

	hb.action = phy.RxContinue
	hb.reply = []byte{0x04, 0x06, 9, 9, 9, 9, 9, 9}
	b.Receive()
	a.Transmit([]byte{0x02, 0x06, 1, 2, 3, 4, 5, 6}, phy.TransNone, phy.TransNone)
	clk.Advance(1000)

	if hb.replied != phy.ErrRadioState {
		t.Fatalf("expected ErrRadioState, got %v", hb.replied)
	}
}

func TestCRCMismatchAndMissed(t *testing.T) {
	clk, _, a, _, b, hb := setup(t)

	b.SetChannel(37, pdu.AdvAccessAddr, 0x123456)
	b.Receive()
	a.Transmit([]byte{0x02, 0x06, 1, 2, 3, 4, 5, 6}, phy.TransNone, phy.TransNone)
	clk.Advance(1000)
	if len(hb.crc) != 1 || hb.crc[0] {
		t.Fatal("expected a frame with bad crc")
	}

	// not listening
	a.Transmit([]byte{0x02, 0x06, 1, 2, 3, 4, 5, 6}, phy.TransNone, phy.TransNone)
	clk.Advance(1000)
	if len(hb.frames) != 1 || b.Stats().Missed != 1 {
		t.Fatalf("expected a missed frame, stats %+v", b.Stats())
	}
}

func TestAbortAndDisable(t *testing.T) {
	clk, air, a, ha, b, hb := setup(t)

	hb.action = phy.RxAbort
	b.Receive()
	a.Transmit([]byte{0x02, 0x06, 1, 2, 3, 4, 5, 6}, phy.TransNone, phy.TransNone)
	clk.Advance(1000)
	if hb.starts != 1 || len(hb.frames) != 0 || b.State() != phy.StateIdle {
		t.Fatal("aborted reception should not complete")
	}

	a.Transmit([]byte{0x02, 0x06, 1, 2, 3, 4, 5, 6}, phy.TransNone, phy.TransNone)
	a.Disable()
	clk.Advance(1000)
	if len(ha.txEnds) != 1 {
		t.Fatal("disabled transmission must not report tx end")
	}
	if a.Transmit(nil, phy.TransNone, phy.TransNone) != nil {
		t.Fatal("idle radio should accept a transmission")
	}
	if a.Receive() != phy.ErrRadioState {
		t.Fatal("receive while transmitting must fail")
	}
	_ = air
}

func TestTxPowerRailed(t *testing.T) {
	_, _, a, _, _, _ := setup(t)
	if a.SetTxPower(10) != phy.MaxTxPower || a.TxPower() != phy.MaxTxPower {
		t.Fatal("tx power not railed")
	}
}
