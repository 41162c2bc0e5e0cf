// Package sim is a simulated radio. Radios attached to the same Air hear
// each other when tuned to the same channel and access address.
package sim

import (
	"sync"

	"github.com/rigado/blell/ll/cputime"
	"github.com/rigado/blell/ll/pdu"
)

// syncDelay is the preamble plus access address airtime, after which a
// receiver knows a frame is for it.
const syncDelay = 5 * 8

// Transmission is one frame put on the air.
type Transmission struct {
	From       string
	Channel    uint8
	AccessAddr uint32
	CRCInit    uint32
	Start      uint32
	End        uint32
	PDU        []byte
	Power      int

	aborted bool
}

// Air connects radios sharing a clock.
type Air struct {
	mu     sync.Mutex
	clk    cputime.Clock
	radios []*Radio
	log    []*Transmission
}

func NewAir(clk cputime.Clock) *Air {
	return &Air{clk: clk}
}

// NewRadio attaches a radio named name. Received frames come from a pool
// of poolSize buffers.
func (a *Air) NewRadio(name string, poolSize int) *Radio {
	r := &Radio{
		name: name,
		air:  a,
		clk:  a.clk,
		pool: pdu.NewPool(poolSize),
	}
	r.txEnd = a.clk.NewTimer(r.onTxEnd)

	a.mu.Lock()
	a.radios = append(a.radios, r)
	a.mu.Unlock()
	return r
}

// Log returns every transmission so far, oldest first.
func (a *Air) Log() []Transmission {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Transmission, 0, len(a.log))
	for _, t := range a.log {
		if !t.aborted {
			out = append(out, *t)
		}
	}
	return out
}

// ClearLog drops the transmission log.
func (a *Air) ClearLog() {
	a.mu.Lock()
	a.log = nil
	a.mu.Unlock()
}

func (a *Air) send(from *Radio, t *Transmission) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log = append(a.log, t)
	for _, r := range a.radios {
		if r == from {
			continue
		}
		rr := r
		tm := a.clk.NewTimer(func() {
			if a.isAborted(t) {
				return
			}
			rr.sync(t)
		})
		tm.Start(t.Start + syncDelay)
	}
}

// abort cancels a transmission that has not started yet.
func (a *Air) abort(t *Transmission) {
	a.mu.Lock()
	t.aborted = true
	a.mu.Unlock()
}

func (a *Air) isAborted(t *Transmission) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return t.aborted
}
