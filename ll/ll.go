// Package ll is a Bluetooth Low Energy Link Layer controller: advertising,
// scanning, initiating and a single connection, driven by a scheduler and a
// radio behind the phy.PHY interface.
//
// Work happens in two contexts. Interrupt context is every callback from
// the clock (scheduler and protocol timers) and from the radio; task
// context is Run/Poll plus the HCI-facing methods. Both enter the
// controller's critical section for the state they share. Interrupt
// handlers pass work to the task through an event queue.
package ll

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	ble "github.com/rigado/blell"
	"github.com/rigado/blell/ll/cputime"
	"github.com/rigado/blell/ll/critsec"
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/ll/phy"
	"github.com/rigado/blell/ll/sched"
)

// State is the Link Layer state: what the radio is being used for.
type State uint8

const (
	StateStandby State = iota
	StateAdv
	StateScanning
	StateInitiating
	StateConnection
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateAdv:
		return "advertising"
	case StateScanning:
		return "scanning"
	case StateInitiating:
		return "initiating"
	case StateConnection:
		return "connection"
	default:
		panic(fmt.Sprintf("ll: invalid state %d", uint8(s)))
	}
}

// Timing, in µs.
const (
	txSchedDelay   = 150
	rxSchedDelay   = 100
	wfrSlack       = 40 + 16 // access address sync plus jitter
	advEventMax    = 1228
	advStartDelay  = 5000
	connTxWinDelay = 1250
	connEventGuard = 600
)

const (
	defaultSchedCapacity = 8
	eventQueueLen        = 32
	rxPoolLen            = 8
	defaultMasterSCA     = 0 // 251-500 ppm
)

type eventKind uint8

const (
	evAdvTxDone eventKind = iota + 1
	evRxPkt
	evScanWinEnd
	evConnCreated
	evConnEventEnd
	evSpvnTmo
)

type event struct {
	kind  eventKind
	frame *pdu.Frame
}

// LinkLayer is one controller instance.
type LinkLayer struct {
	name  string
	log   ble.Logger
	clk   cputime.Clock
	radio phy.PHY
	sched *sched.Scheduler
	irq   critsec.Section

	// guarded by irq
	state     State
	adv       advertiser
	scan      scanner
	conn      connection
	wl        whitelist
	stats     Stats
	pending   []ble.Event
	pubAddr   ble.DeviceAddr
	randAddr  ble.DeviceAddr
	chanMap   pdu.ChannelMap
	masterSCA uint8
	rnd       *rand.Rand

	schedCap int
	txPower  int
	handler  ble.EventHandler

	events chan event
	wfr    cputime.Timer
	spvn   cputime.Timer
}

// New creates a controller named name on the given clock and radio.
func New(name string, clk cputime.Clock, radio phy.PHY, opts ...ble.Option) (*LinkLayer, error) {
	ll := &LinkLayer{
		name:      name,
		log:       ble.GetLogger().ChildLogger(map[string]interface{}{"ll": name}),
		clk:       clk,
		radio:     radio,
		chanMap:   pdu.AllChannels,
		masterSCA: defaultMasterSCA,
		rnd:       rand.New(rand.NewSource(1)),
		schedCap:  defaultSchedCapacity,
		events:    make(chan event, eventQueueLen),
	}
	for _, opt := range opts {
		if err := opt(ll); err != nil {
			return nil, err
		}
	}

	ll.sched = sched.New(schedExec{ll}, clk, ll.schedCap)
	ll.wfr = clk.NewTimer(ll.wfrExpired)
	ll.spvn = clk.NewTimer(ll.spvnExpired)
	ll.adv.init()
	ll.scan.init()
	ll.txPower = radio.SetTxPower(ll.txPower)
	radio.SetHandler(ll)
	return ll, nil
}

func (ll *LinkLayer) Name() string { return ll.name }

// SetPublicAddr sets the public device address.
func (ll *LinkLayer) SetPublicAddr(a ble.DeviceAddr) error {
	ll.irq.Enter()
	defer ll.irq.Exit()
	ll.pubAddr = a
	return nil
}

// SetTxPower sets the radio output power; the applied value is railed to
// the radio limits.
func (ll *LinkLayer) SetTxPower(dbm int) error {
	ll.txPower = dbm
	if ll.radio != nil && ll.sched != nil {
		ll.txPower = ll.radio.SetTxPower(dbm)
	}
	return nil
}

func (ll *LinkLayer) SetSchedCapacity(n int) error {
	if n <= 0 {
		return errors.Errorf("invalid scheduler capacity %v", n)
	}
	if ll.sched != nil {
		return errors.New("scheduler capacity can only be set at creation")
	}
	ll.schedCap = n
	return nil
}

func (ll *LinkLayer) SetMasterSCA(sca uint8) error {
	if sca > 7 {
		return errors.Errorf("invalid sleep clock accuracy %v", sca)
	}
	ll.masterSCA = sca
	return nil
}

func (ll *LinkLayer) SetEventHandler(h ble.EventHandler) error {
	ll.handler = h
	return nil
}

func (ll *LinkLayer) SetRandSeed(seed int64) error {
	ll.rnd = rand.New(rand.NewSource(seed))
	return nil
}

func (ll *LinkLayer) SetLogger(l ble.Logger) error {
	ll.log = l.ChildLogger(map[string]interface{}{"ll": ll.name})
	return nil
}

// TxPower returns the applied transmit power in dBm.
func (ll *LinkLayer) TxPower() int { return ll.txPower }

// State returns the current Link Layer state.
func (ll *LinkLayer) State() State {
	ll.irq.Enter()
	defer ll.irq.Exit()
	return ll.state
}

// Stats returns a snapshot of the controller counters.
func (ll *LinkLayer) Stats() Stats {
	ll.irq.Enter()
	defer ll.irq.Exit()
	return ll.stats
}

// Run processes task events until ctx is done.
func (ll *LinkLayer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ll.events:
			ll.handle(ev)
		}
	}
}

// Poll processes every queued task event without blocking and returns how
// many were handled. Use it instead of Run when the caller drives the
// clock.
func (ll *LinkLayer) Poll() int {
	n := 0
	for {
		select {
		case ev := <-ll.events:
			ll.handle(ev)
			n++
		default:
			return n
		}
	}
}

// Reset stops every activity and returns the controller to standby. The
// whitelist, addresses and data buffers are cleared.
func (ll *LinkLayer) Reset() error {
	return ll.locked(func() error {
		ll.sched.Reset()
		ll.radio.Disable()
		ll.wfr.Stop()
		ll.spvn.Stop()
		ll.adv.enabled = false
		ll.adv.init()
		ll.scan.stop()
		ll.scan.init()
		if ll.conn.state != ConnIdle {
			ll.conn.reset()
		}
		ll.wl.clear()
		ll.randAddr = ble.DeviceAddr{}
		ll.chanMap = pdu.AllChannels
		ll.setState(StateStandby)
		ll.drainEvents()
		return nil
	})
}

func (ll *LinkLayer) handle(ev event) {
	ll.locked(func() error {
		switch ev.kind {
		case evAdvTxDone:
			ll.advTxDone()
		case evRxPkt:
			ll.rxPktIn(ev.frame)
		case evScanWinEnd:
			ll.scanWindowEnd()
		case evConnCreated:
			ll.connCreated()
		case evConnEventEnd:
			ll.connEventEnd()
		case evSpvnTmo:
			ll.connSupervisionTimeout()
		default:
			panic(fmt.Sprintf("ll: invalid event %d", ev.kind))
		}
		return nil
	})
}

// locked runs fn inside the critical section and then delivers the host
// events it produced.
func (ll *LinkLayer) locked(fn func() error) error {
	ll.irq.Enter()
	err := fn()
	evs := ll.pending
	ll.pending = nil
	ll.irq.Exit()

	if ll.handler != nil {
		for _, e := range evs {
			ll.handler(e)
		}
	}
	return err
}

// notify queues a host event. Caller holds irq.
func (ll *LinkLayer) notify(e ble.Event) {
	ll.pending = append(ll.pending, e)
}

// post hands an event to the task. Interrupt context.
func (ll *LinkLayer) post(ev event) {
	select {
	case ll.events <- ev:
	default:
		ll.stats.EventQueueFull++
		if ev.frame != nil {
			ev.frame.Release()
		}
		ll.log.Errorf("event queue full, dropped event %v", ev.kind)
	}
}

func (ll *LinkLayer) drainEvents() {
	for {
		select {
		case ev := <-ll.events:
			if ev.frame != nil {
				ev.frame.Release()
			}
		default:
			return
		}
	}
}

func (ll *LinkLayer) setState(s State) {
	if ll.state != s {
		ll.log.Debugf("state %v -> %v", ll.state, s)
	}
	ll.state = s
}

// ownAddr returns the device address for an HCI own address type.
func (ll *LinkLayer) ownAddr(typ uint8) (ble.DeviceAddr, bool) {
	if typ&1 == ble.AddrTypeRandom {
		return ll.randAddr, true
	}
	return ll.pubAddr, false
}

// halt stops whatever the radio is doing for the current state.
// Interrupt context.
func (ll *LinkLayer) halt() {
	if ll.state == StateStandby {
		return
	}
	ll.stats.SchedStateErrs++
	ll.log.Warnf("preempting %v", ll.state)
	ll.radio.Disable()
	ll.wfr.Stop()
	ll.setState(StateStandby)
}
