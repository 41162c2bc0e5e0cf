package ll

import (
	ble "github.com/rigado/blell"
	"github.com/rigado/blell/ll/pdu"
)

// SetRandomAddr sets the random device address. Not allowed while
// advertising, scanning or initiating. The address is checked again on
// enable since the public address may change in between.
func (ll *LinkLayer) SetRandomAddr(a ble.DeviceAddr) error {
	return ll.locked(func() error {
		if ll.adv.enabled || ll.scan.active() {
			return ble.ErrCommandDisallowed
		}
		if !a.ValidRandom(ll.pubAddr) {
			return ble.ErrInvalidParams
		}
		ll.randAddr = a
		return nil
	})
}

// PublicAddr returns the public device address.
func (ll *LinkLayer) PublicAddr() ble.DeviceAddr {
	ll.irq.Enter()
	defer ll.irq.Exit()
	return ll.pubAddr
}

// RandomAddr returns the random device address, zero if unset.
func (ll *LinkLayer) RandomAddr() ble.DeviceAddr {
	ll.irq.Enter()
	defer ll.irq.Exit()
	return ll.randAddr
}

// SetChannelMap sets the host channel classification used for new
// connections. At least two data channels must be used.
func (ll *LinkLayer) SetChannelMap(m pdu.ChannelMap) error {
	return ll.locked(func() error {
		if m[len(m)-1]&^0x1f != 0 || m.Count() < 2 {
			return ble.ErrInvalidParams
		}
		ll.chanMap = m
		return nil
	})
}

// ChannelMap returns the channel map of the connection if there is one,
// the host channel map otherwise.
func (ll *LinkLayer) ChannelMap() pdu.ChannelMap {
	ll.irq.Enter()
	defer ll.irq.Exit()
	if ll.conn.state != ConnIdle {
		return ll.conn.chanMap
	}
	return ll.chanMap
}
