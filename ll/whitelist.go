package ll

import (
	ble "github.com/rigado/blell"
)

const whitelistSize = 8

type wlEntry struct {
	addrType uint8
	addr     ble.DeviceAddr
}

type whitelist struct {
	entries []wlEntry
}

func (w *whitelist) match(a ble.DeviceAddr, random bool) bool {
	typ := uint8(ble.AddrTypePublic)
	if random {
		typ = ble.AddrTypeRandom
	}
	for _, e := range w.entries {
		if e.addr == a && e.addrType == typ {
			return true
		}
	}
	return false
}

func (w *whitelist) add(typ uint8, a ble.DeviceAddr) error {
	for _, e := range w.entries {
		if e.addr == a && e.addrType == typ {
			return nil
		}
	}
	if len(w.entries) >= whitelistSize {
		return ble.ErrMemCapacity
	}
	w.entries = append(w.entries, wlEntry{addrType: typ, addr: a})
	return nil
}

func (w *whitelist) remove(typ uint8, a ble.DeviceAddr) {
	for i, e := range w.entries {
		if e.addr == a && e.addrType == typ {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

func (w *whitelist) clear() {
	w.entries = nil
}

// whitelistInUse reports whether an enabled role filters on the whitelist.
// The whitelist cannot change while it does.
func (ll *LinkLayer) whitelistInUse() bool {
	if ll.adv.enabled && ll.adv.params.FilterPolicy != AdvFilterNone {
		return true
	}
	if ll.scan.active() && ll.scan.filterPolicy != 0 {
		return true
	}
	return false
}

// WhitelistAdd adds a device to the whitelist.
func (ll *LinkLayer) WhitelistAdd(addrType uint8, a ble.DeviceAddr) error {
	return ll.locked(func() error {
		if addrType > ble.AddrTypeRandom {
			return ble.ErrInvalidParams
		}
		if ll.whitelistInUse() {
			return ble.ErrCommandDisallowed
		}
		return ll.wl.add(addrType, a)
	})
}

// WhitelistRemove removes a device from the whitelist.
func (ll *LinkLayer) WhitelistRemove(addrType uint8, a ble.DeviceAddr) error {
	return ll.locked(func() error {
		if addrType > ble.AddrTypeRandom {
			return ble.ErrInvalidParams
		}
		if ll.whitelistInUse() {
			return ble.ErrCommandDisallowed
		}
		ll.wl.remove(addrType, a)
		return nil
	})
}

// WhitelistClear empties the whitelist.
func (ll *LinkLayer) WhitelistClear() error {
	return ll.locked(func() error {
		if ll.whitelistInUse() {
			return ble.ErrCommandDisallowed
		}
		ll.wl.clear()
		return nil
	})
}

// WhitelistSize returns the whitelist capacity.
func (ll *LinkLayer) WhitelistSize() int { return whitelistSize }
