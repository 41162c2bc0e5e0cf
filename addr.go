package ble

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rigado/blell/sliceops"
)

// Addr represents a device address as seen by the host.
type Addr interface {
	String() string
	Bytes() []byte
}

// Address types as carried in the TxAdd/RxAdd header bits and HCI commands.
const (
	AddrTypePublic = 0
	AddrTypeRandom = 1
)

// DeviceAddr is a 48-bit device address in over-the-air (little-endian)
// byte order.
type DeviceAddr [6]byte

// ParseDeviceAddr parses the "aa:bb:cc:dd:ee:ff" display form (most
// significant byte first).
func ParseDeviceAddr(s string) (DeviceAddr, error) {
	var a DeviceAddr
	b, err := hex.DecodeString(strings.Replace(s, ":", "", -1))
	if err != nil {
		return a, errors.Wrapf(err, "parse address %q", s)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid address length %v", len(b))
	}
	copy(a[:], sliceops.SwapBuf(b))
	return a, nil
}

// MustParseDeviceAddr is ParseDeviceAddr that panics on error.
func MustParseDeviceAddr(s string) DeviceAddr {
	a, err := ParseDeviceAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a DeviceAddr) String() string {
	b := sliceops.SwapBuf(a[:])
	s := make([]string, len(b))
	for i, v := range b {
		s[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(s, ":")
}

// Bytes returns the address in display order.
func (a DeviceAddr) Bytes() []byte {
	return sliceops.SwapBuf(a[:])
}

func (a DeviceAddr) IsZero() bool {
	return a == DeviceAddr{}
}

// Random address sub-types, taken from the two most significant bits.
const (
	RandomNonResolvable = 0x00
	RandomResolvable    = 0x40
	RandomStatic        = 0xc0
)

// ValidRandom reports whether a can be used as a random device address.
// The random part must not be all zeroes or all ones; a non-resolvable
// address must also differ from the public address pub.
func (a DeviceAddr) ValidRandom(pub DeviceAddr) bool {
	sub := a[5] & 0xc0
	rnd := a
	rnd[5] &= 0x3f

	switch {
	case rnd == DeviceAddr{}:
		return false
	case rnd == DeviceAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0x3f}:
		return false
	}

	switch sub {
	case RandomStatic:
		return true
	case RandomResolvable:
		// prand must not be all 0 or all 1
		prand := []byte{a[3], a[4], a[5] & 0x3f}
		if bytes.Equal(prand, []byte{0, 0, 0}) || bytes.Equal(prand, []byte{0xff, 0xff, 0x3f}) {
			return false
		}
		return true
	case RandomNonResolvable:
		return a != pub
	default:
		return false
	}
}
