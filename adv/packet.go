// Package adv builds and parses the AD structures carried in advertising
// and scan response data.
package adv

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/sliceops"
)

// MaxLength is the largest advertising or scan response payload.
const MaxLength = pdu.MaxAdvData

// AD types. Refer to Supplement to Bluetooth Core Specification, Part A.
const (
	typeFlags        = 0x01
	typeSomeUUID16   = 0x02
	typeAllUUID16    = 0x03
	typeSomeUUID32   = 0x04
	typeAllUUID32    = 0x05
	typeSomeUUID128  = 0x06
	typeAllUUID128   = 0x07
	typeShortName    = 0x08
	typeCompleteName = 0x09
	typeTxPower      = 0x0a
	typeSol16        = 0x14
	typeSol128       = 0x15
	typeSvcData16    = 0x16
	typeSol32        = 0x1f
	typeSvcData32    = 0x20
	typeSvcData128   = 0x21
	typeMfgData      = 0xff
)

// Flags bits.
const (
	FlagLimitedDiscoverable = 0x01
	FlagGeneralDiscoverable = 0x02
	FlagLEOnly              = 0x04
)

var (
	ErrNotFit  = errors.New("field does not fit in packet")
	ErrInvalid = errors.New("invalid field")
)

// UUID is a 16, 32 or 128-bit UUID in over-the-air (little-endian) order.
type UUID []byte

// UUID16 returns the 16-bit UUID u.
func UUID16(u uint16) UUID {
	return UUID{uint8(u), uint8(u >> 8)}
}

// ParseUUID parses a 16 or 32-bit UUID in hex ("180d"), or a 128-bit UUID
// in any form accepted by uuid.Parse.
func ParseUUID(s string) (UUID, error) {
	h := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(h) == 4 || len(h) == 8 {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, errors.Wrapf(err, "parse uuid %q", s)
		}
		return UUID(sliceops.SwapBuf(b)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse uuid %q", s)
	}
	return UUID(sliceops.SwapBuf(u[:])), nil
}

// MustParseUUID is ParseUUID that panics on error.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u UUID) Len() int { return len(u) }

// String prints the UUID most significant byte first.
func (u UUID) String() string {
	return hex.EncodeToString(sliceops.SwapBuf(u))
}

// Packet is the advertising data or scan response data of one advertiser.
type Packet struct {
	b []byte
}

// Bytes returns the bytes of the packet, ready for SetAdvData.
func (p *Packet) Bytes() []byte {
	return p.b
}

// Len returns the length of the packet.
func (p *Packet) Len() int {
	return len(p.b)
}

// NewPacket returns a packet holding fields in order.
func NewPacket(fields ...Field) (*Packet, error) {
	p := &Packet{b: make([]byte, 0, MaxLength)}
	for _, f := range fields {
		if err := f(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Field is an AD structure which can be appended to a packet.
type Field func(p *Packet) error

// Append appends a field to the packet. It returns ErrNotFit if the field
// doesn't fit, and leaves the packet intact.
func (p *Packet) Append(f Field) error {
	return f(p)
}

func (p *Packet) append(typ byte, b []byte) error {
	if p.Len()+2+len(b) > MaxLength {
		return ErrNotFit
	}
	p.b = append(p.b, byte(len(b)+1), typ)
	p.b = append(p.b, b...)
	return nil
}

// Raw appends already encoded AD structures.
func Raw(b []byte) Field {
	return func(p *Packet) error {
		if p.Len()+len(b) > MaxLength {
			return ErrNotFit
		}
		p.b = append(p.b, b...)
		return nil
	}
}

// Flags is the flags AD structure.
func Flags(f byte) Field {
	return func(p *Packet) error {
		return p.append(typeFlags, []byte{f})
	}
}

// ShortName is a shortened local name.
func ShortName(n string) Field {
	return func(p *Packet) error {
		return p.append(typeShortName, []byte(n))
	}
}

// CompleteName is a complete local name.
func CompleteName(n string) Field {
	return func(p *Packet) error {
		return p.append(typeCompleteName, []byte(n))
	}
}

// TxPower is the advertised transmit power level in dBm.
func TxPower(dbm int8) Field {
	return func(p *Packet) error {
		return p.append(typeTxPower, []byte{uint8(dbm)})
	}
}

// ManufacturerData is manufacturer specific data for company id.
func ManufacturerData(id uint16, b []byte) Field {
	return func(p *Packet) error {
		d := make([]byte, 2, 2+len(b))
		binary.LittleEndian.PutUint16(d, id)
		return p.append(typeMfgData, append(d, b...))
	}
}

// AllUUID lists u as one of the complete list of service UUIDs.
func AllUUID(u UUID) Field {
	return uuidField(u, typeAllUUID16, typeAllUUID32, typeAllUUID128)
}

// SomeUUID lists u as one of an incomplete list of service UUIDs.
func SomeUUID(u UUID) Field {
	return uuidField(u, typeSomeUUID16, typeSomeUUID32, typeSomeUUID128)
}

func uuidField(u UUID, t16, t32, t128 byte) Field {
	return func(p *Packet) error {
		switch u.Len() {
		case 2:
			return p.append(t16, u)
		case 4:
			return p.append(t32, u)
		case 16:
			return p.append(t128, u)
		}
		return ErrInvalid
	}
}

// ServiceData is service data for the 16, 32 or 128-bit service u.
func ServiceData(u UUID, b []byte) Field {
	return func(p *Packet) error {
		d := append(append(make([]byte, 0, u.Len()+len(b)), u...), b...)
		switch u.Len() {
		case 2:
			return p.append(typeSvcData16, d)
		case 4:
			return p.append(typeSvcData32, d)
		case 16:
			return p.append(typeSvcData128, d)
		}
		return ErrInvalid
	}
}
