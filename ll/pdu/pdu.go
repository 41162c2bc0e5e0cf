// Package pdu implements the bit-exact Link Layer packet formats.
package pdu

import "github.com/pkg/errors"

// Type is the 4-bit advertising channel PDU type.
type Type uint8

const (
	AdvInd        Type = 0x0
	AdvDirectInd  Type = 0x1
	AdvNonconnInd Type = 0x2
	ScanReq       Type = 0x3
	ScanRsp       Type = 0x4
	ConnectReq    Type = 0x5
	AdvScanInd    Type = 0x6
)

var typeName = map[Type]string{
	AdvInd:        "ADV_IND",
	AdvDirectInd:  "ADV_DIRECT_IND",
	AdvNonconnInd: "ADV_NONCONN_IND",
	ScanReq:       "SCAN_REQ",
	ScanRsp:       "SCAN_RSP",
	ConnectReq:    "CONNECT_REQ",
	AdvScanInd:    "ADV_SCAN_IND",
}

func (t Type) String() string {
	if s, ok := typeName[t]; ok {
		return s
	}
	return "RESERVED"
}

const (
	AdvAccessAddr = 0x8E89BED6
	AdvCRCInit    = 0x555555

	HeaderLen    = 2
	AddrLen      = 6
	MaxAdvData   = 31
	MaxAdvLen    = 37 // payload
	MaxDataLen   = 27 // data channel payload
	MaxPDULen    = HeaderLen + MaxAdvLen
	ConnReqLen   = 34
	ScanReqLen   = 12
	DirectIndLen = 12
	MinAdvLen    = 6

	// preamble + access address + CRC
	OverheadLen = 1 + 4 + 3

	TypeMask     = 0x0f
	TxAddBit     = 0x40
	RxAddBit     = 0x80
	LenMask      = 0x3f
	FirstAdvChan = 37
	LastAdvChan  = 39
	NumDataChans = 37
)

var (
	ErrShortPDU  = errors.New("pdu too short")
	ErrBadLength = errors.New("pdu length invalid for type")
	ErrBadType   = errors.New("unexpected pdu type")
)

// TxTime returns the airtime in µs of a PDU of n bytes (header included).
func TxTime(n int) uint32 {
	return uint32(n+OverheadLen) * 8
}

// ValidAdvLength reports whether length is legal for an advertising
// channel PDU of type t.
func ValidAdvLength(t Type, length int) bool {
	switch t {
	case ScanReq, AdvDirectInd:
		return length == ScanReqLen
	case AdvInd, AdvScanInd, AdvNonconnInd, ScanRsp:
		return length >= MinAdvLen && length <= MaxAdvLen
	case ConnectReq:
		return length == ConnReqLen
	default:
		return false
	}
}

// Header builds the two-byte advertising channel header.
func Header(t Type, txAdd, rxAdd bool, length int) [2]byte {
	h := byte(t) & TypeMask
	if txAdd {
		h |= TxAddBit
	}
	if rxAdd {
		h |= RxAddBit
	}
	return [2]byte{h, byte(length) & LenMask}
}
