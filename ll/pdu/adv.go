package pdu

import (
	ble "github.com/rigado/blell"
)

// Adv is a raw advertising channel PDU: header followed by payload.
type Adv []byte

func (p Adv) Type() Type  { return Type(p[0] & TypeMask) }
func (p Adv) TxAdd() bool { return p[0]&TxAddBit != 0 }
func (p Adv) RxAdd() bool { return p[0]&RxAddBit != 0 }
func (p Adv) Len() int    { return int(p[1] & LenMask) }

// Payload returns the bytes following the header, bounded by the length
// field.
func (p Adv) Payload() []byte {
	n := p.Len()
	if HeaderLen+n > len(p) {
		n = len(p) - HeaderLen
	}
	return p[HeaderLen : HeaderLen+n]
}

// Validate checks that the buffer holds a complete PDU whose length is
// legal for its type.
func (p Adv) Validate() error {
	if len(p) < HeaderLen {
		return ErrShortPDU
	}
	if len(p) < HeaderLen+p.Len() {
		return ErrShortPDU
	}
	if !ValidAdvLength(p.Type(), p.Len()) {
		return ErrBadLength
	}
	return nil
}

// AdvA is the advertiser address of ADV_*, SCAN_RSP (first field) and
// SCAN_REQ/CONNECT_REQ (second field).
func (p Adv) AdvA() ble.DeviceAddr {
	var a ble.DeviceAddr
	switch p.Type() {
	case ScanReq, ConnectReq:
		copy(a[:], p[HeaderLen+AddrLen:])
	default:
		copy(a[:], p[HeaderLen:])
	}
	return a
}

// PeerA is the first address field of SCAN_REQ (ScanA) and CONNECT_REQ
// (InitA), or the second address of ADV_DIRECT_IND (InitA).
func (p Adv) PeerA() ble.DeviceAddr {
	var a ble.DeviceAddr
	switch p.Type() {
	case AdvDirectInd:
		copy(a[:], p[HeaderLen+AddrLen:])
	default:
		copy(a[:], p[HeaderLen:])
	}
	return a
}

// AdvData is the advertising data following AdvA.
func (p Adv) AdvData() []byte {
	pl := p.Payload()
	if len(pl) < AddrLen {
		return nil
	}
	return pl[AddrLen:]
}

// NewAdv builds ADV_IND, ADV_SCAN_IND, ADV_NONCONN_IND and SCAN_RSP PDUs.
func NewAdv(t Type, advA ble.DeviceAddr, random bool, data []byte) (Adv, error) {
	switch t {
	case AdvInd, AdvScanInd, AdvNonconnInd, ScanRsp:
	default:
		return nil, ErrBadType
	}
	if len(data) > MaxAdvData {
		return nil, ErrBadLength
	}

	n := AddrLen + len(data)
	h := Header(t, random, false, n)
	b := make(Adv, 0, HeaderLen+n)
	b = append(b, h[:]...)
	b = append(b, advA[:]...)
	b = append(b, data...)
	return b, nil
}

// NewDirectInd builds ADV_DIRECT_IND.
func NewDirectInd(advA ble.DeviceAddr, advRandom bool, initA ble.DeviceAddr, initRandom bool) Adv {
	h := Header(AdvDirectInd, advRandom, initRandom, DirectIndLen)
	b := make(Adv, 0, HeaderLen+DirectIndLen)
	b = append(b, h[:]...)
	b = append(b, advA[:]...)
	b = append(b, initA[:]...)
	return b
}

// NewScanReq builds SCAN_REQ.
func NewScanReq(scanA ble.DeviceAddr, scanRandom bool, advA ble.DeviceAddr, advRandom bool) Adv {
	h := Header(ScanReq, scanRandom, advRandom, ScanReqLen)
	b := make(Adv, 0, HeaderLen+ScanReqLen)
	b = append(b, h[:]...)
	b = append(b, scanA[:]...)
	b = append(b, advA[:]...)
	return b
}
