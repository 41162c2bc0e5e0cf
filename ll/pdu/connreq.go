package pdu

import (
	"encoding/binary"

	ble "github.com/rigado/blell"
)

// ConnReq is the payload of CONNECT_REQ.
type ConnReq struct {
	InitA      ble.DeviceAddr
	InitRandom bool // TxAdd
	AdvA       ble.DeviceAddr
	AdvRandom  bool // RxAdd

	AccessAddr uint32
	CRCInit    uint32 // 24 bits
	WinSize    uint8  // 1.25 ms units
	WinOffset  uint16 // 1.25 ms units
	Interval   uint16 // 1.25 ms units
	Latency    uint16
	Timeout    uint16 // 10 ms units
	ChanMap    ChannelMap
	Hop        uint8 // 5 bits
	SCA        uint8 // 3 bits
}

const (
	hopMask = 0x1f
	scaMask = 0xe0
)

// Marshal returns the complete CONNECT_REQ PDU including its header.
func (c ConnReq) Marshal() Adv {
	b := make(Adv, HeaderLen+ConnReqLen)
	h := Header(ConnectReq, c.InitRandom, c.AdvRandom, ConnReqLen)
	copy(b, h[:])

	p := b[HeaderLen:]
	copy(p[0:6], c.InitA[:])
	copy(p[6:12], c.AdvA[:])
	binary.LittleEndian.PutUint32(p[12:16], c.AccessAddr)
	p[16] = byte(c.CRCInit)
	p[17] = byte(c.CRCInit >> 8)
	p[18] = byte(c.CRCInit >> 16)
	p[19] = c.WinSize
	binary.LittleEndian.PutUint16(p[20:22], c.WinOffset)
	binary.LittleEndian.PutUint16(p[22:24], c.Interval)
	binary.LittleEndian.PutUint16(p[24:26], c.Latency)
	binary.LittleEndian.PutUint16(p[26:28], c.Timeout)
	copy(p[28:33], c.ChanMap[:])
	p[33] = c.Hop&hopMask | (c.SCA<<5)&scaMask
	return b
}

// ParseConnReq decodes a CONNECT_REQ PDU (header included).
func ParseConnReq(b Adv) (ConnReq, error) {
	var c ConnReq
	if len(b) < HeaderLen+ConnReqLen {
		return c, ErrShortPDU
	}
	if b.Type() != ConnectReq {
		return c, ErrBadType
	}
	if b.Len() != ConnReqLen {
		return c, ErrBadLength
	}

	p := b[HeaderLen:]
	c.InitRandom = b.TxAdd()
	c.AdvRandom = b.RxAdd()
	copy(c.InitA[:], p[0:6])
	copy(c.AdvA[:], p[6:12])
	c.AccessAddr = binary.LittleEndian.Uint32(p[12:16])
	c.CRCInit = uint32(p[16]) | uint32(p[17])<<8 | uint32(p[18])<<16
	c.WinSize = p[19]
	c.WinOffset = binary.LittleEndian.Uint16(p[20:22])
	c.Interval = binary.LittleEndian.Uint16(p[22:24])
	c.Latency = binary.LittleEndian.Uint16(p[24:26])
	c.Timeout = binary.LittleEndian.Uint16(p[26:28])
	copy(c.ChanMap[:], p[28:33])
	c.Hop = p[33] & hopMask
	c.SCA = (p[33] & scaMask) >> 5
	return c, nil
}
