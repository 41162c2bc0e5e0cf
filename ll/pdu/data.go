package pdu

// LLID values of the data channel header.
const (
	LLIDReserved  = 0x00
	LLIDDataCont  = 0x01 // continuation fragment or empty PDU
	LLIDDataStart = 0x02
	LLIDControl   = 0x03
)

const (
	llidMask    = 0x03
	nesnBit     = 0x04
	snBit       = 0x08
	mdBit       = 0x10
	dataLenMask = 0x1f
)

// LL control opcodes handled by the controller.
const (
	OpTerminateInd = 0x02
	OpUnknownRsp   = 0x07
)

// Data is a raw data channel PDU.
type Data []byte

func (p Data) LLID() uint8 { return p[0] & llidMask }
func (p Data) NESN() uint8 { return (p[0] & nesnBit) >> 2 }
func (p Data) SN() uint8   { return (p[0] & snBit) >> 3 }
func (p Data) MD() bool    { return p[0]&mdBit != 0 }
func (p Data) Len() int    { return int(p[1] & dataLenMask) }

func (p Data) Payload() []byte {
	n := p.Len()
	if HeaderLen+n > len(p) {
		n = len(p) - HeaderLen
	}
	return p[HeaderLen : HeaderLen+n]
}

// Validate checks the header against the buffer and rejects reserved LLIDs
// and empty control PDUs.
func (p Data) Validate() error {
	if len(p) < HeaderLen || len(p) < HeaderLen+p.Len() {
		return ErrShortPDU
	}
	switch p.LLID() {
	case LLIDReserved:
		return ErrBadType
	case LLIDControl, LLIDDataStart:
		if p.Len() == 0 {
			return ErrBadLength
		}
	}
	return nil
}

// NewData builds a data channel PDU. An empty payload with LLIDDataCont is
// the empty PDU used to keep the link alive.
func NewData(llid, sn, nesn uint8, md bool, payload []byte) (Data, error) {
	if len(payload) > MaxDataLen {
		return nil, ErrBadLength
	}
	h := llid & llidMask
	if nesn != 0 {
		h |= nesnBit
	}
	if sn != 0 {
		h |= snBit
	}
	if md {
		h |= mdBit
	}

	b := make(Data, 0, HeaderLen+len(payload))
	b = append(b, h, byte(len(payload)))
	b = append(b, payload...)
	return b, nil
}
