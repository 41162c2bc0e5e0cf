package pdu

// Flags annotate a received frame as it moves from the receive interrupt
// to the task.
type Flags uint8

const (
	FlagDevMatch   Flags = 1 << iota // addressed to us and accepted by the filter policy
	FlagScanRspTxd                   // a SCAN_RSP was sent in reply
	FlagConnReqTxd                   // a CONNECT_REQ was sent in reply
	FlagAdvChan                      // received on an advertising channel
)

// Frame is a received PDU plus its reception metadata. A frame belongs to
// exactly one owner at a time: the radio while receiving, then whoever the
// receive-end handler hands it to. The last owner returns it with Release.
type Frame struct {
	Buf     []byte
	Channel uint8
	CRCOK   bool
	RSSI    int8
	Flags   Flags
	End     uint32 // tick at the end of the last received bit

	pool *Pool
}

func (f *Frame) Adv() Adv   { return Adv(f.Buf) }
func (f *Frame) Data() Data { return Data(f.Buf) }

// AdvChannel reports whether the frame was received on channel 37-39.
func (f *Frame) AdvChannel() bool {
	return f.Channel >= FirstAdvChan
}

// Release returns the frame to its pool. The frame must not be used after.
func (f *Frame) Release() {
	if f.pool != nil {
		f.pool.put(f)
	}
}

// Pool is a fixed set of receive buffers.
type Pool struct {
	free chan *Frame
}

func NewPool(n int) *Pool {
	p := &Pool{free: make(chan *Frame, n)}
	for i := 0; i < n; i++ {
		p.free <- &Frame{Buf: make([]byte, 0, MaxPDULen), pool: p}
	}
	return p
}

// Get takes a frame holding a copy of b, or returns nil when every buffer
// is in use.
func (p *Pool) Get(b []byte) *Frame {
	select {
	case f := <-p.free:
		f.Buf = append(f.Buf[:0], b...)
		return f
	default:
		return nil
	}
}

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	return len(p.free)
}

func (p *Pool) put(f *Frame) {
	f.Buf = f.Buf[:0]
	f.Channel, f.CRCOK, f.RSSI, f.Flags, f.End = 0, false, 0, 0, 0
	select {
	case p.free <- f:
	default:
		panic("pdu: frame released twice")
	}
}
