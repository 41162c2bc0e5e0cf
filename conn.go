package ble

// Event is a controller-to-host event.
type Event interface {
	event()
}

// EventHandler receives host events. It is never called while the
// controller holds internal locks, so it may call back into the controller.
type EventHandler func(Event)

// Connection roles.
const (
	RoleMaster = 0x00
	RoleSlave  = 0x01
)

// ConnectionComplete reports the outcome of connection creation. A non-zero
// Status means no connection exists (for example ErrDirAdvTimeout when
// high duty cycle directed advertising expires, or ErrConnID after a
// cancelled create).
type ConnectionComplete struct {
	Status       ErrCommand
	Handle       uint16
	Role         uint8
	PeerAddrType uint8
	PeerAddr     DeviceAddr
	Interval     uint16
	Latency      uint16
	Timeout      uint16
	MasterSCA    uint8
}

func (ConnectionComplete) event() {}

// DisconnectionComplete reports that a connection handle was released.
type DisconnectionComplete struct {
	Status ErrCommand
	Handle uint16
	Reason ErrCommand
}

func (DisconnectionComplete) event() {}

// DataReceived carries the payload of a data channel PDU.
type DataReceived struct {
	Handle uint16
	LLID   uint8
	Data   []byte
}

func (DataReceived) event() {}

// DataAcked reports that a previously queued data PDU was acknowledged.
type DataAcked struct {
	Handle uint16
}

func (DataAcked) event() {}
