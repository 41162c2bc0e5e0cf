// Package phy defines the radio interface the Link Layer drives.
package phy

import (
	"github.com/pkg/errors"
	"github.com/rigado/blell/ll/pdu"
)

// State is the radio state.
type State uint8

const (
	StateIdle State = iota
	StateRx
	StateTx
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRx:
		return "rx"
	case StateTx:
		return "tx"
	default:
		return "unknown"
	}
}

// Transition is what the radio does automatically around a transmission.
type Transition uint8

const (
	TransNone Transition = iota
	TransRxTx            // transmit IFS after the end of the current reception
	TransTxRx            // start receiving IFS after the end of this transmission
)

// RxAction is the Link Layer's verdict when a reception starts.
type RxAction int

const (
	RxAbort      RxAction = -1 // stop receiving, disable the radio
	RxContinue   RxAction = 0  // receive the frame, no reply
	RxTurnaround RxAction = 1  // receive the frame and be ready to reply after IFS
)

const (
	// IFS is the inter frame space in µs.
	IFS = 150

	MinTxPower = -40
	MaxTxPower = 4
)

var (
	ErrRadioState     = errors.New("phy: radio in wrong state")
	ErrInvalidChannel = errors.New("phy: invalid channel")
)

// Handler is implemented by the Link Layer. All methods are called in
// interrupt context.
type Handler interface {
	// RxStart is called once the access address matched. The frame is
	// borrowed for the duration of the call.
	RxStart(f *pdu.Frame) RxAction
	// RxEnd hands over ownership of the frame.
	RxEnd(f *pdu.Frame)
	// TxEnd is called when the last bit has been sent.
	TxEnd()
}

// PHY is a radio.
type PHY interface {
	SetHandler(h Handler)
	// SetChannel tunes to a channel and sets the access address and CRC
	// init used for both directions.
	SetChannel(ch uint8, accessAddr, crcInit uint32) error
	// Transmit sends b. With TransRxTx the radio must be turning around
	// after a reception, otherwise it must be idle.
	Transmit(b []byte, before, after Transition) error
	Receive() error
	Disable()
	State() State
	Channel() uint8
	// SetTxPower sets the output power, railed to the radio limits, and
	// returns the value applied.
	SetTxPower(dbm int) int
	TxPower() int
}

// Freq returns the centre frequency in MHz of a Link Layer channel index.
func Freq(ch uint8) (int, error) {
	switch {
	case ch == 37:
		return 2402, nil
	case ch == 38:
		return 2426, nil
	case ch == 39:
		return 2480, nil
	case ch <= 10:
		return 2404 + 2*int(ch), nil
	case ch <= 36:
		return 2428 + 2*int(ch-11), nil
	default:
		return 0, ErrInvalidChannel
	}
}

// RailTxPower clamps dbm to the supported range.
func RailTxPower(dbm int) int {
	switch {
	case dbm < MinTxPower:
		return MinTxPower
	case dbm > MaxTxPower:
		return MaxTxPower
	default:
		return dbm
	}
}
