package ble

import "fmt"

// ErrCommand is a BLE controller status code returned by HCI-facing
// operations and carried in host events.
type ErrCommand byte

// Status codes [Vol 2, Part D, 1.3].
const (
	ErrSuccess           ErrCommand = 0x00 // Success
	ErrUnknownCommand    ErrCommand = 0x01 // Unknown HCI Command
	ErrConnID            ErrCommand = 0x02 // Unknown Connection Identifier
	ErrMemCapacity       ErrCommand = 0x07 // Memory Capacity Exceeded
	ErrConnTimeout       ErrCommand = 0x08 // Connection Timeout
	ErrConnLimit         ErrCommand = 0x09 // Connection Limit Exceeded
	ErrCommandDisallowed ErrCommand = 0x0C // Command Disallowed
	ErrUnsupported       ErrCommand = 0x11 // Unsupported Feature or Parameter Value
	ErrInvalidParams     ErrCommand = 0x12 // Invalid HCI Command Parameters
	ErrRemoteUser        ErrCommand = 0x13 // Remote User Terminated Connection
	ErrLocalHost         ErrCommand = 0x16 // Connection Terminated By Local Host
	ErrUnsuppRemote      ErrCommand = 0x1A // Unsupported Remote Feature
	ErrUnspecified       ErrCommand = 0x1F // Unspecified Error
	ErrDirAdvTimeout     ErrCommand = 0x3C // Directed Advertising Timeout
	ErrConnEstablish     ErrCommand = 0x3E // Connection Failed to be Established
)

var errName = map[ErrCommand]string{
	ErrSuccess:           "success",
	ErrUnknownCommand:    "unknown HCI command",
	ErrConnID:            "unknown connection identifier",
	ErrMemCapacity:       "memory capacity exceeded",
	ErrConnTimeout:       "connection timeout",
	ErrConnLimit:         "connection limit exceeded",
	ErrCommandDisallowed: "command disallowed",
	ErrUnsupported:       "unsupported feature or parameter value",
	ErrInvalidParams:     "invalid HCI command parameters",
	ErrRemoteUser:        "remote user terminated connection",
	ErrLocalHost:         "connection terminated by local host",
	ErrUnsuppRemote:      "unsupported remote feature",
	ErrUnspecified:       "unspecified error",
	ErrDirAdvTimeout:     "directed advertising timeout",
	ErrConnEstablish:     "connection failed to be established",
}

func (e ErrCommand) Error() string {
	if s, ok := errName[e]; ok {
		return s
	}
	return fmt.Sprintf("status 0x%02x", byte(e))
}

// Status converts an operation result to the status byte reported to the
// host. Errors that are not controller status codes map to ErrUnspecified.
func Status(err error) ErrCommand {
	if err == nil {
		return ErrSuccess
	}
	if e, ok := err.(ErrCommand); ok {
		return e
	}
	return ErrUnspecified
}
