package ble

// Advertising report event types (LE Advertising Report).
const (
	AdvReportInd        = 0x00 // ADV_IND
	AdvReportDirectInd  = 0x01 // ADV_DIRECT_IND
	AdvReportScanInd    = 0x02 // ADV_SCAN_IND
	AdvReportNonconnInd = 0x03 // ADV_NONCONN_IND
	AdvReportScanRsp    = 0x04 // SCAN_RSP
)

// AdvReport is delivered for every advertising PDU accepted by a scanner.
type AdvReport struct {
	EventType uint8
	AddrType  uint8
	Addr      DeviceAddr
	Data      []byte
	RSSI      int8
	Channel   uint8
}

func (AdvReport) event() {}
