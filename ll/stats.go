package ll

import "github.com/rigado/blell/ll/pdu"

// Stats are the controller counters.
type Stats struct {
	RxAdvInd       uint32 `json:"rx_adv_ind"`
	RxAdvDirectInd uint32 `json:"rx_adv_direct_ind"`
	RxAdvNonconn   uint32 `json:"rx_adv_nonconn_ind"`
	RxScanReqs     uint32 `json:"rx_scan_reqs"`
	RxScanRsps     uint32 `json:"rx_scan_rsps"`
	RxConnectReqs  uint32 `json:"rx_connect_reqs"`
	RxScanInd      uint32 `json:"rx_scan_ind"`
	RxUnknownPDU   uint32 `json:"rx_unk_pdu"`
	RxCRCOK        uint32 `json:"rx_crc_ok"`
	RxCRCFail      uint32 `json:"rx_crc_fail"`
	RxBytes        uint32 `json:"rx_bytes"`
	RxMalformed    uint32 `json:"rx_malformed_pkts"`
	RxDataPDUs     uint32 `json:"rx_data_pdus"`
	BadLLState     uint32 `json:"bad_ll_state"`

	AdvTxd         uint32 `json:"adv_txd"`
	AdvLateTxDone  uint32 `json:"adv_late_tx_done"`
	AdvSchedFail   uint32 `json:"adv_sched_fail"`
	AdvHDTimeouts  uint32 `json:"adv_hd_timeouts"`
	ScanRspTxd     uint32 `json:"scan_rsp_txd"`
	ConnReqTxd     uint32 `json:"conn_req_txd"`
	ScanWindows    uint32 `json:"scan_windows"`
	ConnEvents     uint32 `json:"conn_events"`
	ConnEventsLate uint32 `json:"conn_events_late"`
	ConnSpvnTmo    uint32 `json:"conn_spvn_tmo"`
	DataTxd        uint32 `json:"data_txd"`
	DataAcked      uint32 `json:"data_acked"`

	WfrTimeouts    uint32 `json:"wfr_timeouts"`
	RadioStateErrs uint32 `json:"radio_state_errs"`
	SchedStateErrs uint32 `json:"sched_state_errs"`
	EventQueueFull uint32 `json:"event_queue_full"`
}

func (s *Stats) countAdvType(t pdu.Type) {
	switch t {
	case pdu.AdvInd:
		s.RxAdvInd++
	case pdu.AdvDirectInd:
		s.RxAdvDirectInd++
	case pdu.AdvNonconnInd:
		s.RxAdvNonconn++
	case pdu.ScanReq:
		s.RxScanReqs++
	case pdu.ScanRsp:
		s.RxScanRsps++
	case pdu.ConnectReq:
		s.RxConnectReqs++
	case pdu.AdvScanInd:
		s.RxScanInd++
	default:
		s.RxUnknownPDU++
	}
}
