package ll

import (
	"testing"

	ble "github.com/rigado/blell"
	"github.com/rigado/blell/ll/pdu"
	"github.com/rigado/blell/ll/phy"
	"github.com/rigado/blell/ll/phy/sim"
	"github.com/rigado/blell/ll/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConnItvl = 0x18 // 30 ms

func testConnParams(peer ble.DeviceAddr) CreateConnParams {
	return CreateConnParams{
		ScanInterval: 0x0010,
		ScanWindow:   0x0010,
		PeerAddr:     peer,
		IntervalMin:  testConnItvl,
		IntervalMax:  testConnItvl,
		Timeout:      0x0048,
	}
}

func established(nd *testNode) bool {
	ci, ok := nd.ll.ConnInfo()
	return ok && ci.State == ConnEstablished
}

// connect brings up a connection with a as slave and b as master.
func connect(t *testing.T, n *testNet) (a, b *testNode) {
	a = n.add("a", "00:00:00:00:00:0a")
	b = n.add("b", "00:00:00:00:00:0b")

	p := advParams(AdvTypeInd)
	p.IntervalMin, p.IntervalMax = 0x20, 0x30
	require.NoError(t, a.ll.SetAdvParams(p))
	require.NoError(t, a.ll.SetAdvEnable(true))
	require.NoError(t, b.ll.CreateConnection(testConnParams(a.addr)))

	require.True(t, n.runUntil(200000, func() bool { return established(a) && established(b) }))
	return a, b
}

func TestCreateConnParamsValidation(t *testing.T) {
	peer := ble.MustParseDeviceAddr("00:00:00:00:00:0a")
	tests := []struct {
		name string
		mod  func(p *CreateConnParams)
		err  error
	}{
		{"valid", func(p *CreateConnParams) {}, nil},
		{"scan window above interval", func(p *CreateConnParams) { p.ScanWindow = 0x20 }, ble.ErrInvalidParams},
		{"scan interval too short", func(p *CreateConnParams) { p.ScanInterval, p.ScanWindow = 3, 3 }, ble.ErrInvalidParams},
		{"filter policy", func(p *CreateConnParams) { p.FilterPolicy = 2 }, ble.ErrInvalidParams},
		{"peer addr type", func(p *CreateConnParams) { p.PeerAddrType = 2 }, ble.ErrInvalidParams},
		{"peer addr type ignored with whitelist", func(p *CreateConnParams) { p.FilterPolicy, p.PeerAddrType = 1, 2 }, nil},
		{"own addr type", func(p *CreateConnParams) { p.OwnAddrType = 4 }, ble.ErrInvalidParams},
		{"interval min above max", func(p *CreateConnParams) { p.IntervalMin = 0x19 }, ble.ErrInvalidParams},
		{"interval too short", func(p *CreateConnParams) { p.IntervalMin = 5 }, ble.ErrInvalidParams},
		{"interval too long", func(p *CreateConnParams) { p.IntervalMax = 0xc81 }, ble.ErrInvalidParams},
		{"latency", func(p *CreateConnParams) { p.Latency = 0x1f4 }, ble.ErrInvalidParams},
		{"timeout too short", func(p *CreateConnParams) { p.Timeout = 9 }, ble.ErrInvalidParams},
		{"timeout too long", func(p *CreateConnParams) { p.Timeout = 0xc81 }, ble.ErrInvalidParams},
		{"timeout below interval", func(p *CreateConnParams) { p.Timeout = 0x0a; p.Latency = 4 }, ble.ErrInvalidParams},
		{"ce length", func(p *CreateConnParams) { p.MinCELen = 2 }, ble.ErrInvalidParams},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNet(t)
			l := n.add("b", "00:00:00:00:00:0b").ll
			p := testConnParams(peer)
			tc.mod(&p)
			assert.Equal(t, tc.err, l.CreateConnection(p))
		})
	}
}

func TestCreateConnParamsUnmarshal(t *testing.T) {
	b := []byte{
		0x10, 0x00, 0x08, 0x00, 0x00, 0x01,
		0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x00, 0x18, 0x00, 0x28, 0x00, 0x01, 0x00, 0x48, 0x00, 0x00, 0x00, 0x02, 0x00,
	}
	var p CreateConnParams
	require.NoError(t, p.Unmarshal(b))
	assert.Equal(t, CreateConnParams{
		ScanInterval: 0x10,
		ScanWindow:   0x08,
		PeerAddrType: ble.AddrTypeRandom,
		PeerAddr:     ble.MustParseDeviceAddr("01:02:03:04:05:06"),
		IntervalMin:  0x18,
		IntervalMax:  0x28,
		Latency:      1,
		Timeout:      0x48,
		MaxCELen:     2,
	}, p)
	assert.Equal(t, ble.ErrInvalidParams, p.Unmarshal(b[1:]))
}

func TestCreateConnectionCancel(t *testing.T) {
	n := newTestNet(t)
	b := n.add("b", "00:00:00:00:00:0b")
	assert.Equal(t, ble.ErrCommandDisallowed, b.ll.CreateConnectionCancel())

	require.NoError(t, b.ll.CreateConnection(testConnParams(ble.MustParseDeviceAddr("00:00:00:00:00:0a"))))
	assert.Equal(t, ble.ErrCommandDisallowed, b.ll.CreateConnection(testConnParams(ble.MustParseDeviceAddr("00:00:00:00:00:0a"))))
	n.run(50000)
	assert.Equal(t, StateInitiating, b.ll.State())

	require.NoError(t, b.ll.CreateConnectionCancel())
	assert.Equal(t, StateStandby, b.ll.State())
	assert.Equal(t, 0, b.ll.sched.Len())
	cc := eventsOf[ble.ConnectionComplete](b)
	require.Len(t, cc, 1)
	assert.Equal(t, ble.ErrConnID, cc[0].Status)
}

func TestConnectionEstablished(t *testing.T) {
	n := newTestNet(t)
	a, b := connect(t, n)

	ca := eventsOf[ble.ConnectionComplete](a)
	require.Len(t, ca, 1)
	assert.Equal(t, ble.ErrSuccess, ca[0].Status)
	assert.Equal(t, uint8(ble.RoleSlave), ca[0].Role)
	assert.Equal(t, b.addr, ca[0].PeerAddr)
	assert.Equal(t, uint16(testConnItvl), ca[0].Interval)

	cb := eventsOf[ble.ConnectionComplete](b)
	require.Len(t, cb, 1)
	assert.Equal(t, uint8(ble.RoleMaster), cb[0].Role)
	assert.Equal(t, a.addr, cb[0].PeerAddr)
	assert.Equal(t, uint16(connHandle), cb[0].Handle)

	// advertising stopped and the initiator is gone
	assert.False(t, a.ll.AdvEnabled())
	assert.False(t, b.ll.scan.active())
	assert.Equal(t, ble.ErrCommandDisallowed, a.ll.SetAdvEnable(true))
	assert.Equal(t, ble.ErrConnLimit, b.ll.CreateConnection(testConnParams(a.addr)))

	ia, _ := a.ll.ConnInfo()
	ib, _ := b.ll.ConnInfo()
	assert.Equal(t, ib.AccessAddr, ia.AccessAddr)
	assert.Equal(t, ib.CRCInit, ia.CRCInit)
	assert.Equal(t, ib.Hop, ia.Hop)
	assert.Equal(t, ib.ChanMap, ia.ChanMap)
	assert.True(t, ia.Hop >= 5 && ia.Hop <= 16)
	assert.True(t, pdu.ValidAccessAddress(ia.AccessAddr))

	require.True(t, n.runUntil(100000, func() bool { return a.ll.State() == StateConnection }))
	n.run(300000)
	ia, _ = a.ll.ConnInfo()
	ib, _ = b.ll.ConnInfo()
	assert.InDelta(t, ib.EventCounter, ia.EventCounter, 1)
	assert.True(t, ia.EventCounter > 9)

	sa, sb := a.ll.Stats(), b.ll.Stats()
	assert.Zero(t, sa.ConnEventsLate)
	assert.Zero(t, sb.ConnEventsLate)
	assert.Zero(t, sa.ConnSpvnTmo)
	assert.True(t, sb.ConnEvents > 9)
	assert.Equal(t, uint32(1), sb.ConnReqTxd)
}

func TestConnectionChannelHopping(t *testing.T) {
	n := newTestNet(t)
	_, b := connect(t, n)
	ib, _ := b.ll.ConnInfo()

	var masterTx, slaveTx []uint8
	var gaps []uint32
	var last uint32
	for _, tx := range n.air.Log() {
		if tx.Channel >= pdu.FirstAdvChan {
			continue
		}
		switch tx.From {
		case "b":
			masterTx = append(masterTx, tx.Channel)
			last = tx.End
		case "a":
			slaveTx = append(slaveTx, tx.Channel)
			gaps = append(gaps, tx.Start-last)
		}
	}
	require.NotEmpty(t, masterTx)
	require.Equal(t, len(masterTx), len(slaveTx))
	assert.Equal(t, masterTx, slaveTx)
	for _, g := range gaps {
		assert.Equal(t, uint32(phy.IFS), g)
	}

	var unmapped, ch uint8
	for i, got := range masterTx {
		unmapped, ch = pdu.NextDataChannel(unmapped, ib.Hop, ib.ChanMap)
		assert.Equal(t, ch, got, "event %d", i)
	}
}

func TestConnectionHostChannelMap(t *testing.T) {
	n := newTestNet(t)
	a := n.add("a", "00:00:00:00:00:0a")
	b := n.add("b", "00:00:00:00:00:0b")
	m := pdu.ChannelMap{0x00, 0x81}
	require.NoError(t, b.ll.SetChannelMap(m))

	p := advParams(AdvTypeInd)
	p.IntervalMin, p.IntervalMax = 0x20, 0x30
	require.NoError(t, a.ll.SetAdvParams(p))
	require.NoError(t, a.ll.SetAdvEnable(true))
	require.NoError(t, b.ll.CreateConnection(testConnParams(a.addr)))
	require.True(t, n.runUntil(200000, func() bool { return established(a) && established(b) }))
	n.run(200000)

	assert.Equal(t, m, a.ll.ChannelMap())
	for _, tx := range n.air.Log() {
		if tx.Channel < pdu.FirstAdvChan {
			assert.Contains(t, []uint8{8, 15}, tx.Channel)
		}
	}
}

func TestConnectionData(t *testing.T) {
	n := newTestNet(t)
	a, b := connect(t, n)

	assert.Equal(t, ble.ErrConnID, b.ll.SendData(2, []byte("x")))
	assert.Equal(t, ble.ErrInvalidParams, b.ll.SendData(connHandle, make([]byte, pdu.MaxDataLen+1)))
	assert.Equal(t, ble.ErrInvalidParams, b.ll.SendData(connHandle, nil))

	require.NoError(t, b.ll.SendData(connHandle, []byte("hello")))
	require.NoError(t, a.ll.SendData(connHandle, []byte("world!")))
	n.run(200000)

	ra := eventsOf[ble.DataReceived](a)
	require.Len(t, ra, 1)
	assert.Equal(t, ble.DataReceived{Handle: connHandle, LLID: pdu.LLIDDataStart, Data: []byte("hello")}, ra[0])
	rb := eventsOf[ble.DataReceived](b)
	require.Len(t, rb, 1)
	assert.Equal(t, []byte("world!"), rb[0].Data)

	assert.Len(t, eventsOf[ble.DataAcked](a), 1)
	assert.Len(t, eventsOf[ble.DataAcked](b), 1)
	assert.Equal(t, uint32(1), b.ll.Stats().DataAcked)
	assert.Equal(t, uint32(1), b.ll.Stats().DataTxd)
}

func TestConnectionDataQueue(t *testing.T) {
	n := newTestNet(t)
	a, b := connect(t, n)

	for i := 0; i < connTxQueueLen; i++ {
		require.NoError(t, b.ll.SendData(connHandle, []byte{byte(i)}))
	}
	assert.Equal(t, ble.ErrMemCapacity, b.ll.SendData(connHandle, []byte{0xff}))

	n.run(uint32(connTxQueueLen+4) * testConnItvl * connItvlUnit)
	ra := eventsOf[ble.DataReceived](a)
	require.Len(t, ra, connTxQueueLen)
	for i, r := range ra {
		assert.Equal(t, []byte{byte(i)}, r.Data)
	}
	assert.Len(t, eventsOf[ble.DataAcked](b), connTxQueueLen)
	ib, _ := b.ll.ConnInfo()
	assert.Zero(t, ib.TxQueued)
}

func TestConnectionUnknownControl(t *testing.T) {
	n := newTestNet(t)
	a, b := connect(t, n)

	// LL_FEATURE_REQ is answered with LL_UNKNOWN_RSP
	b.ll.irq.Do(func() {
		b.ll.conn.txq = append(b.ll.conn.txq, txPDU{llid: pdu.LLIDControl, payload: []byte{0x08, 0, 0, 0, 0, 0, 0, 0, 0}})
	})
	n.run(200000)

	var rsp []sim.Transmission
	for _, tx := range n.air.Log() {
		d := pdu.Data(tx.PDU)
		if tx.From == "a" && tx.Channel < pdu.FirstAdvChan && d.LLID() == pdu.LLIDControl {
			rsp = append(rsp, tx)
		}
	}
	require.NotEmpty(t, rsp)
	assert.Equal(t, []byte{pdu.OpUnknownRsp, 0x08}, pdu.Data(rsp[0].PDU).Payload())
	assert.Empty(t, eventsOf[ble.DataReceived](a))
	assert.Empty(t, eventsOf[ble.DataReceived](b))
	assert.True(t, established(a))
}

func TestConnectionDisconnect(t *testing.T) {
	for _, fromMaster := range []bool{true, false} {
		n := newTestNet(t)
		a, b := connect(t, n)
		local, remote := b, a
		if !fromMaster {
			local, remote = a, b
		}

		assert.Equal(t, ble.ErrConnID, local.ll.Disconnect(2, ble.ErrRemoteUser))
		assert.Equal(t, ble.ErrInvalidParams, local.ll.Disconnect(connHandle, ble.ErrUnspecified))
		require.NoError(t, local.ll.Disconnect(connHandle, ble.ErrRemoteUser))
		assert.Equal(t, ble.ErrCommandDisallowed, local.ll.Disconnect(connHandle, ble.ErrRemoteUser))
		assert.Equal(t, ble.ErrCommandDisallowed, local.ll.SendData(connHandle, []byte("x")))

		n.run(300000)
		dl := eventsOf[ble.DisconnectionComplete](local)
		require.Len(t, dl, 1, "from master %v", fromMaster)
		assert.Equal(t, ble.DisconnectionComplete{Handle: connHandle, Reason: ble.ErrLocalHost}, dl[0])
		dr := eventsOf[ble.DisconnectionComplete](remote)
		require.Len(t, dr, 1, "from master %v", fromMaster)
		assert.Equal(t, ble.DisconnectionComplete{Handle: connHandle, Reason: ble.ErrRemoteUser}, dr[0])

		for _, nd := range []*testNode{a, b} {
			_, ok := nd.ll.ConnInfo()
			assert.False(t, ok)
			assert.Equal(t, StateStandby, nd.ll.State())
			assert.Zero(t, nd.ll.sched.Len())
			assert.Zero(t, nd.ll.Stats().ConnSpvnTmo)
		}
		assert.Equal(t, ble.ErrConnID, a.ll.SendData(connHandle, []byte("x")))
	}
}

func TestConnectionSupervisionTimeout(t *testing.T) {
	n := newTestNet(t)
	a, b := connect(t, n)

	// the master disappears without a word
	require.NoError(t, b.ll.Reset())
	n.run(uint32(testConnParams(a.addr).Timeout)*connTmoUnit + 50000)

	d := eventsOf[ble.DisconnectionComplete](a)
	require.Len(t, d, 1)
	assert.Equal(t, ble.ErrConnTimeout, d[0].Reason)
	assert.Equal(t, uint32(1), a.ll.Stats().ConnSpvnTmo)
	assert.True(t, a.ll.Stats().WfrTimeouts > 0)
	assert.Empty(t, eventsOf[ble.DisconnectionComplete](b))

	// advertising is allowed again
	assert.NoError(t, a.ll.SetAdvEnable(true))
}

var testConnReq = pdu.ConnReq{
	InitA:      ble.MustParseDeviceAddr("00:00:00:00:00:0b"),
	AdvA:       ble.MustParseDeviceAddr("00:00:00:00:00:0a"),
	AccessAddr: 0x71764129,
	CRCInit:    0x123456,
	WinSize:    2,
	WinOffset:  1,
	Interval:   testConnItvl,
	Timeout:    0x48,
	ChanMap:    pdu.AllChannels,
	Hop:        7,
	SCA:        1,
}

func TestSlaveConnectRequest(t *testing.T) {
	n := newTestNet(t)
	a := n.add("a", "00:00:00:00:00:0a")
	require.NoError(t, a.ll.SetAdvParams(advParams(AdvTypeInd)))
	newPeerStub(t, n, "b", 38, testConnReq.Marshal())
	require.NoError(t, a.ll.SetAdvEnable(true))

	n.run(advStartDelay + 2*advPDUItvlLD)

	// Idle -> Created: advertising stopped, no more indications
	assert.False(t, a.ll.AdvEnabled())
	ci, ok := a.ll.ConnInfo()
	require.True(t, ok)
	assert.Equal(t, ConnCreated, ci.State)
	assert.Equal(t, uint8(ble.RoleSlave), ci.Role)
	assert.Equal(t, testConnReq.AccessAddr, ci.AccessAddr)
	assert.Equal(t, testConnReq.InitA, ci.PeerAddr)
	assert.Len(t, txFrom(n.air.Log(), "a", pdu.AdvInd), 2)
	assert.Equal(t, 0, len(a.ll.sched.Items())-countKind(a.ll.sched.Items(), sched.KindConn))

	cc := eventsOf[ble.ConnectionComplete](a)
	require.Len(t, cc, 1)
	assert.Equal(t, uint8(1), cc[0].MasterSCA)

	// nobody answers: the connection never gets established
	n.run(connEstablishEvents*testConnItvl*connItvlUnit + 50000)
	d := eventsOf[ble.DisconnectionComplete](a)
	require.Len(t, d, 1)
	assert.Equal(t, ble.ErrConnEstablish, d[0].Reason)
	assert.True(t, a.ll.Stats().WfrTimeouts >= connEstablishEvents)
	assert.Equal(t, StateStandby, a.ll.State())
}

func TestSlaveConnectRequestRejected(t *testing.T) {
	bad := testConnReq
	bad.Hop = 3
	n := newTestNet(t)
	a := n.add("a", "00:00:00:00:00:0a")
	require.NoError(t, a.ll.SetAdvParams(advParams(AdvTypeInd)))
	newPeerStub(t, n, "b", 37, bad.Marshal())
	require.NoError(t, a.ll.SetAdvEnable(true))

	n.run(advStartDelay + 3*advPDUItvlLD)
	assert.True(t, a.ll.AdvEnabled())
	_, ok := a.ll.ConnInfo()
	assert.False(t, ok)
	assert.Empty(t, a.events)
	assert.Equal(t, uint32(1), a.ll.Stats().RxConnectReqs)
	assert.Len(t, txFrom(n.air.Log(), "a", pdu.AdvInd), 3)
}

func TestDirectedConnectRequestFromOtherInitiator(t *testing.T) {
	n := newTestNet(t)
	a := n.add("a", "00:00:00:00:00:0a")
	p := advParams(AdvTypeDirectLD)
	p.PeerAddr = ble.MustParseDeviceAddr("00:00:00:00:00:0c")
	require.NoError(t, a.ll.SetAdvParams(p))
	newPeerStub(t, n, "b", 37, testConnReq.Marshal())
	require.NoError(t, a.ll.SetAdvEnable(true))

	n.run(advStartDelay + 3*advPDUItvlLD)
	assert.True(t, a.ll.AdvEnabled())
	_, ok := a.ll.ConnInfo()
	assert.False(t, ok)
}

func countKind(items []sched.Item, k sched.Kind) int {
	n := 0
	for _, it := range items {
		if it.Kind == k {
			n++
		}
	}
	return n
}
