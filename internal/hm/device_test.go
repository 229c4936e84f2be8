package hm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/notify"
)

const (
	testCentral bidcos.Address = 0x1A03FC
	testDevice  bidcos.Address = 0x112233
	testPeer    bidcos.Address = 0x445566
)

type memStore struct {
	mu      sync.Mutex
	records map[bidcos.Address]*DeviceRecord
}

func (s *memStore) LoadDevice(addr bidcos.Address) (*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[addr], nil
}

func (s *memStore) SaveDevice(rec *DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[bidcos.Address]*DeviceRecord)
	}
	s.records[bidcos.Address(rec.Address)] = rec
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Kinds() []notify.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []notify.Kind
	for _, ev := range p.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func newTestDevice(t *testing.T, opts Options) *Device {
	t.Helper()
	d := NewDevice(testDevice, "JEQ0000001", TypeHMCCTC, opts)
	d.RegisterPeripheralMessages()
	return d
}

// nextSent returns the next packet the device queued for transmission.
func nextSent(t *testing.T, d *Device) *bidcos.Packet {
	t.Helper()
	select {
	case pkt := <-d.txq:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for packet from %v", d)
	}
	return nil
}

func expectNothingSent(t *testing.T, d *Device) {
	t.Helper()
	select {
	case pkt := <-d.txq:
		t.Fatalf("unexpected packet sent: %v", pkt)
	case <-time.After(50 * time.Millisecond):
	}
}

func fromCentral(cnt byte, cmd byte, payload ...byte) *bidcos.Packet {
	return bidcos.NewPacket(cnt, bidcos.DefaultFlags, cmd, testCentral, testDevice, payload)
}

func requireAck(t *testing.T, pkt *bidcos.Packet, msgcnt, status byte) {
	t.Helper()
	require.Equal(t, bidcos.Ack, pkt.Cmd, "packet %v", pkt)
	require.Equal(t, msgcnt, pkt.Msgcnt, "ACK must echo the counter")
	require.Equal(t, status, pkt.Payload[0])
}

func TestConfigWriteSetsCentral(t *testing.T) {
	events := &recordingPublisher{}
	d := newTestDevice(t, Options{Events: events})
	d.SetPairingMode(time.Minute)

	d.Dispatch(fromCentral(1, bidcos.Config, 0x00, bidcos.ConfigStart, 0, 0, 0, 0, 0x00))
	requireAck(t, nextSent(t, d), 1, bidcos.AckOK)

	d.Dispatch(fromCentral(2, bidcos.Config, append([]byte{0x00, bidcos.ConfigWriteIndexPairs}, PairingWrite(testCentral)...)...))
	requireAck(t, nextSent(t, d), 2, bidcos.AckOK)

	d.Dispatch(fromCentral(3, bidcos.Config, 0x00, bidcos.ConfigEnd))
	requireAck(t, nextSent(t, d), 3, bidcos.AckOK)

	if got, want := d.CentralAddress(), testCentral; got != want {
		t.Fatalf("unexpected central: got %v, want %v", got, want)
	}
	if d.PairingMode() {
		t.Fatalf("device still in pairing mode after pairing")
	}
	require.Contains(t, events.Kinds(), notify.Service)

	// Now paired, the central reads back list 0.
	d.Dispatch(fromCentral(4, bidcos.Config, 0x00, bidcos.ConfigParamReq, 0, 0, 0, 0, 0x00))
	resp := nextSent(t, d)
	require.Equal(t, byte(bidcos.Info), resp.Cmd)
	require.Equal(t, []byte{
		bidcos.InfoParamResponsePairs,
		0x02, 0x01,
		0x0a, 0x1a,
		0x0b, 0x03,
		0x0c, 0xfc,
		0x00, 0x00,
	}, resp.Payload)

	q := d.Queues.Get(testCentral)
	require.NotNil(t, q)
	d.Dispatch(bidcos.NewPacket(resp.Msgcnt, bidcos.RepeatEnable, bidcos.Ack, testCentral, testDevice, []byte{bidcos.AckOK}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestParamResponseSplitsPackets(t *testing.T) {
	d := newTestDevice(t, Options{})
	values := make(map[byte]byte)
	for i := byte(1); i <= 10; i++ {
		values[i] = i
	}
	pkts := d.ParamResponsePackets(testCentral, values)
	if got, want := len(pkts), 2; got != want {
		t.Fatalf("unexpected number of packets: got %d, want %d", got, want)
	}
	var got map[byte]byte
	for i, pkt := range pkts {
		resp, err := DecodeParamResponse(pkt.Payload)
		require.NoError(t, err)
		if got, want := resp.Final, i == len(pkts)-1; got != want {
			t.Fatalf("packet %d: unexpected Final: got %v, want %v", i, got, want)
		}
		if got == nil {
			got = resp.Values
			continue
		}
		for k, v := range resp.Values {
			got[k] = v
		}
	}
	require.Equal(t, values, got)
}

func TestPeerListPackets(t *testing.T) {
	d := newTestDevice(t, Options{})
	d.addLink(1, FullyQualifiedChannel{Peer: testPeer, Channel: 2})
	pkts := d.PeerListPackets(testCentral, 1)
	require.Len(t, pkts, 1)
	peers, last, err := DecodePeerList(pkts[0].Payload)
	require.NoError(t, err)
	require.True(t, last)
	require.Equal(t, []FullyQualifiedChannel{{Peer: testPeer, Channel: 2}}, peers)
}

func TestAccessDenied(t *testing.T) {
	d := newTestDevice(t, Options{})
	d.SetCentralAddress(testCentral)

	// Config requests from anyone but the central are ignored.
	d.Dispatch(bidcos.NewPacket(1, bidcos.DefaultFlags, bidcos.Config, testPeer, testDevice,
		[]byte{0x00, bidcos.ConfigStart, 0, 0, 0, 0, 0x00}))
	expectNothingSent(t, d)

	// So are requests from the central which are addressed elsewhere.
	d.Dispatch(bidcos.NewPacket(1, bidcos.DefaultFlags, bidcos.Config, testCentral, testPeer,
		[]byte{0x00, bidcos.ConfigStart, 0, 0, 0, 0, 0x00}))
	expectNothingSent(t, d)
}

func TestWriteIndexWithoutStart(t *testing.T) {
	d := newTestDevice(t, Options{})
	d.SetCentralAddress(testCentral)
	d.Dispatch(fromCentral(7, bidcos.Config, 0x00, bidcos.ConfigWriteIndexPairs, 0x05, 0x01))
	requireAck(t, nextSent(t, d), 7, bidcos.Nack)
}

func TestPeerToPeerPairing(t *testing.T) {
	d := newTestDevice(t, Options{})
	d.Hooks.PairingChannels = func(typ DeviceType) (remote, local byte, ok bool) {
		if typ != TypeHMCCVD {
			return 0, 0, false
		}
		return 1, 2, true
	}

	req := &PairingRequest{Firmware: 0x20, Type: TypeHMCCVD, Serial: "KEQ0000042"}
	pairingRequest := bidcos.NewPacket(9, bidcos.RepeatEnable|bidcos.BiDi, bidcos.DeviceInfo, testPeer, testDevice, req.Encode())

	// Outside of pairing mode, the request is ignored.
	d.Dispatch(pairingRequest)
	expectNothingSent(t, d)

	d.SetPairingMode(time.Minute)
	d.Dispatch(pairingRequest)
	requireAck(t, nextSent(t, d), 9, bidcos.AckOK)

	add := nextSent(t, d)
	require.Equal(t, bidcos.Config, add.Cmd)
	require.Equal(t, testPeer, add.Dest)
	require.Equal(t, []byte{0x01, bidcos.ConfigPeerAdd, 0x11, 0x22, 0x33, 0x02, 0x00}, add.Payload)

	q := d.Queues.Get(testPeer)
	require.NotNil(t, q)
	d.Dispatch(bidcos.NewPacket(add.Msgcnt, bidcos.RepeatEnable, bidcos.Ack, testPeer, testDevice, []byte{bidcos.AckOK}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))

	p := d.Peer(testPeer)
	require.NotNil(t, p)
	if got, want := p.Serial, "KEQ0000042"; got != want {
		t.Fatalf("unexpected serial: got %q, want %q", got, want)
	}
	require.Equal(t, []FullyQualifiedChannel{{Peer: testPeer, Channel: 1}}, d.Links(2))
}

func TestPairingNackAbortsQueue(t *testing.T) {
	d := newTestDevice(t, Options{})
	d.Hooks.PairingChannels = func(DeviceType) (byte, byte, bool) { return 1, 2, true }
	d.SetPairingMode(time.Minute)

	req := &PairingRequest{Type: TypeHMCCVD, Serial: "KEQ0000042"}
	d.Dispatch(bidcos.NewPacket(9, bidcos.DefaultFlags, bidcos.DeviceInfo, testPeer, testDevice, req.Encode()))
	nextSent(t, d)
	add := nextSent(t, d)
	q := d.Queues.Get(testPeer)
	require.NotNil(t, q)

	d.Dispatch(bidcos.NewPacket(add.Msgcnt, bidcos.RepeatEnable, bidcos.Ack, testPeer, testDevice, []byte{bidcos.Nack}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, q.Wait(ctx), bidcos.ErrQueueAborted)
	if d.IsPeer(testPeer) {
		t.Fatalf("peer added despite NACK")
	}
}

func TestDuplicateSuppression(t *testing.T) {
	r := newPacketRegistry()
	now := time.Now()
	pkt := bidcos.NewPacket(5, bidcos.DefaultFlags, bidcos.ClimateEvent, testPeer, testDevice, []byte{0x00, 0x42})
	if r.recordReceived(pkt, now) {
		t.Fatalf("first packet treated as duplicate")
	}
	if !r.recordReceived(pkt, now.Add(100*time.Millisecond)) {
		t.Fatalf("repeated packet not treated as duplicate")
	}
	if r.recordReceived(pkt, now.Add(2*duplicateWindow)) {
		t.Fatalf("packet outside of the duplicate window treated as duplicate")
	}
	next := bidcos.NewPacket(6, bidcos.DefaultFlags, bidcos.ClimateEvent, testPeer, testDevice, []byte{0x00, 0x42})
	if r.recordReceived(next, now.Add(2*duplicateWindow)) {
		t.Fatalf("packet with new counter treated as duplicate")
	}
}

func TestResponsePacing(t *testing.T) {
	r := newPacketRegistry()
	now := time.Now()
	r.recordReceived(bidcos.NewPacket(1, 0, bidcos.Ack, testPeer, testDevice, nil), now)
	if got, want := r.sendAt(testPeer, 95*time.Millisecond, 30*time.Millisecond), now.Add(95*time.Millisecond); !got.Equal(want) {
		t.Fatalf("unexpected send time: got %v, want %v", got, want)
	}
	r.recordSent(bidcos.NewPacket(1, 0, bidcos.Ack, testDevice, testCentral, nil), now.Add(90*time.Millisecond))
	if got, want := r.sendAt(testPeer, 95*time.Millisecond, 30*time.Millisecond), now.Add(120*time.Millisecond); !got.Equal(want) {
		t.Fatalf("unexpected send time: got %v, want %v", got, want)
	}
}

func TestPersistence(t *testing.T) {
	store := &memStore{}
	d := newTestDevice(t, Options{Store: store})
	d.SetCentralAddress(testCentral)
	p := NewPeer(testPeer, "KEQ0000042", TypeHMCCVD)
	p.RemoteChannel = 1
	p.LocalChannel = 2
	d.AddPeer(p)
	d.SetParams(ParamsetKey{Channel: 0, List: 0}, map[byte]byte{0x05: 0x01})
	d.addLink(2, FullyQualifiedChannel{Peer: testPeer, Channel: 1})
	d.NextCounter(testPeer)
	d.SetState("dutycycle", []byte{0x01, 0x02})

	restored := newTestDevice(t, Options{Store: store})
	require.NoError(t, restored.Load())
	if got, want := restored.CentralAddress(), testCentral; got != want {
		t.Fatalf("unexpected central: got %v, want %v", got, want)
	}
	rp := restored.PeerBySerial("KEQ0000042")
	require.NotNil(t, rp)
	require.Equal(t, testPeer, rp.Address)
	require.Equal(t, byte(2), rp.LocalChannel)
	require.Equal(t, map[byte]byte{0x05: 0x01}, restored.Paramset(ParamsetKey{}))
	require.Equal(t, []FullyQualifiedChannel{{Peer: testPeer, Channel: 1}}, restored.Links(2))
	require.Equal(t, []byte{0x01, 0x02}, restored.State("dutycycle"))
	if got, want := restored.NextCounter(testPeer), byte(1); got != want {
		t.Fatalf("unexpected counter: got %d, want %d", got, want)
	}
}

func TestResetForgetsEverything(t *testing.T) {
	d := newTestDevice(t, Options{})
	d.SetCentralAddress(testCentral)
	d.AddPeer(NewPeer(testPeer, "KEQ0000042", TypeHMCCVD))
	resetCalled := false
	d.Hooks.Reset = func() { resetCalled = true }

	d.Dispatch(fromCentral(3, bidcos.Action, bidcos.ActionReset, 0x00))
	requireAck(t, nextSent(t, d), 3, bidcos.AckOK)
	if got, want := d.CentralAddress(), bidcos.Address(0); got != want {
		t.Fatalf("unexpected central after reset: got %v, want %v", got, want)
	}
	require.Empty(t, d.Peers())
	require.True(t, resetCalled)
}

func TestRegistryRejectsDuplicateAddress(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestDevice(t, Options{})))
	require.Error(t, r.Add(newTestDevice(t, Options{})))
	if got, want := len(r.Devices()), 1; got != want {
		t.Fatalf("unexpected number of devices: got %d, want %d", got, want)
	}
}
