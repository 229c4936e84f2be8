package phy_test

import (
	"testing"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/phy"
)

type countingReceiver struct{ n int }

func (c *countingReceiver) ReceivePacket(*bidcos.Packet) { c.n++ }

func TestListeners(t *testing.T) {
	var l phy.Listeners
	a, b := &countingReceiver{}, &countingReceiver{}
	removeA := l.AddReceiver(a)
	l.AddReceiver(b)
	pkt := bidcos.NewPacket(1, bidcos.DefaultFlags, bidcos.Info, 0x390f17, 0xfdb02c, []byte{0x06})
	l.Deliver(pkt)
	removeA()
	l.Deliver(pkt)
	if got, want := a.n, 1; got != want {
		t.Fatalf("removed receiver: got %d packets, want %d", got, want)
	}
	if got, want := b.n, 2; got != want {
		t.Fatalf("receiver: got %d packets, want %d", got, want)
	}
	if got, want := l.Len(), 1; got != want {
		t.Fatalf("Len: got %d, want %d", got, want)
	}
}

type recordingInterface struct {
	phy.Listeners
	sent    []*bidcos.Packet
	started bool
}

func (r *recordingInterface) SendPacket(pkt *bidcos.Packet) error {
	r.sent = append(r.sent, pkt)
	return nil
}

func (r *recordingInterface) StartListening() error { r.started = true; return nil }
func (r *recordingInterface) StopListening() error  { r.started = false; return nil }
func (r *recordingInterface) IsOpen() bool          { return r.started }

func TestAir(t *testing.T) {
	hw := &recordingInterface{}
	air := phy.NewAir(hw)
	if err := air.StartListening(); err != nil {
		t.Fatal(err)
	}
	local := &countingReceiver{}
	air.AddReceiver(local)

	pkt := bidcos.NewPacket(1, bidcos.DefaultFlags, bidcos.Info, 0x390f17, 0xfdb02c, []byte{0x06})
	if err := air.SendPacket(pkt); err != nil {
		t.Fatal(err)
	}
	if got, want := local.n, 1; got != want {
		t.Fatalf("local receiver: got %d packets, want %d", got, want)
	}
	if got, want := len(hw.sent), 1; got != want {
		t.Fatalf("hardware: got %d packets, want %d", got, want)
	}

	// Packets received by the hardware reach the local receivers.
	hw.Deliver(pkt)
	if got, want := local.n, 2; got != want {
		t.Fatalf("local receiver: got %d packets, want %d", got, want)
	}

	if err := air.StopListening(); err != nil {
		t.Fatal(err)
	}
	if hw.IsOpen() || hw.Len() != 0 {
		t.Fatalf("hardware still open (%v) or listened to (%d receivers)", hw.IsOpen(), hw.Len())
	}
}
