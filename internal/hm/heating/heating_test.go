package heating_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/heating"
	"github.com/stapelberg/hmcentral/internal/hm/thermal"
	"github.com/stapelberg/hmcentral/internal/phy"
)

const (
	tcAddr bidcos.Address = 0x1A03FC
	vdAddr bidcos.Address = 0x445566
)

type chanReceiver chan *bidcos.Packet

func (c chanReceiver) ReceivePacket(pkt *bidcos.Packet) {
	select {
	case c <- pkt:
	default:
	}
}

// nextFrom returns the next packet heard on the air from source.
func (c chanReceiver) nextFrom(t *testing.T, source bidcos.Address) *bidcos.Packet {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case pkt := <-c:
			if pkt.Source == source {
				return pkt
			}
		case <-timeout:
			t.Fatalf("timeout waiting for packet from %v", source)
		}
	}
}

func run(t *testing.T, dev hm.Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- dev.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestDecodeInfoEvent(t *testing.T) {
	ie, err := heating.DecodeInfoEvent(hm.Labels(0xaabbcc, "test"), []byte{0x0a, 0xb0, 0xe2, 0x08, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("info event: %+v", ie)
	if got, want := ie.SetTemperature, 22.0; got != want {
		t.Fatalf("unexpected set temperature: got %v, want %v", got, want)
	}
	if got, want := ie.ActualTemperature, 22.6; got != want {
		t.Fatalf("unexpected actual temperature: got %v, want %v", got, want)
	}
	if got, want := ie.BatteryState, 2.3; got != want {
		t.Fatalf("unexpected battery state: got %v, want %v", got, want)
	}
}

func TestDecodeInfoEventShort(t *testing.T) {
	if _, err := heating.DecodeInfoEvent(hm.Labels(0xaabbcc, "test"), []byte{0x0a, 0xb0}); err == nil {
		t.Fatalf("DecodeInfoEvent unexpectedly succeeded on short payload")
	}
}

func TestClimateEventSetsValve(t *testing.T) {
	air := phy.NewAir(nil)
	heard := make(chanReceiver, 16)
	air.AddReceiver(heard)

	vd := heating.NewValveDrive(vdAddr, "JEQ0000002", hm.Options{})
	vd.AddPeer(hm.NewPeer(tcAddr, "JEQ0000001", hm.TypeHMCCTC))
	vd.Attach(air)
	run(t, vd)

	climate := bidcos.NewPacket(7, bidcos.RepeatEnable|bidcos.BiDi|bidcos.WakeMeUp, bidcos.ClimateEvent,
		tcAddr, vdAddr, []byte{0x00, 0x80})
	if err := air.SendPacket(climate); err != nil {
		t.Fatal(err)
	}

	ack := heard.nextFrom(t, vdAddr)
	require.Equal(t, bidcos.Ack, ack.Cmd)
	require.Equal(t, byte(7), ack.Msgcnt)
	require.Equal(t, []byte{bidcos.AckStatus, heating.ValveChannel, 0x80, 0x00}, ack.Payload)
	if got, want := vd.Valve(), byte(0x80); got != want {
		t.Fatalf("unexpected valve: got %#x, want %#x", got, want)
	}
	require.Len(t, vd.MostRecentEvents(), 1)
}

func TestClimateEventFromStrangerIgnored(t *testing.T) {
	air := phy.NewAir(nil)
	heard := make(chanReceiver, 16)
	air.AddReceiver(heard)

	vd := heating.NewValveDrive(vdAddr, "JEQ0000002", hm.Options{})
	vd.Attach(air)
	run(t, vd)

	if err := air.SendPacket(bidcos.NewPacket(1, bidcos.DefaultFlags, bidcos.ClimateEvent,
		tcAddr, vdAddr, []byte{0x00, 0xff})); err != nil {
		t.Fatal(err)
	}
	timeout := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case pkt := <-heard:
			if pkt.Source == vdAddr {
				t.Fatalf("valve drive answered unpaired sender: %v", pkt)
			}
		case <-timeout:
			done = true
		}
	}
	if got, want := vd.Valve(), byte(0); got != want {
		t.Fatalf("unexpected valve: got %#x, want %#x", got, want)
	}
}

func TestPairWithClimateControl(t *testing.T) {
	air := phy.NewAir(nil)

	cc := thermal.NewClimateControl(tcAddr, "JEQ0000001", hm.Options{})
	vd := heating.NewValveDrive(vdAddr, "JEQ0000002", hm.Options{})
	cc.Attach(air)
	vd.Attach(air)
	run(t, cc)
	run(t, vd)

	cc.SetPairingMode(time.Minute)
	vd.RequestPairing(time.Minute)

	require.Eventually(t, func() bool {
		return cc.IsPeer(vdAddr) && vd.IsPeer(tcAddr)
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, []hm.FullyQualifiedChannel{{Peer: vdAddr, Channel: heating.ValveChannel}},
		cc.Links(thermal.ThermalControlTransmit))
	require.Equal(t, []hm.FullyQualifiedChannel{{Peer: tcAddr, Channel: thermal.ThermalControlTransmit}},
		vd.Links(heating.ValveChannel))
	if vd.PairingMode() {
		t.Fatalf("valve drive still in pairing mode")
	}

	p := cc.Peer(vdAddr)
	require.NotNil(t, p)
	require.Equal(t, hm.TypeHMCCVD, p.Type)
}
