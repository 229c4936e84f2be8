package power_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/power"
	"github.com/stapelberg/hmcentral/internal/phy"
)

const (
	centralAddr bidcos.Address = 0x1A03FC
	switchAddr  bidcos.Address = 0x390f17
	remoteAddr  bidcos.Address = 0x2b4c5d
)

type chanReceiver chan *bidcos.Packet

func (c chanReceiver) ReceivePacket(pkt *bidcos.Packet) {
	select {
	case c <- pkt:
	default:
	}
}

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

func newTestSwitch(t *testing.T, typ hm.DeviceType) (*power.Switch, *phy.Air, chanReceiver) {
	t.Helper()
	s, err := power.NewSwitch(switchAddr, "JEQ0000003", typ, hm.Options{})
	if err != nil {
		t.Fatal(err)
	}
	s.SetCentralAddress(centralAddr)
	air := phy.NewAir(nil)
	heard := make(chanReceiver, 16)
	air.AddReceiver(heard)
	s.Attach(air)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return s, air, heard
}

func TestDecodePowerEvent(t *testing.T) {
	// payload captured measuring a Raspberry Pi 3 :)
	pe, err := power.DecodePowerEvent(hm.Labels(0xaabbcc, "test"), []byte{128, 3, 138, 0, 0, 187, 0, 16, 9, 8, 255})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := pe.Boot, true; got != want {
		t.Fatalf("unexpected boot: got %v, want %v", got, want)
	}
	if got, want := pe.EnergyCounter, 90.6; got != want {
		t.Fatalf("unexpected energy counter: got %v, want %v", got, want)
	}
	if got, want := pe.Power, 1.87; got != want {
		t.Fatalf("unexpected power: got %v, want %v", got, want)
	}
	if got, want := pe.Current, 16.0; got != want {
		t.Fatalf("unexpected current: got %v, want %v", got, want)
	}
	if got, want := pe.Voltage, 231.2; got != want {
		t.Fatalf("unexpected voltage: got %v, want %v", got, want)
	}
	if got, want := pe.Frequency, 52.55; got != want {
		t.Fatalf("unexpected frequency: got %v, want %v", got, want)
	}
}

func TestNewSwitchRejectsOtherTypes(t *testing.T) {
	if _, err := power.NewSwitch(switchAddr, "JEQ0000003", hm.TypeHMCCVD, hm.Options{}); err == nil {
		t.Fatalf("NewSwitch unexpectedly accepted a valve drive")
	}
}

func TestLevelSet(t *testing.T) {
	s, air, heard := newTestSwitch(t, hm.TypeHMLCSw1FM)

	levelSet := func(cnt, ch, level byte) *bidcos.Packet {
		return bidcos.NewPacket(cnt, bidcos.DefaultFlags, bidcos.Action, centralAddr, switchAddr,
			[]byte{bidcos.ActionLevelSet, ch, level, 0x00, 0x00})
	}

	require.NoError(t, air.SendPacket(levelSet(1, 1, power.On)))
	ack := heard.nextFrom(t, switchAddr)
	require.Equal(t, bidcos.Ack, ack.Cmd)
	require.Equal(t, []byte{bidcos.AckStatus, 0x01, power.On, 0x00}, ack.Payload)
	if got, want := mustLevel(t, s, 1), byte(power.On); got != want {
		t.Fatalf("unexpected level: got %#x, want %#x", got, want)
	}

	// HM-LC-Sw1-FM has only one switch channel.
	require.NoError(t, air.SendPacket(levelSet(2, 2, power.On)))
	nack := heard.nextFrom(t, switchAddr)
	require.Equal(t, []byte{bidcos.NackTargetInvalid}, nack.Payload)

	require.NoError(t, air.SendPacket(levelSet(3, 1, power.Off)))
	ack = heard.nextFrom(t, switchAddr)
	require.Equal(t, []byte{bidcos.AckStatus, 0x01, power.Off, 0x00}, ack.Payload)
}

func TestLevelSetFromStrangerIgnored(t *testing.T) {
	s, air, _ := newTestSwitch(t, hm.TypeHMLCSw1FM)
	require.NoError(t, air.SendPacket(bidcos.NewPacket(1, bidcos.DefaultFlags, bidcos.Action, remoteAddr, switchAddr,
		[]byte{bidcos.ActionLevelSet, 0x01, power.On, 0x00, 0x00})))
	time.Sleep(200 * time.Millisecond)
	if got, want := mustLevel(t, s, 1), byte(power.Off); got != want {
		t.Fatalf("unexpected level: got %#x, want %#x", got, want)
	}
}

func mustLevel(t *testing.T, s *power.Switch, ch byte) byte {
	t.Helper()
	level, ok := s.Level(ch)
	if !ok {
		t.Fatalf("channel %d does not exist", ch)
	}
	return level
}

func TestRemoteEventTogglesLinkedChannel(t *testing.T) {
	s, air, heard := newTestSwitch(t, hm.TypeHMLCSw2FM)

	// The central links button 1 of the remote to switch channel 2.
	r := remoteAddr.Bytes()
	require.NoError(t, air.SendPacket(bidcos.NewPacket(1, bidcos.DefaultFlags, bidcos.Config, centralAddr, switchAddr,
		[]byte{0x02, bidcos.ConfigPeerAdd, r[0], r[1], r[2], 0x01, 0x00})))
	ack := heard.nextFrom(t, switchAddr)
	require.Equal(t, []byte{bidcos.AckOK}, ack.Payload)
	require.Equal(t, []hm.FullyQualifiedChannel{{Peer: remoteAddr, Channel: 0x01}}, s.Links(2))

	press := func(flags, counter byte) {
		t.Helper()
		require.NoError(t, air.SendPacket(bidcos.NewPacket(counter, flags, bidcos.RemoteEvent, remoteAddr, switchAddr,
			[]byte{0x01, counter})))
	}

	press(bidcos.DefaultFlags, 5)
	ack = heard.nextFrom(t, switchAddr)
	require.Equal(t, []byte{bidcos.AckStatus, 0x02, power.On, 0x00}, ack.Payload)
	require.Equal(t, byte(power.On), mustLevel(t, s, 2))
	require.Equal(t, byte(power.Off), mustLevel(t, s, 1))

	// A resent press (same counter) outside of the duplicate window
	// is acknowledged but does not toggle again.
	time.Sleep(1100 * time.Millisecond)
	press(bidcos.DefaultFlags, 5)
	ack = heard.nextFrom(t, switchAddr)
	require.Equal(t, []byte{bidcos.AckStatus, 0x02, power.On, 0x00}, ack.Payload)

	press(bidcos.DefaultFlags, 6)
	ack = heard.nextFrom(t, switchAddr)
	require.Equal(t, []byte{bidcos.AckStatus, 0x02, power.Off, 0x00}, ack.Payload)
	require.Equal(t, byte(power.Off), mustLevel(t, s, 2))
}
