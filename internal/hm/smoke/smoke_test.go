package smoke_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/smoke"
	"github.com/stapelberg/hmcentral/internal/phy"
)

const (
	centralAddr bidcos.Address = 0x1A03FC
	leaderAddr  bidcos.Address = 0x100001
	memberAddr  bidcos.Address = 0x100002
	loneAddr    bidcos.Address = 0x100003
)

func start(t *testing.T, air *phy.Air, sd *smoke.Detector) {
	t.Helper()
	sd.Attach(air)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- sd.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestDecodeSmokeEvent(t *testing.T) {
	se, ok := smoke.DecodeSmokeEvent(memberAddr, leaderAddr, []byte{0x01, 0x07, smoke.Alarm})
	if !ok {
		t.Fatalf("DecodeSmokeEvent failed")
	}
	if got, want := se.Alarm, true; got != want {
		t.Fatalf("unexpected alarm: got %v, want %v", got, want)
	}
	if _, ok := smoke.DecodeSmokeEvent(memberAddr, leaderAddr, []byte{0x01}); ok {
		t.Fatalf("DecodeSmokeEvent unexpectedly accepted a short payload")
	}
}

func TestTeamAlarm(t *testing.T) {
	air := phy.NewAir(nil)
	leader := smoke.NewDetector(leaderAddr, "JEQ0000011", hm.Options{})
	member := smoke.NewDetector(memberAddr, "JEQ0000012", hm.Options{})
	lone := smoke.NewDetector(loneAddr, "JEQ0000013", hm.Options{})
	member.SetCentralAddress(centralAddr)
	start(t, air, leader)
	start(t, air, member)
	start(t, air, lone)

	// The central makes member join the team of leader.
	l := leaderAddr.Bytes()
	require.NoError(t, air.SendPacket(bidcos.NewPacket(1, bidcos.DefaultFlags, bidcos.Config, centralAddr, memberAddr,
		[]byte{smoke.SmokeChannel, bidcos.ConfigPeerAdd, l[0], l[1], l[2], smoke.SmokeChannel, 0x00})))
	require.Eventually(t, func() bool { return member.Team() == leaderAddr }, 2*time.Second, 10*time.Millisecond)
	if got, want := leader.Team(), leaderAddr; got != want {
		t.Fatalf("unexpected leader team: got %v, want %v", got, want)
	}

	member.SetAlarm(true)
	require.Eventually(t, leader.Alarm, 2*time.Second, 10*time.Millisecond)

	// The member keeps sounding while the leader reports smoke.
	leader.SetAlarm(true)
	member.SetAlarm(false)
	require.Eventually(t, member.Alarm, 2*time.Second, 10*time.Millisecond)

	// Detectors outside of the team do not sound.
	time.Sleep(200 * time.Millisecond)
	if lone.Alarm() {
		t.Fatalf("detector outside of the team sounds its alarm")
	}

	leader.SetAlarm(false)
	require.Eventually(t, func() bool { return !leader.Alarm() && !member.Alarm() }, 2*time.Second, 10*time.Millisecond)
}
