package thermal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
)

var testLabels = hm.Labels(0xaabbcc, "test")

func TestDecodeWeatherEvent(t *testing.T) {
	we, err := DecodeWeatherEvent(testLabels, []byte{0, 253, 57})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := we.Temperature, 25.3; got != want {
		t.Fatalf("unexpected temperature: got %v, want %v", got, want)
	}
	if got, want := we.Humidity, uint64(57); got != want {
		t.Fatalf("unexpected humidity: got %v, want %v", got, want)
	}
}

func TestEncodeWeatherEvent(t *testing.T) {
	we := &WeatherEvent{Temperature: 25.3, Humidity: 57}
	if got, want := we.Encode(), []byte{0, 253, 57}; string(got) != string(want) {
		t.Fatalf("unexpected payload: got %x, want %x", got, want)
	}
}

func TestDecodeThermalControlEvent(t *testing.T) {
	tce, err := DecodeThermalControlEvent(testLabels, []byte{200, 215, 65})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := tce.SetTemperature, 25.0; got != want {
		t.Fatalf("unexpected set temperature: got %v, want %v", got, want)
	}
	if got, want := tce.ActualTemperature, 21.5; got != want {
		t.Fatalf("unexpected actual temperature: got %v, want %v", got, want)
	}
	if got, want := tce.ActualHumidity, 65.0; got != want {
		t.Fatalf("unexpected humidity: got %v, want %v", got, want)
	}
}

func TestDecodeInfoEvent(t *testing.T) {
	ie, err := DecodeInfoEvent(testLabels, []byte{0x0b, 0xb0, 0xdf, 0x0e, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("info event: %+v", ie)
	if got, want := ie.SetTemperature, 22.0; got != want {
		t.Fatalf("unexpected set temperature: got %v, want %v", got, want)
	}
	if got, want := ie.ActualTemperature, 22.3; got != want {
		t.Fatalf("unexpected actual temperature: got %v, want %v", got, want)
	}
	if got, want := ie.BatteryState, 2.9; got != want {
		t.Fatalf("unexpected battery state: got %v, want %v", got, want)
	}
}

func TestCycleLength(t *testing.T) {
	for _, tt := range []struct {
		addr    bidcos.Address
		counter uint8
		want    uint32
	}{
		{0x1A03FC, 5, 570},
		{0x123456, 0, 604},
		{0x123456, 1, 547},
		{0x123456, 2, 489},
	} {
		if got := CycleLength(tt.addr, tt.counter); got != tt.want {
			t.Errorf("CycleLength(%v, %d) = %d, want %d", tt.addr, tt.counter, got, tt.want)
		}
		if got, again := CycleLength(tt.addr, tt.counter), CycleLength(tt.addr, tt.counter); got != again {
			t.Errorf("CycleLength(%v, %d) not deterministic: %d vs. %d", tt.addr, tt.counter, got, again)
		}
	}
	for c := 0; c < 256; c++ {
		if l := CycleLength(0x1A03FC, uint8(c)); l < 480 || l > 480+255 {
			t.Fatalf("CycleLength(counter %d) = %d out of range", c, l)
		}
	}
}

func TestFastForward(t *testing.T) {
	const addr = 0x123456
	start := time.UnixMilli(1_500_000_000_000)
	dc := dutyCycle{Counter: 0, Last: start.UnixMilli()}
	// 604 + 547 units of 250ms have passed, plus a little.
	now := start.Add((604+547)*cycleUnit + time.Millisecond)
	if got, want := dc.fastForward(addr, now), 2; got != want {
		t.Fatalf("unexpected number of skipped cycles: got %d, want %d", got, want)
	}
	if got, want := dc.Counter, uint8(2); got != want {
		t.Fatalf("unexpected counter: got %d, want %d", got, want)
	}
	if got, want := dc.last(), start.Add((604+547)*cycleUnit); !got.Equal(want) {
		t.Fatalf("unexpected last broadcast: got %v, want %v", got, want)
	}
	if got, want := dc.next(addr), dc.last().Add(489*cycleUnit); !got.Equal(want) {
		t.Fatalf("unexpected next broadcast: got %v, want %v", got, want)
	}
}

func TestCounterWraps(t *testing.T) {
	dc := dutyCycle{Counter: 255}
	dc.advance(time.Now())
	if got, want := dc.Counter, uint8(0); got != want {
		t.Fatalf("unexpected counter: got %d, want %d", got, want)
	}
}

func peers(specs ...any) []*hm.Peer {
	var result []*hm.Peer
	for i := 0; i < len(specs); i += 2 {
		result = append(result, hm.NewPeer(specs[i].(bidcos.Address), "", specs[i+1].(hm.DeviceType)))
	}
	return result
}

func TestNextDutyCycleDevice(t *testing.T) {
	const (
		vd1 bidcos.Address = 0x100001
		sw  bidcos.Address = 0x100002
		vd2 bidcos.Address = 0x100003
	)
	all := peers(vd1, hm.TypeHMCCVD, sw, hm.TypeHMLCSw1FM, vd2, hm.TypeHMCCVD)

	for _, tt := range []struct {
		peers   []*hm.Peer
		current bidcos.Address
		want    bidcos.Address
		ok      bool
	}{
		// Without a current valve drive, scanning starts after the
		// first peer.
		{all, 0, vd2, true},
		{all, vd1, vd2, true},
		// current was unpaired in the meantime.
		{all, 0x100009, vd2, true},
		{peers(sw, hm.TypeHMLCSw1FM, vd2, hm.TypeHMCCVD), 0x100009, vd2, true},
		{peers(vd1, hm.TypeHMCCVD, vd2, hm.TypeHMCCVD), 0x100009, vd2, true},
		{all, vd2, vd1, true},
		{all, sw, vd2, true},
		// A single valve drive is addressed in every cycle.
		{peers(vd1, hm.TypeHMCCVD), vd1, vd1, true},
		{peers(sw, hm.TypeHMLCSw1FM), 0, 0, false},
		{nil, 0, 0, false},
	} {
		got, ok := nextDutyCycleDevice(tt.peers, tt.current)
		if got != tt.want || ok != tt.ok {
			t.Errorf("nextDutyCycleDevice(current %v) = %v, %v, want %v, %v", tt.current, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSleepFine(t *testing.T) {
	deadline := time.Now().Add(50 * time.Millisecond)
	sleepFine(deadline)
	if now := time.Now(); now.Before(deadline) {
		t.Fatalf("woke up %v early", deadline.Sub(now))
	}
}

func TestValveState(t *testing.T) {
	for _, tt := range []struct {
		set, actual float64
		want        byte
	}{
		{20, 21, 0},
		{20, 20, 0},
		{21, 20, 127},
		{22, 20, 255},
		{25, 18, 255},
	} {
		if got := ValveState(tt.set, tt.actual); got != tt.want {
			t.Errorf("ValveState(%v, %v) = %d, want %d", tt.set, tt.actual, got, tt.want)
		}
	}
}

func TestDutyCycleStateSurvivesRestart(t *testing.T) {
	cc := NewClimateControl(0x1A03FC, "JEQ0000001", hm.Options{})
	now := time.Now()
	dc := cc.loadDutyCycle(now)
	if got, want := dc.Counter, uint8(0); got != want {
		t.Fatalf("unexpected initial counter: got %d, want %d", got, want)
	}
	dc.advance(now)
	dc.advance(now.Add(time.Minute))
	cc.saveDutyCycle(dc)

	restored := cc.loadDutyCycle(now.Add(time.Minute))
	require.Equal(t, dc, restored)
}

func TestProgramValues(t *testing.T) {
	values := ProgramValues([]Program{
		{
			DayMask: WeekendMask,
			Endtimes: [13]ProgramEntry{
				{uint64((6 * time.Hour).Minutes()), 17.0},
				{uint64((23 * time.Hour).Minutes()), 22.0},
			},
		},
	})
	// Two weekend days with 13 entries of 2 bytes each.
	if got, want := len(values), 2*26; got != want {
		t.Fatalf("unexpected number of values: got %d, want %d", got, want)
	}
	// Saturday, first entry: 17 degC until 06:00 (72 * 5 minutes).
	if got, want := values[20], byte(34<<1); got != want {
		t.Fatalf("unexpected value: got %#x, want %#x", got, want)
	}
	if got, want := values[21], byte(72); got != want {
		t.Fatalf("unexpected value: got %#x, want %#x", got, want)
	}
	if _, ok := values[72]; ok {
		t.Fatalf("monday program unexpectedly set")
	}
}

func TestPairingChannels(t *testing.T) {
	cc := NewClimateControl(0x1A03FC, "JEQ0000001", hm.Options{})
	remote, local, ok := cc.pairingChannels(hm.TypeHMCCVD)
	require.True(t, ok)
	require.Equal(t, byte(1), remote)
	require.Equal(t, byte(ThermalControlTransmit), local)
	_, _, ok = cc.pairingChannels(hm.TypeHMLCSw1FM)
	require.False(t, ok)
}
