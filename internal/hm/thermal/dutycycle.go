package thermal

import (
	"context"
	"runtime"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
)

var (
	dutyCycleCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "DutyCycleCounter",
			Help:      "message counter of the most recent duty cycle broadcast",
		},
		[]string{"address", "name"})

	dutyCycleLateness = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      "DutyCycleLatenessSeconds",
			Help:      "difference between scheduled and actual duty cycle transmission",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		})
)

func init() {
	prometheus.MustRegister(dutyCycleCounter)
	prometheus.MustRegister(dutyCycleLateness)
}

// cycleUnit is the unit of CycleLength.
const cycleUnit = 250 * time.Millisecond

// CycleLength returns the time between the previous duty cycle
// broadcast and the one carrying message counter counter, in units of
// 250ms. Paired valve drives compute the same sequence to know when to
// listen, so this must not change.
func CycleLength(addr bidcos.Address, counter uint8) uint32 {
	seed := uint32(addr)<<8 | uint32(counter)
	return ((seed*1103515245+12345)>>16)&0xFF + 480
}

const dutyCycleStateKey = "dutycycle"

// dutyCycle is the persisted schedule position.
type dutyCycle struct {
	// Counter is the message counter of the next broadcast.
	Counter uint8 `cbor:"1,keyasint"`
	// Last is the time of the previous broadcast, in ms since the epoch.
	Last int64 `cbor:"2,keyasint"`
}

func (dc dutyCycle) last() time.Time {
	return time.UnixMilli(dc.Last)
}

func (dc dutyCycle) next(addr bidcos.Address) time.Time {
	return dc.last().Add(time.Duration(CycleLength(addr, dc.Counter)) * cycleUnit)
}

// advance moves to the next cycle after a broadcast at t.
func (dc *dutyCycle) advance(t time.Time) {
	dc.Last = t.UnixMilli()
	dc.Counter++
}

// fastForward skips all cycles scheduled before now, e.g. after a
// restart, so that the schedule stays in sync with the valve drives.
func (dc *dutyCycle) fastForward(addr bidcos.Address, now time.Time) (skipped int) {
	for next := dc.next(addr); next.Before(now); next = dc.next(addr) {
		dc.advance(next)
		skipped++
	}
	return skipped
}

// nextDutyCycleDevice returns the valve drive to address in the next
// broadcast, rotating through all paired valve drives starting after
// current. If current is no longer a peer, the rotation restarts as if
// current were the first peer. peers must be ordered by address. The
// loop visits up to len(peers)+1 entries, so that a single valve drive
// is addressed in every cycle.
func nextDutyCycleDevice(peers []*hm.Peer, current bidcos.Address) (bidcos.Address, bool) {
	if len(peers) == 0 {
		return 0, false
	}
	j := 0
	for idx, p := range peers {
		if p.Address == current {
			j = idx
			break
		}
	}
	for i := 0; i <= len(peers); i++ {
		j++
		if j == len(peers) {
			j = 0
		}
		if peers[j].Type == hm.TypeHMCCVD {
			return peers[j].Address, true
		}
	}
	return 0, false
}

const (
	// coarseStep bounds each coarse sleep, so that wall clock changes
	// are noticed.
	coarseStep = 10 * time.Second
	// fineWindow is the time before a broadcast spent in sleepFine.
	fineWindow = 2 * time.Second
)

// fineStages are the offsets to the deadline at which sleepFine
// re-reads the clock.
var fineStages = []time.Duration{
	1 * time.Second,
	500 * time.Millisecond,
	100 * time.Millisecond,
	30 * time.Millisecond,
	0,
}

func sleepCoarse(ctx context.Context, until time.Time) error {
	for {
		d := time.Until(until)
		if d <= 0 {
			return nil
		}
		if d > coarseStep {
			d = coarseStep
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// sleepFine approaches deadline in stages. Each stage re-reads the
// clock, so oversleeping in one stage is corrected by the next one.
func sleepFine(deadline time.Time) {
	for _, offset := range fineStages {
		if d := time.Until(deadline.Add(-offset)); d > 0 {
			time.Sleep(d)
		}
	}
}

// transmitAt sends pkt at deadline from a dedicated OS thread running
// with raised priority. The caller must be within fineWindow of
// deadline.
func (cc *ClimateControl) transmitAt(deadline time.Time, pkt *bidcos.Packet) error {
	errc := make(chan error, 1)
	go func() {
		// Not unlocking: the thread exits with this goroutine, so its
		// raised priority is not inherited by other goroutines.
		runtime.LockOSThread()
		raisePriority()
		sleepFine(deadline)
		err := cc.Transmit(pkt)
		dutyCycleLateness.Observe(time.Since(deadline).Seconds())
		errc <- err
	}()
	return <-errc
}

func (cc *ClimateControl) loadDutyCycle(now time.Time) dutyCycle {
	var dc dutyCycle
	if b := cc.State(dutyCycleStateKey); len(b) > 0 {
		if err := cbor.Unmarshal(b, &dc); err != nil {
			logging.L().Warnf("%v: discarding duty cycle state: %v", cc, err)
			dc = dutyCycle{}
		}
	}
	if dc.Last == 0 {
		dc.Last = now.UnixMilli()
		return dc
	}
	if skipped := dc.fastForward(cc.Addr, now); skipped > 0 {
		logging.L().Infof("%v: skipped %d duty cycles, continuing with counter %d", cc, skipped, dc.Counter)
	}
	return dc
}

func (cc *ClimateControl) saveDutyCycle(dc dutyCycle) {
	b, err := cbor.Marshal(dc)
	if err != nil {
		logging.L().Errorf("%v: encoding duty cycle state: %v", cc, err)
		return
	}
	cc.SetState(dutyCycleStateKey, b)
}

func (cc *ClimateControl) dutyCyclePacket(counter uint8) (*bidcos.Packet, bool) {
	cc.mu.Lock()
	current := cc.dutyCycleDevice
	valve := cc.valveState
	cc.mu.Unlock()

	dest, ok := nextDutyCycleDevice(cc.Peers(), current)
	if !ok {
		return nil, false
	}
	cc.mu.Lock()
	cc.dutyCycleDevice = dest
	cc.mu.Unlock()
	return bidcos.NewPacket(counter, bidcos.RepeatEnable|bidcos.BiDi|bidcos.WakeMeUp, bidcos.ClimateEvent,
		cc.Addr, dest, []byte{0x00, valve}), true
}

// runDutyCycle broadcasts the valve state to the paired valve drives
// until ctx is done.
func (cc *ClimateControl) runDutyCycle(ctx context.Context) error {
	dc := cc.loadDutyCycle(time.Now())
	cc.saveDutyCycle(dc)
	for {
		next := dc.next(cc.Addr)
		logging.L().Debugf("%v: next duty cycle (counter %d) at %v", cc, dc.Counter, next)
		if err := sleepCoarse(ctx, next.Add(-fineWindow)); err != nil {
			return nil
		}
		// The packet is built late so that it carries the current
		// valve state and peer table.
		if pkt, ok := cc.dutyCyclePacket(dc.Counter); ok {
			if err := cc.transmitAt(next, pkt); err != nil {
				logging.L().Errorf("%v: duty cycle: %v", cc, err)
			}
		} else {
			sleepFine(next)
		}
		dc.advance(next)
		cc.saveDutyCycle(dc)
		dutyCycleCounter.With(hm.Labels(cc.Addr, cc.Name())).Set(float64(dc.Counter))
		cc.sendWeather()
	}
}
