package hm

import (
	"sync"
	"time"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

// duplicateWindow is how long a repeated packet (same counter, type
// and payload from the same sender) is treated as a repeater echo.
const duplicateWindow = 1 * time.Second

type packetEntry struct {
	pkt *bidcos.Packet
	at  time.Time
}

// packetRegistry remembers the last packet sent to and received from
// each address. It drives response pacing and duplicate suppression.
type packetRegistry struct {
	mu       sync.Mutex
	received map[bidcos.Address]packetEntry
	sent     map[bidcos.Address]packetEntry
	lastSend time.Time
}

func newPacketRegistry() *packetRegistry {
	return &packetRegistry{
		received: make(map[bidcos.Address]packetEntry),
		sent:     make(map[bidcos.Address]packetEntry),
	}
}

// recordReceived reports whether pkt duplicates the last packet from
// its sender.
func (r *packetRegistry) recordReceived(pkt *bidcos.Packet, now time.Time) (duplicate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.received[pkt.Source]; ok && now.Sub(last.at) < duplicateWindow {
		if last.pkt.Msgcnt == pkt.Msgcnt &&
			last.pkt.Cmd == pkt.Cmd &&
			last.pkt.Dest == pkt.Dest &&
			string(last.pkt.Payload) == string(pkt.Payload) {
			return true
		}
	}
	r.received[pkt.Source] = packetEntry{pkt: pkt, at: now}
	return false
}

func (r *packetRegistry) recordSent(pkt *bidcos.Packet, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[pkt.Dest] = packetEntry{pkt: pkt, at: now}
	r.lastSend = now
}

// sendAt returns the earliest time a packet to dest may be sent: the
// peer needs responseDelay after its own transmission to switch to
// receiving, and consecutive transmissions are spaced by gap.
func (r *packetRegistry) sendAt(dest bidcos.Address, responseDelay, gap time.Duration) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var at time.Time
	if last, ok := r.received[dest]; ok {
		at = last.at.Add(responseDelay)
	}
	if next := r.lastSend.Add(gap); next.After(at) {
		at = next
	}
	return at
}

func (r *packetRegistry) lastReceived(addr bidcos.Address) (*bidcos.Packet, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.received[addr]
	return e.pkt, e.at
}

func (r *packetRegistry) lastSent(addr bidcos.Address) (*bidcos.Packet, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sent[addr]
	return e.pkt, e.at
}
