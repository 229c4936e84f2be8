// Package phy defines the contract between the devices and the radio
// hardware: a physical interface sends encoded packets and hands every
// fully framed packet it receives to its registered receivers.
package phy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

var (
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "PacketsReceived",
			Help:      "number of BidCoS packets successfully decoded, per interface",
		},
		[]string{"interface"})

	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "PacketsSent",
			Help:      "number of BidCoS packets handed to the interface",
		},
		[]string{"interface"})
)

func init() {
	prometheus.MustRegister(packetsReceived)
	prometheus.MustRegister(packetsSent)
}

// Receiver is called once per received packet. Implementations must
// return quickly: the interface's read loop is blocked meanwhile.
type Receiver interface {
	ReceivePacket(pkt *bidcos.Packet)
}

type Interface interface {
	SendPacket(pkt *bidcos.Packet) error
	StartListening() error
	StopListening() error
	IsOpen() bool
	// AddReceiver registers r. The interface does not own r: the
	// returned function must be called before r goes away.
	AddReceiver(r Receiver) (remove func())
}

// Listeners implements the receiver bookkeeping of an Interface.
type Listeners struct {
	// Name labels the interface's metrics.
	Name string

	mu        sync.RWMutex
	next      int
	receivers map[int]Receiver
}

func (l *Listeners) AddReceiver(r Receiver) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receivers == nil {
		l.receivers = make(map[int]Receiver)
	}
	id := l.next
	l.next++
	l.receivers[id] = r
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.receivers, id)
	}
}

// Deliver hands pkt to all registered receivers.
func (l *Listeners) Deliver(pkt *bidcos.Packet) {
	packetsReceived.WithLabelValues(l.Name).Inc()
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.receivers {
		r.ReceivePacket(pkt)
	}
}

// CountSent updates the sent packets metric.
func (l *Listeners) CountSent() {
	packetsSent.WithLabelValues(l.Name).Inc()
}

func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.receivers)
}
