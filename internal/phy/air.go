package phy

import (
	"sync"
	"time"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

// Air connects the devices hosted by the gateway with each other: a
// packet sent by one of them is heard by all receivers, as it would be
// over the radio. Packets are also forwarded to the hardware
// interface, if any, and packets it receives are delivered to all
// receivers.
type Air struct {
	Listeners

	hw Interface

	mu       sync.Mutex
	open     bool
	removeHW func()
}

// NewAir returns an Air on top of hw, which may be nil for a purely
// virtual setup (e.g. in tests).
func NewAir(hw Interface) *Air {
	a := &Air{hw: hw}
	a.Listeners.Name = "air"
	return a
}

func (a *Air) StartListening() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		return nil
	}
	if a.hw != nil {
		a.removeHW = a.hw.AddReceiver(a)
		if err := a.hw.StartListening(); err != nil {
			a.removeHW()
			a.removeHW = nil
			return err
		}
	}
	a.open = true
	return nil
}

func (a *Air) StopListening() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil
	}
	a.open = false
	if a.hw == nil {
		return nil
	}
	a.removeHW()
	a.removeHW = nil
	return a.hw.StopListening()
}

func (a *Air) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// ReceivePacket is called by the hardware interface.
func (a *Air) ReceivePacket(pkt *bidcos.Packet) {
	a.Deliver(pkt)
}

// SendPacket delivers a copy of pkt to all receivers (the sender
// ignores its own packets) and then hands pkt to the hardware.
func (a *Air) SendPacket(pkt *bidcos.Packet) error {
	a.CountSent()
	heard := *pkt
	heard.Payload = append([]byte(nil), pkt.Payload...)
	heard.Sending = time.Time{}
	heard.Received = time.Now()
	a.Deliver(&heard)
	if a.hw == nil {
		return nil
	}
	return a.hw.SendPacket(pkt)
}
