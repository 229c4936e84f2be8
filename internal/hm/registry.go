package hm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/phy"
)

// Runner is implemented by *Device and by the device types embedding
// it.
type Runner interface {
	Run(ctx context.Context) error
}

// Hosted is a device hosted by the gateway.
type Hosted interface {
	Runner
	Load() error
	Base() *Device
}

// Base returns d itself, so that *Device satisfies Hosted.
func (d *Device) Base() *Device { return d }

// Registry holds all devices hosted by the gateway, keyed by address.
type Registry struct {
	mu      sync.Mutex
	devices map[bidcos.Address]Hosted
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[bidcos.Address]Hosted)}
}

// Add registers dev. Two hosted devices cannot share an address.
func (r *Registry) Add(dev Hosted) error {
	addr := dev.Base().Addr
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[addr]; ok {
		return fmt.Errorf("device address %v already in use", addr)
	}
	r.devices[addr] = dev
	return nil
}

func (r *Registry) Remove(addr bidcos.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, addr)
}

func (r *Registry) Get(addr bidcos.Address) (Hosted, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[addr]
	return dev, ok
}

// Devices returns all devices, ordered by address.
func (r *Registry) Devices() []Hosted {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices := make([]Hosted, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Base().Addr < devices[j].Base().Addr
	})
	return devices
}

// Attach attaches all devices to iface.
func (r *Registry) Attach(iface phy.Interface) {
	for _, dev := range r.Devices() {
		dev.Base().Attach(iface)
	}
}

// Run loads and runs all devices until ctx is done or one of them
// fails, then detaches them from their interface.
func (r *Registry) Run(ctx context.Context) error {
	devices := r.Devices()
	for _, dev := range devices {
		if err := dev.Load(); err != nil {
			return err
		}
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, dev := range devices {
		eg.Go(func() error { return dev.Run(ctx) })
	}
	err := eg.Wait()
	for _, dev := range devices {
		dev.Base().Detach()
	}
	return err
}
