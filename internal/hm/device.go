package hm

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
	"github.com/stapelberg/hmcentral/internal/phy"
)

// Options configure a Device. Zero fields are taken from
// DefaultOptions.
type Options struct {
	// ResponseDelay is the minimum time between receiving a packet
	// from a peer and sending a packet to it.
	ResponseDelay time.Duration
	// PacketGap is the minimum time between two transmissions.
	PacketGap time.Duration
	// Workers is the number of goroutines handling inbound packets.
	// Packets from the same sender are always handled in order.
	Workers int
	// Backlog is the number of packets buffered per worker and for
	// transmission before new ones are dropped.
	Backlog int
	Queue   bidcos.QueueOptions
	Store   Store
	Events  notify.Publisher
}

var DefaultOptions = Options{
	ResponseDelay: 95 * time.Millisecond,
	PacketGap:     30 * time.Millisecond,
	Workers:       4,
	Backlog:       32,
}

func (o Options) withDefaults() Options {
	if o.ResponseDelay == 0 {
		o.ResponseDelay = DefaultOptions.ResponseDelay
	}
	if o.PacketGap == 0 {
		o.PacketGap = DefaultOptions.PacketGap
	}
	if o.Workers <= 0 {
		o.Workers = DefaultOptions.Workers
	}
	if o.Backlog <= 0 {
		o.Backlog = DefaultOptions.Backlog
	}
	if o.Events == nil {
		o.Events = notify.Discard
	}
	return o
}

// Hooks let device types react to changes made through the generic
// protocol handlers. All hooks are optional and run without locks
// held.
type Hooks struct {
	PeerAdded   func(p *Peer)
	PeerRemoved func(p *Peer)
	// ConfigChanged runs after a central finished writing a paramset.
	ConfigChanged func(key ParamsetKey, values map[byte]byte)
	LinkChanged   func(channel byte, peer FullyQualifiedChannel, added bool)
	// Status returns the actuator status payload of channel (the
	// bytes following channel in an INFO_ACTUATOR_STATUS).
	Status func(channel byte) ([]byte, bool)
	Reset  func()
	// PairingChannels returns the channels used when a device of type
	// t asks to be paired peer-to-peer. Devices without this hook do
	// not accept such pairing requests.
	PairingChannels func(t DeviceType) (remote, local byte, ok bool)
	// AcceptsDest reports whether packets sent to dest, which is
	// neither the device nor broadcast, concern the device (e.g. the
	// address of its smoke detector team).
	AcceptsDest func(dest bidcos.Address) bool
}

// Device is the behavior shared by all devices hosted by the gateway,
// including the central. Device types embed *Device and register
// their messages in Messages.
type Device struct {
	Addr      bidcos.Address
	Serial    string
	Type      DeviceType
	Firmware  byte
	HumanName string
	Channels  int

	Messages *bidcos.Messages
	Queues   *bidcos.QueueManager
	Hooks    Hooks

	opts     Options
	registry *packetRegistry
	txq      chan *bidcos.Packet
	work     []chan *bidcos.Packet
	workers  []func(ctx context.Context) error
	ackHook  AckHook
	stopping atomic.Bool

	txMu   sync.Mutex
	tx     phy.Interface
	detach func()

	// mu guards everything below, including the peer table and its
	// by-serial index. It is never held across a send.
	mu           sync.Mutex
	central      bidcos.Address
	pairingUntil time.Time
	peers        map[bidcos.Address]*Peer
	bySerial     map[string]*Peer
	counters     map[bidcos.Address]byte
	config       map[ParamsetKey]map[byte]byte
	links        map[byte][]FullyQualifiedChannel
	state        map[string][]byte
	configTarget *ParamsetKey
	configWrite  map[byte]byte
}

func NewDevice(addr bidcos.Address, serial string, typ DeviceType, opts Options) *Device {
	opts = opts.withDefaults()
	d := &Device{
		Addr:     addr,
		Serial:   serial,
		Type:     typ,
		Messages: bidcos.NewMessages(),
		opts:     opts,
		registry: newPacketRegistry(),
		txq:      make(chan *bidcos.Packet, opts.Backlog),
		peers:    make(map[bidcos.Address]*Peer),
		bySerial: make(map[string]*Peer),
		counters: make(map[bidcos.Address]byte),
		config:   make(map[ParamsetKey]map[byte]byte),
		links:    make(map[byte][]FullyQualifiedChannel),
		state:    make(map[string][]byte),
	}
	if desc, ok := Builtin.Description(typ); ok {
		d.Channels = desc.Channels
	}
	qopts := opts.Queue
	onAbandoned := qopts.OnAbandoned
	qopts.OnAbandoned = func(q *bidcos.Queue) {
		d.queueAbandoned(q)
		if onAbandoned != nil {
			onAbandoned(q)
		}
	}
	d.Queues = bidcos.NewQueueManager(qopts)
	d.registerAck()
	for i := 0; i < opts.Workers; i++ {
		d.work = append(d.work, make(chan *bidcos.Packet, opts.Backlog))
	}
	return d
}

func (d *Device) Name() string {
	if d.HumanName != "" {
		return d.HumanName
	}
	return d.Serial
}

func (d *Device) AddrHex() string {
	return d.Addr.String()
}

func (d *Device) String() string {
	return fmt.Sprintf("[BidCoS:%s]", d.AddrHex())
}

func (d *Device) Address() bidcos.Address { return d.Addr }

func (d *Device) CentralAddress() bidcos.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.central
}

func (d *Device) SetCentralAddress(addr bidcos.Address) {
	d.mu.Lock()
	d.central = addr
	d.mu.Unlock()
	d.Save()
}

// PairingMode reports whether the device currently accepts pairing
// requests.
func (d *Device) PairingMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Now().Before(d.pairingUntil)
}

// SetPairingMode enables pairing mode for duration d, or disables it
// for a zero duration.
func (d *Device) SetPairingMode(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if duration <= 0 {
		d.pairingUntil = time.Time{}
		return
	}
	d.pairingUntil = time.Now().Add(duration)
}

// AddWorker registers a long-running function started by Run.
func (d *Device) AddWorker(fn func(ctx context.Context) error) {
	d.workers = append(d.workers, fn)
}

// Events returns the publisher device events are sent to.
func (d *Device) Events() notify.Publisher { return d.opts.Events }

func (d *Device) Emit(kind notify.Kind, channel int, values map[string]any) {
	d.opts.Events.Publish(notify.NewEvent(kind, d.Serial, channel, values))
}

// NextCounter returns the message counter to use for the next packet
// to dest.
func (d *Device) NextCounter(dest bidcos.Address) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.counters[dest]
	d.counters[dest] = c + 1
	return c
}

// Peer lookups

func (d *Device) IsPeer(addr bidcos.Address) bool {
	return d.Peer(addr) != nil
}

func (d *Device) Peer(addr bidcos.Address) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[addr]
}

func (d *Device) PeerBySerial(serial string) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bySerial[serial]
}

// Peers returns all peers, ordered by address.
func (d *Device) Peers() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	peers := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
	return peers
}

// AddPeer adds p to the peer table (replacing a peer with the same
// address), persists the device and publishes a PeerAdded event.
func (d *Device) AddPeer(p *Peer) {
	d.mu.Lock()
	if old, ok := d.peers[p.Address]; ok {
		delete(d.bySerial, old.Serial)
	}
	d.peers[p.Address] = p
	if p.Serial != "" {
		d.bySerial[p.Serial] = p
	}
	n := len(d.peers)
	d.mu.Unlock()

	logging.L().Infof("%v: adding peer %v", d, p)
	peerCount.WithLabelValues(d.AddrHex(), d.Name()).Set(float64(n))
	d.Save()
	d.opts.Events.Publish(notify.NewEvent(notify.PeerAdded, p.Serial, 0, map[string]any{
		"ADDRESS": p.Address.String(),
		"TYPE":    TypeName(p.Type),
	}))
	if d.Hooks.PeerAdded != nil {
		d.Hooks.PeerAdded(p)
	}
}

// RemovePeer removes the peer with address addr and returns it, or
// nil if there is no such peer.
func (d *Device) RemovePeer(addr bidcos.Address) *Peer {
	d.mu.Lock()
	p, ok := d.peers[addr]
	if ok {
		delete(d.peers, addr)
		delete(d.bySerial, p.Serial)
		delete(d.counters, addr)
	}
	n := len(d.peers)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	logging.L().Infof("%v: removing peer %v", d, p)
	peerCount.WithLabelValues(d.AddrHex(), d.Name()).Set(float64(n))
	d.Queues.Reset(addr)
	d.Save()
	d.opts.Events.Publish(notify.NewEvent(notify.PeerRemoved, p.Serial, 0, nil))
	if d.Hooks.PeerRemoved != nil {
		d.Hooks.PeerRemoved(p)
	}
	return p
}

// Own configuration, written by a central

// Paramset returns a copy of the device's own paramset for key.
func (d *Device) Paramset(key ParamsetKey) map[byte]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make(map[byte]byte, len(d.config[key]))
	for k, v := range d.config[key] {
		result[k] = v
	}
	return result
}

func (d *Device) SetParams(key ParamsetKey, values map[byte]byte) {
	d.mu.Lock()
	m, ok := d.config[key]
	if !ok {
		m = make(map[byte]byte)
		d.config[key] = m
	}
	for k, v := range values {
		m[k] = v
	}
	d.mu.Unlock()
	d.Save()
}

// Links returns the channels linked to the device's channel ch.
func (d *Device) Links(ch byte) []FullyQualifiedChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FullyQualifiedChannel(nil), d.links[ch]...)
}

func (d *Device) addLink(ch byte, to FullyQualifiedChannel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.links[ch] {
		if l == to {
			return false
		}
	}
	d.links[ch] = append(d.links[ch], to)
	return true
}

func (d *Device) removeLink(ch byte, to FullyQualifiedChannel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, l := range d.links[ch] {
		if l == to {
			d.links[ch] = append(d.links[ch][:i], d.links[ch][i+1:]...)
			return true
		}
	}
	return false
}

// State returns device type specific persisted state.
func (d *Device) State(key string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.state[key]...)
}

func (d *Device) SetState(key string, value []byte) {
	d.mu.Lock()
	d.state[key] = append([]byte(nil), value...)
	d.mu.Unlock()
	d.Save()
}

// Persistence

func (d *Device) Record() *DeviceRecord {
	d.mu.Lock()
	rec := &DeviceRecord{
		Address:  uint32(d.Addr),
		Serial:   d.Serial,
		Type:     uint16(d.Type),
		Firmware: d.Firmware,
		Central:  uint32(d.central),
		Counters: make(map[uint32]uint8, len(d.counters)),
		Config:   paramsetRecords(d.config),
		Links:    linkRecords(d.links),
		State:    make(map[string][]byte, len(d.state)),
	}
	for addr, c := range d.counters {
		rec.Counters[uint32(addr)] = c
	}
	for k, v := range d.state {
		rec.State[k] = append([]byte(nil), v...)
	}
	peers := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
	for _, p := range peers {
		rec.Peers = append(rec.Peers, p.Record())
	}
	return rec
}

// Save persists the device if a Store is configured. Errors are
// logged: the in-memory state stays authoritative.
func (d *Device) Save() {
	if d.opts.Store == nil {
		return
	}
	if err := d.opts.Store.SaveDevice(d.Record()); err != nil {
		logging.L().Errorf("%v: saving state: %v", d, err)
	}
}

// Load restores the device state from the Store. A device without
// stored state keeps its defaults.
func (d *Device) Load() error {
	if d.opts.Store == nil {
		return nil
	}
	rec, err := d.opts.Store.LoadDevice(d.Addr)
	if err != nil {
		return fmt.Errorf("loading %v: %w", d, err)
	}
	if rec == nil {
		return nil
	}
	if rec.Serial != "" && rec.Serial != d.Serial {
		logging.L().Warnf("%v: stored serial %q differs from configured %q", d, rec.Serial, d.Serial)
	}
	d.mu.Lock()
	d.central = bidcos.Address(rec.Central)
	if rec.Firmware != 0 {
		d.Firmware = rec.Firmware
	}
	for addr, c := range rec.Counters {
		d.counters[bidcos.Address(addr)] = c
	}
	d.config = paramsetsFromRecords(rec.Config)
	d.links = linksFromRecords(rec.Links)
	for k, v := range rec.State {
		d.state[k] = v
	}
	for _, pr := range rec.Peers {
		p := PeerFromRecord(pr)
		d.peers[p.Address] = p
		if p.Serial != "" {
			d.bySerial[p.Serial] = p
		}
	}
	n := len(d.peers)
	d.mu.Unlock()
	peerCount.WithLabelValues(d.AddrHex(), d.Name()).Set(float64(n))
	logging.L().Infof("%v: restored state with %d peers", d, n)
	return nil
}

// Reset forgets the central, all peers, links and configuration, like
// a factory reset of a physical device.
func (d *Device) Reset() {
	d.mu.Lock()
	d.central = 0
	peers := d.peers
	d.peers = make(map[bidcos.Address]*Peer)
	d.bySerial = make(map[string]*Peer)
	d.counters = make(map[bidcos.Address]byte)
	d.config = make(map[ParamsetKey]map[byte]byte)
	d.links = make(map[byte][]FullyQualifiedChannel)
	d.configTarget = nil
	d.configWrite = nil
	d.mu.Unlock()

	logging.L().Infof("%v: reset", d)
	for addr := range peers {
		d.Queues.Reset(addr)
	}
	peerCount.WithLabelValues(d.AddrHex(), d.Name()).Set(0)
	d.Save()
	if d.Hooks.Reset != nil {
		d.Hooks.Reset()
	}
}

// Transport

// Attach connects the device to iface: packets received by iface are
// handled by the device, packets sent by the device go out via iface.
func (d *Device) Attach(iface phy.Interface) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	d.tx = iface
	d.detach = iface.AddReceiver(d)
}

// Detach disconnects the device from its interface.
func (d *Device) Detach() {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.detach != nil {
		d.detach()
		d.detach = nil
	}
	d.tx = nil
}

var ErrNotAttached = errors.New("device not attached to an interface")

// SendPacket queues pkt for paced transmission. It never blocks: when
// the transmit backlog is full, pkt is dropped.
func (d *Device) SendPacket(pkt *bidcos.Packet) {
	if d.stopping.Load() {
		return
	}
	select {
	case d.txq <- pkt:
	default:
		packetsDropped.WithLabelValues("tx_backlog").Inc()
		logging.L().Warnf("%v: transmit backlog full, dropping %v", d, pkt)
	}
}

// Transmit sends pkt right away, bypassing pacing. It is used for
// packets whose timing is dictated by a schedule.
func (d *Device) Transmit(pkt *bidcos.Packet) error {
	d.txMu.Lock()
	tx := d.tx
	d.txMu.Unlock()
	if tx == nil {
		return ErrNotAttached
	}
	pkt.Sending = time.Now()
	if err := tx.SendPacket(pkt); err != nil {
		return err
	}
	d.registry.recordSent(pkt, pkt.Sending)
	logging.L().Debugf("%v: sent %v", d, pkt)
	return nil
}

func (d *Device) transmitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-d.txq:
			at := d.registry.sendAt(pkt.Dest, d.opts.ResponseDelay, d.opts.PacketGap)
			if wait := time.Until(at); wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
			if err := d.Transmit(pkt); err != nil {
				logging.L().Errorf("%v: sending %v: %v", d, pkt, err)
			}
		}
	}
}

// LastReceived returns the last packet received from addr.
func (d *Device) LastReceived(addr bidcos.Address) (*bidcos.Packet, time.Time) {
	return d.registry.lastReceived(addr)
}

// LastSent returns the last packet sent to addr.
func (d *Device) LastSent(addr bidcos.Address) (*bidcos.Packet, time.Time) {
	return d.registry.lastSent(addr)
}

// ReceivePacket is called by the interface for every received packet.
// Packets are handed to the worker pool; packets from the same sender
// are handled in order.
func (d *Device) ReceivePacket(pkt *bidcos.Packet) {
	if d.stopping.Load() || pkt.Source == d.Addr {
		return
	}
	if pkt.Dest != d.Addr && pkt.Dest != bidcos.BroadcastAddress && !d.IsPeer(pkt.Source) &&
		(d.Hooks.AcceptsDest == nil || !d.Hooks.AcceptsDest(pkt.Dest)) {
		return
	}
	now := pkt.Received
	if now.IsZero() {
		now = time.Now()
		pkt.Received = now
	}
	if d.registry.recordReceived(pkt, now) {
		packetsDropped.WithLabelValues("duplicate").Inc()
		logging.L().Debugf("%v: dropping repeated %v", d, pkt)
		return
	}
	shard := d.work[int(uint32(pkt.Source)%uint32(len(d.work)))]
	select {
	case shard <- pkt:
	default:
		packetsDropped.WithLabelValues("backlog").Inc()
		logging.L().Warnf("%v: handler backlog full, dropping %v", d, pkt)
	}
}

func (d *Device) workLoop(ctx context.Context, work <-chan *bidcos.Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-work:
			d.handle(pkt)
		}
	}
}

func (d *Device) handle(pkt *bidcos.Packet) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Errorf("%v: panic handling %v: %v\n%s", d, pkt, r, debug.Stack())
		}
	}()
	d.Dispatch(pkt)
}

// Dispatch matches pkt against the message catalog, checks access and
// runs the handler. The handler's outcome is applied to the queue
// which was active for the sender when pkt arrived.
func (d *Device) Dispatch(pkt *bidcos.Packet) {
	m := d.Messages.Find(pkt)
	if m == nil {
		packetsDropped.WithLabelValues("unknown").Inc()
		logging.L().Debugf("%v: no handler for %v", d, pkt)
		return
	}
	q := d.Queues.Get(pkt.Source)
	if !m.CheckAccess(pkt, d, q) {
		packetsDropped.WithLabelValues("access").Inc()
		logging.L().Debugf("%v: access denied for %v (%v)", d, pkt, m)
		return
	}
	if p := d.Peer(pkt.Source); p != nil {
		lastContact.WithLabelValues(p.Address.String(), p.Serial).Set(float64(time.Now().Unix()))
		if p.Seen(pkt) {
			d.Save()
			d.opts.Events.Publish(notify.NewEvent(notify.Service, p.Serial, 0, map[string]any{"UNREACH": false}))
		}
	}
	packetsHandled.WithLabelValues(m.String()).Inc()
	o := m.HandleMessage(pkt)
	if q == nil {
		return
	}
	if err := q.Resolve(m, o); err != nil {
		logging.L().Debugf("%v: %v queue for %v: %v", d, q.Type(), pkt.Source, err)
	}
}

func (d *Device) queueAbandoned(q *bidcos.Queue) {
	p := d.Peer(q.Address())
	if p == nil {
		return
	}
	if p.SetUnreach(true) {
		logging.L().Infof("%v: peer %v unreachable", d, p)
		d.Save()
		d.opts.Events.Publish(notify.NewEvent(notify.Service, p.Serial, 0, map[string]any{"UNREACH": true}))
	}
}

// Run handles packets and runs the device's workers until ctx is
// done. Shutdown happens in two phases: new packets are refused as
// soon as ctx is done, then Run waits for all goroutines to return.
func (d *Device) Run(ctx context.Context) error {
	d.stopping.Store(false)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		d.stopping.Store(true)
		return nil
	})
	eg.Go(func() error { return d.transmitLoop(ctx) })
	for _, work := range d.work {
		eg.Go(func() error { return d.workLoop(ctx, work) })
	}
	eg.Go(func() error {
		if err := d.Queues.Run(ctx); ctx.Err() == nil {
			return err
		}
		return nil
	})
	for _, fn := range d.workers {
		eg.Go(func() error { return fn(ctx) })
	}
	return eg.Wait()
}
