// Package central implements the HomeMatic central: it pairs devices,
// reads and writes their configuration, links their channels and
// relays their events.
package central

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
)

var packetsDecoded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hm",
		Name:      "PacketsDecoded",
		Help:      "number of BidCoS packets successfully decoded",
	},
	[]string{"type"})

func init() {
	prometheus.MustRegister(packetsDecoded)
}

// pendingInterval is how often queued configuration is retried for
// peers whose conversation was busy.
const pendingInterval = 1 * time.Second

// Central is the device all other devices are paired to.
type Central struct {
	*hm.Device

	descriptions hm.DescriptionProvider
	kick         chan bidcos.Address

	mu         sync.Mutex
	pairSerial string
	pairUntil  time.Time
	reads      map[bidcos.Address]byte
	peerLists  map[bidcos.Address][]hm.FullyQualifiedChannel
	nacks      map[bidcos.Address]byte
	levels     map[hm.FullyQualifiedChannel]byte
	latest     map[bidcos.Address]map[eventKey]hm.Event
}

// New returns a central using the builtin device descriptions.
func New(addr bidcos.Address, serial string, opts hm.Options) *Central {
	return NewWithDescriptions(addr, serial, opts, hm.Builtin)
}

func NewWithDescriptions(addr bidcos.Address, serial string, opts hm.Options, descriptions hm.DescriptionProvider) *Central {
	c := &Central{
		Device:       hm.NewDevice(addr, serial, hm.TypeHMRCenter, opts),
		descriptions: descriptions,
		kick:         make(chan bidcos.Address, 16),
		reads:        make(map[bidcos.Address]byte),
		peerLists:    make(map[bidcos.Address][]hm.FullyQualifiedChannel),
		nacks:        make(map[bidcos.Address]byte),
		levels:       make(map[hm.FullyQualifiedChannel]byte),
		latest:       make(map[bidcos.Address]map[eventKey]hm.Event),
	}
	c.HumanName = "central"
	c.registerMessages()
	c.SetAckHook(c.ack)
	c.AddWorker(c.pendingLoop)
	return c
}

func (c *Central) registerMessages() {
	c.Messages.Add(&bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.DeviceInfo,
		Access:        bidcos.AccessDestIsMe | bidcos.AccessBroadcast,
		AccessPairing: bidcos.AccessDestIsMe | bidcos.AccessBroadcast,
		Handler:       bidcos.HandlerFunc(c.handlePairingRequest),
		Name:          "PAIRING_REQUEST",
	})
	info := func(sub byte, h bidcos.HandlerFunc, name string) *bidcos.Message {
		return &bidcos.Message{
			Direction:     bidcos.DirectionIn,
			Cmd:           bidcos.Info,
			Subtypes:      []bidcos.Subtype{{Index: 0, Value: sub}},
			Access:        bidcos.AccessPairedToSender | bidcos.AccessDestIsMe,
			AccessPairing: bidcos.AccessPairedToSender | bidcos.AccessDestIsMe,
			Handler:       h,
			Name:          name,
		}
	}
	c.Messages.Add(info(bidcos.InfoParamResponsePairs, c.handleParamResponse, "INFO_PARAM_RESPONSE_PAIRS"))
	c.Messages.Add(info(bidcos.InfoParamResponseSeq, c.handleParamResponse, "INFO_PARAM_RESPONSE_SEQ"))
	c.Messages.Add(info(bidcos.InfoPeerList, c.handlePeerList, "INFO_PEER_LIST"))
	c.Messages.Add(info(bidcos.InfoActuatorStatus, c.handleActuatorStatus, "INFO_ACTUATOR_STATUS"))
	c.registerEvents()
}

func (c *Central) paramResponses() []*bidcos.Message {
	return []*bidcos.Message{
		c.Messages.Lookup(bidcos.DirectionIn, bidcos.Info, bidcos.Subtype{Index: 0, Value: bidcos.InfoParamResponsePairs}),
		c.Messages.Lookup(bidcos.DirectionIn, bidcos.Info, bidcos.Subtype{Index: 0, Value: bidcos.InfoParamResponseSeq}),
		c.AckMessage(),
	}
}

func (c *Central) peerListResponses() []*bidcos.Message {
	return []*bidcos.Message{
		c.Messages.Lookup(bidcos.DirectionIn, bidcos.Info, bidcos.Subtype{Index: 0, Value: bidcos.InfoPeerList}),
		c.AckMessage(),
	}
}

func (c *Central) statusResponses() []*bidcos.Message {
	return []*bidcos.Message{
		c.Messages.Lookup(bidcos.DirectionIn, bidcos.Info, bidcos.Subtype{Index: 0, Value: bidcos.InfoActuatorStatus}),
		c.AckMessage(),
	}
}

func (c *Central) acks() []*bidcos.Message {
	return []*bidcos.Message{c.AckMessage()}
}

// peer returns the peer with the given serial number.
func (c *Central) peer(serial string) (*hm.Peer, error) {
	if p := c.PeerBySerial(serial); p != nil {
		return p, nil
	}
	return nil, errorf(ErrUnknownPeer, "unknown device %q", serial)
}

func (c *Central) description(p *hm.Peer) (*hm.Description, bool) {
	return c.descriptions.Description(p.Type)
}

// ack records the status carried in ACKs. NACKs are remembered until
// the operation which caused them collects them.
func (c *Central) ack(pkt *bidcos.Packet) {
	status := pkt.Payload[0]
	if status&bidcos.Nack != 0 {
		c.mu.Lock()
		c.nacks[pkt.Source] = status
		c.mu.Unlock()
		return
	}
	if status == bidcos.AckStatus && len(pkt.Payload) >= 3 {
		c.recordLevel(pkt.Source, pkt.Payload[1], pkt.Payload[2], pkt.Payload[3:])
	}
}

func (c *Central) takeNack(addr bidcos.Address) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.nacks[addr]
	delete(c.nacks, addr)
	return status, ok
}

// nacked reports whether the last ACK from addr was negative. Step
// completion callbacks use it to keep the local view unchanged.
func (c *Central) nacked(addr bidcos.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nacks[addr]
	return ok
}

// Pairing

// EnablePairing accepts pairing requests of all devices for duration.
func (c *Central) EnablePairing(duration time.Duration) {
	logging.L().Infof("%v: pairing mode enabled for %v", c, duration)
	c.SetPairingMode(duration)
}

// PairSerial asks the device with the given serial number to pair
// itself, which works without pressing its pairing button.
func (c *Central) PairSerial(serial string, window time.Duration) {
	c.mu.Lock()
	c.pairSerial = serial
	c.pairUntil = time.Now().Add(window)
	c.mu.Unlock()
	logging.L().Infof("%v: asking %s to pair", c, serial)
	c.SendPacket(c.ConfigPairSerial(serial))
}

func (c *Central) accepts(serial string) bool {
	if c.PairingMode() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return serial != "" && serial == c.pairSerial && time.Now().Before(c.pairUntil)
}

func (c *Central) handlePairingRequest(pkt *bidcos.Packet) bidcos.Outcome {
	req, err := hm.DecodePairingRequest(pkt.Payload)
	if err != nil {
		logging.L().Infof("%v: %v", c, err)
		return bidcos.Continue
	}
	if !c.accepts(req.Serial) {
		logging.L().Debugf("%v: not in pairing mode, ignoring %s from %v", c, req.Serial, pkt.Source)
		return bidcos.Continue
	}
	desc, ok := c.descriptions.Description(req.Type)
	if !ok {
		logging.L().Infof("%v: unsupported device type %04x (serial %s), not pairing", c, uint16(req.Type), req.Serial)
		return bidcos.Continue
	}
	q, created := c.Queues.CreateQueue(c, bidcos.QueuePairingCentral, pkt.Source)
	if !created {
		return bidcos.Continue
	}
	// e.g. peer request (fw 18, typ HM-CC-TC, serial MEQ0089016)
	logging.L().Infof("%v: peer request (fw %x, typ %v, serial %s)", c, req.Firmware, desc.Name, req.Serial)
	peer := hm.NewPeer(pkt.Source, req.Serial, req.Type)
	peer.Firmware = req.Firmware
	peer.RemoteChannel = req.ChannelA
	q.SetPeer(peer)

	steps := []*bidcos.Step{
		{Packet: c.Ack(pkt, bidcos.AckOK)},
		{Packet: c.ConfigStart(pkt.Source, hm.ParamsetKey{}), Expect: c.acks()},
	}
	for _, chunk := range hm.WriteIndexChunks(hm.PairingWrite(c.Addr)) {
		steps = append(steps, &bidcos.Step{Packet: c.ConfigWriteIndex(pkt.Source, 0, chunk), Expect: c.acks()})
	}
	steps = append(steps, &bidcos.Step{
		Packet: c.ConfigEnd(pkt.Source, 0),
		Expect: c.acks(),
		Done:   func() { c.paired(q, peer, desc) },
	})
	q.PushSteps(steps...)
	return bidcos.Continue
}

// paired runs once the device accepted the central. The paramsets and
// links which make the device usable are set up in pending queues.
func (c *Central) paired(q *bidcos.Queue, p *hm.Peer, desc *hm.Description) {
	if old := c.Peer(p.Address); old != nil && old.Serial != p.Serial {
		c.RemovePeer(old.Address)
	}
	if desc.TeamChannel != 0 {
		p.SetTeam(hm.FullyQualifiedChannel{Peer: p.Address, Channel: desc.TeamChannel})
		p.AddTeamChannel(desc.TeamChannel)
	}

	var pending []*bidcos.Queue
	for _, cl := range desc.ReadAfterPairing {
		pq := bidcos.NewQueue(c, bidcos.QueueConfig, p.Address, true)
		pq.Push(c.ConfigParamReq(p.Address, hm.ParamsetKey{Channel: cl.Channel, List: cl.List}), c.paramResponses()...)
		pending = append(pending, pq)
	}
	for _, ch := range desc.LinkChannels {
		pq := bidcos.NewQueue(c, bidcos.QueueConfig, p.Address, true)
		pq.PushSteps(c.linkCentralStep(p, ch))
		pending = append(pending, pq)
	}
	if len(pending) > 0 {
		c.setConfigPending(p, true)
	}
	c.AddPeer(p)
	if len(pending) == 0 {
		return
	}
	for _, pq := range pending {
		q.PushPending(pq)
	}
	q.PushPending(c.configDone(p))
}

// linkCentralStep links the central to channel ch of p as a hidden
// peer, so that the central receives the channel's events.
func (c *Central) linkCentralStep(p *hm.Peer, ch byte) *bidcos.Step {
	hidden := hm.FullyQualifiedChannel{Peer: c.Addr, Channel: ch}
	return &bidcos.Step{
		Packet: c.ConfigPeerAdd(p.Address, ch, hidden),
		Expect: c.acks(),
		Done: func() {
			if c.nacked(p.Address) {
				return
			}
			p.AddLink(ch, hidden)
			p.SetLinksCentral(ch, true)
			c.Save()
		},
	}
}

// configDone returns a pending queue which clears CONFIG_PENDING once
// all queues before it were run.
func (c *Central) configDone(p *hm.Peer) *bidcos.Queue {
	pq := bidcos.NewQueue(c, bidcos.QueueConfig, p.Address, true)
	pq.PushSteps(&bidcos.Step{Done: func() { c.setConfigPending(p, false) }})
	return pq
}

func (c *Central) setConfigPending(p *hm.Peer, pending bool) {
	if !p.SetConfigPending(pending) {
		return
	}
	c.Save()
	c.Events().Publish(notify.NewEvent(notify.Service, p.Serial, 0, map[string]any{"CONFIG_PENDING": pending}))
}

// Unpair makes the device with the given serial number forget the
// central and removes it from the peer table. With reset, the device
// is reset to factory defaults instead.
func (c *Central) Unpair(ctx context.Context, serial string, reset bool) error {
	p := c.PeerBySerial(serial)
	if p == nil {
		return errorf(ErrNotPaired, "device %q not paired", serial)
	}
	addr := p.Address
	q, err := c.conversation(ctx, addr, bidcos.QueueUnpairing)
	if err != nil {
		return err
	}
	var steps []*bidcos.Step
	if reset {
		// The reset clears the central address, too.
		steps = append(steps, &bidcos.Step{Packet: c.FactoryReset(addr), Expect: c.acks()})
	} else {
		steps = append(steps, &bidcos.Step{Packet: c.ConfigStart(addr, hm.ParamsetKey{}), Expect: c.acks()})
		for _, chunk := range hm.WriteIndexChunks(hm.UnpairingWrite()) {
			steps = append(steps, &bidcos.Step{Packet: c.ConfigWriteIndex(addr, 0, chunk), Expect: c.acks()})
		}
		steps = append(steps, &bidcos.Step{Packet: c.ConfigEnd(addr, 0), Expect: c.acks()})
	}
	q.PushSteps(steps...)
	if err := c.await(ctx, q, "unpair "+serial); err != nil {
		return err
	}
	if status, ok := c.takeNack(addr); ok {
		logging.L().Infof("%v: %s refused unpairing (%02x), removing anyway", c, serial, status)
	}
	c.RemovePeer(addr)
	c.forget(addr)
	return nil
}

func (c *Central) forget(addr bidcos.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latest, addr)
	delete(c.reads, addr)
	delete(c.peerLists, addr)
	delete(c.nacks, addr)
	for fqc := range c.levels {
		if fqc.Peer == addr {
			delete(c.levels, fqc)
		}
	}
}

// Conversations

// conversation returns a new queue of type typ for addr. An active
// conversation with addr is waited for.
func (c *Central) conversation(ctx context.Context, addr bidcos.Address, typ bidcos.QueueType) (*bidcos.Queue, error) {
	for {
		q, created := c.Queues.CreateQueue(c, typ, addr)
		if created {
			c.takeNack(addr)
			return q, nil
		}
		select {
		case <-ctx.Done():
			return nil, errorf(ErrBusy, "%v queue for %v still active", q.Type(), addr)
		case <-q.Done():
		}
	}
}

// await waits for q to finish. A queue which was abandoned, or which
// the caller stopped waiting for, means the device did not respond.
func (c *Central) await(ctx context.Context, q *bidcos.Queue, what string) error {
	err := q.Wait(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, bidcos.ErrQueueAborted) {
		q.Abort()
	}
	return errorf(ErrTimeout, "%s: no response from %v", what, q.Address())
}

// converse runs steps in a new conversation with addr and returns an
// error if the device did not respond or refused a step.
func (c *Central) converse(ctx context.Context, addr bidcos.Address, what string, steps ...*bidcos.Step) error {
	q, err := c.conversation(ctx, addr, bidcos.QueueConfig)
	if err != nil {
		return err
	}
	q.PushSteps(steps...)
	if err := c.await(ctx, q, what); err != nil {
		return err
	}
	if status, ok := c.takeNack(addr); ok {
		return errorf(ErrUnknownParameter, "%s: refused by %v (%02x)", what, addr, status)
	}
	return nil
}

// enqueue runs steps for p right away, or once the active conversation
// with p finished. It reports whether the steps started.
func (c *Central) enqueue(p *hm.Peer, steps ...*bidcos.Step) (*bidcos.Queue, bool) {
	q, created := c.Queues.CreateQueue(c, bidcos.QueueConfig, p.Address)
	if created {
		c.takeNack(p.Address)
		q.PushSteps(steps...)
		return q, true
	}
	pq := bidcos.NewQueue(c, bidcos.QueueConfig, p.Address, true)
	pq.PushSteps(steps...)
	p.PushPendingQueue(pq)
	c.setConfigPending(p, true)
	c.Save()
	return pq, false
}

// wake starts the pending queues of addr, e.g. because it just sent an
// event and is therefore listening.
func (c *Central) wake(addr bidcos.Address) {
	select {
	case c.kick <- addr:
	default:
	}
}

func (c *Central) runPending(addr bidcos.Address) {
	p := c.Peer(addr)
	if p == nil || p.PendingQueues() == 0 {
		return
	}
	q, created := c.Queues.CreateQueue(c, bidcos.QueueConfig, addr)
	if !created {
		return
	}
	pending := p.TakePendingQueues()
	logging.L().Infof("%v: running %d pending queues for %v", c, len(pending), p)
	c.takeNack(addr)
	for _, pq := range pending {
		q.PushPending(pq)
	}
	q.PushPending(c.configDone(p))
}

func (c *Central) pendingLoop(ctx context.Context) error {
	t := time.NewTicker(pendingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr := <-c.kick:
			c.runPending(addr)
		case <-t.C:
			for _, p := range c.Peers() {
				if p.PendingQueues() > 0 {
					c.runPending(p.Address)
				}
			}
		}
	}
}

// Channel identifies a channel of a paired device by serial number.
type Channel struct {
	Serial  string
	Channel byte
}

// ParseChannel parses the SERIAL:CHANNEL notation used in events.
func ParseChannel(s string) (Channel, error) {
	serial, ch, ok := strings.Cut(s, ":")
	if !ok || serial == "" {
		return Channel{}, errorf(ErrUnknownParameter, "invalid channel %q, want SERIAL:CHANNEL", s)
	}
	n, err := strconv.ParseUint(ch, 10, 8)
	if err != nil {
		return Channel{}, errorf(ErrUnknownParameter, "invalid channel number in %q: %v", s, err)
	}
	return Channel{Serial: serial, Channel: byte(n)}, nil
}

func (ch Channel) String() string {
	return fmt.Sprintf("%s:%d", ch.Serial, ch.Channel)
}
