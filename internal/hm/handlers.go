package hm

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
)

const (
	// paramPairsPerPacket limits INFO_PARAM_RESPONSE_PAIRS packets.
	paramPairsPerPacket = 8
	// peersPerPacket limits INFO_PEER_LIST packets.
	peersPerPacket = 4
	serialLen      = 10

	// pairSerialWindow is how long a device stays in pairing mode
	// after a central asked for it by serial number.
	pairSerialWindow = 20 * time.Second
)

// PairingRequest is the payload of a DeviceInfo packet, which devices
// send when their pairing button is pressed.
type PairingRequest struct {
	Firmware byte
	Type     DeviceType
	Serial   string
	Class    byte
	ChannelA byte
	ChannelB byte
}

func DecodePairingRequest(p []byte) (*PairingRequest, error) {
	// c.f. https://github.com/Homegear/Homegear-HomeMaticBidCoS/blob/5255288954f3da42e12fa72a06963b99089d323f/src/HomeMaticCentral.cpp#L2997
	if got, want := len(p), 3+serialLen; got < want {
		return nil, fmt.Errorf("unexpectedly short pairing request payload: got %d, want >= %d", got, want)
	}
	req := &PairingRequest{
		Firmware: p[0],
		Type:     DeviceType(binary.BigEndian.Uint16(p[1 : 1+2])),
		Serial:   strings.TrimRight(string(p[3:3+serialLen]), "\x00 "),
	}
	if len(p) > 13 {
		req.Class = p[13]
	}
	if len(p) > 15 {
		req.ChannelA = p[14]
		req.ChannelB = p[15]
	}
	return req, nil
}

func (r *PairingRequest) Encode() []byte {
	serial := make([]byte, serialLen)
	copy(serial, r.Serial)
	p := []byte{r.Firmware, byte(r.Type >> 8), byte(r.Type)}
	p = append(p, serial...)
	return append(p, r.Class, r.ChannelA, r.ChannelB)
}

// PairingRequestPacket returns the packet the device sends to announce
// itself to dest (the central, or broadcast).
func (d *Device) PairingRequestPacket(dest bidcos.Address) *bidcos.Packet {
	flags := bidcos.RepeatEnable | bidcos.BiDi
	if dest == bidcos.BroadcastAddress {
		flags = bidcos.RepeatEnable | bidcos.Broadcast
	}
	req := &PairingRequest{
		Firmware: d.Firmware,
		Type:     d.Type,
		Serial:   d.Serial,
		ChannelA: 0x01,
		ChannelB: byte(d.Channels - 1),
	}
	return bidcos.NewPacket(d.NextCounter(dest), flags, bidcos.DeviceInfo, d.Addr, dest, req.Encode())
}

// RequestPairing enables pairing mode for duration and announces the
// device to everyone listening, like pressing its pairing button.
func (d *Device) RequestPairing(duration time.Duration) {
	d.SetPairingMode(duration)
	d.SendPacket(d.PairingRequestPacket(bidcos.BroadcastAddress))
}

// Ack returns the acknowledgement of pkt. ACKs echo the counter of
// the acknowledged packet.
func (d *Device) Ack(pkt *bidcos.Packet, status byte, extra ...byte) *bidcos.Packet {
	return bidcos.NewPacket(pkt.Msgcnt, bidcos.RepeatEnable, bidcos.Ack, d.Addr, pkt.Source,
		append([]byte{status}, extra...))
}

// SendAck acknowledges pkt outside of any queue step. An active queue
// for the sender is kept alive.
func (d *Device) SendAck(pkt *bidcos.Packet, status byte, extra ...byte) {
	if q := d.Queues.Get(pkt.Source); q != nil {
		q.KeepAlive()
	}
	d.SendPacket(d.Ack(pkt, status, extra...))
}

// AckMessage returns the descriptor of inbound ACKs, which is what
// queue steps expect after sending a request.
func (d *Device) AckMessage() *bidcos.Message {
	return d.Messages.Lookup(bidcos.DirectionIn, bidcos.Ack)
}

func (d *Device) registerAck() {
	d.Messages.Add(&bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.Ack,
		Access:        bidcos.AccessDestIsMe,
		AccessPairing: bidcos.AccessDestIsMe,
		Handler:       bidcos.HandlerFunc(d.handleAck),
		Name:          "ACK",
	})
}

// AckHook, if set, runs for every accepted ACK (and NACK) before the
// queue is advanced. The central uses it to decode actuator states
// carried in status ACKs.
type AckHook func(pkt *bidcos.Packet)

func (d *Device) handleAck(pkt *bidcos.Packet) bidcos.Outcome {
	if len(pkt.Payload) == 0 {
		return bidcos.Continue
	}
	if d.ackHook != nil {
		d.ackHook(pkt)
	}
	if pkt.Payload[0]&bidcos.Nack != 0 {
		q := d.Queues.Get(pkt.Source)
		logging.L().Infof("%v: NACK %02x from %v", d, pkt.Payload[0], pkt.Source)
		// Only the core pairing sequence is aborted: once the peer was
		// added, its setup continues with the next step.
		if q != nil && q.Type().Pairing() && !d.IsPeer(pkt.Source) {
			return bidcos.Abort
		}
		return bidcos.Advance
	}
	return bidcos.Advance
}

// SetAckHook installs fn as the AckHook.
func (d *Device) SetAckHook(fn AckHook) {
	d.ackHook = fn
}

func configMessage(sub byte, access bidcos.Access, h bidcos.HandlerFunc, name string) *bidcos.Message {
	return &bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.Config,
		Subtypes:      []bidcos.Subtype{{Index: 1, Value: sub}},
		Access:        access,
		AccessPairing: bidcos.AccessDestIsMe,
		Handler:       h,
		Name:          name,
	}
}

// RegisterPeripheralMessages registers the handlers which let a
// central (or a peer, for peer-to-peer pairing) configure the device.
func (d *Device) RegisterPeripheralMessages() {
	central := bidcos.AccessCentral | bidcos.AccessDestIsMe
	d.Messages.Add(&bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.DeviceInfo,
		Access:        bidcos.AccessDestIsMe | bidcos.AccessBroadcast | bidcos.AccessPairedToSender,
		AccessPairing: bidcos.AccessDestIsMe | bidcos.AccessBroadcast,
		Handler:       bidcos.HandlerFunc(d.handlePairingRequest),
		Name:          "PAIRING_REQUEST",
	})
	d.Messages.Add(configMessage(bidcos.ConfigStart, central, d.handleConfigStart, "CONFIG_START"))
	d.Messages.Add(configMessage(bidcos.ConfigWriteIndexPairs, central, d.handleConfigWriteIndexPairs, "CONFIG_WRITE_INDEX_PAIRS"))
	d.Messages.Add(configMessage(bidcos.ConfigWriteIndexSeq, central, d.handleConfigWriteIndexSeq, "CONFIG_WRITE_INDEX_SEQ"))
	d.Messages.Add(configMessage(bidcos.ConfigEnd, central, d.handleConfigEnd, "CONFIG_END"))
	d.Messages.Add(configMessage(bidcos.ConfigParamReq, central, d.handleConfigParamReq, "CONFIG_PARAM_REQ"))
	d.Messages.Add(configMessage(bidcos.ConfigPeerListReq, central, d.handleConfigPeerListReq, "CONFIG_PEER_LIST_REQ"))
	d.Messages.Add(configMessage(bidcos.ConfigPeerAdd, central, d.handleConfigPeerAdd, "CONFIG_PEER_ADD"))
	d.Messages.Add(configMessage(bidcos.ConfigPeerRemove, central, d.handleConfigPeerRemove, "CONFIG_PEER_REMOVE"))
	d.Messages.Add(configMessage(bidcos.ConfigSerialReq, central, d.handleConfigSerialReq, "CONFIG_SERIAL_REQ"))
	d.Messages.Add(configMessage(bidcos.ConfigStatusRequest, central, d.handleConfigStatusReq, "CONFIG_STATUS_REQ"))
	d.Messages.Add(&bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.Config,
		Subtypes:      []bidcos.Subtype{{Index: 1, Value: bidcos.ConfigPairSerial}},
		Access:        bidcos.FullAccess,
		AccessPairing: bidcos.FullAccess,
		Handler:       bidcos.HandlerFunc(d.handleConfigPairSerial),
		Name:          "CONFIG_PAIR_SERIAL",
	})
	d.Messages.Add(&bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.Action,
		Subtypes:      []bidcos.Subtype{{Index: 0, Value: bidcos.ActionReset}, {Index: 1, Value: 0x00}},
		Access:        central,
		AccessPairing: bidcos.AccessDestIsMe,
		Handler:       bidcos.HandlerFunc(d.handleReset),
		Name:          "RESET",
	})
}

// handlePairingRequest pairs a peer directly with this device (e.g. a
// valve drive with a wall thermostat), which only happens while the
// device is in pairing mode and has no central.
func (d *Device) handlePairingRequest(pkt *bidcos.Packet) bidcos.Outcome {
	if d.Hooks.PairingChannels == nil || !d.PairingMode() || d.CentralAddress() != 0 {
		logging.L().Debugf("%v: ignoring pairing request from %v", d, pkt.Source)
		return bidcos.Continue
	}
	req, err := DecodePairingRequest(pkt.Payload)
	if err != nil {
		logging.L().Infof("%v: %v", d, err)
		return bidcos.Continue
	}
	remote, local, ok := d.Hooks.PairingChannels(req.Type)
	if !ok {
		logging.L().Infof("%v: cannot pair with %s %s", d, TypeName(req.Type), req.Serial)
		return bidcos.Continue
	}
	q, created := d.Queues.CreateQueue(d, bidcos.QueuePairing, pkt.Source)
	if !created {
		return bidcos.Continue
	}
	logging.L().Infof("%v: peer request (fw %x, typ %v, serial %s)", d, req.Firmware, TypeName(req.Type), req.Serial)
	peer := NewPeer(pkt.Source, req.Serial, req.Type)
	peer.Firmware = req.Firmware
	peer.RemoteChannel = remote
	peer.LocalChannel = local
	q.SetPeer(peer)

	link := FullyQualifiedChannel{Peer: d.Addr, Channel: local}
	q.PushSteps(
		&bidcos.Step{Packet: d.Ack(pkt, bidcos.AckOK)},
		&bidcos.Step{
			Packet: d.ConfigPeerAdd(pkt.Source, remote, link),
			Expect: []*bidcos.Message{d.AckMessage()},
			Done: func() {
				d.addLink(local, FullyQualifiedChannel{Peer: peer.Address, Channel: remote})
				d.AddPeer(peer)
			},
		},
	)
	return bidcos.Continue
}

func (d *Device) handleConfigStart(pkt *bidcos.Packet) bidcos.Outcome {
	p := pkt.Payload
	if len(p) < 7 {
		d.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	key := ParamsetKey{
		Channel: p[0],
		List:    p[6],
		Peer:    FullyQualifiedChannel{Peer: bidcos.AddressFromBytes(p[2:5]), Channel: p[5]},
	}
	d.mu.Lock()
	d.configTarget = &key
	d.configWrite = make(map[byte]byte)
	d.mu.Unlock()
	logging.L().Debugf("%v: config start %v by %v", d, key, pkt.Source)
	d.SendAck(pkt, bidcos.AckOK)
	return bidcos.Continue
}

func (d *Device) writeConfig(pkt *bidcos.Packet, values map[byte]byte) bidcos.Outcome {
	d.mu.Lock()
	ok := d.configTarget != nil && d.configTarget.Channel == pkt.Payload[0]
	if ok {
		for k, v := range values {
			d.configWrite[k] = v
		}
	}
	d.mu.Unlock()
	if !ok {
		logging.L().Infof("%v: write index from %v without config start", d, pkt.Source)
		d.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	d.SendAck(pkt, bidcos.AckOK)
	return bidcos.Continue
}

func (d *Device) handleConfigWriteIndexPairs(pkt *bidcos.Packet) bidcos.Outcome {
	pairs := pkt.Payload[2:]
	values := make(map[byte]byte, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		values[pairs[i]] = pairs[i+1]
	}
	return d.writeConfig(pkt, values)
}

func (d *Device) handleConfigWriteIndexSeq(pkt *bidcos.Packet) bidcos.Outcome {
	if len(pkt.Payload) < 3 {
		d.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	start := pkt.Payload[2]
	values := make(map[byte]byte)
	for i, v := range pkt.Payload[3:] {
		values[start+byte(i)] = v
	}
	return d.writeConfig(pkt, values)
}

func (d *Device) handleConfigEnd(pkt *bidcos.Packet) bidcos.Outcome {
	d.mu.Lock()
	target, values := d.configTarget, d.configWrite
	d.configTarget, d.configWrite = nil, nil
	if target == nil || target.Channel != pkt.Payload[0] {
		d.mu.Unlock()
		d.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	m, ok := d.config[*target]
	if !ok {
		m = make(map[byte]byte)
		d.config[*target] = m
	}
	for k, v := range values {
		m[k] = v
	}
	paired := false
	if *target == (ParamsetKey{}) {
		c := []byte{m[indexCentralAddress], m[indexCentralAddress+1], m[indexCentralAddress+2]}
		d.central = bidcos.AddressFromBytes(c)
		if d.central != 0 {
			paired = true
			d.pairingUntil = time.Time{}
		}
		logging.L().Infof("%v: central address now %v", d, d.central)
	}
	d.mu.Unlock()

	d.SendAck(pkt, bidcos.AckOK)
	d.Save()
	if paired {
		d.Emit(notify.Service, 0, map[string]any{"CENTRAL": d.CentralAddress().String()})
	}
	if d.Hooks.ConfigChanged != nil {
		d.Hooks.ConfigChanged(*target, d.Paramset(*target))
	}
	return bidcos.Continue
}

// respond sends packets as one conversation, each expecting an ACK.
func (d *Device) respond(dest bidcos.Address, pkts []*bidcos.Packet) {
	q, _ := d.Queues.CreateQueue(d, bidcos.QueueConfig, dest)
	steps := make([]*bidcos.Step, len(pkts))
	for i, pkt := range pkts {
		steps[i] = &bidcos.Step{Packet: pkt, Expect: []*bidcos.Message{d.AckMessage()}}
	}
	q.PushSteps(steps...)
}

func (d *Device) infoPacket(dest bidcos.Address, payload []byte) *bidcos.Packet {
	return bidcos.NewPacket(d.NextCounter(dest), bidcos.DefaultFlags, bidcos.Info, d.Addr, dest, payload)
}

// ParamResponsePackets encodes values as INFO_PARAM_RESPONSE_PAIRS
// packets. The last packet ends with the pair 0x00 0x00.
func (d *Device) ParamResponsePackets(dest bidcos.Address, values map[byte]byte) []*bidcos.Packet {
	pairs := Pairs(values)
	var pkts []*bidcos.Packet
	for len(pairs) >= 2*paramPairsPerPacket {
		chunk := pairs[:2*paramPairsPerPacket]
		pairs = pairs[2*paramPairsPerPacket:]
		pkts = append(pkts, d.infoPacket(dest, append([]byte{bidcos.InfoParamResponsePairs}, chunk...)))
	}
	last := append([]byte{bidcos.InfoParamResponsePairs}, pairs...)
	pkts = append(pkts, d.infoPacket(dest, append(last, 0x00, 0x00)))
	return pkts
}

func (d *Device) handleConfigParamReq(pkt *bidcos.Packet) bidcos.Outcome {
	p := pkt.Payload
	if len(p) < 7 {
		d.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	key := ParamsetKey{
		Channel: p[0],
		List:    p[6],
		Peer:    FullyQualifiedChannel{Peer: bidcos.AddressFromBytes(p[2:5]), Channel: p[5]},
	}
	d.respond(pkt.Source, d.ParamResponsePackets(pkt.Source, d.Paramset(key)))
	return bidcos.Continue
}

// PeerListPackets encodes the links of channel ch as INFO_PEER_LIST
// packets terminated by an all-zero entry.
func (d *Device) PeerListPackets(dest bidcos.Address, ch byte) []*bidcos.Packet {
	var entries []byte
	for _, l := range d.Links(ch) {
		a := l.Peer.Bytes()
		entries = append(entries, a[0], a[1], a[2], l.Channel)
	}
	var pkts []*bidcos.Packet
	for len(entries) >= 4*peersPerPacket {
		chunk := entries[:4*peersPerPacket]
		entries = entries[4*peersPerPacket:]
		pkts = append(pkts, d.infoPacket(dest, append([]byte{bidcos.InfoPeerList}, chunk...)))
	}
	last := append([]byte{bidcos.InfoPeerList}, entries...)
	pkts = append(pkts, d.infoPacket(dest, append(last, endOfPeerList...)))
	return pkts
}

func (d *Device) handleConfigPeerListReq(pkt *bidcos.Packet) bidcos.Outcome {
	d.respond(pkt.Source, d.PeerListPackets(pkt.Source, pkt.Payload[0]))
	return bidcos.Continue
}

func peerFromPayload(p []byte) (channel byte, peers []FullyQualifiedChannel, ok bool) {
	if len(p) < 6 {
		return 0, nil, false
	}
	addr := bidcos.AddressFromBytes(p[2:5])
	peers = append(peers, FullyQualifiedChannel{Peer: addr, Channel: p[5]})
	if len(p) > 6 && p[6] != 0 {
		peers = append(peers, FullyQualifiedChannel{Peer: addr, Channel: p[6]})
	}
	return p[0], peers, true
}

func (d *Device) handleConfigPeerAdd(pkt *bidcos.Packet) bidcos.Outcome {
	ch, links, ok := peerFromPayload(pkt.Payload)
	if !ok {
		d.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	for _, l := range links {
		if d.addLink(ch, l) {
			logging.L().Infof("%v: channel %d linked to %v", d, ch, l)
		}
	}
	// A device which asked for a peer-to-peer pairing is paired once
	// its counterpart added the link.
	if d.PairingMode() && d.CentralAddress() != pkt.Source && !d.IsPeer(pkt.Source) {
		peer := NewPeer(pkt.Source, "", 0)
		peer.LocalChannel = ch
		peer.RemoteChannel = links[0].Channel
		d.SetPairingMode(0)
		d.AddPeer(peer)
	}
	d.Save()
	d.SendAck(pkt, bidcos.AckOK)
	if d.Hooks.LinkChanged != nil {
		for _, l := range links {
			d.Hooks.LinkChanged(ch, l, true)
		}
	}
	return bidcos.Continue
}

func (d *Device) handleConfigPeerRemove(pkt *bidcos.Packet) bidcos.Outcome {
	ch, links, ok := peerFromPayload(pkt.Payload)
	if !ok {
		d.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	for _, l := range links {
		d.removeLink(ch, l)
	}
	d.Save()
	d.SendAck(pkt, bidcos.AckOK)
	if d.Hooks.LinkChanged != nil {
		for _, l := range links {
			d.Hooks.LinkChanged(ch, l, false)
		}
	}
	return bidcos.Continue
}

func (d *Device) handleConfigSerialReq(pkt *bidcos.Packet) bidcos.Outcome {
	serial := make([]byte, serialLen)
	copy(serial, d.Serial)
	d.SendPacket(bidcos.NewPacket(pkt.Msgcnt, bidcos.RepeatEnable, bidcos.Info, d.Addr, pkt.Source,
		append([]byte{bidcos.InfoSerial}, serial...)))
	return bidcos.Continue
}

func (d *Device) handleConfigPairSerial(pkt *bidcos.Packet) bidcos.Outcome {
	if len(pkt.Payload) < 2+serialLen {
		return bidcos.Continue
	}
	serial := strings.TrimRight(string(pkt.Payload[2:2+serialLen]), "\x00 ")
	if serial != d.Serial {
		return bidcos.Continue
	}
	logging.L().Infof("%v: pairing requested by %v", d, pkt.Source)
	d.SetPairingMode(pairSerialWindow)
	d.SendPacket(d.PairingRequestPacket(pkt.Source))
	return bidcos.Continue
}

func (d *Device) handleConfigStatusReq(pkt *bidcos.Packet) bidcos.Outcome {
	ch := pkt.Payload[0]
	if d.Hooks.Status == nil {
		d.SendAck(pkt, bidcos.AckOK)
		return bidcos.Continue
	}
	status, ok := d.Hooks.Status(ch)
	if !ok {
		d.SendAck(pkt, bidcos.NackTargetInvalid)
		return bidcos.Continue
	}
	d.SendPacket(bidcos.NewPacket(pkt.Msgcnt, bidcos.RepeatEnable, bidcos.Info, d.Addr, pkt.Source,
		append([]byte{bidcos.InfoActuatorStatus, ch}, status...)))
	return bidcos.Continue
}

func (d *Device) handleReset(pkt *bidcos.Packet) bidcos.Outcome {
	d.SendAck(pkt, bidcos.AckOK)
	d.Reset()
	return bidcos.Continue
}
