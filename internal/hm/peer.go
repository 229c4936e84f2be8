package hm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

// Peer is a remote device paired with a Device. The identifying
// fields are set before the peer is added to a peer table and must not
// change afterwards; all other state is accessed via methods.
type Peer struct {
	Address       bidcos.Address
	Serial        string
	Type          DeviceType
	Firmware      byte
	RemoteChannel byte
	LocalChannel  byte

	mu             sync.Mutex
	messageCounter byte
	lastSeen       time.Time
	rssi           int
	teamAddress    bidcos.Address
	teamChannel    byte
	teamChannels   []byte
	config         map[ParamsetKey]map[byte]byte
	partial        map[ParamsetKey]map[byte]byte
	links          map[byte][]FullyQualifiedChannel
	linksCentral   map[byte]bool
	pending        []*bidcos.Queue
	unreach        bool
	configPending  bool
}

func NewPeer(addr bidcos.Address, serial string, typ DeviceType) *Peer {
	return &Peer{
		Address: addr,
		Serial:  serial,
		Type:    typ,
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s[%v %s]", TypeName(p.Type), p.Address, p.Serial)
}

// Seen records the receipt of pkt from the peer. It reports whether
// the peer was marked unreachable before.
func (p *Peer) Seen(pkt *bidcos.Packet) (wasUnreach bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messageCounter = pkt.Msgcnt
	p.lastSeen = pkt.Received
	if p.lastSeen.IsZero() {
		p.lastSeen = time.Now()
	}
	if pkt.RSSI != 0 {
		p.rssi = pkt.RSSIDBm()
	}
	wasUnreach = p.unreach
	p.unreach = false
	return wasUnreach
}

func (p *Peer) MessageCounter() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messageCounter
}

func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

func (p *Peer) RSSI() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rssi
}

// Team returns the team the peer is member of, if any.
func (p *Peer) Team() (FullyQualifiedChannel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.teamAddress == 0 {
		return FullyQualifiedChannel{}, false
	}
	return FullyQualifiedChannel{Peer: p.teamAddress, Channel: p.teamChannel}, true
}

func (p *Peer) SetTeam(team FullyQualifiedChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teamAddress = team.Peer
	p.teamChannel = team.Channel
}

// TeamChannels returns the channels of a team peer.
func (p *Peer) TeamChannels() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.teamChannels...)
}

func (p *Peer) AddTeamChannel(ch byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.teamChannels {
		if c == ch {
			return
		}
	}
	p.teamChannels = append(p.teamChannels, ch)
}

// RemoveTeamChannel reports whether channels remain in the team.
func (p *Peer) RemoveTeamChannel(ch byte) (remaining int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.teamChannels {
		if c == ch {
			p.teamChannels = append(p.teamChannels[:i], p.teamChannels[i+1:]...)
			break
		}
	}
	return len(p.teamChannels)
}

// Paramset returns a copy of the values read from or written to the
// peer for key.
func (p *Peer) Paramset(key ParamsetKey) (map[byte]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	values, ok := p.config[key]
	if !ok {
		return nil, false
	}
	result := make(map[byte]byte, len(values))
	for k, v := range values {
		result[k] = v
	}
	return result, true
}

// SetParams merges values into the paramset for key.
func (p *Peer) SetParams(key ParamsetKey, values map[byte]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config == nil {
		p.config = make(map[ParamsetKey]map[byte]byte)
	}
	m, ok := p.config[key]
	if !ok {
		m = make(map[byte]byte)
		p.config[key] = m
	}
	for k, v := range values {
		m[k] = v
	}
}

// AddPartial buffers values of a multi-packet parameter response.
func (p *Peer) AddPartial(key ParamsetKey, values map[byte]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.partial == nil {
		p.partial = make(map[ParamsetKey]map[byte]byte)
	}
	m, ok := p.partial[key]
	if !ok {
		m = make(map[byte]byte)
		p.partial[key] = m
	}
	for k, v := range values {
		m[k] = v
	}
}

// CommitPartial moves the buffered response for key into the
// paramset and returns the number of values.
func (p *Peer) CommitPartial(key ParamsetKey) int {
	p.mu.Lock()
	values := p.partial[key]
	delete(p.partial, key)
	p.mu.Unlock()
	p.SetParams(key, values)
	return len(values)
}

// DiscardPartial drops a buffered response, e.g. after the read was
// aborted.
func (p *Peer) DiscardPartial(key ParamsetKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.partial, key)
}

// Links returns the channels linked to the peer's channel ch.
func (p *Peer) Links(ch byte) []FullyQualifiedChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FullyQualifiedChannel(nil), p.links[ch]...)
}

func (p *Peer) AddLink(ch byte, to FullyQualifiedChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.links == nil {
		p.links = make(map[byte][]FullyQualifiedChannel)
	}
	for _, l := range p.links[ch] {
		if l == to {
			return
		}
	}
	p.links[ch] = append(p.links[ch], to)
}

// SetLinks replaces the links of channel ch, e.g. with the peer list
// read from the device.
func (p *Peer) SetLinks(ch byte, links []FullyQualifiedChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.links == nil {
		p.links = make(map[byte][]FullyQualifiedChannel)
	}
	if len(links) == 0 {
		delete(p.links, ch)
		return
	}
	p.links[ch] = append([]FullyQualifiedChannel(nil), links...)
}

// RemoveLink reports whether the link existed.
func (p *Peer) RemoveLink(ch byte, to FullyQualifiedChannel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.links[ch] {
		if l == to {
			p.links[ch] = append(p.links[ch][:i], p.links[ch][i+1:]...)
			return true
		}
	}
	return false
}

// LinksCentral reports whether the central is linked to channel ch as
// a hidden peer.
func (p *Peer) LinksCentral(ch byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linksCentral[ch]
}

func (p *Peer) SetLinksCentral(ch byte, linked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.linksCentral == nil {
		p.linksCentral = make(map[byte]bool)
	}
	if linked {
		p.linksCentral[ch] = true
	} else {
		delete(p.linksCentral, ch)
	}
}

// PushPendingQueue stores q to be run when the peer next wakes up or
// the active conversation completed.
func (p *Peer) PushPendingQueue(q *bidcos.Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, q)
	p.configPending = true
}

// TakePendingQueues removes and returns all pending queues.
func (p *Peer) TakePendingQueues() []*bidcos.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := p.pending
	p.pending = nil
	return pending
}

func (p *Peer) PendingQueues() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// SetUnreach reports whether the state changed.
func (p *Peer) SetUnreach(unreach bool) (changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed = p.unreach != unreach
	p.unreach = unreach
	return changed
}

func (p *Peer) Unreach() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreach
}

// SetConfigPending reports whether the state changed.
func (p *Peer) SetConfigPending(pending bool) (changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed = p.configPending != pending
	p.configPending = pending
	return changed
}

func (p *Peer) ConfigPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configPending
}

func (p *Peer) Record() PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var central []uint8
	for ch := range p.linksCentral {
		central = append(central, ch)
	}
	sort.Slice(central, func(i, j int) bool { return central[i] < central[j] })
	return PeerRecord{
		Address:        uint32(p.Address),
		Serial:         p.Serial,
		Type:           uint16(p.Type),
		Firmware:       p.Firmware,
		RemoteChannel:  p.RemoteChannel,
		LocalChannel:   p.LocalChannel,
		MessageCounter: p.messageCounter,
		TeamAddress:    uint32(p.teamAddress),
		TeamChannel:    p.teamChannel,
		TeamChannels:   append([]uint8(nil), p.teamChannels...),
		Config:         paramsetRecords(p.config),
		Links:          linkRecords(p.links),
		LinksCentral:   central,
		Unreach:        p.unreach,
		ConfigPending:  p.configPending,
	}
}

func PeerFromRecord(rec PeerRecord) *Peer {
	p := &Peer{
		Address:        bidcos.Address(rec.Address),
		Serial:         rec.Serial,
		Type:           DeviceType(rec.Type),
		Firmware:       rec.Firmware,
		RemoteChannel:  rec.RemoteChannel,
		LocalChannel:   rec.LocalChannel,
		messageCounter: rec.MessageCounter,
		teamAddress:    bidcos.Address(rec.TeamAddress),
		teamChannel:    rec.TeamChannel,
		teamChannels:   append([]byte(nil), rec.TeamChannels...),
		config:         paramsetsFromRecords(rec.Config),
		links:          linksFromRecords(rec.Links),
		unreach:        rec.Unreach,
		configPending:  rec.ConfigPending,
	}
	for _, ch := range rec.LinksCentral {
		p.SetLinksCentral(ch, true)
	}
	return p
}
