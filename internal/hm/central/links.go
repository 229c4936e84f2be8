package central

import (
	"context"
	"fmt"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
)

func (c *Central) handlePeerList(pkt *bidcos.Packet) bidcos.Outcome {
	q := c.Queues.Get(pkt.Source)
	if q == nil {
		return bidcos.Continue
	}
	head := q.Front()
	if head == nil || head.Packet == nil || head.Packet.Cmd != bidcos.Config ||
		len(head.Packet.Payload) < 2 || head.Packet.Payload[1] != bidcos.ConfigPeerListReq {
		logging.L().Debugf("%v: peer list from %v while not reading one", c, pkt.Source)
		return bidcos.Continue
	}
	ch := head.Packet.Payload[0]
	p := c.queuePeer(q, pkt.Source)
	if p == nil {
		return bidcos.Continue
	}
	peers, last, err := hm.DecodePeerList(pkt.Payload)
	if err != nil {
		logging.L().Infof("%v: %v", c, err)
		c.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	c.SendAck(pkt, bidcos.AckOK)

	c.mu.Lock()
	list := append(c.peerLists[pkt.Source], peers...)
	if last {
		delete(c.peerLists, pkt.Source)
	} else {
		c.peerLists[pkt.Source] = list
	}
	c.mu.Unlock()
	if !last {
		return bidcos.Continue
	}

	p.SetLinks(ch, list)
	central := false
	for _, l := range list {
		if l.Peer == c.Addr {
			central = true
		}
	}
	p.SetLinksCentral(ch, central)
	logging.L().Infof("%v: channel %d of %v has %d links", c, ch, p, len(list))
	c.Save()
	return bidcos.Advance
}

// ReadLinks reads the peer list of channel ch from the device with the
// given serial number.
func (c *Central) ReadLinks(ctx context.Context, serial string, ch byte) ([]hm.FullyQualifiedChannel, error) {
	p, err := c.peer(serial)
	if err != nil {
		return nil, err
	}
	q, err := c.conversation(ctx, p.Address, bidcos.QueueConfig)
	if err != nil {
		return nil, err
	}
	q.Push(c.ConfigPeerListReq(p.Address, ch), c.peerListResponses()...)
	if err := c.await(ctx, q, fmt.Sprintf("reading links of %s:%d", serial, ch)); err != nil {
		return nil, err
	}
	if status, ok := c.takeNack(p.Address); ok {
		return nil, errorf(ErrUnknownParameter, "%s refused reading links of channel %d (%02x)", serial, ch, status)
	}
	return p.Links(ch), nil
}

func (c *Central) peerAdd(ctx context.Context, p *hm.Peer, ch byte, to hm.FullyQualifiedChannel) error {
	what := fmt.Sprintf("linking %v:%d to %v", p, ch, to)
	if err := c.converse(ctx, p.Address, what, &bidcos.Step{
		Packet: c.ConfigPeerAdd(p.Address, ch, to),
		Expect: c.acks(),
	}); err != nil {
		return err
	}
	p.AddLink(ch, to)
	return nil
}

func (c *Central) peerRemove(ctx context.Context, p *hm.Peer, ch byte, to hm.FullyQualifiedChannel) error {
	what := fmt.Sprintf("unlinking %v from %v:%d", to, p, ch)
	if err := c.converse(ctx, p.Address, what, &bidcos.Step{
		Packet: c.ConfigPeerRemove(p.Address, ch, to),
		Expect: c.acks(),
	}); err != nil {
		return err
	}
	p.RemoveLink(ch, to)
	return nil
}

// AddLink links channel from (the sender, e.g. a button) to channel to
// (the receiver, e.g. a switch). Both devices are told about the link,
// sender first. A hidden central link on the sender's channel is
// replaced by the new link.
func (c *Central) AddLink(ctx context.Context, from, to Channel) error {
	sender, err := c.peer(from.Serial)
	if err != nil {
		return err
	}
	receiver, err := c.peer(to.Serial)
	if err != nil {
		return err
	}
	if sender.LinksCentral(from.Channel) {
		hidden := hm.FullyQualifiedChannel{Peer: c.Addr, Channel: from.Channel}
		if err := c.peerRemove(ctx, sender, from.Channel, hidden); err != nil {
			return err
		}
		sender.SetLinksCentral(from.Channel, false)
	}
	defer c.Save()
	if err := c.peerAdd(ctx, sender, from.Channel, hm.FullyQualifiedChannel{Peer: receiver.Address, Channel: to.Channel}); err != nil {
		return err
	}
	if err := c.peerAdd(ctx, receiver, to.Channel, hm.FullyQualifiedChannel{Peer: sender.Address, Channel: from.Channel}); err != nil {
		return err
	}
	logging.L().Infof("%v: linked %v to %v", c, from, to)
	return nil
}

// RemoveLink removes the link between channel from and channel to.
// Once a channel which the central links to itself has no links left,
// the hidden central link is restored.
func (c *Central) RemoveLink(ctx context.Context, from, to Channel) error {
	sender, err := c.peer(from.Serial)
	if err != nil {
		return err
	}
	receiver, err := c.peer(to.Serial)
	if err != nil {
		return err
	}
	defer c.Save()
	if err := c.peerRemove(ctx, sender, from.Channel, hm.FullyQualifiedChannel{Peer: receiver.Address, Channel: to.Channel}); err != nil {
		return err
	}
	if err := c.peerRemove(ctx, receiver, to.Channel, hm.FullyQualifiedChannel{Peer: sender.Address, Channel: from.Channel}); err != nil {
		return err
	}
	logging.L().Infof("%v: unlinked %v from %v", c, from, to)

	desc, ok := c.description(sender)
	if !ok || len(sender.Links(from.Channel)) > 0 {
		return nil
	}
	for _, ch := range desc.LinkChannels {
		if ch == from.Channel {
			return c.converse(ctx, sender.Address, "restoring central link", c.linkCentralStep(sender, ch))
		}
	}
	return nil
}

func (c *Central) teamChannel(p *hm.Peer) (byte, error) {
	desc, ok := c.description(p)
	if !ok || desc.TeamChannel == 0 {
		return 0, errorf(ErrUnknownParameter, "%v does not form teams", p)
	}
	return desc.TeamChannel, nil
}

// JoinTeam makes the device member part of the team led by leader,
// e.g. so that all smoke detectors of a team sound when one detects
// smoke.
func (c *Central) JoinTeam(ctx context.Context, member, leader string) error {
	m, err := c.peer(member)
	if err != nil {
		return err
	}
	l, err := c.peer(leader)
	if err != nil {
		return err
	}
	ch, err := c.teamChannel(m)
	if err != nil {
		return err
	}
	if lch, err := c.teamChannel(l); err != nil {
		return err
	} else if lch != ch {
		return errorf(ErrUnknownParameter, "%v and %v use different team channels", m, l)
	}
	team := hm.FullyQualifiedChannel{Peer: l.Address, Channel: ch}
	if err := c.converse(ctx, m.Address, fmt.Sprintf("%s joining team %v", member, team), &bidcos.Step{
		Packet: c.ConfigPeerAdd(m.Address, ch, team),
		Expect: c.acks(),
	}); err != nil {
		return err
	}
	if old, ok := m.Team(); ok && old.Peer == m.Address {
		m.RemoveTeamChannel(ch)
	}
	m.SetTeam(team)
	l.AddTeamChannel(ch)
	c.Save()
	logging.L().Infof("%v: %v joined team %v", c, m, team)
	return nil
}

// LeaveTeam makes member the leader of its own team again.
func (c *Central) LeaveTeam(ctx context.Context, member string) error {
	m, err := c.peer(member)
	if err != nil {
		return err
	}
	ch, err := c.teamChannel(m)
	if err != nil {
		return err
	}
	old, ok := m.Team()
	if !ok || old.Peer == m.Address {
		return nil
	}
	if err := c.converse(ctx, m.Address, fmt.Sprintf("%s leaving team %v", member, old), &bidcos.Step{
		Packet: c.ConfigPeerRemove(m.Address, ch, old),
		Expect: c.acks(),
	}); err != nil {
		return err
	}
	m.SetTeam(hm.FullyQualifiedChannel{Peer: m.Address, Channel: ch})
	m.AddTeamChannel(ch)
	c.Save()
	return nil
}
