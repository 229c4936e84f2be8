package central

import (
	"context"
	"fmt"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
)

// paramRequestKey returns the paramset requested by pkt.
func paramRequestKey(pkt *bidcos.Packet) (hm.ParamsetKey, bool) {
	p := pkt.Payload
	if pkt.Cmd != bidcos.Config || len(p) < 7 || p[1] != bidcos.ConfigParamReq {
		return hm.ParamsetKey{}, false
	}
	return hm.ParamsetKey{
		Channel: p[0],
		List:    p[6],
		Peer:    hm.FullyQualifiedChannel{Peer: bidcos.AddressFromBytes(p[2:5]), Channel: p[5]},
	}, true
}

// queuePeer returns the peer addr, which is either in the peer table
// or being paired by the active queue q.
func (c *Central) queuePeer(q *bidcos.Queue, addr bidcos.Address) *hm.Peer {
	if p := c.Peer(addr); p != nil {
		return p
	}
	if q == nil {
		return nil
	}
	p, _ := q.Peer().(*hm.Peer)
	return p
}

// handleParamResponse collects the packets of a parameter response.
// Every packet is acknowledged, but only the final one completes the
// request. A missing packet (detected by a gap in the message counter)
// discards what was received and requests the paramset again.
func (c *Central) handleParamResponse(pkt *bidcos.Packet) bidcos.Outcome {
	q := c.Queues.Get(pkt.Source)
	if q == nil {
		logging.L().Debugf("%v: unsolicited parameter response from %v", c, pkt.Source)
		return bidcos.Continue
	}
	head := q.Front()
	if head == nil || head.Packet == nil {
		return bidcos.Continue
	}
	key, ok := paramRequestKey(head.Packet)
	if !ok {
		logging.L().Debugf("%v: parameter response from %v while not reading", c, pkt.Source)
		return bidcos.Continue
	}
	p := c.queuePeer(q, pkt.Source)
	if p == nil {
		return bidcos.Continue
	}
	resp, err := hm.DecodeParamResponse(pkt.Payload)
	if err != nil {
		logging.L().Infof("%v: %v", c, err)
		c.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	c.SendAck(pkt, bidcos.AckOK)

	c.mu.Lock()
	last, inProgress := c.reads[pkt.Source]
	gap := inProgress && pkt.Msgcnt != last+1
	if resp.Final || gap {
		delete(c.reads, pkt.Source)
	} else {
		c.reads[pkt.Source] = pkt.Msgcnt
	}
	c.mu.Unlock()

	if gap {
		logging.L().Infof("%v: %v: parameter response for %v out of sequence (got counter %d after %d), requesting again",
			c, p, key, pkt.Msgcnt, last)
		p.DiscardPartial(key)
		q.PushFrontSteps(&bidcos.Step{
			Packet: c.ConfigParamReq(pkt.Source, key),
			Expect: c.paramResponses(),
			// The repeated request answers the interrupted one.
			Done: q.SkipFront,
		})
		return bidcos.Continue
	}
	p.AddPartial(key, resp.Values)
	if !resp.Final {
		return bidcos.Continue
	}
	n := p.CommitPartial(key)
	logging.L().Infof("%v: read %d values of %v from %v", c, n, key, p)
	c.Save()
	return bidcos.Advance
}

// GetParamset reads the paramset key from the device with the given
// serial number.
func (c *Central) GetParamset(ctx context.Context, serial string, key hm.ParamsetKey) (map[byte]byte, error) {
	p, err := c.peer(serial)
	if err != nil {
		return nil, err
	}
	q, err := c.conversation(ctx, p.Address, bidcos.QueueConfig)
	if err != nil {
		return nil, err
	}
	q.Push(c.ConfigParamReq(p.Address, key), c.paramResponses()...)
	if err := c.await(ctx, q, fmt.Sprintf("reading %v of %s", key, serial)); err != nil {
		return nil, err
	}
	if status, ok := c.takeNack(p.Address); ok {
		return nil, errorf(ErrUnknownParameter, "%s refused reading %v (%02x)", serial, key, status)
	}
	values, _ := p.Paramset(key)
	return values, nil
}

// Paramset returns the values last read from or written to the device,
// without contacting it.
func (c *Central) Paramset(serial string, key hm.ParamsetKey) (map[byte]byte, error) {
	p, err := c.peer(serial)
	if err != nil {
		return nil, err
	}
	values, ok := p.Paramset(key)
	if !ok {
		return nil, errorf(ErrUnknownParameter, "%v of %s was never read", key, serial)
	}
	return values, nil
}

func (c *Central) writeSteps(p *hm.Peer, key hm.ParamsetKey, values map[byte]byte) []*bidcos.Step {
	steps := []*bidcos.Step{
		{Packet: c.ConfigStart(p.Address, key), Expect: c.acks()},
	}
	for _, chunk := range hm.WriteIndexChunks(hm.Pairs(values)) {
		steps = append(steps, &bidcos.Step{Packet: c.ConfigWriteIndex(p.Address, key.Channel, chunk), Expect: c.acks()})
	}
	steps = append(steps, &bidcos.Step{
		Packet: c.ConfigEnd(p.Address, key.Channel),
		Expect: c.acks(),
		Done: func() {
			if c.nacked(p.Address) {
				return
			}
			p.SetParams(key, values)
			c.Save()
		},
	})
	return steps
}

// PutParamset writes values to the paramset key of the device with
// the given serial number. While another conversation with the device
// is active, the write is queued and PutParamset returns right away;
// the device's CONFIG_PENDING flag is set until the write completed.
func (c *Central) PutParamset(ctx context.Context, serial string, key hm.ParamsetKey, values map[byte]byte) error {
	p, err := c.peer(serial)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	q, started := c.enqueue(p, c.writeSteps(p, key, values)...)
	if !started {
		logging.L().Infof("%v: %s busy, writing %v later", c, serial, key)
		return nil
	}
	if err := c.await(ctx, q, fmt.Sprintf("writing %v of %s", key, serial)); err != nil {
		return err
	}
	if status, ok := c.takeNack(p.Address); ok {
		return errorf(ErrUnknownParameter, "%s refused writing %v (%02x)", serial, key, status)
	}
	return nil
}

// EnsureParamset reads the paramset key and writes those of values
// which differ from the device's current configuration. It returns the
// number of values written.
func (c *Central) EnsureParamset(ctx context.Context, serial string, key hm.ParamsetKey, values map[byte]byte) (int, error) {
	current, err := c.GetParamset(ctx, serial, key)
	if err != nil {
		return 0, err
	}
	update := make(map[byte]byte)
	for idx, v := range values {
		if old, ok := current[idx]; !ok || old != v {
			update[idx] = v
		}
	}
	if len(update) == 0 {
		return 0, nil
	}
	logging.L().Infof("%v: %s needs %d of %d values of %v updated", c, serial, len(update), len(values), key)
	return len(update), c.PutParamset(ctx, serial, key, update)
}
