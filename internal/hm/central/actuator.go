package central

import (
	"context"
	"fmt"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

// SetLevel sets channel ch of the actuator with the given serial
// number to level (e.g. 0x00 off, 0xc8 on for switches).
func (c *Central) SetLevel(ctx context.Context, serial string, ch, level byte) error {
	p, err := c.peer(serial)
	if err != nil {
		return err
	}
	return c.converse(ctx, p.Address, fmt.Sprintf("setting %s:%d to %d", serial, ch, level), &bidcos.Step{
		Packet: c.LevelSet(p.Address, ch, level, 0x00),
		Expect: c.acks(),
	})
}

// RequestStatus asks the actuator for the level of channel ch.
func (c *Central) RequestStatus(ctx context.Context, serial string, ch byte) (byte, error) {
	p, err := c.peer(serial)
	if err != nil {
		return 0, err
	}
	err = c.converse(ctx, p.Address, fmt.Sprintf("requesting status of %s:%d", serial, ch), &bidcos.Step{
		Packet: c.ConfigStatusRequest(p.Address, ch),
		Expect: c.statusResponses(),
	})
	if err != nil {
		return 0, err
	}
	level, ok := c.level(p.Address, ch)
	if !ok {
		return 0, errorf(ErrUnknownParameter, "%s did not report the level of channel %d", serial, ch)
	}
	return level, nil
}

// Level returns the last known level of channel ch without contacting
// the device.
func (c *Central) Level(serial string, ch byte) (byte, bool) {
	p := c.PeerBySerial(serial)
	if p == nil {
		return 0, false
	}
	return c.level(p.Address, ch)
}
