package central

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/heating"
	"github.com/stapelberg/hmcentral/internal/hm/power"
	"github.com/stapelberg/hmcentral/internal/hm/smoke"
	"github.com/stapelberg/hmcentral/internal/hm/thermal"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
)

// eventKey identifies the most recent event of a kind per channel.
type eventKey struct {
	cmd byte
	ch  byte
}

// StatusEvent is the level of an actuator channel, as reported in
// status messages or ACKs.
type StatusEvent struct {
	Ch    byte
	Level byte
	Flags byte
}

var stTmpl = template.Must(template.New("statusevent").Parse(`
<strong>Status, channel {{ .Ch }}:</strong><br>
Level: {{ .Level }}<br>
{{ if .Working }}Working<br>{{ end }}
`))

func (se *StatusEvent) Working() bool { return se.Flags&0x40 != 0 }

func (se *StatusEvent) HTML() template.HTML {
	var buf bytes.Buffer
	if err := stTmpl.Execute(&buf, se); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

func (se *StatusEvent) Channel() int { return int(se.Ch) }

func (se *StatusEvent) Values() map[string]any {
	return map[string]any{
		"LEVEL":   se.Level,
		"STATE":   se.Level > 0,
		"WORKING": se.Working(),
	}
}

type decodeFunc func(p *hm.Peer, pkt *bidcos.Packet) (hm.ValueEvent, error)

func (c *Central) eventMessage(cmd byte, subtypes []bidcos.Subtype, name string, decode decodeFunc) *bidcos.Message {
	return &bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           cmd,
		Subtypes:      subtypes,
		Access:        bidcos.AccessPairedToSender,
		AccessPairing: bidcos.AccessPairedToSender,
		Handler: bidcos.HandlerFunc(func(pkt *bidcos.Packet) bidcos.Outcome {
			return c.handleEvent(pkt, name, decode)
		}),
		Name: name,
	}
}

func labels(p *hm.Peer) prometheus.Labels {
	return hm.Labels(p.Address, p.Serial)
}

func (c *Central) registerEvents() {
	c.Messages.Add(c.eventMessage(bidcos.WeatherEvent, nil, "WEATHER_EVENT",
		func(p *hm.Peer, pkt *bidcos.Packet) (hm.ValueEvent, error) {
			return thermal.DecodeWeatherEvent(labels(p), pkt.Payload)
		}))
	c.Messages.Add(c.eventMessage(bidcos.ThermalControl, nil, "THERMALCONTROL_EVENT",
		func(p *hm.Peer, pkt *bidcos.Packet) (hm.ValueEvent, error) {
			return thermal.DecodeThermalControlEvent(labels(p), pkt.Payload)
		}))
	c.Messages.Add(c.eventMessage(bidcos.Info, []bidcos.Subtype{{Index: 0, Value: bidcos.InfoTemp}}, "INFO_LEVEL",
		func(p *hm.Peer, pkt *bidcos.Packet) (hm.ValueEvent, error) {
			switch p.Type {
			case hm.TypeHMTCITWMWEU:
				return thermal.DecodeInfoEvent(labels(p), pkt.Payload)
			case hm.TypeHMCCRTDN, hm.TypeHMCCVD:
				return heating.DecodeInfoEvent(labels(p), pkt.Payload)
			}
			return nil, fmt.Errorf("no INFO_LEVEL decoder for %v", hm.TypeName(p.Type))
		}))
	powerEvent := func(p *hm.Peer, pkt *bidcos.Packet) (hm.ValueEvent, error) {
		return power.DecodePowerEvent(labels(p), pkt.Payload)
	}
	c.Messages.Add(c.eventMessage(bidcos.PowerEvent, nil, "POWER_EVENT", powerEvent))
	c.Messages.Add(c.eventMessage(bidcos.PowerEventCyclic, nil, "POWER_EVENT_CYCLIC", powerEvent))
	c.Messages.Add(c.eventMessage(bidcos.ClimateEvent, nil, "CLIMATE_EVENT",
		func(p *hm.Peer, pkt *bidcos.Packet) (hm.ValueEvent, error) {
			return heating.DecodeClimateEvent(labels(p), pkt.Payload)
		}))
	c.Messages.Add(c.eventMessage(bidcos.RemoteEvent, nil, "REMOTE_EVENT",
		func(p *hm.Peer, pkt *bidcos.Packet) (hm.ValueEvent, error) {
			return power.DecodeKeyEvent(pkt.Payload)
		}))
	c.Messages.Add(c.eventMessage(bidcos.SmokeEvent, nil, "SMOKE_EVENT",
		func(p *hm.Peer, pkt *bidcos.Packet) (hm.ValueEvent, error) {
			ev, ok := smoke.DecodeSmokeEvent(pkt.Source, pkt.Dest, pkt.Payload)
			if !ok {
				return nil, fmt.Errorf("short SMOKE_EVENT payload % x", pkt.Payload)
			}
			return ev, nil
		}))
}

func (c *Central) handleEvent(pkt *bidcos.Packet, name string, decode decodeFunc) bidcos.Outcome {
	p := c.Peer(pkt.Source)
	if p == nil {
		return bidcos.Continue
	}
	ev, err := decode(p, pkt)
	if err != nil {
		logging.L().Infof("%v: decoding %s from %v: %v", c, name, p, err)
		return bidcos.Continue
	}
	if pkt.Flags&bidcos.BiDi != 0 && pkt.Dest == c.Addr {
		c.SendAck(pkt, bidcos.AckOK)
	}
	packetsDecoded.With(prometheus.Labels{"type": name}).Inc()
	c.store(pkt.Source, eventKey{cmd: pkt.Cmd, ch: byte(ev.Channel())}, ev)
	c.Events().Publish(notify.NewEvent(notify.ValueChanged, p.Serial, ev.Channel(), ev.Values()))
	// A device which just sent an event is awake, which is the
	// chance to deliver configuration queued for it.
	c.wake(pkt.Source)
	return bidcos.Continue
}

func (c *Central) store(addr bidcos.Address, key eventKey, ev hm.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.latest[addr]
	if !ok {
		m = make(map[eventKey]hm.Event)
		c.latest[addr] = m
	}
	m[key] = ev
}

// recordLevel stores the level of channel ch of src and publishes it.
func (c *Central) recordLevel(src bidcos.Address, ch, level byte, rest []byte) {
	p := c.Peer(src)
	if p == nil {
		return
	}
	ev := &StatusEvent{Ch: ch, Level: level}
	if len(rest) > 0 {
		ev.Flags = rest[0]
	}
	c.mu.Lock()
	c.levels[hm.FullyQualifiedChannel{Peer: src, Channel: ch}] = level
	c.mu.Unlock()
	c.store(src, eventKey{cmd: bidcos.Info, ch: ch}, ev)
	c.Events().Publish(notify.NewEvent(notify.ValueChanged, p.Serial, int(ch), ev.Values()))
}

// level returns the last known level of channel ch of addr.
func (c *Central) level(addr bidcos.Address, ch byte) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.levels[hm.FullyQualifiedChannel{Peer: addr, Channel: ch}]
	return l, ok
}

func (c *Central) handleActuatorStatus(pkt *bidcos.Packet) bidcos.Outcome {
	// c.f. <frame id="INFO_LEVEL" subtype="6"> in rftypes/sw.xml
	p := pkt.Payload
	if len(p) < 3 {
		logging.L().Infof("%v: short actuator status from %v", c, pkt.Source)
		return bidcos.Continue
	}
	c.recordLevel(pkt.Source, p[1], p[2], p[3:])
	if pkt.Flags&bidcos.BiDi != 0 && pkt.Dest == c.Addr {
		c.SendAck(pkt, bidcos.AckOK)
	}
	packetsDecoded.With(prometheus.Labels{"type": "INFO_ACTUATOR_STATUS"}).Inc()
	return bidcos.Advance
}

// MostRecentEvents returns the last event of each kind received from
// addr, ordered by command and channel.
func (c *Central) MostRecentEvents(addr bidcos.Address) []hm.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.latest[addr]
	keys := make([]eventKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].cmd != keys[j].cmd {
			return keys[i].cmd < keys[j].cmd
		}
		return keys[i].ch < keys[j].ch
	})
	result := make([]hm.Event, 0, len(keys))
	for _, k := range keys {
		result = append(result, m[k])
	}
	return result
}
