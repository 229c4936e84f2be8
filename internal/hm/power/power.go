// Package power implements a virtual HM-LC-SwX-FM switch actuator and
// the event decoder for HM-ES-PMSw1-Pl metering switches.
package power

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
)

const prometheusNamespace = "hmpower"

const (
	PowerMeter    = 0x02
	ChannelSwitch = 0x01
	ChannelMaster = 0x05

	On  = 0xc8
	Off = 0x00
)

const (
	MaintenanceChannel = iota
	SwitchChannel
	ConditionPowermeterChannel
	ConditionPowerChannel
	ConditionCurrentChannel
	ConditionVoltageChannel
	ConditionFrequencyChannel
)

const levelsStateKey = "levels"

var switchState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: prometheusNamespace,
		Name:      "SwitchState",
		Help:      "switch channel state (bool)",
	},
	[]string{"address", "name", "channel"})

func init() {
	prometheus.MustRegister(switchState)
}

// Switch is a virtual HM-LC-Sw1-FM or HM-LC-Sw2-FM flush-mount switch
// actuator. Its channels are set by the central or toggled by linked
// remote buttons.
type Switch struct {
	*hm.Device

	mu        sync.Mutex
	levels    []byte
	lastPress map[hm.FullyQualifiedChannel]byte
}

// NewSwitch returns a switch of type typ, which must be
// hm.TypeHMLCSw1FM or hm.TypeHMLCSw2FM.
func NewSwitch(addr bidcos.Address, serial string, typ hm.DeviceType, opts hm.Options) (*Switch, error) {
	if typ != hm.TypeHMLCSw1FM && typ != hm.TypeHMLCSw2FM {
		return nil, fmt.Errorf("%s is not a switch actuator", hm.TypeName(typ))
	}
	s := &Switch{
		Device:    hm.NewDevice(addr, serial, typ, opts),
		lastPress: make(map[hm.FullyQualifiedChannel]byte),
	}
	s.levels = make([]byte, s.Channels-1)
	s.Firmware = 0x16
	s.RegisterPeripheralMessages()
	s.Messages.Add(&bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.Action,
		Subtypes:      []bidcos.Subtype{{Index: 0, Value: bidcos.ActionLevelSet}},
		Access:        bidcos.AccessCentral | bidcos.AccessDestIsMe,
		AccessPairing: bidcos.AccessDestIsMe,
		Handler:       bidcos.HandlerFunc(s.handleLevelSet),
		Name:          "LEVEL_SET",
	})
	s.Messages.Add(&bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.RemoteEvent,
		Access:        bidcos.AccessDestIsMe | bidcos.AccessBroadcast,
		AccessPairing: bidcos.AccessDestIsMe | bidcos.AccessBroadcast,
		Handler:       bidcos.HandlerFunc(s.handleRemoteEvent),
		Name:          "REMOTE_EVENT",
	})
	s.Hooks.Status = s.status
	s.Hooks.Reset = s.reset
	return s, nil
}

// Load restores the device and its channel levels.
func (s *Switch) Load() error {
	if err := s.Device.Load(); err != nil {
		return err
	}
	b := s.State(levelsStateKey)
	s.mu.Lock()
	copy(s.levels, b)
	s.mu.Unlock()
	return nil
}

// Level returns the level of channel ch (1-based).
func (s *Switch) Level(ch byte) (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch < 1 || int(ch) > len(s.levels) {
		return 0, false
	}
	return s.levels[ch-1], true
}

func (s *Switch) status(ch byte) ([]byte, bool) {
	level, ok := s.Level(ch)
	if !ok {
		return nil, false
	}
	return []byte{level, 0x00}, true
}

func (s *Switch) reset() {
	s.mu.Lock()
	for i := range s.levels {
		s.levels[i] = Off
	}
	s.lastPress = make(map[hm.FullyQualifiedChannel]byte)
	levels := append([]byte(nil), s.levels...)
	s.mu.Unlock()
	s.SetState(levelsStateKey, levels)
}

// setLevel sets channel ch to level and reports whether it changed.
func (s *Switch) setLevel(ch, level byte) bool {
	s.mu.Lock()
	changed := s.levels[ch-1] != level
	s.levels[ch-1] = level
	levels := append([]byte(nil), s.levels...)
	s.mu.Unlock()
	if !changed {
		return false
	}
	logging.L().Infof("%v: channel %d now %s", s, ch, stateName(level))
	s.SetState(levelsStateKey, levels)
	switchState.With(prometheus.Labels{
		"address": s.AddrHex(),
		"name":    s.Name(),
		"channel": fmt.Sprint(ch),
	}).Set(boolToFloat64(level != Off))
	s.Emit(notify.ValueChanged, int(ch), map[string]any{
		"STATE": level != Off,
		"LEVEL": level,
	})
	return true
}

func stateName(level byte) string {
	if level == Off {
		return "off"
	}
	return "on"
}

func (s *Switch) handleLevelSet(pkt *bidcos.Packet) bidcos.Outcome {
	// c.f. <frame id="LEVEL_SET"> in rftypes/sw.xml
	p := pkt.Payload
	if len(p) < 3 {
		s.SendAck(pkt, bidcos.Nack)
		return bidcos.Continue
	}
	ch := p[1]
	if _, ok := s.Level(ch); !ok {
		s.SendAck(pkt, bidcos.NackTargetInvalid)
		return bidcos.Continue
	}
	level := byte(Off)
	if p[2] != Off {
		level = On
	}
	s.setLevel(ch, level)
	s.SendAck(pkt, bidcos.AckStatus, ch, level, 0x00)
	return bidcos.Continue
}

func (s *Switch) handleRemoteEvent(pkt *bidcos.Packet) bidcos.Outcome {
	ke, err := DecodeKeyEvent(pkt.Payload)
	if err != nil {
		logging.L().Debugf("%v: remote event from %v: %v", s, pkt.Source, err)
		return bidcos.Continue
	}
	button := hm.FullyQualifiedChannel{Peer: pkt.Source, Channel: ke.Button}
	counter := ke.Counter

	s.mu.Lock()
	last, seen := s.lastPress[button]
	s.lastPress[button] = counter
	s.mu.Unlock()

	var acked bool
	for ch := byte(1); int(ch) <= len(s.levels); ch++ {
		if !linked(s.Links(ch), button) {
			continue
		}
		level, _ := s.Level(ch)
		// A repeated press (same counter) must not toggle twice.
		if !seen || last != counter {
			if level == Off {
				level = On
			} else {
				level = Off
			}
			s.setLevel(ch, level)
		}
		if !acked && pkt.Flags&bidcos.BiDi != 0 {
			s.SendAck(pkt, bidcos.AckStatus, ch, level, 0x00)
			acked = true
		}
	}
	return bidcos.Continue
}

func linked(links []hm.FullyQualifiedChannel, button hm.FullyQualifiedChannel) bool {
	for _, l := range links {
		if l == button {
			return true
		}
	}
	return false
}

func boolToFloat64(val bool) float64 {
	var converted float64
	if val {
		converted = 1
	}
	return converted
}
