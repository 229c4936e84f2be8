// Package smoke implements a virtual HM-Sec-SD smoke detector. Smoke
// detectors form a team: an alarm of one member is sent to the team
// address and sounded by all members.
package smoke

import (
	"bytes"
	"html/template"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
)

const prometheusNamespace = "hmsmoke"

const SmokeChannel = 0x01

// SMOKE_EVENT states
const (
	Idle  = 0x01
	Alarm = 0xc8
)

var smokeAlarm = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: prometheusNamespace,
		Name:      "Alarm",
		Help:      "smoke alarm (bool), own or sounded by a team member",
	},
	[]string{"address", "name"})

func init() {
	prometheus.MustRegister(smokeAlarm)
}

type SmokeEvent struct {
	Source bidcos.Address
	Team   bidcos.Address
	Alarm  bool
}

var seTmpl = template.Must(template.New("smokeevent").Parse(`
<strong>Smoke:</strong><br>
Alarm: {{ .Alarm }}<br>
Raised by: {{ .Source }}<br>
Team: {{ .Team }}<br>
`))

func (se *SmokeEvent) HTML() template.HTML {
	var buf bytes.Buffer
	if err := seTmpl.Execute(&buf, se); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

func (se *SmokeEvent) Channel() int { return SmokeChannel }

func (se *SmokeEvent) Values() map[string]any {
	return map[string]any{
		"STATE":  se.Alarm,
		"SOURCE": se.Source.String(),
		"TEAM":   se.Team.String(),
	}
}

// DecodeSmokeEvent decodes a SMOKE_EVENT sent by source to team.
func DecodeSmokeEvent(source, team bidcos.Address, payload []byte) (*SmokeEvent, bool) {
	// c.f. <frame id="SMOKE_EVENT"> in rftypes/sd.xml
	if len(payload) < 3 {
		return nil, false
	}
	return &SmokeEvent{
		Source: source,
		Team:   team,
		Alarm:  payload[2] > Idle,
	}, true
}

// Detector is a virtual HM-Sec-SD. Its team is the first peer linked
// to its smoke channel, or the detector itself.
type Detector struct {
	*hm.Device

	mu        sync.Mutex
	own       bool
	sounding  map[bidcos.Address]bool
	alarmSeq  byte
	lastAlarm map[bidcos.Address]byte

	latestMu         sync.RWMutex
	latestSmokeEvent *SmokeEvent
}

func NewDetector(addr bidcos.Address, serial string, opts hm.Options) *Detector {
	sd := &Detector{
		Device:    hm.NewDevice(addr, serial, hm.TypeHMSecSD, opts),
		sounding:  make(map[bidcos.Address]bool),
		lastAlarm: make(map[bidcos.Address]byte),
	}
	sd.Firmware = 0x10
	sd.RegisterPeripheralMessages()
	sd.Messages.Add(&bidcos.Message{
		Direction: bidcos.DirectionIn,
		Cmd:       bidcos.SmokeEvent,
		// Team members need not be peers; the handler checks the
		// destination against the team address.
		Access:        bidcos.FullAccess,
		AccessPairing: bidcos.FullAccess,
		Handler:       bidcos.HandlerFunc(sd.handleSmokeEvent),
		Name:          "SMOKE_EVENT",
	})
	sd.Hooks.AcceptsDest = func(dest bidcos.Address) bool { return dest == sd.Team() }
	sd.Hooks.Status = sd.status
	sd.Hooks.Reset = sd.reset
	return sd
}

// Team returns the team address.
func (sd *Detector) Team() bidcos.Address {
	if links := sd.Links(SmokeChannel); len(links) > 0 {
		return links[0].Peer
	}
	return sd.Addr
}

// Alarm reports whether the detector sounds its alarm.
func (sd *Detector) Alarm() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.alarmLocked()
}

func (sd *Detector) alarmLocked() bool {
	if sd.own {
		return true
	}
	for _, on := range sd.sounding {
		if on {
			return true
		}
	}
	return false
}

func (sd *Detector) MostRecentEvents() []hm.Event {
	var result []hm.Event
	sd.latestMu.RLock()
	defer sd.latestMu.RUnlock()

	if sd.latestSmokeEvent != nil {
		result = append(result, sd.latestSmokeEvent)
	}

	return result
}

func (sd *Detector) status(ch byte) ([]byte, bool) {
	if ch != SmokeChannel {
		return nil, false
	}
	state := byte(Idle)
	if sd.Alarm() {
		state = Alarm
	}
	return []byte{state, 0x00}, true
}

func (sd *Detector) reset() {
	sd.mu.Lock()
	sd.own = false
	sd.sounding = make(map[bidcos.Address]bool)
	sd.lastAlarm = make(map[bidcos.Address]byte)
	sd.mu.Unlock()
	sd.publish(&SmokeEvent{Source: sd.Addr, Team: sd.Addr})
}

// SetAlarm raises (or clears) the detector's own alarm and sends it to
// the team.
func (sd *Detector) SetAlarm(on bool) {
	team := sd.Team()
	sd.mu.Lock()
	sd.own = on
	sd.alarmSeq++
	seq := sd.alarmSeq
	sd.mu.Unlock()

	state := byte(Idle)
	if on {
		state = Alarm
	}
	logging.L().Infof("%v: alarm %v, notifying team %v", sd, on, team)
	sd.SendPacket(bidcos.NewPacket(sd.NextCounter(team), bidcos.RepeatEnable|bidcos.Burst|bidcos.Broadcast,
		bidcos.SmokeEvent, sd.Addr, team, []byte{SmokeChannel, seq, state}))
	sd.publish(&SmokeEvent{Source: sd.Addr, Team: team, Alarm: sd.Alarm()})
}

func (sd *Detector) handleSmokeEvent(pkt *bidcos.Packet) bidcos.Outcome {
	team := sd.Team()
	if pkt.Dest != team {
		logging.L().Debugf("%v: ignoring smoke event for team %v", sd, pkt.Dest)
		return bidcos.Continue
	}
	se, ok := DecodeSmokeEvent(pkt.Source, team, pkt.Payload)
	if !ok {
		return bidcos.Continue
	}
	seq := pkt.Payload[1]

	sd.mu.Lock()
	last, seen := sd.lastAlarm[pkt.Source]
	sd.lastAlarm[pkt.Source] = seq
	sd.sounding[pkt.Source] = se.Alarm
	se.Alarm = sd.alarmLocked()
	sd.mu.Unlock()

	if seen && last == seq {
		return bidcos.Continue
	}
	logging.L().Infof("%v: team member %v reports alarm %v", sd, pkt.Source, pkt.Payload[2] > Idle)
	sd.publish(se)
	return bidcos.Continue
}

func (sd *Detector) publish(se *SmokeEvent) {
	smokeAlarm.With(hm.Labels(sd.Addr, sd.Name())).Set(boolToFloat64(se.Alarm))
	sd.latestMu.Lock()
	sd.latestSmokeEvent = se
	sd.latestMu.Unlock()
	sd.Emit(notify.ValueChanged, SmokeChannel, se.Values())
}

func boolToFloat64(val bool) float64 {
	var converted float64
	if val {
		converted = 1
	}
	return converted
}

var _ hm.ValueEvent = (*SmokeEvent)(nil)
