// Package heating implements a virtual HM-CC-VD valve drive and the
// event decoder for HM-CC-RT-DN radiator thermostats.
package heating

import (
	"bytes"
	"fmt"
	"html/template"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
)

const prometheusNamespace = "hmheating"

// channels
const (
	ValveChannel           = 0x01
	ClimateControlReceiver = 0x02
)

const valveStateKey = "valve"

var valveDriveValveState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: prometheusNamespace,
		Name:      "ValveDriveValveState",
		Help:      "valve opening in percentage points",
	},
	[]string{"address", "name"})

func init() {
	prometheus.MustRegister(valveDriveValveState)
}

type ValveEvent struct {
	ValveState float64 // in percentage points
}

var veTmpl = template.Must(template.New("valveevent").Parse(`
<strong>Valve:</strong><br>
Valve state: {{ .ValveState }}%<br>
`))

func (ve *ValveEvent) HTML() template.HTML {
	var buf bytes.Buffer
	if err := veTmpl.Execute(&buf, ve); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

func (ve *ValveEvent) Channel() int { return ValveChannel }

func (ve *ValveEvent) Values() map[string]any {
	return map[string]any{"VALVE_STATE": ve.ValveState}
}

func valvePercent(valve byte) float64 {
	return float64(valve) * 100 / 0xFF
}

// DecodeClimateEvent decodes the valve position a climate control
// commands in its duty cycle broadcasts.
func DecodeClimateEvent(labels prometheus.Labels, payload []byte) (*ValveEvent, error) {
	// c.f. <frame id="CLIMATE_EVENT"> in rftypes/vd.xml
	if got, want := len(payload), 2; got < want {
		return nil, fmt.Errorf("unexpected payload size: got %d, want >= %d", got, want)
	}
	ve := &ValveEvent{ValveState: valvePercent(payload[1])}
	valveDriveValveState.With(labels).Set(ve.ValveState)
	return ve, nil
}

// ValveDrive is a virtual HM-CC-VD. It is paired peer-to-peer with a
// climate control and opens its valve as commanded in the climate
// control's duty cycle broadcasts.
type ValveDrive struct {
	*hm.Device

	mu    sync.Mutex
	valve byte

	latestMu         sync.RWMutex
	latestValveEvent *ValveEvent
}

func NewValveDrive(addr bidcos.Address, serial string, opts hm.Options) *ValveDrive {
	vd := &ValveDrive{
		Device: hm.NewDevice(addr, serial, hm.TypeHMCCVD, opts),
	}
	vd.Firmware = 0x20
	vd.RegisterPeripheralMessages()
	vd.Messages.Add(&bidcos.Message{
		Direction:     bidcos.DirectionIn,
		Cmd:           bidcos.ClimateEvent,
		Access:        bidcos.AccessPairedToSender | bidcos.AccessDestIsMe,
		AccessPairing: bidcos.AccessDestIsMe,
		Handler:       bidcos.HandlerFunc(vd.handleClimateEvent),
		Name:          "CLIMATE_EVENT",
	})
	vd.Hooks.Status = vd.status
	return vd
}

// Load restores the device and its valve state.
func (vd *ValveDrive) Load() error {
	if err := vd.Device.Load(); err != nil {
		return err
	}
	if b := vd.State(valveStateKey); len(b) == 1 {
		vd.mu.Lock()
		vd.valve = b[0]
		vd.mu.Unlock()
	}
	return nil
}

func (vd *ValveDrive) Valve() byte {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	return vd.valve
}

func (vd *ValveDrive) MostRecentEvents() []hm.Event {
	var result []hm.Event
	vd.latestMu.RLock()
	defer vd.latestMu.RUnlock()

	if vd.latestValveEvent != nil {
		result = append(result, vd.latestValveEvent)
	}

	return result
}

func (vd *ValveDrive) status(ch byte) ([]byte, bool) {
	if ch != ValveChannel {
		return nil, false
	}
	return []byte{vd.Valve(), 0x00}, true
}

func (vd *ValveDrive) handleClimateEvent(pkt *bidcos.Packet) bidcos.Outcome {
	// c.f. <frame id="CLIMATE_EVENT"> in rftypes/vd.xml
	ve, err := DecodeClimateEvent(hm.Labels(vd.Addr, vd.Name()), pkt.Payload)
	if err != nil {
		logging.L().Infof("%v: climate event from %v: %v", vd, pkt.Source, err)
		return bidcos.Continue
	}
	valve := pkt.Payload[1]
	vd.mu.Lock()
	changed := vd.valve != valve
	vd.valve = valve
	vd.mu.Unlock()

	vd.SendAck(pkt, bidcos.AckStatus, ValveChannel, valve, 0x00)

	vd.latestMu.Lock()
	vd.latestValveEvent = ve
	vd.latestMu.Unlock()
	if changed {
		logging.L().Debugf("%v: valve now at %.0f%%", vd, ve.ValveState)
		vd.SetState(valveStateKey, []byte{valve})
		vd.Emit(notify.ValueChanged, ValveChannel, ve.Values())
	}
	return bidcos.Continue
}

var _ hm.ValueEvent = (*ValveEvent)(nil)
