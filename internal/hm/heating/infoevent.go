package heating

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/hm"
)

var (
	infoEventSetTemperature = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "InfoEventSetTemperature",
			Help:      "target temperature in degC",
		},
		[]string{"address", "name"})

	infoEventActualTemperature = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "InfoEventActualTemperature",
			Help:      "current temperature in degC",
		},
		[]string{"address", "name"})

	infoEventFault = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "InfoEventFault",
			Help:      "fault as bool",
		},
		[]string{"address", "name", "fault"})

	infoEventBatteryState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "InfoEventBatteryState",
			Help:      "battery state in V",
		},
		[]string{"address", "name"})

	infoEventValveState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "InfoEventValveState",
			Help:      "valve state in percentage points",
		},
		[]string{"address", "name"})

	infoEventControl = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "InfoEventControl",
			Help:      "control mode",
		},
		[]string{"address", "name", "mode"})

	infoEventBoostState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "InfoEventBoostState",
			Help:      "boost state in minutes",
		},
		[]string{"address", "name"})
)

func init() {
	prometheus.MustRegister(infoEventSetTemperature)
	prometheus.MustRegister(infoEventActualTemperature)
	prometheus.MustRegister(infoEventFault)
	prometheus.MustRegister(infoEventBatteryState)
	prometheus.MustRegister(infoEventValveState)
	prometheus.MustRegister(infoEventControl)
	prometheus.MustRegister(infoEventBoostState)
}

type ControlMode uint

const (
	AutoMode ControlMode = iota
	ManuMode
	PartyMode
	BoostMode
)

type FaultReporting uint

const (
	NoFault FaultReporting = iota
	ValveTight
	AdjustingRangeTooLarge
	AdjustingRangeTooSmall
	CommunicationError
	_
	Lowbat
	ValveErrorPosition
)

func (fr FaultReporting) String() string {
	switch fr {
	case NoFault:
		return "none"
	case ValveTight:
		return "valve tight"
	case AdjustingRangeTooLarge:
		return "adjusting range too large"
	case AdjustingRangeTooSmall:
		return "adjusting range too small"
	case CommunicationError:
		return "communication error"
	case Lowbat:
		return "low battery"
	case ValveErrorPosition:
		return "valve error position"
	default:
		return fmt.Sprintf("unknown fault (%d dec, %x hex)", uint(fr), uint(fr))
	}
}

type InfoEvent struct {
	SetTemperature    float64 // in degC
	ActualTemperature float64 // in degC
	Fault             FaultReporting
	BatteryState      float64 // in V
	ValveState        uint64  // in percentage points
	Control           ControlMode
	BoostState        uint64 // in minutes
	// Not using party mode, so ignoring the remaining fields.
}

var ieTmpl = template.Must(template.New("infoevent").Parse(`
<strong>Info:</strong><br>
Target temperature: {{ .SetTemperature }} ℃<br>
Current temperature: {{ .ActualTemperature }} ℃<br>
Fault: {{ .Fault }}<br>
Battery state: {{ .BatteryState }} V<br>
Valve state: {{ .ValveState }}%<br>
Control: {{ .Control }}<br>
Boost state: {{ .BoostState }} minutes<br>
`))

func (ie *InfoEvent) HTML() template.HTML {
	var buf bytes.Buffer
	if err := ieTmpl.Execute(&buf, ie); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

func (ie *InfoEvent) Channel() int { return ClimateControlReceiver }

func (ie *InfoEvent) Values() map[string]any {
	return map[string]any{
		"SET_TEMPERATURE":    ie.SetTemperature,
		"ACTUAL_TEMPERATURE": ie.ActualTemperature,
		"FAULT_REPORTING":    ie.Fault.String(),
		"BATTERY_STATE":      ie.BatteryState,
		"VALVE_STATE":        ie.ValveState,
		"CONTROL_MODE":       uint(ie.Control),
		"BOOST_STATE":        ie.BoostState,
	}
}

// with returns a copy of labels with the additional label k set to v.
func with(labels prometheus.Labels, k, v string) prometheus.Labels {
	l := make(prometheus.Labels, len(labels)+1)
	for lk, lv := range labels {
		l[lk] = lv
	}
	l[k] = v
	return l
}

// DecodeInfoEvent decodes the INFO_LEVEL payload of a HM-CC-RT-DN and
// updates the metrics of the device identified by labels.
func DecodeInfoEvent(labels prometheus.Labels, payload []byte) (*InfoEvent, error) {
	// c.f. <frame id="INFO_LEVEL"> in rftypes/cc.xml
	if got, want := len(payload), 6; got != want {
		return nil, fmt.Errorf("unexpected payload size: got %d, want %d", got, want)
	}
	ie := &InfoEvent{
		SetTemperature:    float64((uint64(payload[1])>>2)&hm.Mask6Bit) / 2,
		ActualTemperature: float64((int64(payload[1])&hm.Mask2Bit)<<8|int64(payload[2])) / 10,
		Fault:             FaultReporting((payload[3] >> 5) & hm.Mask3Bit),
		BatteryState:      float64(payload[3]&hm.Mask5Bit)/10 + 1.5,
		ValveState:        uint64(payload[4] & hm.Mask7Bit),
		Control:           ControlMode((payload[5] >> 6) & hm.Mask2Bit),
		BoostState:        uint64(payload[5] & hm.Mask6Bit),
	}

	infoEventSetTemperature.With(labels).Set(ie.SetTemperature)
	infoEventActualTemperature.With(labels).Set(ie.ActualTemperature)

	infoEventFault.With(with(labels, "fault", "valvetight")).Set(boolToFloat64(ie.Fault == ValveTight))
	infoEventFault.With(with(labels, "fault", "adjustingrangetoosmall")).Set(boolToFloat64(ie.Fault == AdjustingRangeTooSmall))
	infoEventFault.With(with(labels, "fault", "adjustingrangetoolarge")).Set(boolToFloat64(ie.Fault == AdjustingRangeTooLarge))
	infoEventFault.With(with(labels, "fault", "communicationerror")).Set(boolToFloat64(ie.Fault == CommunicationError))
	infoEventFault.With(with(labels, "fault", "lowbat")).Set(boolToFloat64(ie.Fault == Lowbat))
	infoEventFault.With(with(labels, "fault", "valveerrorposition")).Set(boolToFloat64(ie.Fault == ValveErrorPosition))

	infoEventBatteryState.With(labels).Set(ie.BatteryState)
	infoEventValveState.With(labels).Set(float64(ie.ValveState))

	infoEventControl.With(with(labels, "mode", "manu")).Set(boolToFloat64(ie.Control == ManuMode))
	infoEventControl.With(with(labels, "mode", "party")).Set(boolToFloat64(ie.Control == PartyMode))
	infoEventControl.With(with(labels, "mode", "boost")).Set(boolToFloat64(ie.Control == BoostMode))

	infoEventBoostState.With(labels).Set(float64(ie.BoostState))
	return ie, nil
}

func boolToFloat64(val bool) float64 {
	var converted float64
	if val {
		converted = 1
	}
	return converted
}

var _ hm.ValueEvent = (*InfoEvent)(nil)
