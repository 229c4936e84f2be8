package thermal

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
)

var climateValveState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: prometheusNamespace,
		Name:      "ClimateControlValveState",
		Help:      "valve opening commanded to the paired valve drives, in percentage points",
	},
	[]string{"address", "name"})

func init() {
	prometheus.MustRegister(climateValveState)
}

const climateStateKey = "climate"

// fullOpenDelta is the difference between set point and measured
// temperature (in degC) at which the valves are opened completely.
const fullOpenDelta = 2.0

// ValveState maps the difference between set point and measured
// temperature to a valve opening between 0 (closed) and 255 (open).
func ValveState(set, actual float64) byte {
	diff := set - actual
	switch {
	case diff <= 0:
		return 0
	case diff >= fullOpenDelta:
		return 0xFF
	}
	return byte(diff / fullOpenDelta * 0xFF)
}

type climate struct {
	SetTemperature    float64 `cbor:"1,keyasint"`
	ActualTemperature float64 `cbor:"2,keyasint"`
	Humidity          uint8   `cbor:"3,keyasint"`
}

// ClimateControl is a virtual HM-CC-TC climate control. It commands
// the valve drives paired with it (peer-to-peer) in duty cycle
// broadcasts and reports the measured climate to its central.
type ClimateControl struct {
	*hm.Device

	mu              sync.Mutex
	climate         climate
	valveState      byte
	dutyCycleDevice bidcos.Address

	latestMu           sync.RWMutex
	latestWeatherEvent *WeatherEvent
}

func NewClimateControl(addr bidcos.Address, serial string, opts hm.Options) *ClimateControl {
	cc := &ClimateControl{
		Device: hm.NewDevice(addr, serial, hm.TypeHMCCTC, opts),
		climate: climate{
			SetTemperature:    20,
			ActualTemperature: 20,
		},
	}
	cc.Firmware = 0x21
	cc.RegisterPeripheralMessages()
	cc.Hooks.PairingChannels = cc.pairingChannels
	cc.Hooks.Status = cc.status
	cc.AddWorker(cc.runDutyCycle)
	return cc
}

func (cc *ClimateControl) pairingChannels(t hm.DeviceType) (remote, local byte, ok bool) {
	if t != hm.TypeHMCCVD {
		return 0, 0, false
	}
	return 1, ThermalControlTransmit, true
}

func (cc *ClimateControl) status(ch byte) ([]byte, bool) {
	if ch != ThermalControlTransmit {
		return nil, false
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return []byte{cc.valveState, 0x00}, true
}

// Load restores the device and its climate state.
func (cc *ClimateControl) Load() error {
	if err := cc.Device.Load(); err != nil {
		return err
	}
	b := cc.State(climateStateKey)
	if len(b) == 0 {
		return nil
	}
	var c climate
	if err := cbor.Unmarshal(b, &c); err != nil {
		logging.L().Warnf("%v: discarding climate state: %v", cc, err)
		return nil
	}
	cc.mu.Lock()
	cc.climate = c
	cc.valveState = ValveState(c.SetTemperature, c.ActualTemperature)
	cc.mu.Unlock()
	return nil
}

func (cc *ClimateControl) MostRecentEvents() []hm.Event {
	var result []hm.Event
	cc.latestMu.RLock()
	defer cc.latestMu.RUnlock()

	if cc.latestWeatherEvent != nil {
		result = append(result, cc.latestWeatherEvent)
	}

	return result
}

// SetTemperature sets the set point. The valve state follows on the
// next duty cycle.
func (cc *ClimateControl) SetTemperature(set float64) {
	cc.mu.Lock()
	cc.climate.SetTemperature = set
	cc.mu.Unlock()
	cc.update()
}

// SetMeasurement records the measured temperature and humidity.
func (cc *ClimateControl) SetMeasurement(actual float64, humidity uint8) {
	cc.mu.Lock()
	cc.climate.ActualTemperature = actual
	cc.climate.Humidity = humidity
	cc.mu.Unlock()
	cc.update()
}

func (cc *ClimateControl) Climate() (set, actual float64, humidity uint8, valve byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.climate.SetTemperature, cc.climate.ActualTemperature, cc.climate.Humidity, cc.valveState
}

func (cc *ClimateControl) update() {
	cc.mu.Lock()
	c := cc.climate
	old := cc.valveState
	cc.valveState = ValveState(c.SetTemperature, c.ActualTemperature)
	valve := cc.valveState
	cc.mu.Unlock()

	b, err := cbor.Marshal(c)
	if err != nil {
		logging.L().Errorf("%v: encoding climate state: %v", cc, err)
	} else {
		cc.SetState(climateStateKey, b)
	}
	percent := float64(valve) * 100 / 0xFF
	climateValveState.With(hm.Labels(cc.Addr, cc.Name())).Set(percent)
	if valve != old {
		cc.Emit(notify.ValueChanged, ThermalControlTransmit, map[string]any{
			"SETPOINT":    c.SetTemperature,
			"VALVE_STATE": percent,
		})
	}
}

// sendWeather reports the measured climate to the central.
func (cc *ClimateControl) sendWeather() {
	central := cc.CentralAddress()
	if central == 0 {
		return
	}
	cc.mu.Lock()
	we := &WeatherEvent{
		Temperature: cc.climate.ActualTemperature,
		Humidity:    uint64(cc.climate.Humidity),
	}
	cc.mu.Unlock()

	cc.latestMu.Lock()
	cc.latestWeatherEvent = we
	cc.latestMu.Unlock()
	cc.SendPacket(bidcos.NewPacket(cc.NextCounter(central), bidcos.RepeatEnable, bidcos.WeatherEvent,
		cc.Addr, central, we.Encode()))
}
