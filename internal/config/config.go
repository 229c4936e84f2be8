// Package config loads the hmcentral configuration file.
/*

A minimal configuration file:

    version: 1
    interface:
      kind: uartgw
      port: /dev/ttyAMA0
      reset_pin: "18"
    devices:
      - type: HM-CC-TC
        address: "1A2B3C"
        serial: HMC0000001
        name: Bad

Every field not present in the file keeps its default, see Default.

*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/thermal"
)

// Version is the only supported configuration file version.
const Version = 1

// Address is a BidCoS address written as 6 hex digits.
type Address bidcos.Address

func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 24)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", value.Line, s, err)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalYAML() (any, error) {
	return fmt.Sprintf("%06X", uint32(a)), nil
}

type Config struct {
	Version   int       `yaml:"version"`
	Central   Central   `yaml:"central"`
	Interface Interface `yaml:"interface"`
	StateFile string    `yaml:"state_file"`
	Listen    string    `yaml:"listen"`
	LogLevel  string    `yaml:"log_level"`
	MDNS      bool      `yaml:"mdns"`
	MQTT      MQTT      `yaml:"mqtt"`
	Timing    Timing    `yaml:"timing"`
	// Devices are hosted by the gateway in addition to the central.
	Devices []Device `yaml:"devices"`
	// Programs are week programs for paired thermostats, by serial.
	Programs map[string][]Program `yaml:"programs"`
	// WinterOverride heats permanently in the evening between October
	// and March.
	WinterOverride bool `yaml:"winter_override"`
	// Links are ensured to exist on startup.
	Links []Link `yaml:"links"`
}

type Central struct {
	Address Address `yaml:"address"`
	Serial  string  `yaml:"serial"`
}

type Interface struct {
	// Kind is cul or uartgw.
	Kind     string `yaml:"kind"`
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	ResetPin string `yaml:"reset_pin"`
}

type MQTT struct {
	// Broker is e.g. tcp://localhost:1883. Empty disables MQTT.
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

type Timing struct {
	ResponseDelay  time.Duration `yaml:"response_delay"`
	PacketGap      time.Duration `yaml:"packet_gap"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ResendInterval time.Duration `yaml:"resend_interval"`
	MaxResends     int           `yaml:"max_resends"`
	Workers        int           `yaml:"workers"`
}

type Device struct {
	Type    string  `yaml:"type"`
	Address Address `yaml:"address"`
	Serial  string  `yaml:"serial"`
	Name    string  `yaml:"name"`
}

// Period is one entry of a day program: Temperature until Until.
type Period struct {
	Until       string  `yaml:"until"`
	Temperature float64 `yaml:"temperature"`
}

type Program struct {
	// Days is weekdays, weekend or a comma separated list of
	// three-letter day names (mon,tue,…).
	Days    string   `yaml:"days"`
	Periods []Period `yaml:"periods"`
}

type Link struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

func Default() *Config {
	return &Config{
		Version: Version,
		Central: Central{
			Address: 0xFDB02C,
			Serial:  "BidCoS-RF",
		},
		Interface: Interface{
			Kind:     "uartgw",
			Port:     "/dev/ttyAMA0",
			Baud:     115200,
			ResetPin: "18",
		},
		StateFile: "/perm/hmcentral/state.cbor",
		Listen:    ":8013",
		LogLevel:  "info",
		MDNS:      true,
		MQTT: MQTT{
			ClientID: "hmcentral",
			Topic:    "hmcentral",
		},
		Timing: Timing{
			ResponseDelay:  hm.DefaultOptions.ResponseDelay,
			PacketGap:      hm.DefaultOptions.PacketGap,
			IdleTimeout:    bidcos.DefaultQueueOptions.IdleTimeout,
			ResendInterval: bidcos.DefaultQueueOptions.ResendInterval,
			MaxResends:     bidcos.DefaultQueueOptions.MaxResends,
			Workers:        hm.DefaultOptions.Workers,
		},
	}
}

// Load reads the configuration file at path on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Version != Version {
		return nil, fmt.Errorf("unsupported config version: %d (expected %d)", cfg.Version, Version)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Interface.Kind {
	case "cul", "uartgw":
	default:
		return fmt.Errorf("unknown interface kind %q (expected cul or uartgw)", c.Interface.Kind)
	}
	seen := map[Address]bool{c.Central.Address: true}
	for _, d := range c.Devices {
		if _, err := d.DeviceType(); err != nil {
			return err
		}
		if seen[d.Address] {
			return fmt.Errorf("device %s: address %06X used twice", d.Serial, uint32(d.Address))
		}
		seen[d.Address] = true
		if len(d.Serial) != 10 {
			return fmt.Errorf("device %s: serial must be 10 characters", d.Serial)
		}
	}
	for serial, programs := range c.Programs {
		for _, p := range programs {
			if _, err := p.Program(); err != nil {
				return fmt.Errorf("program of %s: %w", serial, err)
			}
		}
	}
	return nil
}

// DeviceType returns the device type named by d.Type.
func (d Device) DeviceType() (hm.DeviceType, error) {
	for t, desc := range hm.Builtin {
		if desc.Name == d.Type {
			return t, nil
		}
	}
	return 0, fmt.Errorf("device %s: unknown type %q", d.Serial, d.Type)
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func dayMask(days string) (int, error) {
	switch days {
	case "weekdays":
		return thermal.WeekdayMask, nil
	case "weekend":
		return thermal.WeekendMask, nil
	}
	var mask int
	for _, name := range strings.Split(days, ",") {
		day, ok := dayNames[strings.TrimSpace(strings.ToLower(name))]
		if !ok {
			return 0, fmt.Errorf("unknown day %q", name)
		}
		mask |= 1 << uint(day)
	}
	return mask, nil
}

// parseUntil returns the minutes since midnight of an HH:MM time.
func parseUntil(s string) (uint64, error) {
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return uint64(t.Hour()*60 + t.Minute()), nil
}

// Program converts p into the thermostat's representation.
func (p Program) Program() (thermal.Program, error) {
	mask, err := dayMask(p.Days)
	if err != nil {
		return thermal.Program{}, err
	}
	prog := thermal.Program{DayMask: mask}
	if len(p.Periods) > len(prog.Endtimes) {
		return thermal.Program{}, fmt.Errorf("%s: %d periods, at most %d supported", p.Days, len(p.Periods), len(prog.Endtimes))
	}
	var last uint64
	for i, period := range p.Periods {
		endtime, err := parseUntil(period.Until)
		if err != nil {
			return thermal.Program{}, fmt.Errorf("%s: %w", p.Days, err)
		}
		if endtime <= last {
			return thermal.Program{}, fmt.Errorf("%s: periods out of order at %s", p.Days, period.Until)
		}
		if endtime%5 != 0 {
			return thermal.Program{}, fmt.Errorf("%s: %s is not a multiple of 5 minutes", p.Days, period.Until)
		}
		if period.Temperature < 5 || period.Temperature > 30.5 {
			return thermal.Program{}, fmt.Errorf("%s: temperature %.1f out of range", p.Days, period.Temperature)
		}
		last = endtime
		prog.Endtimes[i] = thermal.ProgramEntry{Endtime: endtime, Temperature: period.Temperature}
	}
	return prog, nil
}

// ThermalPrograms returns the converted programs of the thermostat
// with the given serial.
func (c *Config) ThermalPrograms(serial string) ([]thermal.Program, error) {
	var programs []thermal.Program
	for _, p := range c.Programs[serial] {
		prog, err := p.Program()
		if err != nil {
			return nil, err
		}
		programs = append(programs, prog)
	}
	return programs, nil
}
