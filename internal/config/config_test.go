package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stapelberg/hmcentral/internal/config"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/thermal"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
version: 1
central:
  address: "1A2B3C"
interface:
  kind: cul
  port: /dev/ttyACM0
  baud: 38400
timing:
  response_delay: 120ms
  idle_timeout: 30s
devices:
  - type: HM-CC-TC
    address: "390F17"
    serial: HMC0000001
    name: Bad
programs:
  MEQ0090662:
    - days: weekdays
      periods:
        - {until: "06:00", temperature: 17}
        - {until: "22:00", temperature: 21.5}
        - {until: "24:00", temperature: 17}
links:
  - {from: "JEQ0000001:1", to: "JEQ0000002:1"}
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	if got, want := cfg.Central.Address, config.Address(0x1a2b3c); got != want {
		t.Errorf("unexpected central address: got %06X, want %06X", uint32(got), uint32(want))
	}
	// Fields not in the file keep their defaults.
	if got, want := cfg.Central.Serial, "BidCoS-RF"; got != want {
		t.Errorf("unexpected central serial: got %q, want %q", got, want)
	}
	if got, want := cfg.Interface.Baud, 38400; got != want {
		t.Errorf("unexpected baud rate: got %d, want %d", got, want)
	}
	if got, want := cfg.Timing.ResponseDelay, 120*time.Millisecond; got != want {
		t.Errorf("unexpected response delay: got %v, want %v", got, want)
	}
	if got, want := cfg.Timing.PacketGap, hm.DefaultOptions.PacketGap; got != want {
		t.Errorf("unexpected packet gap: got %v, want %v", got, want)
	}
	if got, want := cfg.Timing.IdleTimeout, 30*time.Second; got != want {
		t.Errorf("unexpected idle timeout: got %v, want %v", got, want)
	}

	require.Len(t, cfg.Devices, 1)
	typ, err := cfg.Devices[0].DeviceType()
	require.NoError(t, err)
	if got, want := typ, hm.TypeHMCCTC; got != want {
		t.Errorf("unexpected device type: got %v, want %v", got, want)
	}

	programs, err := cfg.ThermalPrograms("MEQ0090662")
	require.NoError(t, err)
	require.Equal(t, []thermal.Program{{
		DayMask: thermal.WeekdayMask,
		Endtimes: [13]thermal.ProgramEntry{
			{Endtime: 6 * 60, Temperature: 17},
			{Endtime: 22 * 60, Temperature: 21.5},
			{Endtime: 24 * 60, Temperature: 17},
		},
	}}, programs)

	require.Equal(t, []config.Link{{From: "JEQ0000001:1", To: "JEQ0000002:1"}}, cfg.Links)
}

func TestLoadErrors(t *testing.T) {
	for _, tt := range []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "version",
			contents: "version: 2\n",
			want:     "unsupported config version",
		},
		{
			name:     "interface",
			contents: "version: 1\ninterface: {kind: usb}\n",
			want:     "unknown interface kind",
		},
		{
			name:     "address",
			contents: "version: 1\ncentral: {address: XYZ}\n",
			want:     "invalid address",
		},
		{
			name: "device type",
			contents: `version: 1
devices:
  - {type: HM-XX, address: "390F17", serial: HMC0000001}
`,
			want: "unknown type",
		},
		{
			name: "duplicate address",
			contents: `version: 1
devices:
  - {type: HM-CC-TC, address: "FDB02C", serial: HMC0000001}
`,
			want: "used twice",
		},
		{
			name: "program order",
			contents: `version: 1
programs:
  MEQ0090662:
    - days: sat,sun
      periods:
        - {until: "22:00", temperature: 21}
        - {until: "06:00", temperature: 17}
`,
			want: "out of order",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.contents))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load: got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatal(err)
	}
}
