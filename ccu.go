// hmcentral is a HomeMatic (BidCoS) central: it pairs and configures
// HomeMatic devices through a HM-MOD-RPI-PCB or a CUL and hosts
// virtual HomeMatic devices.
//
// Usage:
//
//	hmcentral run --config /etc/hmcentral.yaml
//	hmcentral pair [--serial MEQ0089016]
//	hmcentral unpair MEQ0089016
//	hmcentral link MEQ0089016:2 MEQ0059922:2
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gokrazy/gokrazy"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/config"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/central"
	"github.com/stapelberg/hmcentral/internal/hm/heating"
	"github.com/stapelberg/hmcentral/internal/hm/power"
	"github.com/stapelberg/hmcentral/internal/hm/smoke"
	"github.com/stapelberg/hmcentral/internal/hm/thermal"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/notify"
	"github.com/stapelberg/hmcentral/internal/phy"
	"github.com/stapelberg/hmcentral/internal/phy/cul"
	"github.com/stapelberg/hmcentral/internal/store"
	"github.com/stapelberg/hmcentral/internal/uartgw"
)

// version is set by the linker.
var version = "devel"

// prometheus metrics
var lastValueChange = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "hmcentral",
		Name:      "LastValueChange",
		Help:      "Last value reported by a device as UNIX timestamps, i.e. seconds since the epoch",
	},
	[]string{"serial"})

func init() {
	prometheus.MustRegister(lastValueChange)
}

// contactSink updates lastValueChange for every value the devices
// report. hm_LastContact covers any packet.
type contactSink struct{}

func (contactSink) Publish(ev notify.Event) {
	if ev.Kind != notify.ValueChanged {
		return
	}
	ch, err := central.ParseChannel(ev.Address)
	if err != nil {
		return
	}
	lastValueChange.WithLabelValues(ch.Serial).Set(float64(ev.Time.Unix()))
}

var yearday = time.Now().YearDay()

func overrideWinter(program []thermal.Program) []thermal.Program {
	if yearday > 90 && yearday < 270 {
		return program // no change during summer
	}
	logging.L().Infof("initial program: %+v", program)
	for i, prog := range program {
		for ii, entry := range prog.Endtimes {
			if entry.Endtime == uint64((17 * time.Hour).Minutes()) {
				prog.Endtimes[ii].Temperature = 25.0 // cannot be reached, i.e. heat permanently
			}
		}
		program[i] = prog
	}
	logging.L().Infof("modified program: %+v", program)
	return program
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "hmcentral",
	Short:         "HomeMatic BidCoS central",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	serialPort string
	listenAddr string
	logLevel   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the central",
	Long: `Run the central: open the radio interface, host the configured
virtual devices and serve the status page (/), metrics (/metrics), the
event stream (/events, websocket) and the API (/api/) used by the other
commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}
		flags := cmd.Flags()
		if flags.Changed("serial_port") {
			cfg.Interface.Port = serialPort
		}
		if flags.Changed("listen") {
			cfg.Listen = listenAddr
		}
		if flags.Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if err := logging.Initialize(cfg.LogLevel); err != nil {
			return err
		}
		defer logging.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runCentral(ctx, cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hmcentral %s\n", version)
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file (defaults apply if empty)")
	runCmd.Flags().StringVar(&serialPort, "serial_port", "/dev/ttyAMA0", "path to a serial port to communicate with the HM-MOD-RPI-PCB or CUL")
	runCmd.Flags().StringVar(&listenAddr, "listen", ":8013", "host:port to listen on")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func deviceOptions(cfg *config.Config, st hm.Store, events notify.Publisher) hm.Options {
	return hm.Options{
		ResponseDelay: cfg.Timing.ResponseDelay,
		PacketGap:     cfg.Timing.PacketGap,
		Workers:       cfg.Timing.Workers,
		Queue: bidcos.QueueOptions{
			IdleTimeout:    cfg.Timing.IdleTimeout,
			ResendInterval: cfg.Timing.ResendInterval,
			MaxResends:     cfg.Timing.MaxResends,
		},
		Store:  st,
		Events: events,
	}
}

// newVirtual returns the hosted device described by d.
func newVirtual(d config.Device, opts hm.Options) (hm.Hosted, error) {
	typ, err := d.DeviceType()
	if err != nil {
		return nil, err
	}
	addr := bidcos.Address(d.Address)
	var dev hm.Hosted
	switch typ {
	case hm.TypeHMCCTC:
		dev = thermal.NewClimateControl(addr, d.Serial, opts)
	case hm.TypeHMCCVD:
		dev = heating.NewValveDrive(addr, d.Serial, opts)
	case hm.TypeHMLCSw1FM, hm.TypeHMLCSw2FM:
		if dev, err = power.NewSwitch(addr, d.Serial, typ, opts); err != nil {
			return nil, err
		}
	case hm.TypeHMSecSD:
		dev = smoke.NewDetector(addr, d.Serial, opts)
	default:
		return nil, fmt.Errorf("device %s: %s cannot be hosted", d.Serial, d.Type)
	}
	dev.Base().HumanName = d.Name
	return dev, nil
}

func channels(typ hm.DeviceType) int {
	if desc, ok := hm.Builtin.Description(typ); ok {
		return desc.Channels
	}
	return 1
}

// registerPeers makes the UARTGW aware of the central's peers, now
// and whenever they change.
func registerPeers(gw *uartgw.UARTGW, c *central.Central, st *store.File) error {
	rec, err := st.LoadDevice(c.Addr)
	if err != nil {
		return err
	}
	if rec != nil {
		for _, p := range rec.Peers {
			addr := bidcos.Address(p.Address)
			logging.L().Infof("adding peer %v", addr)
			if err := gw.AddPeer(addr, channels(hm.DeviceType(p.Type))); err != nil {
				return err
			}
		}
	}
	c.Hooks.PeerAdded = func(p *hm.Peer) {
		if err := gw.AddPeer(p.Address, channels(p.Type)); err != nil {
			logging.L().Errorf("adding peer %v to %v: %v", p, gw, err)
		}
	}
	c.Hooks.PeerRemoved = func(p *hm.Peer) {
		if err := gw.RemovePeer(p.Address); err != nil {
			logging.L().Errorf("removing peer %v from %v: %v", p, gw, err)
		}
	}
	return nil
}

// configure applies the week programs and links of cfg. Failures are
// logged only: the next start tries again.
func configure(ctx context.Context, cfg *config.Config, c *central.Central) {
	for serial := range cfg.Programs {
		programs, err := cfg.ThermalPrograms(serial)
		if err != nil {
			logging.L().Errorf("program of %s: %v", serial, err)
			continue
		}
		if cfg.WinterOverride {
			programs = overrideWinter(programs)
		}
		logging.L().Infof("reading program configuration of %s", serial)
		key := hm.ParamsetKey{Channel: 0, List: thermal.ProgramList}
		n, err := c.EnsureParamset(ctx, serial, key, thermal.ProgramValues(programs))
		if err != nil {
			logging.L().Warnf("configuring program of %s: %v", serial, err)
			continue
		}
		logging.L().Infof("program of %s: %d values updated", serial, n)
	}

	for _, l := range cfg.Links {
		if err := ensureLink(ctx, c, l); err != nil {
			logging.L().Warnf("ensuring link %s → %s: %v", l.From, l.To, err)
		}
	}
}

func ensureLink(ctx context.Context, c *central.Central, l config.Link) error {
	from, err := central.ParseChannel(l.From)
	if err != nil {
		return err
	}
	to, err := central.ParseChannel(l.To)
	if err != nil {
		return err
	}
	target := c.PeerBySerial(to.Serial)
	if target == nil {
		return central.ErrUnknownPeer
	}
	logging.L().Infof("ensuring %v is peered with %v", from, to)
	links, err := c.ReadLinks(ctx, from.Serial, from.Channel)
	if err != nil {
		return err
	}
	for _, link := range links {
		if link.Peer == target.Address && link.Channel == to.Channel {
			return nil
		}
	}
	return c.AddLink(ctx, from, to)
}

// advertise announces the HTTP endpoint via mDNS until ctx is done.
func advertise(ctx context.Context, serial, listen string) error {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	server, err := zeroconf.Register("hmcentral "+serial, "_hmcentral._tcp", "local.", port,
		[]string{"serial=" + serial, "version=" + version, "events=/events"}, nil)
	if err != nil {
		return fmt.Errorf("registering mDNS service: %w", err)
	}
	defer server.Shutdown()
	<-ctx.Done()
	return nil
}

func openInterface(cfg *config.Config) (phy.Interface, *uartgw.UARTGW) {
	if cfg.Interface.Kind == "cul" {
		return cul.New(cfg.Interface.Port, cfg.Interface.Baud), nil
	}
	gw := uartgw.New(uartgw.Config{
		PortName: cfg.Interface.Port,
		Baud:     cfg.Interface.Baud,
		ResetPin: cfg.Interface.ResetPin,
		HMID:     bidcos.Address(cfg.Central.Address),
	})
	return gw, gw
}

func runCentral(ctx context.Context, cfg *config.Config) error {
	// Duty cycles and the UARTGW clock need the correct time.
	gokrazy.WaitForClock()

	st, err := store.Open(cfg.StateFile)
	if err != nil {
		return err
	}

	hub := notify.NewHub()
	hub.AddSink(contactSink{})
	if cfg.MQTT.Broker != "" {
		sink := notify.NewMQTTSink(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic)
		defer sink.Close()
		hub.AddSink(sink)
	}

	opts := deviceOptions(cfg, st, hub)
	c := central.New(bidcos.Address(cfg.Central.Address), cfg.Central.Serial, opts)
	registry := hm.NewRegistry()
	if err := registry.Add(c); err != nil {
		return err
	}
	for _, d := range cfg.Devices {
		dev, err := newVirtual(d, opts)
		if err != nil {
			return err
		}
		if err := registry.Add(dev); err != nil {
			return err
		}
	}

	hw, gw := openInterface(cfg)
	air := phy.NewAir(hw)
	registry.Attach(air)
	if err := air.StartListening(); err != nil {
		return err
	}
	defer air.StopListening()
	if gw != nil {
		if err := registerPeers(gw, c, st); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { handleStatus(w, r, c, registry) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", hub)
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	(&api{central: c}).register(mux)
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return registry.Run(ctx) })
	eg.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.MDNS {
		eg.Go(func() error { return advertise(ctx, cfg.Central.Serial, cfg.Listen) })
	}
	if gw != nil {
		eg.Go(func() error {
			t := time.NewTicker(1 * time.Hour)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if err := gw.SetTime(time.Now()); err != nil {
						return fmt.Errorf("setting time: %w", err)
					}
				}
			}
		})
	}
	eg.Go(func() error {
		configure(ctx, cfg, c)
		return nil
	})

	logging.L().Infof("entering BidCoS packet handling, listening on %s", cfg.Listen)
	err = eg.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
