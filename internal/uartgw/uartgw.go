// Package uartgw implements communicating with a HM-MOD-RPI-PCB
// HomeMatic gateway.
/*

The HM-MOD-RPI-PCB uses a frame-based protocol. When reading frames,
0xfc is an escape byte and needs to be replaced:

    0xfc 0x7d represents 0xfd
    0xfc 0x7c represents 0xfc

This technique results in 0xfd always meaning “start of a frame”,
which means we can re-synchronize on 0xfd after reading invalid data.

Each frame has the following format:

    uint8  frame delimiter (always 0xfd)
    uint16 length (big endian)
    []byte packet
    uint16 crc (big endian)

See the bidcosTable variable for the specific CRC16 parameters.

Each packet has the following format:

    uint8  destination (see Dest)
    uint8  message counter
    uint8  command
    []byte payload

Every command is answered by an ack carrying the command's message
counter. Received radio packets arrive as AppRecv packets in between.

*/
package uartgw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/phy"
)

var (
	ErrNotOpen   = errors.New("UARTGW not open")
	ErrTimeout   = errors.New("UARTGW did not respond")
	ErrNoCredits = errors.New("UARTGW transmit credits exhausted")
)

// ResponseTimeout bounds the wait for an ack. Sending a packet which
// expects a radio response takes up to a second.
var ResponseTimeout = 3 * time.Second

// Port is the serial port connected to the UARTGW.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// Opener opens the serial port. Tests substitute a pipe.
type Opener func(portName string, baud int) (Port, error)

func openSerial(portName string, baud int) (Port, error) {
	return serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

type Config struct {
	PortName string
	Baud     int
	// ResetPin is the GPIO pin connected to the reset line of the
	// module (18 on the Raspberry Pi). Without it, the module must
	// have just been powered on.
	ResetPin string
	// HMID is the HomeMatic ID the module sends with.
	HMID bidcos.Address
}

// UARTGW implements phy.Interface.
type UARTGW struct {
	phy.Listeners

	FirmwareVersion string
	SerialNumber    string

	cfg  Config
	open Opener

	// reqMu serializes commands: the module handles one at a time.
	reqMu sync.Mutex

	mu        sync.Mutex
	port      Port
	counter   uint8
	responses chan *Packet
	done      chan struct{}
}

func New(cfg Config) *UARTGW {
	return NewWithOpener(cfg, openSerial)
}

func NewWithOpener(cfg Config, open Opener) *UARTGW {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	u := &UARTGW{
		cfg:  cfg,
		open: open,
	}
	u.Listeners.Name = "uartgw:" + cfg.PortName
	return u
}

func (u *UARTGW) String() string {
	return fmt.Sprintf("UARTGW(%s)", u.cfg.PortName)
}

func (u *UARTGW) IsOpen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.port != nil
}

// StartListening opens the port, resets the module, switches it from
// the bootloader to the application and configures it.
func (u *UARTGW) StartListening() error {
	logging.L().Infof("opening serial port %s", u.cfg.PortName)
	port, err := u.open(u.cfg.PortName, u.cfg.Baud)
	if err != nil {
		return fmt.Errorf("opening %s: %w", u.cfg.PortName, err)
	}

	if u.cfg.ResetPin != "" {
		logging.L().Infof("resetting HM-MOD-RPI-PCB via GPIO %s", u.cfg.ResetPin)
		if err := reset(u.cfg.ResetPin, port); err != nil {
			port.Close()
			return fmt.Errorf("resetting %v: %w", u, err)
		}
	} else {
		logging.L().Warnf("%v: no reset pin configured, expecting a freshly powered module", u)
	}

	u.mu.Lock()
	u.port = port
	u.counter = 0
	u.responses = make(chan *Packet, 8)
	u.done = make(chan struct{})
	responses, done := u.responses, u.done
	u.mu.Unlock()

	go u.readLoop(port, responses, done)

	if err := u.init(time.Now()); err != nil {
		u.StopListening()
		return fmt.Errorf("initializing %v: %w", u, err)
	}
	logging.L().Infof("initialized UARTGW %s (firmware %s)", u.SerialNumber, u.FirmwareVersion)
	return nil
}

func (u *UARTGW) StopListening() error {
	u.mu.Lock()
	port, done := u.port, u.done
	u.port = nil
	u.mu.Unlock()
	if port == nil {
		return nil
	}
	err := port.Close()
	<-done
	return err
}

func (u *UARTGW) readLoop(port io.Reader, responses chan<- *Packet, done chan struct{}) {
	defer close(done)
	r := newUnescapingReader(port)
	for {
		pkt, err := readFrame(r)
		if errors.Is(err, ErrChecksum) || errors.Is(err, ErrShortFrame) {
			logging.L().Infof("%v: skipping invalid frame: %v", u, err)
			continue
		}
		if err != nil {
			if u.IsOpen() {
				logging.L().Errorf("%v: reading: %v", u, err)
			}
			return
		}
		if pkt.Dst == App && pkt.Cmd == AppRecv {
			u.receive(pkt.Payload)
			continue
		}
		select {
		case responses <- pkt:
		default:
			logging.L().Warnf("%v: dropping unexpected packet %v", u, pkt)
		}
	}
}

// receive decodes a radio packet, which is preceded by status, info
// and RSSI bytes.
func (u *UARTGW) receive(payload []byte) {
	if len(payload) < 3 {
		logging.L().Infof("%v: skipping short radio packet %X", u, payload)
		return
	}
	frame := append([]byte{byte(len(payload) - 3)}, payload[3:]...)
	pkt, err := bidcos.Decode(frame, false)
	if err != nil {
		logging.L().Infof("%v: skipping invalid bidcos packet: %v", u, err)
		return
	}
	pkt.RSSI = payload[2]
	u.Deliver(pkt)
}

func (u *UARTGW) write(pkt *Packet) (counter uint8, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.port == nil {
		return 0, ErrNotOpen
	}
	pkt.Counter = u.counter
	u.counter++
	return pkt.Counter, writeFrame(u.port, pkt)
}

// await returns the next packet for which match returns true.
func (u *UARTGW) await(match func(*Packet) bool) (*Packet, error) {
	u.mu.Lock()
	responses, done := u.responses, u.done
	u.mu.Unlock()
	if responses == nil {
		return nil, ErrNotOpen
	}
	timeout := time.NewTimer(ResponseTimeout)
	defer timeout.Stop()
	for {
		select {
		case pkt := <-responses:
			if match(pkt) {
				return pkt, nil
			}
			logging.L().Debugf("%v: skipping %v", u, pkt)
		case <-done:
			return nil, ErrNotOpen
		case <-timeout.C:
			return nil, ErrTimeout
		}
	}
}

// command sends a command and returns the module's ack.
func (u *UARTGW) command(dst Dest, cmd byte, payload []byte) (*Packet, error) {
	u.reqMu.Lock()
	defer u.reqMu.Unlock()
	cnt, err := u.write(&Packet{Dst: dst, Cmd: cmd, Payload: payload})
	if err != nil {
		return nil, err
	}
	ack, err := u.await(func(pkt *Packet) bool {
		return pkt.isAck() && pkt.Counter == cnt
	})
	if err != nil {
		return nil, fmt.Errorf("command %02X: %w", cmd, err)
	}
	if ack.Payload[0] == ackNACK {
		return nil, fmt.Errorf("command %02X: NACK %X", cmd, ack.Payload)
	}
	return ack, nil
}

func (u *UARTGW) init(now time.Time) error {
	// on the wire: FD000C000000436F5F4350555F424C7251
	if err := u.awaitApp("Co_CPU_BL"); err != nil {
		return err
	}

	if err := u.switchToApp(); err != nil {
		return fmt.Errorf("switching from bootloader to application: %w", err)
	}

	// on the wire: FD00030001021E0C
	ack, err := u.command(OS, OSGetFirmware, nil)
	if err != nil {
		return fmt.Errorf("getting firmware version: %w", err)
	}
	if got, want := len(ack.Payload), 7; got < want {
		return fmt.Errorf("getting firmware version: short ack: got %d bytes, want >= %d", got, want)
	}
	// on the wire: FD000A00010402010003010201AA8A
	version := ack.Payload[4:]
	u.FirmwareVersion = fmt.Sprintf("%d.%d.%d", version[0], version[1], version[2])

	// Carrier sense multiple access with collision avoidance
	// on the wire: FD000400020A003D10
	if _, err := u.command(OS, OSEnableCSMACA, []byte{0x01}); err != nil {
		return fmt.Errorf("enabling CSMA/CA: %w", err)
	}

	// on the wire: FD000E000304024E4551313333303938306AB9
	ack, err = u.command(OS, OSGetSerial, nil)
	if err != nil {
		return fmt.Errorf("getting serial number: %w", err)
	}
	u.SerialNumber = string(ack.Payload[1:])

	if err := u.SetTime(now); err != nil {
		return fmt.Errorf("setting time: %w", err)
	}

	// AES is not used, but the module wants a current key.
	// on the wire: FD001401050300112233445566778899AABBCCDDEEFF024C6D
	key := []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF,
		0x02, // key index
	}
	if _, err := u.command(App, AppSetCurrentKey, key); err != nil {
		return fmt.Errorf("setting current key: %w", err)
	}

	// on the wire: FD0006010600FC7DB02CD166
	hmid := u.cfg.HMID.Bytes()
	if _, err := u.command(App, AppSetHMID, hmid[:]); err != nil {
		return fmt.Errorf("setting HMID: %w", err)
	}
	return nil
}

func (u *UARTGW) awaitApp(name string) error {
	pkt, err := u.await(func(pkt *Packet) bool { return pkt.Cmd == OSGetApp })
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", name, err)
	}
	if got, want := string(pkt.Payload), name; got != want {
		return fmt.Errorf("unexpected UARTGW application: got %q, want %q", got, want)
	}
	return nil
}

// switchToApp switches from bootloader to application code.
func (u *UARTGW) switchToApp() error {
	// on the wire: FD0003000003180A, acked with FD000400000401993D
	if _, err := u.command(OS, OSChangeApp, nil); err != nil {
		return err
	}
	// on the wire: FD000D000000436F5F4350555F417070D831
	return u.awaitApp("Co_CPU_App")
}

// SetTime sets the module's clock, which it needs for AES. Call it
// periodically.
func (u *UARTGW) SetTime(now time.Time) error {
	// on the wire: FD000800040E58A7116300548E
	payload := binary.BigEndian.AppendUint32(nil, uint32(now.Unix()))
	_, offset := now.Zone()
	payload = append(payload, byte(offset/1800))
	_, err := u.command(OS, OSSetTime, payload)
	return err
}

// AddPeer makes the module aware of a peer, which disables AES for
// its channels and enables waking it up.
func (u *UARTGW) AddPeer(addr bidcos.Address, channels int) error {
	a := addr.Bytes()
	// Add peer / get peer config
	// on the wire: FD000901080640C2A8000000022E
	addPeer := []byte{a[0], a[1], a[2], 0x00, 0x00, 0x00}

	// Repeat the message twice because the CCU2 does that
	// (cargo-culted from homegear).
	for i := 0; i < 2; i++ {
		if _, err := u.command(App, AppAddPeer, addPeer); err != nil {
			return fmt.Errorf("adding peer %v: %w", addr, err)
		}
	}

	// on the wire: FD000D010A0A40C2A8000102030405068B17
	removeAES := append([]byte(nil), a[:]...)
	for i := 0; i < channels; i++ {
		removeAES = append(removeAES, byte(i))
	}
	if _, err := u.command(App, AppPeerRemoveAES, removeAES); err != nil {
		return fmt.Errorf("disabling AES for %v: %w", addr, err)
	}

	if _, err := u.command(App, AppAddPeer, addPeer); err != nil {
		return fmt.Errorf("adding peer %v: %w", addr, err)
	}

	// Set key index 0 (no encryption), don’t wake up
	// on the wire: FD0009010C0640C2A80000004236
	if _, err := u.command(App, AppAddPeer, addPeer); err != nil {
		return fmt.Errorf("setting key index of %v: %w", addr, err)
	}
	return nil
}

// RemovePeer removes a peer from the module.
func (u *UARTGW) RemovePeer(addr bidcos.Address) error {
	a := addr.Bytes()
	if _, err := u.command(App, AppRemovePeer, a[:]); err != nil {
		return fmt.Errorf("removing peer %v: %w", addr, err)
	}
	return nil
}

// SendPacket transmits pkt and waits until the module confirms the
// transmission. A radio response the module includes in its ack is
// delivered like a received packet.
func (u *UARTGW) SendPacket(pkt *bidcos.Packet) error {
	// c.f. https://github.com/Homegear/Homegear-HomeMaticBidCoS/blob/5255288954f3da42e12fa72a06963b99089d323f/src/PhysicalInterfaces/Hm-Mod-Rpi-Pcb.cpp#L858
	var burst byte
	if pkt.Flags&bidcos.Burst != 0 {
		burst = 0x01
	}
	payload := append([]byte{
		0x00, // status
		0x00, // info
		burst,
	}, pkt.Encode()[1:]...)
	ack, err := u.command(App, AppSend, payload)
	if err != nil {
		return err
	}
	u.CountSent()
	switch ack.Payload[0] {
	case ackNoCredits:
		return ErrNoCredits
	case ackWithResponse, ackWithResponseAES:
		u.receive(ack.Payload[1:])
	}
	return nil
}
