package uartgw

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestWriteFrame(t *testing.T) {
	for _, tt := range []struct {
		pkt  Packet
		want string
	}{
		{
			pkt:  Packet{Dst: OS, Counter: 0, Cmd: OSChangeApp},
			want: "FD0003000003180A",
		},
		{
			pkt:  Packet{Dst: OS, Counter: 1, Cmd: OSGetFirmware},
			want: "FD00030001021E0C",
		},
		{
			// 0xfd in the payload is escaped
			pkt:  Packet{Dst: App, Counter: 6, Cmd: AppSetHMID, Payload: []byte{0xfd, 0xb0, 0x2c}},
			want: "FD0006010600FC7DB02CD166",
		},
	} {
		var buf bytes.Buffer
		if err := writeFrame(&buf, &tt.pkt); err != nil {
			t.Fatal(err)
		}
		if got := strings.ToUpper(hex.EncodeToString(buf.Bytes())); got != tt.want {
			t.Errorf("writeFrame(%v): got %s, want %s", &tt.pkt, got, tt.want)
		}
	}
}

func TestReadFrame(t *testing.T) {
	// Garbage and an interrupted frame precede the valid frames.
	wire := mustHex(t, "0102"+"FD0004"+
		"FD000400000401993D"+
		"FD000D000000436F5F4350555F417070D831"+
		"FD0006010600FC7DB02CD166")
	r := newUnescapingReader(bytes.NewReader(wire))

	pkt, err := readFrame(r)
	require.NoError(t, err)
	require.Equal(t, &Packet{Dst: OS, Counter: 0, Cmd: OSAck, Payload: []byte{0x01}}, pkt)

	pkt, err = readFrame(r)
	require.NoError(t, err)
	if got, want := string(pkt.Payload), "Co_CPU_App"; got != want {
		t.Fatalf("unexpected payload: got %q, want %q", got, want)
	}

	pkt, err = readFrame(r)
	require.NoError(t, err)
	require.Equal(t, []byte{0xfd, 0xb0, 0x2c}, pkt.Payload)

	if _, err := readFrame(r); err != io.EOF {
		t.Fatalf("readFrame at end: got %v, want %v", err, io.EOF)
	}
}

func TestUnescapingReader(t *testing.T) {
	r := newUnescapingReader(bytes.NewReader([]byte{0xfd, 0x01, 0xfc, 0x7d, 0xfc, 0x7c}))
	for _, want := range []struct {
		b     byte
		delim bool
	}{
		{0xfd, true},
		{0x01, false},
		{0xfd, false},
		{0xfc, false},
	} {
		b, delim, err := r.next()
		require.NoError(t, err)
		if b != want.b || delim != want.delim {
			t.Fatalf("next() = %#x, %v, want %#x, %v", b, delim, want.b, want.delim)
		}
	}
	if _, _, err := r.next(); err != io.EOF {
		t.Fatalf("next() at end: got %v, want %v", err, io.EOF)
	}
}

func TestReadFrameChecksum(t *testing.T) {
	r := newUnescapingReader(bytes.NewReader(mustHex(t, "FD000400000401993E")))
	if _, err := readFrame(r); !errors.Is(err, ErrChecksum) {
		t.Fatalf("readFrame: got %v, want %v", err, ErrChecksum)
	}
}

type fakePort struct {
	io.Reader
	io.Writer
	closeFn func() error
}

func (f *fakePort) Close() error            { return f.closeFn() }
func (f *fakePort) ResetInputBuffer() error { return nil }

// fakeModule answers commands the way a HM-MOD-RPI-PCB does.
type fakeModule struct {
	r    *unescapingReader
	w    io.Writer
	sent chan []byte
	// response is embedded in the ack to the next AppSend, if set.
	response []byte
}

func (m *fakeModule) send(pkt *Packet) {
	writeFrame(m.w, pkt)
}

func (m *fakeModule) ack(req *Packet, payload ...byte) {
	m.send(&Packet{Dst: req.Dst, Counter: req.Counter, Cmd: AppAck, Payload: payload})
}

func (m *fakeModule) run() {
	m.send(&Packet{Dst: OS, Cmd: OSGetApp, Payload: []byte("Co_CPU_BL")})
	for {
		req, err := readFrame(m.r)
		if err != nil {
			return
		}
		switch {
		case req.Dst == OS && req.Cmd == OSChangeApp:
			m.ack(req, ackOK)
			m.send(&Packet{Dst: OS, Cmd: OSGetApp, Payload: []byte("Co_CPU_App")})
		case req.Dst == OS && req.Cmd == OSGetFirmware:
			m.ack(req, 0x02, 0x01, 0x00, 0x03, 0x01, 0x02, 0x01)
		case req.Dst == OS && req.Cmd == OSGetSerial:
			m.ack(req, append([]byte{0x02}, "NEQ1330980"...)...)
		case req.Dst == App && req.Cmd == AppSend:
			m.sent <- req.Payload
			if m.response != nil {
				m.ack(req, append([]byte{ackWithResponse}, m.response...)...)
				m.response = nil
			} else {
				m.ack(req, ackOK)
			}
		default:
			m.ack(req, ackOK)
		}
	}
}

type chanReceiver chan *bidcos.Packet

func (c chanReceiver) ReceivePacket(pkt *bidcos.Packet) { c <- pkt }

func startFake(t *testing.T, response []byte) (*UARTGW, *fakeModule) {
	t.Helper()
	moduleIn, gwOut := io.Pipe()
	gwIn, moduleOut := io.Pipe()
	m := &fakeModule{
		r:        newUnescapingReader(moduleIn),
		w:        moduleOut,
		sent:     make(chan []byte, 1),
		response: response,
	}
	go m.run()

	u := NewWithOpener(Config{PortName: "/dev/ttyAMA0", HMID: 0xfdb02c}, func(string, int) (Port, error) {
		return &fakePort{
			Reader: gwIn,
			Writer: gwOut,
			closeFn: func() error {
				gwIn.Close()
				moduleIn.Close()
				return nil
			},
		}, nil
	})
	if err := u.StartListening(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { u.StopListening() })
	return u, m
}

func TestInit(t *testing.T) {
	u, _ := startFake(t, nil)
	if got, want := u.FirmwareVersion, "1.2.1"; got != want {
		t.Errorf("unexpected firmware version: got %q, want %q", got, want)
	}
	if got, want := u.SerialNumber, "NEQ1330980"; got != want {
		t.Errorf("unexpected serial number: got %q, want %q", got, want)
	}
	if !u.IsOpen() {
		t.Fatalf("UARTGW not open after StartListening")
	}
	if err := u.AddPeer(0x40c2a8, 3); err != nil {
		t.Fatal(err)
	}
	if err := u.StopListening(); err != nil {
		t.Fatal(err)
	}
	if err := u.SendPacket(bidcos.NewPacket(1, bidcos.DefaultFlags, 0x01, 0xfdb02c, 0x40c2a8, nil)); err != ErrNotOpen {
		t.Fatalf("SendPacket on closed UARTGW: got %v, want %v", err, ErrNotOpen)
	}
}

func TestSendWithEmbeddedResponse(t *testing.T) {
	ack := bidcos.NewPacket(0x1c, 0x80, 0x02, 0x40c2a8, 0xfdb02c, []byte{0x00})
	u, m := startFake(t, append([]byte{0x00, 0x00, 0x2a}, ack.Encode()[1:]...))
	received := make(chanReceiver, 1)
	u.AddReceiver(received)

	pkt := bidcos.NewPacket(0x1c, bidcos.DefaultFlags|bidcos.Burst, 0x01, 0xfdb02c, 0x40c2a8, []byte{0x01, 0x0e})
	if err := u.SendPacket(pkt); err != nil {
		t.Fatal(err)
	}
	want := append([]byte{0x00, 0x00, 0x01}, pkt.Encode()[1:]...)
	require.Equal(t, want, <-m.sent)

	select {
	case got := <-received:
		if !got.Equal(ack) {
			t.Fatalf("unexpected packet: got %v, want %v", got, ack)
		}
		if got, want := got.RSSI, uint8(0x2a); got != want {
			t.Fatalf("unexpected RSSI: got %d, want %d", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("embedded response not delivered")
	}
}

func TestReceive(t *testing.T) {
	u, m := startFake(t, nil)
	received := make(chanReceiver, 1)
	u.AddReceiver(received)

	event := bidcos.NewPacket(0x42, 0x84, 0x70, 0x390f17, 0x000000, []byte{0x00, 0xcc, 0x32})
	m.send(&Packet{
		Dst:     App,
		Cmd:     AppRecv,
		Payload: append([]byte{0x00, 0x00, 0x30}, event.Encode()[1:]...),
	})
	select {
	case got := <-received:
		if !got.Equal(event) {
			t.Fatalf("unexpected packet: got %v, want %v", got, event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("packet not delivered")
	}
}
