package cul_test

import (
	"bufio"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/phy/cul"
)

// fakePort connects the CUL to the test: lines the CUL writes can be
// read from out, lines written to in are received by the CUL.
type fakePort struct {
	io.Reader
	io.Writer
	closeFn func() error
}

func (f *fakePort) Close() error { return f.closeFn() }

type chanReceiver chan *bidcos.Packet

func (c chanReceiver) ReceivePacket(pkt *bidcos.Packet) { c <- pkt }

func TestCUL(t *testing.T) {
	fromCUL, culOut := io.Pipe()
	culIn, toCUL := io.Pipe()
	c := cul.NewWithOpener("/dev/ttyACM0", 38400, func(string, int) (io.ReadWriteCloser, error) {
		return &fakePort{
			Reader: culIn,
			Writer: culOut,
			closeFn: func() error {
				culIn.Close()
				return nil
			},
		}, nil
	})
	received := make(chanReceiver, 1)
	c.AddReceiver(received)

	lines := bufio.NewScanner(fromCUL)
	readLine := func() string {
		if !lines.Scan() {
			t.Fatalf("no line written: %v", lines.Err())
		}
		return lines.Text()
	}

	errc := make(chan error, 1)
	go func() { errc <- c.StartListening() }()
	for _, want := range []string{"X21", "Ar"} {
		if got := readLine(); got != want {
			t.Fatalf("unexpected init command: got %q, want %q", got, want)
		}
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if !c.IsOpen() {
		t.Fatal("CUL not open after StartListening")
	}

	go io.WriteString(toCUL, "V 1.66 CUL868\r\nA0A00020143992201A03F00C4\r\n")
	select {
	case pkt := <-received:
		if got, want := pkt.Source, bidcos.Address(0x439922); got != want {
			t.Fatalf("unexpected source: got %v, want %v", got, want)
		}
		if got, want := pkt.RSSI, uint8(0xc4); got != want {
			t.Fatalf("unexpected RSSI: got %x, want %x", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("packet not received")
	}

	pkt := bidcos.NewPacket(0x0d, 0xa0, bidcos.Config, 0xfdb02c, 0x390f17, []byte{0x00, 0x05})
	go c.SendPacket(pkt)
	if got, want := readLine(), "As"+pkt.EncodeHex(); got != want {
		t.Fatalf("unexpected send line: got %q, want %q", got, want)
	}

	go func() { errc <- c.StopListening() }()
	for _, want := range []string{"Ax", "X00"} {
		if got := readLine(); got != want {
			t.Fatalf("unexpected shutdown command: got %q, want %q", got, want)
		}
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if c.IsOpen() {
		t.Fatal("CUL still open after StopListening")
	}
	if err := c.SendPacket(pkt); err != cul.ErrNotOpen {
		t.Fatalf("SendPacket on closed CUL: got %v, want %v", err, cul.ErrNotOpen)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }

func TestStartListeningInitWriteFails(t *testing.T) {
	var closed bool
	c := cul.NewWithOpener("/dev/ttyACM0", 38400, func(string, int) (io.ReadWriteCloser, error) {
		return &fakePort{
			Reader: eofReader{},
			Writer: failingWriter{},
			closeFn: func() error {
				closed = true
				return nil
			},
		}, nil
	})

	errc := make(chan error, 1)
	go func() { errc <- c.StartListening() }()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("StartListening unexpectedly succeeded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartListening did not return after a failed init write")
	}
	if !closed {
		t.Fatal("port not closed after a failed init write")
	}
	if c.IsOpen() {
		t.Fatal("CUL open after a failed init write")
	}
	if err := c.StopListening(); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
