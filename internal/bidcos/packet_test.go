package bidcos_test

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/logging"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, payloadLen := range []int{0, 1, 17, 100, 246} {
		payload := make([]byte, payloadLen)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		want := bidcos.NewPacket(0xb3, bidcos.DefaultFlags|bidcos.Burst, bidcos.Config, 0x1a03fc, 0xfdb02c, payload)
		b := want.Encode()
		if got, want := b[0], byte(9+payloadLen); got != want {
			t.Fatalf("unexpected length byte: got %d, want %d", got, want)
		}
		got, err := bidcos.Decode(b, false)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(want) {
			t.Fatalf("round trip mismatch for %d byte payload: got %v, want %v", payloadLen, got, want)
		}
		if got, want := got.Length(), want.Length(); got != want {
			t.Fatalf("unexpected length: got %d, want %d", got, want)
		}
	}
}

func TestDecodeRSSI(t *testing.T) {
	b := []byte{0x0b, 0x01, 0xa0, 0x02, 0x39, 0x0f, 0x17, 0xfd, 0xb0, 0x2c, 0x00, 0x42}
	pkt, err := bidcos.Decode(b, true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pkt.RSSI, byte(0x42); got != want {
		t.Fatalf("unexpected RSSI: got %x, want %x", got, want)
	}
	if got, want := pkt.Payload, []byte{0x00}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected payload: got %x, want %x", got, want)
	}
	if got, want := pkt.Source, bidcos.Address(0x390f17); got != want {
		t.Fatalf("unexpected source: got %v, want %v", got, want)
	}
}

func TestDecodeShort(t *testing.T) {
	_, err := bidcos.Decode([]byte{0x09, 0x01, 0x02}, false)
	if !errors.Is(err, bidcos.ErrShortPacket) {
		t.Fatalf("unexpected error: got %v, want %v", err, bidcos.ErrShortPacket)
	}
}

func TestHexRoundTrip(t *testing.T) {
	want := bidcos.NewPacket(0x12, bidcos.DefaultFlags, bidcos.Info, 0x390f17, 0xfdb02c, []byte{0x06, 0x01, 0xc8, 0x00})
	s := want.EncodeHex()
	if got, want := s, "0D12A010390F17FDB02C0601C800"; got != want {
		t.Fatalf("unexpected hex: got %q, want %q", got, want)
	}
	got, err := bidcos.DecodeHex("A"+s+"\r\n", true)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Fatalf("round trip mismatch: got %v, want %v", got, want)
	}
}

func TestEncodeHexRefusesLargePayload(t *testing.T) {
	pkt := bidcos.NewPacket(0, 0, 0, 1, 2, make([]byte, 101))
	if got := pkt.EncodeHex(); got != "" {
		t.Fatalf("unexpected hex for oversized payload: got %q, want \"\"", got)
	}
}

func TestDecodeHexRSSI(t *testing.T) {
	pkt, err := bidcos.DecodeHex("A0A00020143992201A03F00C4\r\n", true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pkt.Payload, []byte{0x00}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected payload: got %x, want %x", got, want)
	}
	if got, want := pkt.RSSI, byte(0xc4); got != want {
		t.Fatalf("unexpected RSSI: got %x, want %x", got, want)
	}
	if got, want := pkt.Dest, bidcos.Address(0x01a03f); got != want {
		t.Fatalf("unexpected destination: got %v, want %v", got, want)
	}
}

func TestDecodeHexClampsDeclaredLength(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	defer logging.Replace(zap.New(core))()

	// The length byte (0x1A) declares 17 payload bytes, one is present.
	pkt, err := bidcos.DecodeHex("A1A0002014399223001A03FC\r\n", true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pkt.Payload, []byte{0x3f}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected payload: got %x, want %x", got, want)
	}
	if got, want := pkt.Cmd, byte(0x01); got != want {
		t.Fatalf("unexpected cmd: got %x, want %x", got, want)
	}
	if got, want := logs.Len(), 1; got != want {
		t.Fatalf("unexpected number of warnings: got %d, want %d", got, want)
	}
}

func TestDecodeHexTooShort(t *testing.T) {
	_, err := bidcos.DecodeHex("A0A000201\r\n", true)
	if !errors.Is(err, bidcos.ErrShortPacket) {
		t.Fatalf("unexpected error: got %v, want %v", err, bidcos.ErrShortPacket)
	}
	_, err = bidcos.DecodeHex("A0A00020143992230ZZA03FC\r\n", true)
	if !errors.Is(err, bidcos.ErrInvalidHex) {
		t.Fatalf("unexpected error: got %v, want %v", err, bidcos.ErrInvalidHex)
	}
}

func TestAddress(t *testing.T) {
	addr, err := bidcos.ParseAddress("1a03fc")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := addr, bidcos.Address(0x1a03fc); got != want {
		t.Fatalf("unexpected address: got %v, want %v", got, want)
	}
	if got, want := addr.String(), "1A03FC"; got != want {
		t.Fatalf("unexpected string: got %q, want %q", got, want)
	}
	if got, want := addr.Bytes(), [3]byte{0x1a, 0x03, 0xfc}; got != want {
		t.Fatalf("unexpected bytes: got %x, want %x", got, want)
	}
}
