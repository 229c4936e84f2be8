package bidcos_test

import (
	"bytes"
	"testing"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

func TestFieldHeader(t *testing.T) {
	pkt := bidcos.NewPacket(0x5c, bidcos.DefaultFlags, bidcos.Config, 0x1a03fc, 0xfdb02c, []byte{0x01, 0x05})
	if got, want := pkt.Field(0, 1, bidcos.NoMask), []byte{0x5c}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected message counter: got %x, want %x", got, want)
	}
	for i, want := range []byte{0x1a, 0x03, 0xfc} {
		if got := pkt.Field(float64(3+i), 1, bidcos.NoMask); !bytes.Equal(got, []byte{want}) {
			t.Fatalf("unexpected sender byte %d: got %x, want %x", i, got, want)
		}
	}
	if got, want := pkt.Field(6, 3, bidcos.NoMask), []byte{0xfd, 0xb0, 0x2c}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected destination: got %x, want %x", got, want)
	}
}

func TestFieldPayloadBytes(t *testing.T) {
	pkt := bidcos.NewPacket(0, 0, 0, 1, 2, make([]byte, 8))
	for idx := 9; idx < 9+8; idx++ {
		v := byte(idx * 31)
		pkt.SetField(float64(idx), 1, []byte{v})
		if got, want := pkt.Field(float64(idx), 1, bidcos.NoMask), []byte{v}; !bytes.Equal(got, want) {
			t.Fatalf("index %d: got %x, want %x", idx, got, want)
		}
	}
	if got, want := len(pkt.Payload), 8; got != want {
		t.Fatalf("payload grew unexpectedly: got %d, want %d", got, want)
	}
}

func TestFieldOutOfRange(t *testing.T) {
	pkt := bidcos.NewPacket(0, 0, 0, 1, 2, []byte{0xff})
	if got, want := pkt.Field(20, 2, bidcos.NoMask), []byte{0}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected out of range result: got %x, want %x", got, want)
	}
	if got, want := pkt.Field(-1, 1, bidcos.NoMask), []byte{0}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected negative index result: got %x, want %x", got, want)
	}
}

func TestFieldBits(t *testing.T) {
	// 0xb4 = 1011 0100
	pkt := bidcos.NewPacket(0, 0, 0, 1, 2, []byte{0xb4})
	for _, tt := range []struct {
		index, size float64
		want        byte
	}{
		{9, 0.1, 0x0},
		{9.2, 0.1, 0x1},
		{9.2, 0.3, 0x5},
		{9.4, 0.4, 0xb},
		{9.7, 0.1, 0x1},
		{9, 0.6, 0x34},
	} {
		if got := pkt.Field(tt.index, tt.size, bidcos.NoMask); !bytes.Equal(got, []byte{tt.want}) {
			t.Errorf("Field(%v, %v) = %x, want %x", tt.index, tt.size, got, tt.want)
		}
	}
}

func TestSetFieldBitsPreservesNeighbours(t *testing.T) {
	pkt := bidcos.NewPacket(0, 0, 0, 1, 2, []byte{0xff})
	pkt.SetField(9.2, 0.3, []byte{0x0})
	if got, want := pkt.Payload[0], byte(0xe3); got != want {
		t.Fatalf("unexpected byte after clearing bits 2-4: got %08b, want %08b", got, want)
	}
	pkt.SetField(9.2, 0.3, []byte{0x5})
	if got, want := pkt.Payload[0], byte(0xf7); got != want {
		t.Fatalf("unexpected byte after setting bits 2-4: got %08b, want %08b", got, want)
	}
}

func TestSetFieldGrowsPayload(t *testing.T) {
	pkt := bidcos.NewPacket(0, 0, 0, 1, 2, nil)
	pkt.SetField(12, 2, []byte{0x01, 0x02})
	if got, want := pkt.Payload, []byte{0, 0, 0, 0x01, 0x02}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected payload: got %x, want %x", got, want)
	}
	if got, want := pkt.Length(), byte(9+5); got != want {
		t.Fatalf("unexpected length: got %d, want %d", got, want)
	}
}

func TestSetFieldHeader(t *testing.T) {
	pkt := bidcos.NewPacket(0, 0, 0, 0, 0, nil)
	pkt.SetField(3, 3, []byte{0x1a, 0x03, 0xfc})
	pkt.SetField(2, 1, []byte{bidcos.Info})
	if got, want := pkt.Source, bidcos.Address(0x1a03fc); got != want {
		t.Fatalf("unexpected source: got %v, want %v", got, want)
	}
	if got, want := pkt.Cmd, bidcos.Info; got != want {
		t.Fatalf("unexpected cmd: got %x, want %x", got, want)
	}
}

func TestCommandConstantsAreBytes(t *testing.T) {
	// Commands are compared against Packet.Cmd and used in payloads.
	for _, cmd := range []any{bidcos.Info, bidcos.Action, bidcos.RemoteEvent, bidcos.WeatherEvent, bidcos.InfoTemp} {
		if _, ok := cmd.(byte); !ok {
			t.Errorf("command %v has type %T, want byte", cmd, cmd)
		}
	}
}

func TestFieldMultiByteWithMask(t *testing.T) {
	pkt := bidcos.NewPacket(0, 0, 0, 1, 2, []byte{0x12, 0x34, 0x56})
	if got, want := pkt.Field(9, 2, 0x0ff0), []byte{0x02, 0x30}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected masked field: got %x, want %x", got, want)
	}
	// 1.4 = twelve bits: four in the first byte, eight in the second.
	if got, want := pkt.Field(10, 1.4, bidcos.NoMask), []byte{0x04, 0x56}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected 12 bit field: got %x, want %x", got, want)
	}
}
