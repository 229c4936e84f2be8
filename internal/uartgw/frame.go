package uartgw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

type Dest uint8

const (
	OS      Dest = 0
	App     Dest = 1
	Dual    Dest = 254
	DualErr Dest = 255
)

func (d Dest) String() string {
	switch d {
	case OS:
		return "OS"
	case App:
		return "App"
	case Dual:
		return "Dual"
	case DualErr:
		return "DualErr"
	default:
		return fmt.Sprintf("<invalid dest (%d)>", uint8(d))
	}
}

// Command values depend on the destination: the same value means
// something different for the bootloader (OS) and the application.
// c.f. https://svn.fhem.de/trac/browser/trunk/fhem/FHEM/00_HMUARTLGW.pm?rev=13367#L23
const (
	OSGetApp         byte = 0x00
	OSGetFirmware    byte = 0x02
	OSChangeApp      byte = 0x03
	OSAck            byte = 0x04
	OSUpdateFirmware byte = 0x05
	OSNormalMode     byte = 0x06
	OSUpdateMode     byte = 0x07
	OSGetCredits     byte = 0x08
	OSEnableCredits  byte = 0x09
	OSEnableCSMACA   byte = 0x0a
	OSGetSerial      byte = 0x0b
	OSSetTime        byte = 0x0e
)

const (
	AppSetHMID        byte = 0x00
	AppGetHMID        byte = 0x01
	AppSend           byte = 0x02
	AppSetCurrentKey  byte = 0x03
	AppAck            byte = 0x04
	AppRecv           byte = 0x05
	AppAddPeer        byte = 0x06
	AppRemovePeer     byte = 0x07
	AppGetPeers       byte = 0x08
	AppPeerAddAES     byte = 0x09
	AppPeerRemoveAES  byte = 0x0a
	AppSetTempKey     byte = 0x0b
	AppSetPreviousKey byte = 0x0f
	AppDefaultHMID    byte = 0x10
)

// Status byte of an ack (first payload byte).
const (
	ackNACK              = 0x00
	ackOK                = 0x01
	ackInfo              = 0x02
	ackWithResponse      = 0x03
	ackNoResponse        = 0x04
	ackNoCredits         = 0x05
	ackCSMACAFailed      = 0x06
	ackWithMultipartData = 0x07
	ackWithResponseAES   = 0x0c
)

// Packet is a frame exchanged with the HM-MOD-RPI-PCB serial gateway
// (“UARTGW”).
type Packet struct {
	Dst     Dest
	Counter uint8
	Cmd     byte
	Payload []byte
}

func (p *Packet) String() string {
	return fmt.Sprintf("dest=%s cnt=%02X cmd=%02X payload=%X", p.Dst, p.Counter, p.Cmd, p.Payload)
}

func (p *Packet) isAck() bool {
	return p.Cmd == AppAck && len(p.Payload) > 0
}

var bidcosTable = crc16.MakeTable(crc16.Params{
	Poly:   0x8005,
	Init:   0xd77f,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x0000,
	Check:  0x0000,
	Name:   "BidCoS",
})

var (
	ErrChecksum   = errors.New("frame checksum mismatch")
	ErrShortFrame = errors.New("frame too short")
)

// readFrame reads the next frame, skipping bytes until a frame
// delimiter. A frame which is interrupted by a delimiter is dropped in
// favor of the new frame.
func readFrame(r *unescapingReader) (*Packet, error) {
	sawDelim := false
	for {
		if !sawDelim {
			_, delim, err := r.next()
			if err != nil {
				return nil, err
			}
			if !delim {
				continue
			}
		}
		sawDelim = false

		full := []byte{frameDelimiter}
		read := func(n int) ([]byte, error) {
			start := len(full)
			for i := 0; i < n; i++ {
				b, delim, err := r.next()
				if err != nil {
					return nil, err
				}
				if delim {
					sawDelim = true
					return nil, nil
				}
				full = append(full, b)
			}
			return full[start:], nil
		}

		lb, err := read(2)
		if err != nil {
			return nil, err
		}
		if sawDelim {
			continue
		}
		length := binary.BigEndian.Uint16(lb)
		frame, err := read(int(length))
		if err != nil {
			return nil, err
		}
		if sawDelim {
			continue
		}
		want := crc16.Checksum(full, bidcosTable)
		cb, err := read(2)
		if err != nil {
			return nil, err
		}
		if sawDelim {
			continue
		}
		if got := binary.BigEndian.Uint16(cb); got != want {
			return nil, fmt.Errorf("%w: got %04x, want %04x", ErrChecksum, got, want)
		}
		if len(frame) < 3 {
			return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
		}
		return &Packet{
			Dst:     Dest(frame[0]),
			Counter: frame[1],
			Cmd:     frame[2],
			Payload: append([]byte(nil), frame[3:]...),
		}, nil
	}
}

// writeFrame writes pkt as one frame. The checksum covers the
// unescaped frame including the delimiter.
func writeFrame(w io.Writer, pkt *Packet) error {
	var full bytes.Buffer
	full.WriteByte(frameDelimiter)
	binary.Write(&full, binary.BigEndian, uint16(3+len(pkt.Payload)))
	full.Write([]byte{byte(pkt.Dst), pkt.Counter, pkt.Cmd})
	full.Write(pkt.Payload)
	crc := crc16.Checksum(full.Bytes(), bidcosTable)
	binary.Write(&full, binary.BigEndian, crc)

	var out bytes.Buffer
	out.WriteByte(frameDelimiter)
	// Now that the frame is introduced, start escaping
	esc := escapingWriter{w: &out}
	if _, err := esc.Write(full.Bytes()[1:]); err != nil {
		return err
	}
	_, err := w.Write(out.Bytes())
	return err
}
