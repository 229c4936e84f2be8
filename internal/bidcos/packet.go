package bidcos

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stapelberg/hmcentral/internal/logging"
)

// headerLen is the number of bytes following the length byte which
// precede the payload: counter, flags, cmd, source and destination.
const headerLen = 9

// maxHexPayload caps the payload of hex encoded packets. CUL sticks
// have small line buffers; real frames are much shorter anyway.
const maxHexPayload = 100

var (
	ErrShortPacket = errors.New("too short for a bidcos packet")
	ErrInvalidHex  = errors.New("invalid hex in bidcos packet")
)

// Packet is a BidCoS packet. The length byte is not stored; it is
// always derived from the payload.
type Packet struct {
	Msgcnt  uint8   // hg: “message counter”
	Flags   uint8   // hg: “control byte”, see Packet flags
	Cmd     uint8   // hg: “message type”, see BidCoS commands
	Source  Address // hg: “senderAddress”
	Dest    Address // hg: “destinationAddress”
	Payload []byte
	RSSI    uint8 // raw value as reported by the interface, 0 if unknown

	// Received and Sending are monotonic timestamps set by the
	// physical interface and the transmitter, respectively.
	Received time.Time
	Sending  time.Time
}

// NewPacket is a convenience constructor for outgoing packets.
func NewPacket(msgcnt, flags, cmd byte, source, dest Address, payload []byte) *Packet {
	return &Packet{
		Msgcnt:  msgcnt,
		Flags:   flags,
		Cmd:     cmd,
		Source:  source & 0xffffff,
		Dest:    dest & 0xffffff,
		Payload: payload,
	}
}

// Length returns the value of the wire length byte.
func (p *Packet) Length() byte {
	return byte(headerLen + len(p.Payload))
}

// Subtype returns the first payload byte, which most commands use to
// select a subcommand, or 0 for empty payloads.
func (p *Packet) Subtype() byte {
	if len(p.Payload) == 0 {
		return 0
	}
	return p.Payload[0]
}

// RSSIDBm converts the raw CC1101 RSSI value to dBm.
func (p *Packet) RSSIDBm() int {
	if p.RSSI >= 128 {
		return (int(p.RSSI)-256)/2 - 74
	}
	return int(p.RSSI)/2 - 74
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s→%s cnt=%02X flags=%02X cmd=%02X payload=%X",
		p.Source, p.Dest, p.Msgcnt, p.Flags, p.Cmd, p.Payload)
}

// Encode returns the wire representation, i.e. the length byte
// followed by header and payload.
func (p *Packet) Encode() []byte {
	src := p.Source.Bytes()
	dst := p.Dest.Bytes()
	res := make([]byte, 0, 1+headerLen+len(p.Payload))
	res = append(res,
		p.Length(),
		p.Msgcnt,
		p.Flags,
		p.Cmd)
	res = append(res, src[:]...)
	res = append(res, dst[:]...)
	res = append(res, p.Payload...)
	return res
}

// EncodeHex returns the upper case hex representation as used by
// CUL-type interfaces, without the “As” prefix and line terminator.
// Payloads exceeding 100 bytes yield the empty string.
func (p *Packet) EncodeHex() string {
	if len(p.Payload) > maxHexPayload {
		logging.L().Errorf("refusing to hex encode packet with %d byte payload", len(p.Payload))
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(p.Encode()))
}

// Decode parses a binary frame. If hasRSSI is set, the final byte is
// the RSSI reported by the interface and not part of the payload.
func Decode(b []byte, hasRSSI bool) (*Packet, error) {
	if got, want := len(b), 1+headerLen; got < want {
		return nil, fmt.Errorf("%w: got %d, want >= %d", ErrShortPacket, got, want)
	}
	end := len(b)
	var rssi uint8
	if hasRSSI && end > 1+headerLen {
		end--
		rssi = b[end]
	}
	pkt := &Packet{
		Msgcnt:   b[1],
		Flags:    b[2],
		Cmd:      b[3],
		Source:   AddressFromBytes(b[4:7]),
		Dest:     AddressFromBytes(b[7:10]),
		Payload:  append([]byte(nil), b[10:end]...),
		RSSI:     rssi,
		Received: time.Now(),
	}
	if declared := int(b[0]); declared != headerLen+len(pkt.Payload) {
		logging.L().Debugf("length byte %d does not match frame (%d payload bytes)", declared, len(pkt.Payload))
	}
	return pkt, nil
}

// DecodeHex parses the ASCII representation used by CUL-type
// interfaces, e.g. “A0A0002014399223001A03FC\r\n”. If stripMarker is
// set, the first character (“A”) is discarded. A length byte which
// declares more payload than the line carries is clamped to the
// available bytes.
func DecodeHex(s string, stripMarker bool) (*Packet, error) {
	s = strings.TrimRight(s, "\r\n")
	if stripMarker && len(s) > 0 {
		s = s[1:]
	}
	if got, want := len(s), 2*(1+headerLen); got < want {
		return nil, fmt.Errorf("%w: got %d hex digits, want >= %d", ErrShortPacket, got, want)
	}
	head, err := hex.DecodeString(s[:2*(1+headerLen)])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	declared := int(head[0]) - headerLen
	if declared < 0 {
		declared = 0
	}
	rest := s[2*(1+headerLen):]
	available := len(rest) / 2
	if declared > available {
		logging.L().Warnf("bidcos packet %q declares %d payload bytes, only %d present; clamping", s, declared, available)
		declared = available
	}
	payload, err := hex.DecodeString(rest[:2*declared])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	pkt := &Packet{
		Msgcnt:   head[1],
		Flags:    head[2],
		Cmd:      head[3],
		Source:   AddressFromBytes(head[4:7]),
		Dest:     AddressFromBytes(head[7:10]),
		Payload:  payload,
		Received: time.Now(),
	}
	if trailer := rest[2*declared:]; len(trailer) >= 2 {
		rssi, err := strconv.ParseUint(trailer[:2], 16, 8)
		if err != nil {
			logging.L().Debugf("ignoring unparsable RSSI %q: %v", trailer[:2], err)
		} else {
			pkt.RSSI = uint8(rssi)
		}
	}
	return pkt, nil
}

// Equal reports whether p and o describe the same frame. Timestamps
// and RSSI are not compared.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Msgcnt != o.Msgcnt || p.Flags != o.Flags || p.Cmd != o.Cmd ||
		p.Source != o.Source || p.Dest != o.Dest {
		return false
	}
	return bytes.Equal(p.Payload, o.Payload)
}
