// Package bidcos implements the HomeMatic BidCoS (bidirectional
// communication standard) radio protocol: the packet codec, the
// message catalog used to dispatch inbound packets and the queues
// which sequence multi-step conversations with a peer.
package bidcos

import (
	"encoding/binary"
	"fmt"
)

// cmd is top-level (e.g. Config), frames usually specify a subtype
// in the first payload byte (e.g. ConfigStart).

// BidCoS commands
const (
	DeviceInfo byte = iota // a.k.a. pairing request
	Config
	Ack
	Info             byte = 0x10
	Action           byte = 0x11
	TimeRequest      byte = 0x3f
	RemoteEvent      byte = 0x40
	SmokeEvent       byte = 0x41
	ClimateEvent     byte = 0x58
	ThermalControl   byte = 0x5a
	PowerEventCyclic byte = 0x5e
	PowerEvent       byte = 0x5f
	WeatherEvent     byte = 0x70
)

// BidCoS Config subcommands
const (
	_ byte = iota
	ConfigPeerAdd
	ConfigPeerRemove
	ConfigPeerListReq
	ConfigParamReq
	ConfigStart
	ConfigEnd
	ConfigWriteIndexSeq
	ConfigWriteIndexPairs
	ConfigSerialReq
	ConfigPairSerial
	_
	_
	_
	ConfigStatusRequest
)

// BidCoS Info subcommands
const (
	InfoSerial byte = iota
	InfoPeerList
	InfoParamResponsePairs
	InfoParamResponseSeq
	InfoParamChange
	_
	InfoActuatorStatus
	InfoTemp byte = 0x0a
)

// BidCoS Ack subcommands
const (
	AckOK             byte = 0x00
	AckStatus         byte = 0x01
	Nack              byte = 0x80
	NackTargetInvalid byte = 0x84
)

// BidCoS Action subcommands
const (
	ActionLevelSet byte = 0x02
	ActionReset    byte = 0x04
)

// Packet flags (“control byte”)
const (
	// Wake up the destination device from power-save mode.
	WakeUp byte = 1 << iota
	// Device is awake, send messages now.
	WakeMeUp
	// Send message to all devices.
	Broadcast
	_
	// Wake up the destination device from power-save mode.
	Burst
	// Bi-directional, i.e. response expected.
	BiDi
	// Packet was repeated (not seen in the wild).
	Repeated
	// Packet can be repeated (always set).
	RepeatEnable
)

const DefaultFlags = RepeatEnable | BiDi

// Address is a 24-bit BidCoS device address.
type Address uint32

// BroadcastAddress is the destination of packets meant for every
// device in range.
const BroadcastAddress Address = 0

// AddressFromBytes reads a big endian 24-bit address from the first
// three bytes of b. Shorter slices yield BroadcastAddress.
func AddressFromBytes(b []byte) Address {
	if len(b) < 3 {
		return BroadcastAddress
	}
	return Address(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
}

// Bytes returns a in wire order, most significant byte first.
func (a Address) Bytes() [3]byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(a))
	return [3]byte{buf[1], buf[2], buf[3]}
}

func (a Address) String() string {
	return fmt.Sprintf("%06X", uint32(a)&0xffffff)
}

// ParseAddress parses a six digit hex address such as “1A03FC”.
func ParseAddress(s string) (Address, error) {
	var v uint32
	if _, err := fmt.Sscanf(s, "%06X", &v); err != nil {
		return 0, fmt.Errorf("parsing BidCoS address %q: %w", s, err)
	}
	if v > 0xffffff {
		return 0, fmt.Errorf("BidCoS address %q exceeds 24 bits", s)
	}
	return Address(v), nil
}
