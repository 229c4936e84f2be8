// Package hm implements the behavior shared by all HomeMatic devices
// hosted by this gateway: the peer table, inbound message dispatch,
// paced transmission and the configuration protocol as seen from the
// device being configured.
package hm

import (
	"errors"
	"fmt"
	"html/template"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

const (
	Mask1Bit = 0x1
	Mask2Bit = 0x3
	Mask3Bit = 0x7
	Mask4Bit = 0xF
	Mask5Bit = 0x1F
	Mask6Bit = 0x3F
	Mask7Bit = 0x7F
	Mask8Bit = 0xFF
)

// Event is a decoded device event shown on the status page.
type Event interface {
	HTML() template.HTML
}

// ValueEvent is an Event which is also published as a notification.
type ValueEvent interface {
	Event
	Channel() int
	Values() map[string]any
}

// FullyQualifiedChannel identifies a channel at a specific
// BidCoS-addressed peer.
type FullyQualifiedChannel struct {
	Peer    bidcos.Address
	Channel byte
}

func (f FullyQualifiedChannel) String() string {
	return fmt.Sprintf("%v:%d", f.Peer, f.Channel)
}

// ParamsetKey identifies one parameter list of a channel. Lists which
// configure a link (e.g. list 3 and 4) are additionally keyed by the
// linked channel.
type ParamsetKey struct {
	Channel byte
	List    byte
	Peer    FullyQualifiedChannel
}

func (k ParamsetKey) String() string {
	if k.Peer.Peer == 0 {
		return fmt.Sprintf("ch%d/list%d", k.Channel, k.List)
	}
	return fmt.Sprintf("ch%d/list%d/%v", k.Channel, k.List, k.Peer)
}

// central address bytes in list 0 of channel 0
const (
	indexCentralAddress = 0x0a
	indexPairing        = 0x02
)

func (d *Device) configPacket(dest bidcos.Address, flags byte, payload []byte) *bidcos.Packet {
	return bidcos.NewPacket(d.NextCounter(dest), flags, bidcos.Config, d.Addr, dest, payload)
}

func (d *Device) ConfigStart(dest bidcos.Address, key ParamsetKey) *bidcos.Packet {
	peer := key.Peer.Peer.Bytes()
	return d.configPacket(dest, bidcos.DefaultFlags, []byte{
		key.Channel,
		bidcos.ConfigStart,
		peer[0], peer[1], peer[2],
		key.Peer.Channel,
		key.List,
	})
}

func (d *Device) ConfigWriteIndex(dest bidcos.Address, channel byte, kv []byte) *bidcos.Packet {
	return d.configPacket(dest, bidcos.DefaultFlags, append([]byte{
		channel,
		bidcos.ConfigWriteIndexPairs,
	}, kv...))
}

func (d *Device) ConfigEnd(dest bidcos.Address, channel byte) *bidcos.Packet {
	return d.configPacket(dest, bidcos.DefaultFlags, []byte{
		channel,
		bidcos.ConfigEnd,
	})
}

func (d *Device) ConfigParamReq(dest bidcos.Address, key ParamsetKey) *bidcos.Packet {
	peer := key.Peer.Peer.Bytes()
	return d.configPacket(dest, bidcos.DefaultFlags|bidcos.Burst, []byte{
		key.Channel,
		bidcos.ConfigParamReq,
		peer[0], peer[1], peer[2],
		key.Peer.Channel,
		key.List,
	})
}

func (d *Device) ConfigPeerListReq(dest bidcos.Address, channel byte) *bidcos.Packet {
	return d.configPacket(dest, bidcos.DefaultFlags|bidcos.Burst, []byte{
		channel,
		bidcos.ConfigPeerListReq,
	})
}

func (d *Device) ConfigPeerAdd(dest bidcos.Address, channel byte, peer FullyQualifiedChannel) *bidcos.Packet {
	addr := peer.Peer.Bytes()
	return d.configPacket(dest, bidcos.DefaultFlags|bidcos.Burst, []byte{
		channel,
		bidcos.ConfigPeerAdd,
		addr[0], addr[1], addr[2],
		peer.Channel, // peer channel a
		0x00,         // peer channel b
	})
}

func (d *Device) ConfigPeerRemove(dest bidcos.Address, channel byte, peer FullyQualifiedChannel) *bidcos.Packet {
	addr := peer.Peer.Bytes()
	return d.configPacket(dest, bidcos.DefaultFlags|bidcos.Burst, []byte{
		channel,
		bidcos.ConfigPeerRemove,
		addr[0], addr[1], addr[2],
		peer.Channel,
		0x00,
	})
}

func (d *Device) ConfigStatusRequest(dest bidcos.Address, channel byte) *bidcos.Packet {
	return d.configPacket(dest, bidcos.DefaultFlags, []byte{
		channel,
		bidcos.ConfigStatusRequest,
	})
}

// ConfigPairSerial asks the device with the given serial number to
// send a pairing request.
func (d *Device) ConfigPairSerial(serial string) *bidcos.Packet {
	s := make([]byte, serialLen)
	copy(s, serial)
	return d.configPacket(bidcos.BroadcastAddress, bidcos.RepeatEnable|bidcos.Broadcast,
		append([]byte{0x00, bidcos.ConfigPairSerial}, s...))
}

// FactoryReset makes dest forget its central, peers and configuration.
func (d *Device) FactoryReset(dest bidcos.Address) *bidcos.Packet {
	return bidcos.NewPacket(d.NextCounter(dest), bidcos.DefaultFlags, bidcos.Action, d.Addr, dest,
		[]byte{bidcos.ActionReset, 0x00})
}

func (d *Device) LevelSet(dest bidcos.Address, channel, state, onTime byte) *bidcos.Packet {
	return bidcos.NewPacket(d.NextCounter(dest), bidcos.DefaultFlags, bidcos.Action, d.Addr, dest, []byte{
		bidcos.ActionLevelSet,
		channel,
		state,
		0x00, // constant
		onTime,
	})
}

// PairingWrite returns the WRITE_INDEX pairs which make a device
// accept central as its central.
func PairingWrite(central bidcos.Address) []byte {
	c := central.Bytes()
	return []byte{
		indexPairing, 0x01, // internal keys not visible
		indexCentralAddress, c[0],
		indexCentralAddress + 1, c[1],
		indexCentralAddress + 2, c[2],
	}
}

// UnpairingWrite clears the central address.
func UnpairingWrite() []byte {
	return []byte{
		indexPairing, 0x00,
		indexCentralAddress, 0x00,
		indexCentralAddress + 1, 0x00,
		indexCentralAddress + 2, 0x00,
	}
}

// WriteIndexChunks splits index/value pairs into blocks which fit
// into one WRITE_INDEX packet each. BidCoS frames have a maximum
// length of 16 payload bytes; a WRITE_INDEX packet has 2 bytes
// overhead, so pairs are sent in blocks of 14 bytes.
func WriteIndexChunks(pairs []byte) [][]byte {
	var chunks [][]byte
	for offset := 0; offset < len(pairs); offset += 14 {
		end := offset + 14
		if end > len(pairs) {
			end = len(pairs)
		}
		chunks = append(chunks, pairs[offset:end])
	}
	return chunks
}

// Pairs encodes values as index/value pairs in ascending index order.
func Pairs(values map[byte]byte) []byte {
	pairs := make([]byte, 0, 2*len(values))
	for i := 0; i < 256; i++ {
		if v, ok := values[byte(i)]; ok {
			pairs = append(pairs, byte(i), v)
		}
	}
	return pairs
}

var ErrUnexpectedParamResponse = errors.New("unexpected parameter response")

// ParamResponse is one packet of a (possibly multi-packet) parameter
// response.
type ParamResponse struct {
	Values map[byte]byte
	// Final is set on the packet which terminates the response.
	Final bool
	// Start is the first index of a sequential response.
	Start byte
}

// DecodeParamResponse decodes an INFO payload sent in response to a
// PARAM_REQ. Paired responses carry index/value pairs and end with the
// pair 0x00 0x00; sequential responses carry a start index followed by
// consecutive values and end with a start index of 0x00.
func DecodeParamResponse(p []byte) (*ParamResponse, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("%w: %x", ErrUnexpectedParamResponse, p)
	}
	resp := &ParamResponse{Values: make(map[byte]byte)}
	switch p[0] {
	case bidcos.InfoParamResponsePairs:
		pairs := p[1:]
		if len(pairs)%2 != 0 {
			return nil, fmt.Errorf("%w: odd number of pair bytes: %x", ErrUnexpectedParamResponse, p)
		}
		if pairs[len(pairs)-2] == 0x00 && pairs[len(pairs)-1] == 0x00 {
			resp.Final = true
			pairs = pairs[:len(pairs)-2]
		}
		// idx/val byte pairs
		for i := 0; i+1 < len(pairs); i += 2 {
			resp.Values[pairs[i]] = pairs[i+1]
		}

	case bidcos.InfoParamResponseSeq:
		resp.Start = p[1]
		if p[1] == 0x00 {
			resp.Final = true
			break
		}
		for i, v := range p[2:] {
			resp.Values[p[1]+byte(i)] = v
		}

	default:
		return nil, fmt.Errorf("%w: %x", ErrUnexpectedParamResponse, p)
	}
	return resp, nil
}

var endOfPeerList = []byte{0x00, 0x00, 0x00, 0x00}

// DecodePeerList decodes an INFO_PEER_LIST payload. last is set once
// the terminating all-zero entry was seen.
func DecodePeerList(p []byte) (peers []FullyQualifiedChannel, last bool, err error) {
	if len(p) < 1 || p[0] != bidcos.InfoPeerList {
		return nil, false, fmt.Errorf("unexpected payload: %x", p)
	}
	list := p[1:]
	for off := 0; off+4 <= len(list); off += 4 {
		entry := list[off : off+4]
		if string(entry) == string(endOfPeerList) {
			return peers, true, nil
		}
		peers = append(peers, FullyQualifiedChannel{
			Peer:    bidcos.AddressFromBytes(entry),
			Channel: entry[3],
		})
	}
	return peers, false, nil
}
