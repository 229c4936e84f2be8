package hm

import (
	"sort"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

// Store persists device state across restarts.
type Store interface {
	// LoadDevice returns nil and no error for unknown devices.
	LoadDevice(addr bidcos.Address) (*DeviceRecord, error)
	SaveDevice(rec *DeviceRecord) error
}

// DeviceRecord is the persisted form of a Device. Config values are
// stored as (channel, list, index) -> value.
type DeviceRecord struct {
	Address  uint32            `json:"address" cbor:"1,keyasint"`
	Serial   string            `json:"serial" cbor:"2,keyasint"`
	Type     uint16            `json:"type" cbor:"3,keyasint"`
	Firmware uint8             `json:"firmware" cbor:"4,keyasint"`
	Central  uint32            `json:"central" cbor:"5,keyasint"`
	Counters map[uint32]uint8  `json:"counters,omitempty" cbor:"6,keyasint,omitempty"`
	Config   []ParamsetRecord  `json:"config,omitempty" cbor:"7,keyasint,omitempty"`
	Links    []LinkRecord      `json:"links,omitempty" cbor:"8,keyasint,omitempty"`
	Peers    []PeerRecord      `json:"peers,omitempty" cbor:"9,keyasint,omitempty"`
	State    map[string][]byte `json:"state,omitempty" cbor:"10,keyasint,omitempty"`
}

type ParamsetRecord struct {
	Channel     uint8           `json:"channel" cbor:"1,keyasint"`
	List        uint8           `json:"list" cbor:"2,keyasint"`
	Peer        uint32          `json:"peer,omitempty" cbor:"3,keyasint,omitempty"`
	PeerChannel uint8           `json:"peer_channel,omitempty" cbor:"4,keyasint,omitempty"`
	Values      map[uint8]uint8 `json:"values" cbor:"5,keyasint"`
}

type LinkRecord struct {
	Channel     uint8  `json:"channel" cbor:"1,keyasint"`
	Peer        uint32 `json:"peer" cbor:"2,keyasint"`
	PeerChannel uint8  `json:"peer_channel" cbor:"3,keyasint"`
}

type PeerRecord struct {
	Address        uint32           `json:"address" cbor:"1,keyasint"`
	Serial         string           `json:"serial" cbor:"2,keyasint"`
	Type           uint16           `json:"type" cbor:"3,keyasint"`
	Firmware       uint8            `json:"firmware" cbor:"4,keyasint"`
	RemoteChannel  uint8            `json:"remote_channel" cbor:"5,keyasint"`
	LocalChannel   uint8            `json:"local_channel" cbor:"6,keyasint"`
	MessageCounter uint8            `json:"message_counter" cbor:"7,keyasint"`
	TeamAddress    uint32           `json:"team_address,omitempty" cbor:"8,keyasint,omitempty"`
	TeamChannel    uint8            `json:"team_channel,omitempty" cbor:"9,keyasint,omitempty"`
	TeamChannels   []uint8          `json:"team_channels,omitempty" cbor:"10,keyasint,omitempty"`
	Config         []ParamsetRecord `json:"config,omitempty" cbor:"11,keyasint,omitempty"`
	Links          []LinkRecord     `json:"links,omitempty" cbor:"12,keyasint,omitempty"`
	LinksCentral   []uint8          `json:"links_central,omitempty" cbor:"13,keyasint,omitempty"`
	Unreach        bool             `json:"unreach,omitempty" cbor:"14,keyasint,omitempty"`
	ConfigPending  bool             `json:"config_pending,omitempty" cbor:"15,keyasint,omitempty"`
}

func paramsetRecords(config map[ParamsetKey]map[byte]byte) []ParamsetRecord {
	recs := make([]ParamsetRecord, 0, len(config))
	for key, values := range config {
		vals := make(map[uint8]uint8, len(values))
		for k, v := range values {
			vals[k] = v
		}
		recs = append(recs, ParamsetRecord{
			Channel:     key.Channel,
			List:        key.List,
			Peer:        uint32(key.Peer.Peer),
			PeerChannel: key.Peer.Channel,
			Values:      vals,
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		if a.List != b.List {
			return a.List < b.List
		}
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		return a.PeerChannel < b.PeerChannel
	})
	return recs
}

func paramsetsFromRecords(recs []ParamsetRecord) map[ParamsetKey]map[byte]byte {
	config := make(map[ParamsetKey]map[byte]byte, len(recs))
	for _, rec := range recs {
		key := ParamsetKey{
			Channel: rec.Channel,
			List:    rec.List,
			Peer:    FullyQualifiedChannel{Peer: bidcos.Address(rec.Peer), Channel: rec.PeerChannel},
		}
		values := make(map[byte]byte, len(rec.Values))
		for k, v := range rec.Values {
			values[k] = v
		}
		config[key] = values
	}
	return config
}

func linkRecords(links map[byte][]FullyQualifiedChannel) []LinkRecord {
	var recs []LinkRecord
	for ch, peers := range links {
		for _, p := range peers {
			recs = append(recs, LinkRecord{Channel: ch, Peer: uint32(p.Peer), PeerChannel: p.Channel})
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Channel != recs[j].Channel {
			return recs[i].Channel < recs[j].Channel
		}
		if recs[i].Peer != recs[j].Peer {
			return recs[i].Peer < recs[j].Peer
		}
		return recs[i].PeerChannel < recs[j].PeerChannel
	})
	return recs
}

func linksFromRecords(recs []LinkRecord) map[byte][]FullyQualifiedChannel {
	links := make(map[byte][]FullyQualifiedChannel)
	for _, rec := range recs {
		links[rec.Channel] = append(links[rec.Channel], FullyQualifiedChannel{
			Peer:    bidcos.Address(rec.Peer),
			Channel: rec.PeerChannel,
		})
	}
	return links
}
