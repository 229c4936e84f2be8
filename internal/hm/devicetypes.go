package hm

import "fmt"

// DeviceType is the 16-bit model identifier devices announce in their
// pairing request.
type DeviceType uint16

const (
	TypeHMLCSw1FM    DeviceType = 0x0004
	TypeHMLCSw2FM    DeviceType = 0x0009
	TypeHMCCTC       DeviceType = 0x0039
	TypeHMCCVD       DeviceType = 0x003A
	TypeHMSecSD      DeviceType = 0x0042
	TypeHMCCRTDN     DeviceType = 0x0095
	TypeHMESPMSw1Pl  DeviceType = 0x00AC
	TypeHMTCITWMWEU  DeviceType = 0x00AD
	TypeHMRCenter    DeviceType = 0xFFFF // the central itself
)

// ChannelList names a parameter list of a channel.
type ChannelList struct {
	Channel byte
	List    byte
}

// Description is the static metadata the gateway needs about a device
// type. A full parameter description database is out of scope; this
// covers what pairing, config reads and linking need.
type Description struct {
	Type     DeviceType
	Name     string
	Channels int
	// ReadAfterPairing lists the paramsets read from the device once
	// pairing completed.
	ReadAfterPairing []ChannelList
	// TeamChannel is the channel which forms a team (e.g. smoke
	// detectors alarming each other), or 0.
	TeamChannel byte
	// LinkChannels are channels which the central links to itself
	// (a hidden peer) so that it receives their events.
	LinkChannels []byte
}

func (d *Description) String() string {
	return fmt.Sprintf("%s (%04X)", d.Name, uint16(d.Type))
}

// DescriptionProvider looks up device descriptions.
type DescriptionProvider interface {
	Description(t DeviceType) (*Description, bool)
}

// Descriptions is a DescriptionProvider backed by a static table.
type Descriptions map[DeviceType]*Description

func (ds Descriptions) Description(t DeviceType) (*Description, bool) {
	d, ok := ds[t]
	return d, ok
}

// Builtin describes the device types this gateway knows.
var Builtin = Descriptions{
	TypeHMLCSw1FM: {
		Type:             TypeHMLCSw1FM,
		Name:             "HM-LC-Sw1-FM",
		Channels:         2,
		ReadAfterPairing: []ChannelList{{0, 0}, {1, 1}},
	},
	TypeHMLCSw2FM: {
		Type:             TypeHMLCSw2FM,
		Name:             "HM-LC-Sw2-FM",
		Channels:         3,
		ReadAfterPairing: []ChannelList{{0, 0}, {1, 1}, {2, 1}},
	},
	TypeHMCCTC: {
		Type:             TypeHMCCTC,
		Name:             "HM-CC-TC",
		Channels:         3,
		ReadAfterPairing: []ChannelList{{0, 0}, {2, 5}},
		LinkChannels:     []byte{1},
	},
	TypeHMCCVD: {
		Type:             TypeHMCCVD,
		Name:             "HM-CC-VD",
		Channels:         2,
		ReadAfterPairing: []ChannelList{{0, 0}, {1, 1}},
	},
	TypeHMSecSD: {
		Type:             TypeHMSecSD,
		Name:             "HM-Sec-SD",
		Channels:         2,
		ReadAfterPairing: []ChannelList{{0, 0}},
		TeamChannel:      1,
	},
	TypeHMCCRTDN: {
		Type:             TypeHMCCRTDN,
		Name:             "HM-CC-RT-DN",
		Channels:         6,
		ReadAfterPairing: []ChannelList{{0, 0}, {4, 7}},
	},
	TypeHMESPMSw1Pl: {
		Type:             TypeHMESPMSw1Pl,
		Name:             "HM-ES-PMSw1-Pl",
		Channels:         7,
		ReadAfterPairing: []ChannelList{{0, 0}, {1, 1}},
	},
	TypeHMTCITWMWEU: {
		Type:             TypeHMTCITWMWEU,
		Name:             "HM-TC-IT-WM-W-EU",
		Channels:         7,
		ReadAfterPairing: []ChannelList{{0, 0}, {2, 7}},
	},
}

// TypeName returns the model name of t, e.g. “HM-CC-TC”.
func TypeName(t DeviceType) string {
	if d, ok := Builtin.Description(t); ok {
		return d.Name
	}
	if t == TypeHMRCenter {
		return "HM-RCV-50"
	}
	return "unknown"
}
