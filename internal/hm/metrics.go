package hm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

var (
	lastContact = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hm",
			Name:      "LastContact",
			Help:      "Last device contact as UNIX timestamps, i.e. seconds since the epoch",
		},
		[]string{"address", "name"})

	peerCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hm",
			Name:      "Peers",
			Help:      "number of peers in the peer table of a device",
		},
		[]string{"address", "name"})

	packetsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "PacketsHandled",
			Help:      "number of BidCoS packets dispatched to a message handler",
		},
		[]string{"type"})

	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "PacketsDropped",
			Help:      "number of BidCoS packets not handled, by reason",
		},
		[]string{"reason"})
)

func init() {
	prometheus.MustRegister(lastContact)
	prometheus.MustRegister(peerCount)
	prometheus.MustRegister(packetsHandled)
	prometheus.MustRegister(packetsDropped)
}

// Labels returns the labels identifying a device in per-device
// metrics.
func Labels(addr bidcos.Address, name string) prometheus.Labels {
	return prometheus.Labels{"address": addr.String(), "name": name}
}
