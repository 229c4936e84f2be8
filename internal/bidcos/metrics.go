package bidcos

import "github.com/prometheus/client_golang/prometheus"

var (
	queuesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcos",
			Name:      "QueuesCreated",
			Help:      "number of conversation queues created",
		},
		[]string{"type"})

	queuesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcos",
			Name:      "QueuesFinished",
			Help:      "number of conversation queues which finished, by result",
		},
		[]string{"type", "result"})

	queueResends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcos",
			Name:      "QueueResends",
			Help:      "number of packets resent because the expected response was missing",
		},
		[]string{"type"})
)

func init() {
	prometheus.MustRegister(queuesCreated)
	prometheus.MustRegister(queuesFinished)
	prometheus.MustRegister(queueResends)
}
