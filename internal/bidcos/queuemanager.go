package bidcos

import (
	"context"
	"sync"
	"time"

	"github.com/stapelberg/hmcentral/internal/logging"
)

// QueueOptions configure the queues of one QueueManager.
type QueueOptions struct {
	// IdleTimeout after which a queue without activity is considered
	// abandoned, e.g. because the peer went out of range.
	IdleTimeout time.Duration
	// ResendInterval and MaxResends control retransmission of a head
	// step whose expected response did not arrive.
	ResendInterval time.Duration
	MaxResends     int
	// OnAbandoned is called (without locks held) for every queue the
	// reaper removes.
	OnAbandoned func(q *Queue)
}

// DefaultQueueOptions are used for zero fields of the options passed
// to NewQueueManager.
var DefaultQueueOptions = QueueOptions{
	IdleTimeout:    10 * time.Second,
	ResendInterval: 1 * time.Second,
	MaxResends:     3,
}

// QueueManager owns the active queue of every peer address. There is
// at most one active queue per address.
//
// Queues are handed out as pointers which stay valid after removal:
// a removed queue is disposed, so a handler still holding it can call
// its methods, which then do nothing.
type QueueManager struct {
	opts QueueOptions

	mu     sync.Mutex
	queues map[Address]*Queue
}

func NewQueueManager(opts QueueOptions) *QueueManager {
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultQueueOptions.IdleTimeout
	}
	if opts.ResendInterval == 0 {
		opts.ResendInterval = DefaultQueueOptions.ResendInterval
	}
	if opts.MaxResends < 0 {
		opts.MaxResends = 0
	}
	return &QueueManager{
		opts:   opts,
		queues: make(map[Address]*Queue),
	}
}

// Get returns the active queue for addr, or nil.
func (m *QueueManager) Get(addr Address) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[addr]
}

// CreateQueue returns a new queue for addr, or the queue which is
// already active for addr, in which case created is false.
func (m *QueueManager) CreateQueue(sender Sender, typ QueueType, addr Address) (q *Queue, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.queues[addr]; ok {
		logging.L().Debugf("queue for %s already active (%v), not creating %v", addr, existing.Type(), typ)
		return existing, false
	}
	q = NewQueue(sender, typ, addr, false)
	q.opts = m.opts
	q.onFinish = m.remove
	m.queues[addr] = q
	queuesCreated.WithLabelValues(typ.String()).Inc()
	return q, true
}

func (m *QueueManager) remove(q *Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queues[q.addr] == q {
		delete(m.queues, q.addr)
	}
}

// Reset removes and disposes of the queue for addr, if any.
func (m *QueueManager) Reset(addr Address) {
	m.mu.Lock()
	q, ok := m.queues[addr]
	delete(m.queues, addr)
	m.mu.Unlock()
	if ok {
		q.dispose()
	}
}

// Len returns the number of active queues.
func (m *QueueManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Reap removes queues idle since before now-IdleTimeout and returns
// them.
func (m *QueueManager) Reap(now time.Time) []*Queue {
	var reaped []*Queue
	m.mu.Lock()
	for addr, q := range m.queues {
		if now.Sub(q.LastAction()) > m.opts.IdleTimeout {
			delete(m.queues, addr)
			reaped = append(reaped, q)
		}
	}
	m.mu.Unlock()

	for _, q := range reaped {
		logging.L().Infof("removing abandoned %v queue for %s (%d steps left)", q.Type(), q.Address(), q.Len())
		q.dispose()
		if m.opts.OnAbandoned != nil {
			m.opts.OnAbandoned(q)
		}
	}
	return reaped
}

// Run reaps idle queues until ctx is done.
func (m *QueueManager) Run(ctx context.Context) error {
	interval := m.opts.IdleTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			m.Reap(now)
		}
	}
}
