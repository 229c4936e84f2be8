package bidcos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/stapelberg/hmcentral/internal/logging"
)

// QueueType identifies the kind of conversation a Queue models.
type QueueType uint8

const (
	QueueDefault QueueType = iota
	QueueConfig
	QueuePairing
	QueuePairingCentral
	QueueUnpairing
	QueueGetValue
)

// Pairing reports whether access checks should use the pairing masks.
func (t QueueType) Pairing() bool {
	return t == QueuePairing || t == QueuePairingCentral
}

func (t QueueType) String() string {
	switch t {
	case QueueDefault:
		return "default"
	case QueueConfig:
		return "config"
	case QueuePairing:
		return "pairing"
	case QueuePairingCentral:
		return "pairing-central"
	case QueueUnpairing:
		return "unpairing"
	case QueueGetValue:
		return "getvalue"
	default:
		return fmt.Sprintf("<invalid queue type %d>", uint8(t))
	}
}

var (
	ErrUnexpectedMessage = errors.New("head step does not expect this message")
	ErrQueueEmpty        = errors.New("queue is empty")
	ErrQueueAborted      = errors.New("queue aborted")
)

// Sender transmits packets on behalf of a queue. Implementations must
// not block for longer than it takes to enqueue the packet.
type Sender interface {
	SendPacket(pkt *Packet)
}

// Step is one element of a conversation: send Packet (if non-nil),
// then wait for a packet matching one of Expect. Steps without
// expectations complete as soon as their packet was handed to the
// Sender.
type Step struct {
	Packet *Packet
	Expect []*Message
	// Done runs after the step completed, before the next step is
	// started. It may push further steps or pending queues.
	Done func()

	sent bool
}

func (s *Step) expects(m *Message) bool {
	for _, e := range s.Expect {
		if e.SameType(m) {
			return true
		}
	}
	return false
}

// Queue lifecycle states.
const (
	StateCreated  = "created"
	StateActive   = "active"
	StateDraining = "draining"
	StateComplete = "complete"
	StateAborted  = "aborted"
)

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(StateCreated, fsm.Events{
		{Name: "activate", Src: []string{StateCreated}, Dst: StateActive},
		{Name: "pop", Src: []string{StateActive}, Dst: StateDraining},
		{Name: "resume", Src: []string{StateDraining}, Dst: StateActive},
		{Name: "finish", Src: []string{StateCreated, StateActive, StateDraining}, Dst: StateComplete},
		{Name: "abort", Src: []string{StateCreated, StateActive, StateDraining}, Dst: StateAborted},
	}, fsm.Callbacks{})
}

// Queue is an ordered sequence of Steps modelling one conversation
// with the peer at Address. Inbound packets matching the head step's
// expectation complete it via Resolve.
type Queue struct {
	typ    QueueType
	addr   Address
	sender Sender
	opts   QueueOptions
	state  *fsm.FSM
	done   chan struct{}

	mu         sync.Mutex
	steps      []*Step
	pending    []*Queue
	peer       any
	noSending  bool
	lastAction time.Time
	gen        uint64
	resends    int
	timer      *time.Timer
	finished   bool
	aborted    bool
	onFinish   func(*Queue)
}

// NewQueue returns a queue which is not registered with a manager.
// Queues composed for later splicing (see PushPending) are created
// with noSending set.
func NewQueue(sender Sender, typ QueueType, addr Address, noSending bool) *Queue {
	return &Queue{
		typ:        typ,
		addr:       addr,
		sender:     sender,
		state:      newLifecycle(),
		done:       make(chan struct{}),
		noSending:  noSending,
		lastAction: time.Now(),
	}
}

func (q *Queue) Type() QueueType  { return q.typ }
func (q *Queue) Address() Address { return q.addr }

// State returns the lifecycle state, one of the State constants.
func (q *Queue) State() string { return q.state.Current() }

func (q *Queue) fire(event string) {
	if !q.state.Can(event) {
		return
	}
	if err := q.state.Event(context.Background(), event); err != nil {
		logging.L().Debugf("queue %s: %s: %v", q.addr, event, err)
	}
}

// Peer returns the object attached with SetPeer, e.g. the peer being
// paired which is not yet part of the device's peer table.
func (q *Queue) Peer() any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peer
}

func (q *Queue) SetPeer(p any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.peer = p
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steps)
}

// IsEmpty reports whether neither steps nor pending queues remain.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steps) == 0 && len(q.pending) == 0
}

// Front returns the head step or nil.
func (q *Queue) Front() *Step {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.steps) == 0 {
		return nil
	}
	return q.steps[0]
}

// LastAction returns the idle timeout watermark.
func (q *Queue) LastAction() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAction
}

// KeepAlive resets the idle timeout without changing the steps. A
// scheduled resend of the head step is postponed: the peer is busy
// answering it.
func (q *Queue) KeepAlive() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastAction = time.Now()
	if q.timer != nil {
		q.scheduleResendLocked()
	}
}

// Done is closed once the queue completed or was aborted.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Wait blocks until the queue finished. It returns ErrQueueAborted
// for aborted or abandoned queues.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted {
		return ErrQueueAborted
	}
	return nil
}

// Push appends a step sending pkt and waiting for one of expect.
func (q *Queue) Push(pkt *Packet, expect ...*Message) {
	q.PushSteps(&Step{Packet: pkt, Expect: expect})
}

// PushSteps appends steps atomically. Multi-step conversations must
// be pushed in one call: a queue whose last step completes finishes.
func (q *Queue) PushSteps(steps ...*Step) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		logging.L().Warnf("queue %s: dropping %d steps pushed after completion", q.addr, len(steps))
		return
	}
	q.steps = append(q.steps, steps...)
	q.lastAction = time.Now()
	q.mu.Unlock()
	q.fire("activate")
	q.advance()
}

// PushFront inserts a step at the head without completing the
// current one, e.g. to resend a request. The new head is transmitted
// right away unless the queue is not sending.
func (q *Queue) PushFront(pkt *Packet, expect ...*Message) {
	q.PushFrontSteps(&Step{Packet: pkt, Expect: expect})
}

// PushFrontSteps inserts steps at the head. The old head will be
// started again once it is the head again.
func (q *Queue) PushFrontSteps(steps ...*Step) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	if len(q.steps) > 0 {
		q.steps[0].sent = false
	}
	q.steps = append(append([]*Step(nil), steps...), q.steps...)
	q.gen++
	q.resends = 0
	q.stopTimerLocked()
	q.lastAction = time.Now()
	q.mu.Unlock()
	q.fire("activate")
	q.advance()
}

// SkipFront completes the head step without waiting for its
// expectation, e.g. from the Done callback of a step pushed in front
// of it which already got the answer.
func (q *Queue) SkipFront() {
	q.mu.Lock()
	if q.finished || len(q.steps) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.steps[0]
	q.steps = q.steps[1:]
	q.gen++
	q.resends = 0
	q.stopTimerLocked()
	q.lastAction = time.Now()
	q.mu.Unlock()

	if head.Done != nil {
		head.Done()
	}
	q.advance()
}

// PushPending appends a queue whose steps are spliced in once this
// queue's own steps are exhausted.
func (q *Queue) PushPending(pending *Queue) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, pending)
	q.lastAction = time.Now()
	q.mu.Unlock()
	q.fire("activate")
	q.advance()
}

// Resolve applies the outcome of handling message m to the head step.
func (q *Queue) Resolve(m *Message, o Outcome) error {
	switch o {
	case Continue:
		q.KeepAlive()
		return nil
	case Abort:
		q.Abort()
		return nil
	case Advance:
		return q.pop(m)
	}
	return fmt.Errorf("unknown outcome %v", o)
}

func (q *Queue) pop(m *Message) error {
	q.mu.Lock()
	if len(q.steps) == 0 {
		q.mu.Unlock()
		return ErrQueueEmpty
	}
	head := q.steps[0]
	if !head.expects(m) {
		q.mu.Unlock()
		return fmt.Errorf("%w: got %v", ErrUnexpectedMessage, m)
	}
	q.steps = q.steps[1:]
	q.gen++
	q.resends = 0
	q.stopTimerLocked()
	q.lastAction = time.Now()
	q.mu.Unlock()

	q.fire("pop")
	if head.Done != nil {
		head.Done()
	}
	q.advance()
	return nil
}

// Abort discards all steps and pending queues.
func (q *Queue) Abort() {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.steps = nil
	q.pending = nil
	q.aborted = true
	q.finished = true
	q.gen++
	q.stopTimerLocked()
	q.mu.Unlock()
	q.fire("abort")
	queuesFinished.WithLabelValues(q.typ.String(), "aborted").Inc()
	q.closeDone(true)
}

// dispose stops the queue without notifying the manager, which
// already forgot about it.
func (q *Queue) dispose() {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.aborted = true
	q.finished = true
	q.gen++
	q.stopTimerLocked()
	q.mu.Unlock()
	q.fire("abort")
	queuesFinished.WithLabelValues(q.typ.String(), "abandoned").Inc()
	q.closeDone(false)
}

// closeDone must be called exactly once, after finished was set. The
// manager forgets the queue before waiters are released.
func (q *Queue) closeDone(notify bool) {
	q.mu.Lock()
	cb := q.onFinish
	q.mu.Unlock()
	if notify && cb != nil {
		cb(q)
	}
	close(q.done)
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

type queueAction struct {
	send     *Packet
	done     func()
	again    bool
	complete bool
}

func (q *Queue) advance() {
	for {
		q.mu.Lock()
		act := q.nextLocked()
		q.mu.Unlock()

		if act.send != nil {
			q.sender.SendPacket(act.send)
		}
		if act.done != nil {
			act.done()
		}
		if act.complete {
			q.fire("finish")
			queuesFinished.WithLabelValues(q.typ.String(), "complete").Inc()
			q.closeDone(true)
			return
		}
		if !act.again {
			return
		}
	}
}

func (q *Queue) nextLocked() queueAction {
	if q.finished || q.noSending {
		return queueAction{}
	}
	if len(q.steps) == 0 {
		if len(q.pending) > 0 {
			next := q.pending[0]
			q.pending = q.pending[1:]
			next.mu.Lock()
			q.steps = append(q.steps, next.steps...)
			q.pending = append(next.pending, q.pending...)
			if q.peer == nil {
				q.peer = next.peer
			}
			next.steps = nil
			next.pending = nil
			next.mu.Unlock()
			return queueAction{again: true}
		}
		if q.state.Current() == StateCreated {
			// Nothing was ever pushed.
			return queueAction{}
		}
		q.finished = true
		q.stopTimerLocked()
		return queueAction{complete: true}
	}

	head := q.steps[0]
	var act queueAction
	if head.Packet != nil && !head.sent {
		head.sent = true
		act.send = head.Packet
	}
	if len(head.Expect) == 0 {
		q.steps = q.steps[1:]
		q.gen++
		act.done = head.Done
		act.again = true
		return act
	}
	q.fire("resume")
	if act.send != nil {
		q.scheduleResendLocked()
	}
	return act
}

func (q *Queue) scheduleResendLocked() {
	if q.opts.MaxResends <= 0 || q.opts.ResendInterval <= 0 {
		return
	}
	q.stopTimerLocked()
	gen := q.gen
	q.timer = time.AfterFunc(q.opts.ResendInterval, func() { q.resend(gen) })
}

func (q *Queue) resend(gen uint64) {
	q.mu.Lock()
	if q.finished || q.gen != gen || len(q.steps) == 0 || q.steps[0].Packet == nil {
		q.mu.Unlock()
		return
	}
	if q.resends >= q.opts.MaxResends {
		q.mu.Unlock()
		logging.L().Infof("queue %s: no response after %d resends, giving up", q.addr, q.opts.MaxResends)
		return
	}
	q.resends++
	pkt := q.steps[0].Packet
	q.timer = time.AfterFunc(q.opts.ResendInterval, func() { q.resend(gen) })
	q.mu.Unlock()

	queueResends.WithLabelValues(q.typ.String()).Inc()
	logging.L().Debugf("queue %s: resending %v", q.addr, pkt)
	q.sender.SendPacket(pkt)
}
