package bidcos

import "sync"

// Messages is the catalog of message descriptors of one device. It is
// populated while the device is constructed and only read afterwards.
type Messages struct {
	mu  sync.RWMutex
	in  []*Message
	out []*Message
}

func NewMessages() *Messages {
	return &Messages{}
}

// Add appends m to the list for its direction. Duplicates are kept.
func (ms *Messages) Add(m *Message) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if m.Direction == DirectionIn {
		ms.in = append(ms.in, m)
	} else {
		ms.out = append(ms.out, m)
	}
}

// Find returns the inbound descriptor matching pkt. When several
// match, the one with the most subtype predicates wins; ties go to
// the first registered.
func (ms *Messages) Find(pkt *Packet) *Message {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var best *Message
	for _, m := range ms.in {
		if !m.Matches(pkt) {
			continue
		}
		if best == nil || len(m.Subtypes) > len(best.Subtypes) {
			best = m
		}
	}
	return best
}

// Lookup returns the first descriptor of direction dir with command
// cmd and exactly the given subtypes (in any order).
func (ms *Messages) Lookup(dir Direction, cmd byte, subtypes ...Subtype) *Message {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	list := ms.in
	if dir == DirectionOut {
		list = ms.out
	}
	for _, m := range list {
		if m.Cmd == cmd && subtypesEqual(m.Subtypes, subtypes) {
			return m
		}
	}
	return nil
}

// Len returns the number of registered descriptors per direction.
func (ms *Messages) Len() (in, out int) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.in), len(ms.out)
}
