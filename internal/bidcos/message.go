package bidcos

// Direction distinguishes descriptors for received packets from those
// used to compose outgoing ones.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

// Access is a bitmask of conditions an inbound packet has to satisfy
// before its handler is invoked.
type Access uint8

const (
	NoAccess Access = 0
	// The sender must be a known peer (or the peer of an active queue).
	AccessPairedToSender Access = 1 << iota
	// The destination must be the receiving device.
	AccessDestIsMe
	// The sender must be the central the device is paired to.
	AccessCentral
	// Grants access while an unpairing queue is active for the sender.
	AccessUnpairing
	// Together with AccessDestIsMe, also accept broadcasts.
	AccessBroadcast
	// Always grants access.
	FullAccess Access = 0x80
)

// Subtype narrows a descriptor to packets carrying Value at payload
// byte Index.
type Subtype struct {
	Index int
	Value byte
}

// Outcome tells the queue engine what a handler did with the current
// conversation step.
type Outcome uint8

const (
	// Continue leaves the head step in place, e.g. for one part of a
	// multi-packet response. It resets the idle timeout.
	Continue Outcome = iota
	// Advance completes the head step, which must be expecting the
	// handled message.
	Advance
	// Abort discards the conversation.
	Abort
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Advance:
		return "advance"
	case Abort:
		return "abort"
	default:
		return "<invalid outcome>"
	}
}

// Handler processes an inbound packet matched to a Message.
type Handler interface {
	HandleMessage(pkt *Packet) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(pkt *Packet) Outcome

func (f HandlerFunc) HandleMessage(pkt *Packet) Outcome { return f(pkt) }

// Message describes one kind of packet a device understands (inbound)
// or sends (outbound).
type Message struct {
	Direction Direction
	Cmd       byte
	// Flags is the control byte used for outgoing messages.
	Flags    byte
	Subtypes []Subtype
	// Access applies normally, AccessPairing while a pairing queue is
	// active for the sender.
	Access        Access
	AccessPairing Access
	Handler       Handler
	// Name is used in log messages only.
	Name string
}

func (m *Message) String() string {
	if m == nil {
		return "<nil message>"
	}
	if m.Name != "" {
		return m.Name
	}
	return "cmd " + hexByte(m.Cmd)
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

// Matches reports whether pkt has the descriptor's command and all
// of its subtype values.
func (m *Message) Matches(pkt *Packet) bool {
	if pkt.Cmd != m.Cmd {
		return false
	}
	for _, st := range m.Subtypes {
		if st.Index < 0 || st.Index >= len(pkt.Payload) {
			return false
		}
		if pkt.Payload[st.Index] != st.Value {
			return false
		}
	}
	return true
}

// SameType reports whether o describes the same kind of packet as m:
// equal direction, command and subtype set (order independent).
func (m *Message) SameType(o *Message) bool {
	if m == o {
		return true
	}
	if m == nil || o == nil {
		return false
	}
	return m.Direction == o.Direction && m.Cmd == o.Cmd && subtypesEqual(m.Subtypes, o.Subtypes)
}

func subtypesEqual(a, b []Subtype) bool {
	if len(a) != len(b) {
		return false
	}
	for _, x := range a {
		found := false
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HandleMessage invokes the descriptor's handler. Descriptors without
// a handler (e.g. pure expectations) continue.
func (m *Message) HandleMessage(pkt *Packet) Outcome {
	if m.Handler == nil {
		return Continue
	}
	return m.Handler.HandleMessage(pkt)
}

// AccessChecker is implemented by devices to answer the questions
// CheckAccess asks about the receiving device.
type AccessChecker interface {
	Address() Address
	CentralAddress() Address
	IsPeer(addr Address) bool
}

// PairingModer is implemented by devices which use the pairing access
// masks for all senders while their pairing mode is enabled.
type PairingModer interface {
	PairingMode() bool
}

// CheckAccess reports whether pkt may be handled by the receiving
// device dev. q is the queue currently active for the sender, if any.
// All required conditions must hold; FullAccess short-circuits.
func (m *Message) CheckAccess(pkt *Packet, dev AccessChecker, q *Queue) bool {
	access := m.Access
	if q != nil && q.Type().Pairing() {
		access = m.AccessPairing
	} else if pm, ok := dev.(PairingModer); ok && pm.PairingMode() {
		access = m.AccessPairing
	}
	if access == NoAccess {
		return false
	}
	if access&FullAccess != 0 {
		return true
	}
	if access&AccessUnpairing != 0 && q != nil && q.Type() == QueueUnpairing {
		return true
	}
	if access&^(AccessUnpairing|AccessBroadcast) == 0 {
		// Only the unpairing bit was given and no unpairing queue is active.
		return false
	}
	if access&AccessDestIsMe != 0 && pkt.Dest != dev.Address() {
		if access&AccessBroadcast == 0 || pkt.Dest != BroadcastAddress {
			return false
		}
	}
	if access&AccessCentral != 0 {
		central := dev.CentralAddress()
		if central == BroadcastAddress || pkt.Source != central {
			return false
		}
	}
	if access&AccessPairedToSender != 0 && !dev.IsPeer(pkt.Source) {
		if q == nil || q.Peer() == nil {
			return false
		}
	}
	return true
}
