package contracts

// Command is a request routed to exactly one handler, which answers with a
// single reply. The channel is declared by the command type itself so the
// handler side can derive the same name without knowing the caller.
type Command interface {
	Channel() string
}

// Event is a fact broadcast to every subscriber of its channel. Nobody
// replies to an event.
type Event interface {
	Channel() string
}

// Kind tells the transport what sort of traffic travels on a channel.
type Kind string

const (
	KindCommand Kind = "command"
	KindReply   Kind = "reply"
	KindEvent   Kind = "event"
)

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindReply, KindEvent:
		return true
	}
	return false
}
