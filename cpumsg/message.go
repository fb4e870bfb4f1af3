// Package cpumsg implements the single typed cross-CPU message of spec.md
// §4.4: a VirtIO-channel message carrying an Event and an InstanceID. The
// per-physical-CPU mailbox and dispatcher that deliver it belong to the host
// (see host.Host and host.SimHost).
package cpumsg

import "github.com/vbroker/broker/instance"

// Event is the discriminant of a Message (spec.md §4.4, §6 "Cross-CPU
// message event codes"). It is a typed sum rather than a bare integer per
// the design note in spec.md §9.
type Event int

const (
	// WriteNotify is handled on the frontend CPU: pop the head of
	// frontend-pending, free it, mark the vCPU active.
	WriteNotify Event = iota
	// ReadNotify is handled on the frontend CPU: pop the head of
	// frontend-pending, write its Value into the named register, free it,
	// mark the vCPU active.
	ReadNotify
	// InjectInterrupt is handled on either side: raise frontend_irq if
	// direction is BackendToFrontend, else backend_irq.
	InjectInterrupt
	// NotifyBackendPoll is a no-op wakeup for a polling backend.
	NotifyBackendPoll
)

func (e Event) String() string {
	switch e {
	case WriteNotify:
		return "WriteNotify"
	case ReadNotify:
		return "ReadNotify"
	case InjectInterrupt:
		return "InjectInterrupt"
	case NotifyBackendPoll:
		return "NotifyBackendPoll"
	default:
		return "Unknown"
	}
}

// ChannelID reserves a message-bus channel identifier for VirtIO traffic,
// distinguishing it from any other message family a host might multiplex
// over the same cross-CPU transport (spec.md §6).
const ChannelID = 0

// Message is the one typed message exchanged between physical CPUs for all
// VirtIO broker traffic.
type Message struct {
	ID         int // always ChannelID for messages this package produces
	Event      Event
	InstanceID instance.ID
}
