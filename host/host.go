// Package host defines the Host interface: the external hypervisor
// primitives the broker consumes (spec.md §6) — register access, IRQ
// injection, cross-CPU messaging, the vCPU idle/wake primitive, and the
// fatal-error primitive. Production embeddings satisfy Host from the real
// static-partitioning hypervisor; SimHost (simhost.go) is a goroutine-based
// implementation used by this repository's own tests, demos, and standalone
// operation.
package host

import "github.com/vbroker/broker/cpumsg"

// Host is the set of hypervisor services spec.md §6 lists as "consumed by
// the broker". A physical CPU is identified by a small int, matching the
// vcpu.id convention of the teacher's own VCPU type; in this simulated
// world each physical CPU slot runs exactly one vCPU for its lifetime; a
// real embedding may bind these more dynamically, but the broker itself
// never assumes a physical CPU cannot change which vCPU it is currently
// running — it tracks the vCPU it cares about (the trapping frontend) by
// the CPU id captured at trap time (spec.md §4.3, §9).
type Host interface {
	// ReadRegister returns the current value of register reg on the vCPU
	// resident on cpu.
	ReadRegister(cpu int, reg int) uint64
	// WriteRegister stores val into register reg on the vCPU resident on
	// cpu.
	WriteRegister(cpu int, reg int, val uint64)

	// InjectIRQ asserts irq on the vCPU resident on cpu.
	InjectIRQ(cpu int, irq uint32) error

	// SendCPUMessage delivers msg to cpu's inbox; the handler registered
	// via RegisterHandler runs on cpu's own dispatch goroutine, serialized
	// with respect to any other message delivered to that same cpu
	// (spec.md §5 "Reentrancy").
	SendCPUMessage(cpu int, msg cpumsg.Message)

	// RegisterHandler installs the broker's message handler. It is called
	// once at wiring time (spec.md §9 "one-shot registration at module
	// init").
	RegisterHandler(handler func(cpu int, msg cpumsg.Message))

	// AdvancePC advances the trapping instruction pointer on cpu past the
	// faulting MMIO instruction (spec.md §4.2 step 7). The width is
	// architecture-specific and is the host's concern, not the broker's
	// (spec.md §9).
	AdvancePC(cpu int)

	// Idle marks cpu's vCPU inactive and blocks the calling goroutine
	// until a later SetActive(cpu, true) wakes it (spec.md §4.2 step 8,
	// §5 "Suspension points").
	Idle(cpu int)
	// SetActive marks cpu's vCPU active or inactive. Setting it active
	// wakes a goroutine blocked in Idle for that cpu.
	SetActive(cpu int, active bool)
	// IsActive reports the vCPU's current active flag (spec.md invariant 4).
	IsActive(cpu int) bool

	// Fatalf reports an unrecoverable broker error and does not return
	// (the `ERROR(fmt, ...)` primitive of spec.md §6).
	Fatalf(format string, args ...any)
}
