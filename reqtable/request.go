// Package reqtable holds the Request type and the two per-instance ordered
// tables a Request moves through: backend-pending (priority order, ties
// FIFO) and frontend-pending (FIFO). See spec.md §3-5.
package reqtable

import "github.com/vbroker/broker/instance"

// Op is the access type that triggered the MMIO trap.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Request is a single frontend MMIO access awaiting backend service, or a
// backend response awaiting frontend resume. It lives in exactly one table
// at a time (spec.md invariant 2).
type Request struct {
	InstanceID instance.ID

	RegOffset    uint64
	GuestAddress uint64
	AccessWidth  uint8 // 1, 2, 4, or 8 bytes
	Op           Op
	Value        uint64
	CPURegister  int

	// FrontendCPUAtTrap is the physical CPU that took the trap. Responses
	// must route here even if the frontend vCPU later migrates, per
	// spec.md §4.3/§9.
	FrontendCPUAtTrap int

	Priority uint32

	// HandedOff is set once the backend has read this request via ASK but
	// not yet returned a result (spec.md invariant 5: monotonic false->true).
	HandedOff bool

	// next is used internally by the intrusive ordered-insert list in
	// table.go; it is not meaningful outside that package.
	next *Request
}
