// Package instance holds the static binding between a VirtIO instance id and
// the frontend/backend VM pair, IRQ lines, priority and polling mode that
// back it. Bindings are built once at boot (Registry.Build) and are immutable
// afterward except for the *_cpu fields, which are filled in as vCPUs come
// online (Registry.AssignCPU).
package instance

import "sync"

// ID uniquely identifies a VirtIO instance across the whole system.
type ID uint32

// Direction records which side a transfer is currently moving toward. It is
// consulted only when InjectInterrupt decides which IRQ line to raise; per
// spec it is an unsynchronized hint and deliberately stays that way (see
// DESIGN.md).
type Direction int

const (
	FrontendToBackend Direction = iota
	BackendToFrontend
)

func (d Direction) String() string {
	if d == BackendToFrontend {
		return "BackendToFrontend"
	}
	return "FrontendToBackend"
}

// MaxInstances is the hard cap on the number of VirtIO instances a single
// registry may hold.
const MaxInstances = 50

// Instance is the boot-time binding of one VirtIO instance, immutable save
// for the CPU-id fields and the transfer direction (SetDirection).
type Instance struct {
	ID ID

	FrontendVM  string
	BackendVM   string
	FrontendCPU int
	BackendCPU  int

	FrontendIRQ uint32
	BackendIRQ  uint32

	Priority   uint32
	DeviceType string
	Polling    bool

	mu        sync.Mutex
	direction Direction

	frontendBound bool
	backendBound  bool
	frontendCPUOK bool
	backendCPUOK  bool
}

// noCPU marks a *_cpu field as not yet assigned by AssignCPU.
const noCPU = -1

func newInstance(id ID) *Instance {
	return &Instance{ID: id, FrontendCPU: noCPU, BackendCPU: noCPU}
}

// SetDirection records which side a transfer is currently headed toward.
func (i *Instance) SetDirection(d Direction) {
	i.mu.Lock()
	i.direction = d
	i.mu.Unlock()
}

// GetDirection returns the last direction recorded by SetDirection. Per spec.md
// §9 this is read without synchronization relative to SetDirection by design
// — callers that need a race-free answer should thread the direction through
// the message instead of calling this.
func (i *Instance) GetDirection() Direction {
	return i.direction
}

// FrontendCPUAssigned reports whether AssignCPU has recorded a physical CPU
// for this instance's frontend vCPU.
func (i *Instance) FrontendCPUAssigned() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.frontendCPUOK
}

// BackendCPUAssigned reports whether AssignCPU has recorded a physical CPU
// for this instance's backend vCPU.
func (i *Instance) BackendCPUAssigned() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.backendCPUOK
}
