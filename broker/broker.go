// Package broker wires the instance registry, the per-instance request
// tables, and a host.Host together into the two operations the rest of the
// hypervisor calls across the trap and hypercall boundaries: HandleMMIO
// (spec.md §4.2) and HandleHypercall (spec.md §4.3). It also owns the
// cross-CPU message handler (spec.md §4.4) that host.Host dispatches
// messages into.
package broker

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vbroker/broker/cpumsg"
	"github.com/vbroker/broker/host"
	"github.com/vbroker/broker/instance"
	"github.com/vbroker/broker/reqtable"
)

// Argument register indices for the hypercall ABI (spec.md §6: "Arguments
// in registers x2..x6" plus the x1..x6 reply block on ASK success). These
// are offsets into host.Host's generic register file, not real ISA
// register numbers — a production embedding maps them onto its own ABI.
const (
	RegReturn       = 0
	RegInstanceID   = 1
	RegRegOffset    = 2
	RegGuestAddress = 3
	RegOp           = 4
	RegValue        = 5
	RegWidth        = 6
)

// HypercallOp is the backend hypercall selector (spec.md §6).
type HypercallOp uint64

const (
	OpWrite  HypercallOp = 0
	OpRead   HypercallOp = 1
	OpAsk    HypercallOp = 2
	OpNotify HypercallOp = 3
)

// Status is the hypercall return-code taxonomy (spec.md §4.3, §6), conveyed
// negated in the caller's return register per the host ABI convention.
type Status int

const (
	Success     Status = 0
	Failure     Status = -1
	InvalidArgs Status = -2
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case Failure:
		return "Failure"
	case InvalidArgs:
		return "InvalidArgs"
	default:
		return "Unknown"
	}
}

// MMIOAccess describes a single trapping memory access (spec.md §4.2 input).
type MMIOAccess struct {
	GuestAddress uint64
	RegOffset    uint64
	Width        uint8
	Op           reqtable.Op
	Register     int
}

// HypercallArgs is the decoded backend hypercall ABI (spec.md §6).
type HypercallArgs struct {
	InstanceID   instance.ID
	RegOffset    uint64
	GuestAddress uint64
	Op           HypercallOp
	Value        uint64
	Width        uint8
}

// Metrics is the optional observability hook a caller may wire in (see
// metrics.Collector). Nil is safe to use throughout Broker.
type Metrics interface {
	ObserveEnqueue(id instance.ID, backendDepth int)
	ObserveHypercall(op HypercallOp, status Status)
	ObserveDelivery(id instance.ID)
}

// Descriptor is one VM-local VirtIO MMIO window, used by HandleMMIO to map
// a trapping guest address to an InstanceID (spec.md §4.2 step 1).
type Descriptor struct {
	InstanceID instance.ID
	Base       uint64
	Size       uint64
}

func (d Descriptor) covers(addr uint64) bool {
	return addr >= d.Base && addr < d.Base+d.Size
}

// Broker is the wiring point between the instance registry, the per-instance
// request tables, a Pool of Request slots, and a host.Host. It holds no
// state of its own beyond the VM-local MMIO window map — all mutable state
// is either in the Registry's Instances or in the table Set, each under its
// own lock, matching spec.md §5's "broker itself holds no preemptible state
// of its own".
type Broker struct {
	registry *instance.Registry
	tables   *reqtable.Set
	pool     *reqtable.Pool
	host     host.Host
	log      *logrus.Entry
	metrics  Metrics

	descMu sync.RWMutex
	desc   map[string][]Descriptor
}

// New creates a Broker and registers its cross-CPU message handler with h.
// metrics may be nil.
func New(registry *instance.Registry, tables *reqtable.Set, pool *reqtable.Pool, h host.Host, log *logrus.Entry, metrics Metrics) *Broker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Broker{
		registry: registry,
		tables:   tables,
		pool:     pool,
		host:     h,
		log:      log,
		metrics:  metrics,
		desc:     make(map[string][]Descriptor),
	}
	h.RegisterHandler(b.handleCPUMessage)
	return b
}

// RegisterDescriptors installs the MMIO windows for vm's frontend VirtIO
// devices, as read from boot configuration. Backend-side entries carry no
// MMIO window in this model (the backend talks to the broker exclusively
// through hypercalls) and are ignored here.
func (b *Broker) RegisterDescriptors(vm string, devices []instance.DeviceConfig) {
	var descs []Descriptor
	for _, d := range devices {
		if d.IsBackend || d.MMIOSize == 0 {
			continue
		}
		descs = append(descs, Descriptor{InstanceID: d.InstanceID, Base: d.MMIOBase, Size: d.MMIOSize})
	}
	b.descMu.Lock()
	b.desc[vm] = descs
	b.descMu.Unlock()
}

func (b *Broker) lookupDescriptor(vm string, addr uint64) (Descriptor, bool) {
	b.descMu.RLock()
	defer b.descMu.RUnlock()
	for _, d := range b.desc[vm] {
		if d.covers(addr) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// HandleMMIO implements the Frontend Trap Path (spec.md §4.2). vm and cpu
// name the trapping vCPU's VM and current physical CPU. It returns false if
// access.GuestAddress falls outside every registered MMIO window for vm —
// the caller should escalate to its generic emulator fault path in that
// case (spec.md §7 "not-found-by-address returns a boolean").
func (b *Broker) HandleMMIO(vm string, cpu int, access MMIOAccess) bool {
	desc, ok := b.lookupDescriptor(vm, access.GuestAddress)
	if !ok {
		return false
	}

	inst := b.registry.Lookup(desc.InstanceID)
	if inst == nil {
		b.host.Fatalf("broker: MMIO window for instance %d matched but no instance is registered", desc.InstanceID)
		return true
	}
	if !inst.BackendCPUAssigned() {
		b.host.Fatalf("broker: instance %d has no backend CPU assigned yet, cannot route trap", inst.ID)
		return true
	}

	req := b.pool.Alloc()
	req.InstanceID = inst.ID
	req.RegOffset = access.RegOffset
	req.GuestAddress = access.GuestAddress
	req.AccessWidth = access.Width
	req.Op = access.Op
	req.CPURegister = access.Register
	req.FrontendCPUAtTrap = cpu
	req.Priority = inst.Priority
	req.HandedOff = false
	if access.Op == reqtable.OpWrite {
		req.Value = b.host.ReadRegister(cpu, access.Register)
	} else {
		req.Value = 0
	}

	inst.SetDirection(instance.FrontendToBackend)

	t := b.tables.For(inst.ID)
	t.Lock()
	t.Backend.Insert(req)
	depth := t.Backend.Len()
	t.Unlock()

	if b.metrics != nil {
		b.metrics.ObserveEnqueue(inst.ID, depth)
	}

	event := cpumsg.InjectInterrupt
	if inst.Polling {
		event = cpumsg.NotifyBackendPoll
	}
	b.host.SendCPUMessage(inst.BackendCPU, cpumsg.Message{ID: cpumsg.ChannelID, Event: event, InstanceID: inst.ID})

	b.host.AdvancePC(cpu)
	b.host.SetActive(cpu, false)
	b.host.Idle(cpu)
	return true
}

// HandleHypercall implements the Backend Hypercall Path (spec.md §4.3).
// callerVM is the VM issuing the hypercall, cpu its current physical CPU.
func (b *Broker) HandleHypercall(callerVM string, cpu int, args HypercallArgs) Status {
	status := b.dispatchHypercall(callerVM, cpu, args)
	b.log.WithFields(logrus.Fields{
		"op":       hypercallOpName(args.Op),
		"instance": args.InstanceID,
		"cpu":      cpu,
		"status":   status,
	}).Debug("broker: hypercall")
	if b.metrics != nil {
		b.metrics.ObserveHypercall(args.Op, status)
	}
	return status
}

func hypercallOpName(op HypercallOp) string {
	switch op {
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpAsk:
		return "ASK"
	case OpNotify:
		return "NOTIFY"
	default:
		return "UNKNOWN"
	}
}

func (b *Broker) dispatchHypercall(callerVM string, cpu int, args HypercallArgs) Status {
	switch args.Op {
	case OpAsk:
		return b.hypercallAsk(callerVM, cpu, args)
	case OpRead, OpWrite:
		return b.hypercallComplete(callerVM, cpu, args)
	case OpNotify:
		return b.hypercallNotify(callerVM, args)
	default:
		return InvalidArgs
	}
}

func (b *Broker) hypercallAsk(callerVM string, cpu int, args HypercallArgs) Status {
	if args.RegOffset != 0 || args.Value != 0 {
		return InvalidArgs
	}
	inst := b.registry.Lookup(args.InstanceID)
	if inst == nil || inst.BackendVM != callerVM {
		// Not this VM's instance to ask about — treated as a protocol
		// violation (spec.md §7), not a crash: the broker never trusts the
		// backend's self-reported identity.
		return Failure
	}

	t := b.tables.For(inst.ID)
	t.Lock()
	req := t.Backend.FirstNotHandedOff()
	if req == nil {
		t.Unlock()
		return Failure
	}
	req.HandedOff = true
	t.Unlock()

	b.host.WriteRegister(cpu, RegInstanceID, uint64(req.InstanceID))
	b.host.WriteRegister(cpu, RegRegOffset, req.RegOffset)
	b.host.WriteRegister(cpu, RegGuestAddress, req.GuestAddress)
	b.host.WriteRegister(cpu, RegOp, uint64(reqOpToHypercallOp(req.Op)))
	b.host.WriteRegister(cpu, RegValue, req.Value)
	b.host.WriteRegister(cpu, RegWidth, uint64(req.AccessWidth))
	return Success
}

func reqOpToHypercallOp(op reqtable.Op) HypercallOp {
	if op == reqtable.OpRead {
		return OpRead
	}
	return OpWrite
}

func (b *Broker) hypercallComplete(callerVM string, cpu int, args HypercallArgs) Status {
	inst := b.registry.Lookup(args.InstanceID)
	if inst == nil || inst.BackendVM != callerVM {
		return Failure
	}

	t := b.tables.For(inst.ID)
	t.Lock()
	req := t.Backend.PopFront()
	if req == nil {
		t.Unlock()
		return Failure
	}
	if req.RegOffset != args.RegOffset {
		// Backend has desynchronised (spec.md §4.3 "defensive"): discard
		// the request and report failure; the frontend stays parked.
		t.Unlock()
		b.pool.Free(req)
		return Failure
	}
	req.Value = args.Value
	t.Frontend.PushBack(req)
	t.Unlock()

	inst.SetDirection(instance.BackendToFrontend)

	event := cpumsg.WriteNotify
	if args.Op == OpRead {
		event = cpumsg.ReadNotify
	}
	b.host.SendCPUMessage(req.FrontendCPUAtTrap, cpumsg.Message{ID: cpumsg.ChannelID, Event: event, InstanceID: inst.ID})
	return Success
}

func (b *Broker) hypercallNotify(callerVM string, args HypercallArgs) Status {
	inst := b.registry.Lookup(args.InstanceID)
	if inst == nil || inst.BackendVM != callerVM {
		return Failure
	}
	inst.SetDirection(instance.BackendToFrontend)
	b.host.SendCPUMessage(inst.FrontendCPU, cpumsg.Message{ID: cpumsg.ChannelID, Event: cpumsg.InjectInterrupt, InstanceID: inst.ID})
	return Success
}

// handleCPUMessage is the cross-CPU message handler registered with host.Host
// (spec.md §4.4). It runs on the physical CPU the message was delivered to.
func (b *Broker) handleCPUMessage(cpu int, msg cpumsg.Message) {
	switch msg.Event {
	case cpumsg.WriteNotify:
		b.deliverFrontend(cpu, msg.InstanceID, false)
	case cpumsg.ReadNotify:
		b.deliverFrontend(cpu, msg.InstanceID, true)
	case cpumsg.InjectInterrupt:
		b.injectInterrupt(cpu, msg.InstanceID)
	case cpumsg.NotifyBackendPoll:
		b.log.WithField("instance", msg.InstanceID).Debug("broker: backend poll wakeup")
	default:
		b.log.WithField("event", msg.Event).Warn("broker: unknown cross-CPU event")
	}
}

func (b *Broker) deliverFrontend(cpu int, id instance.ID, isRead bool) {
	t := b.tables.For(id)
	t.Lock()
	req := t.Frontend.PopFront()
	t.Unlock()
	if req == nil {
		b.log.WithField("instance", id).Warn("broker: notify with no pending frontend request")
		return
	}

	if isRead {
		b.host.WriteRegister(cpu, req.CPURegister, req.Value)
	}
	b.pool.Free(req)
	b.host.SetActive(cpu, true)

	if b.metrics != nil {
		b.metrics.ObserveDelivery(id)
	}
}

func (b *Broker) injectInterrupt(cpu int, id instance.ID) {
	inst := b.registry.Lookup(id)
	if inst == nil {
		b.host.Fatalf("broker: InjectInterrupt for unknown instance %d", id)
		return
	}

	irq := inst.BackendIRQ
	if inst.GetDirection() == instance.BackendToFrontend {
		irq = inst.FrontendIRQ
	}
	if irq == 0 {
		b.host.Fatalf("broker: instance %d has no IRQ bound for direction %v", inst.ID, inst.GetDirection())
		return
	}
	if err := b.host.InjectIRQ(cpu, irq); err != nil {
		b.log.WithFields(logrus.Fields{"instance": id, "cpu": cpu, "error": err}).Error("broker: IRQ injection failed")
	}
}

