package broker

import (
	"testing"

	"github.com/vbroker/broker/cpumsg"
	"github.com/vbroker/broker/instance"
	"github.com/vbroker/broker/reqtable"
)

// fakeHost is a minimal, single-threaded host.Host stand-in that executes
// everything synchronously on the calling goroutine — enough to exercise
// Broker's call sequencing without SimHost's real concurrency.
type fakeHost struct {
	regs      map[int]map[int]uint64
	active    map[int]bool
	handler   func(cpu int, msg cpumsg.Message)
	irqs      []irqCall
	fatal     []string
	idleCalls int
}

type irqCall struct {
	cpu int
	irq uint32
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		regs:   make(map[int]map[int]uint64),
		active: make(map[int]bool),
	}
}

func (h *fakeHost) ReadRegister(cpu int, reg int) uint64 {
	if m, ok := h.regs[cpu]; ok {
		return m[reg]
	}
	return 0
}

func (h *fakeHost) WriteRegister(cpu int, reg int, val uint64) {
	m, ok := h.regs[cpu]
	if !ok {
		m = make(map[int]uint64)
		h.regs[cpu] = m
	}
	m[reg] = val
}

func (h *fakeHost) InjectIRQ(cpu int, irq uint32) error {
	h.irqs = append(h.irqs, irqCall{cpu: cpu, irq: irq})
	return nil
}

// SendCPUMessage delivers synchronously so tests can assert post-conditions
// without a select/sleep.
func (h *fakeHost) SendCPUMessage(cpu int, msg cpumsg.Message) {
	if h.handler != nil {
		h.handler(cpu, msg)
	}
}

func (h *fakeHost) RegisterHandler(handler func(cpu int, msg cpumsg.Message)) {
	h.handler = handler
}

func (h *fakeHost) AdvancePC(cpu int) {}

func (h *fakeHost) Idle(cpu int) { h.idleCalls++ }

func (h *fakeHost) SetActive(cpu int, active bool) { h.active[cpu] = active }

func (h *fakeHost) IsActive(cpu int) bool { return h.active[cpu] }

func (h *fakeHost) Fatalf(format string, args ...any) {
	h.fatal = append(h.fatal, format)
	panic("fakeHost: fatal called: " + format)
}

func newTestBroker(t *testing.T) (*Broker, *fakeHost, *instance.Registry) {
	t.Helper()
	reg := instance.NewRegistry(nil, nil)
	reg.Build([]instance.VMConfig{
		{Name: "frontend-vm", Devices: []instance.DeviceConfig{
			{InstanceID: 7, IsBackend: false, DeviceIRQ: 10, MMIOBase: 0x1000, MMIOSize: 0x100},
		}},
		{Name: "backend-vm", Devices: []instance.DeviceConfig{
			{InstanceID: 7, IsBackend: true, VirtioIRQ: 20, Priority: 1},
		}},
	})
	reg.AssignCPU("frontend-vm", 0)
	reg.AssignCPU("backend-vm", 1)

	h := newFakeHost()
	tables := reqtable.NewSet()
	pool := reqtable.NewPool()
	b := New(reg, tables, pool, h, nil, nil)
	b.RegisterDescriptors("frontend-vm", []instance.DeviceConfig{
		{InstanceID: 7, IsBackend: false, MMIOBase: 0x1000, MMIOSize: 0x100},
	})
	return b, h, reg
}

func TestHandleMMIO_AddressMiss(t *testing.T) {
	b, h, _ := newTestBroker(t)
	handled := b.HandleMMIO("frontend-vm", 0, MMIOAccess{GuestAddress: 0xFFFF, Op: reqtable.OpRead})
	if handled {
		t.Fatal("expected HandleMMIO to report not-handled for an out-of-window address")
	}
	if h.idleCalls != 0 {
		t.Fatal("address miss must not idle the vCPU")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	b, h, _ := newTestBroker(t)
	h.WriteRegister(0, 5, 0xABCD)

	h.SetActive(0, true)
	handled := b.HandleMMIO("frontend-vm", 0, MMIOAccess{
		GuestAddress: 0x1010,
		RegOffset:    0x10,
		Width:        4,
		Op:           reqtable.OpWrite,
		Register:     5,
	})
	if !handled {
		t.Fatal("expected HandleMMIO to report handled")
	}
	if h.active[0] {
		t.Fatal("frontend vCPU should be inactive while parked")
	}

	status := b.HandleHypercall("backend-vm", 1, HypercallArgs{InstanceID: 7, Op: OpAsk})
	if status != Success {
		t.Fatalf("ASK: want Success, got %v", status)
	}
	gotOffset := h.ReadRegister(1, RegRegOffset)
	if gotOffset != 0x10 {
		t.Fatalf("ASK reply reg_offset: want 0x10, got %#x", gotOffset)
	}

	status = b.HandleHypercall("backend-vm", 1, HypercallArgs{
		InstanceID: 7,
		RegOffset:  0x10,
		Op:         OpWrite,
		Value:      0xABCD,
	})
	if status != Success {
		t.Fatalf("WRITE completion: want Success, got %v", status)
	}
	if !h.active[0] {
		t.Fatal("frontend vCPU should be reactivated after WriteNotify")
	}
}

func TestReadRoundTrip(t *testing.T) {
	b, h, _ := newTestBroker(t)

	b.HandleMMIO("frontend-vm", 0, MMIOAccess{
		GuestAddress: 0x1020,
		RegOffset:    0x20,
		Op:           reqtable.OpRead,
		Register:     3,
	})

	b.HandleHypercall("backend-vm", 1, HypercallArgs{InstanceID: 7, Op: OpAsk})
	status := b.HandleHypercall("backend-vm", 1, HypercallArgs{
		InstanceID: 7,
		RegOffset:  0x20,
		Op:         OpRead,
		Value:      0x42,
	})
	if status != Success {
		t.Fatalf("READ completion: want Success, got %v", status)
	}
	if got := h.ReadRegister(0, 3); got != 0x42 {
		t.Fatalf("frontend register after ReadNotify: want 0x42, got %#x", got)
	}
}

func TestAsk_InvalidArgs(t *testing.T) {
	b, _, _ := newTestBroker(t)
	status := b.HandleHypercall("backend-vm", 1, HypercallArgs{InstanceID: 7, Op: OpAsk, RegOffset: 1})
	if status != InvalidArgs {
		t.Fatalf("ASK with nonzero reg_offset: want InvalidArgs, got %v", status)
	}
}

func TestAsk_EmptyQueueIsFailure(t *testing.T) {
	b, _, _ := newTestBroker(t)
	status := b.HandleHypercall("backend-vm", 1, HypercallArgs{InstanceID: 7, Op: OpAsk})
	if status != Failure {
		t.Fatalf("ASK on empty queue: want Failure, got %v", status)
	}
}

func TestBackendDesync_MismatchedOffsetIsFailure(t *testing.T) {
	b, h, _ := newTestBroker(t)
	b.HandleMMIO("frontend-vm", 0, MMIOAccess{GuestAddress: 0x1010, RegOffset: 0x10, Op: reqtable.OpWrite})
	b.HandleHypercall("backend-vm", 1, HypercallArgs{InstanceID: 7, Op: OpAsk})

	status := b.HandleHypercall("backend-vm", 1, HypercallArgs{InstanceID: 7, RegOffset: 0x14, Op: OpWrite})
	if status != Failure {
		t.Fatalf("mismatched reg_offset: want Failure, got %v", status)
	}
	if h.active[0] {
		t.Fatal("frontend vCPU must remain parked after a discarded desynced completion")
	}
}

func TestPollingInstance_SendsNotifyBackendPoll(t *testing.T) {
	reg := instance.NewRegistry(nil, nil)
	reg.Build([]instance.VMConfig{
		{Name: "fe", Devices: []instance.DeviceConfig{{InstanceID: 1, IsBackend: false, MMIOBase: 0, MMIOSize: 0x10}}},
		{Name: "be", Devices: []instance.DeviceConfig{{InstanceID: 1, IsBackend: true, Polling: true}}},
	})
	reg.AssignCPU("fe", 0)
	reg.AssignCPU("be", 1)

	h := newFakeHost()
	var seen []cpumsg.Event
	tables := reqtable.NewSet()
	pool := reqtable.NewPool()
	b := New(reg, tables, pool, h, nil, nil)
	b.RegisterDescriptors("fe", []instance.DeviceConfig{{InstanceID: 1, MMIOBase: 0, MMIOSize: 0x10}})

	// Wrap the handler to record event types seen, then delegate.
	inner := h.handler
	h.handler = func(cpu int, msg cpumsg.Message) {
		seen = append(seen, msg.Event)
		inner(cpu, msg)
	}

	b.HandleMMIO("fe", 0, MMIOAccess{GuestAddress: 0x4, Op: reqtable.OpRead})

	found := false
	for _, e := range seen {
		if e == cpumsg.NotifyBackendPoll {
			found = true
		}
		if e == cpumsg.InjectInterrupt {
			t.Fatal("polling instance must not receive InjectInterrupt on trap")
		}
	}
	if !found {
		t.Fatal("expected a NotifyBackendPoll message for a polling instance")
	}
}

func TestNotify_InjectsInterruptOnFrontend(t *testing.T) {
	b, h, _ := newTestBroker(t)
	status := b.HandleHypercall("backend-vm", 1, HypercallArgs{InstanceID: 7, Op: OpNotify})
	if status != Success {
		t.Fatalf("NOTIFY: want Success, got %v", status)
	}
	if len(h.irqs) != 1 || h.irqs[0].irq != 10 {
		t.Fatalf("expected frontend_irq 10 injected once, got %+v", h.irqs)
	}
}

func TestUnknownHypercallOp_InvalidArgs(t *testing.T) {
	b, _, _ := newTestBroker(t)
	status := b.HandleHypercall("backend-vm", 1, HypercallArgs{InstanceID: 7, Op: HypercallOp(99)})
	if status != InvalidArgs {
		t.Fatalf("unknown op: want InvalidArgs, got %v", status)
	}
}
