package host

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vbroker/broker/cpumsg"
)

// RegisterCount is the size of the per-vCPU register file SimHost hands out.
// It is deliberately generic (no architecture modeled): the broker only
// reads/writes the register named by a Request's CPURegister field and the
// ASK reply registers (broker.RegInstanceID..broker.RegWidth).
const RegisterCount = 32

type cpuSlot struct {
	id int

	regsMu sync.Mutex
	regs   [RegisterCount]uint64

	active atomic.Bool
	wake   chan struct{}

	inbox chan cpumsg.Message

	irqs atomic.Uint64 // count of IRQs injected, exposed via IRQCount
}

// SimHost is a goroutine-per-physical-CPU Host implementation. Each
// configured CPU id gets its own dispatch goroutine, optionally pinned to a
// real core with SchedSetaffinity — the same "talk directly to the kernel"
// role the teacher used golang.org/x/sys for when driving KVM and TAP
// ioctls, redirected here at CPU placement instead of device emulation.
type SimHost struct {
	log *logrus.Entry

	mu    sync.RWMutex
	slots map[int]*cpuSlot

	handlerMu sync.RWMutex
	handler   func(cpu int, msg cpumsg.Message)

	// Pin, when true, attempts to pin each CPU's dispatch goroutine to the
	// matching real core via SchedSetaffinity. Best-effort: a failure to
	// pin (container without CAP_SYS_NICE, cpuset restrictions, non-Linux)
	// is logged and otherwise ignored — affinity is an optimization here,
	// not a correctness requirement.
	Pin bool

	fatal FatalFunc
}

// FatalFunc mirrors instance.FatalFunc; SimHost takes its own so it can be
// wired independently of a Registry in tests that construct a bare host.
type FatalFunc func(format string, args ...any)

// NewSimHost creates a SimHost with no CPUs registered yet; call AddCPU for
// each physical CPU id the configuration names before calling Run.
func NewSimHost(log *logrus.Entry, fatal FatalFunc) *SimHost {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if fatal == nil {
		fatal = func(format string, args ...any) {
			panic(fmt.Errorf(format, args...))
		}
	}
	return &SimHost{
		log:   log,
		slots: make(map[int]*cpuSlot),
		fatal: fatal,
	}
}

// AddCPU registers physical CPU id cpu with the host. It must be called
// before Run.
func (h *SimHost) AddCPU(cpu int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.slots[cpu]; ok {
		return
	}
	h.slots[cpu] = &cpuSlot{
		id:    cpu,
		wake:  make(chan struct{}, 1),
		inbox: make(chan cpumsg.Message, 64),
	}
}

func (h *SimHost) slot(cpu int) *cpuSlot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.slots[cpu]
	if !ok {
		h.fatal("simhost: unknown physical CPU %d", cpu)
		return nil
	}
	return s
}

// Run launches one dispatch goroutine per registered CPU and blocks until
// ctx is cancelled or a dispatch goroutine returns an error. It supervises
// the fan-out with errgroup, replacing the teacher's bespoke
// vcpusRunning-buffered-channel pattern (virtual_machine.go) with the
// pack's idiomatic fan-out/fan-in primitive (mirendev-runtime depends on
// golang.org/x/sync for the same reason).
func (h *SimHost) Run(ctx context.Context) error {
	h.mu.RLock()
	slots := make([]*cpuSlot, 0, len(h.slots))
	for _, s := range h.slots {
		slots = append(slots, s)
	}
	h.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		s := s
		g.Go(func() error {
			return h.dispatchLoop(ctx, s)
		})
	}
	return g.Wait()
}

func (h *SimHost) dispatchLoop(ctx context.Context, s *cpuSlot) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if h.Pin {
		if err := pinToCPU(s.id); err != nil {
			h.log.WithFields(logrus.Fields{"cpu": s.id, "error": err}).
				Debug("simhost: CPU affinity pin failed, continuing unpinned")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.inbox:
			h.handlerMu.RLock()
			fn := h.handler
			h.handlerMu.RUnlock()
			if fn != nil {
				fn(s.id, msg)
			}
		}
	}
}

func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}

func (h *SimHost) ReadRegister(cpu int, reg int) uint64 {
	s := h.slot(cpu)
	if s == nil || reg < 0 || reg >= RegisterCount {
		return 0
	}
	s.regsMu.Lock()
	defer s.regsMu.Unlock()
	return s.regs[reg]
}

func (h *SimHost) WriteRegister(cpu int, reg int, val uint64) {
	s := h.slot(cpu)
	if s == nil || reg < 0 || reg >= RegisterCount {
		return
	}
	s.regsMu.Lock()
	s.regs[reg] = val
	s.regsMu.Unlock()
}

func (h *SimHost) InjectIRQ(cpu int, irq uint32) error {
	s := h.slot(cpu)
	if s == nil {
		return fmt.Errorf("simhost: InjectIRQ on unknown CPU %d", cpu)
	}
	if irq == 0 {
		return fmt.Errorf("simhost: refusing to inject IRQ line 0 on CPU %d", cpu)
	}
	s.irqs.Add(1)
	h.log.WithFields(logrus.Fields{"cpu": cpu, "irq": irq}).Debug("simhost: IRQ injected")
	return nil
}

func (h *SimHost) SendCPUMessage(cpu int, msg cpumsg.Message) {
	s := h.slot(cpu)
	if s == nil {
		return
	}
	s.inbox <- msg
}

func (h *SimHost) RegisterHandler(handler func(cpu int, msg cpumsg.Message)) {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
}

func (h *SimHost) AdvancePC(cpu int) {
	// No architecture is modeled here; a real embedding advances RIP (or
	// equivalent) by the trapping instruction's width. Logged at debug so
	// tests and the CLI's --trace flag can see the step happened.
	h.log.WithField("cpu", cpu).Debug("simhost: advance past MMIO instruction")
}

func (h *SimHost) Idle(cpu int) {
	s := h.slot(cpu)
	if s == nil {
		return
	}
	s.active.Store(false)
	<-s.wake
}

func (h *SimHost) SetActive(cpu int, active bool) {
	s := h.slot(cpu)
	if s == nil {
		return
	}
	s.active.Store(active)
	if active {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (h *SimHost) IsActive(cpu int) bool {
	s := h.slot(cpu)
	if s == nil {
		return false
	}
	return s.active.Load()
}

func (h *SimHost) Fatalf(format string, args ...any) {
	h.fatal(format, args...)
}

// IRQCount returns how many IRQs have been injected into cpu so far. Used
// by tests.
func (h *SimHost) IRQCount(cpu int) uint64 {
	s := h.slot(cpu)
	if s == nil {
		return 0
	}
	return s.irqs.Load()
}
