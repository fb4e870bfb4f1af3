package instance

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// DeviceConfig is one VirtIO device entry as declared by a VM's boot
// configuration (spec.md §6, "Configuration consumed").
type DeviceConfig struct {
	InstanceID      ID
	IsBackend       bool
	DeviceType      string
	Priority        uint32
	DeviceIRQ       uint32 // frontend-side device_interrupt
	VirtioIRQ       uint32 // backend-side virtio_interrupt
	Polling         bool
	MMIOBase        uint64
	MMIOSize        uint64
}

// VMConfig is one VM's full VirtIO device list.
type VMConfig struct {
	Name    string
	Devices []DeviceConfig
}

// FatalFunc is the `ERROR(fmt, ...)` primitive of spec.md §6: a hook invoked
// on unrecoverable configuration errors. It must not return. Tests substitute
// a function that records the message and panics with a sentinel instead of
// calling os.Exit.
type FatalFunc func(format string, args ...any)

// Registry holds every Instance known to the system, keyed by InstanceID.
// It is read-mostly after boot: Build populates it once, AssignCPU mutates
// only the CPU-id fields as vCPUs come online.
type Registry struct {
	mu        sync.RWMutex
	instances map[ID]*Instance
	log       *logrus.Entry
	fatal     FatalFunc
}

// NewRegistry creates an empty registry. log may be nil, in which case the
// standard logrus logger is used. fatal may be nil, in which case a panic
// carrying the formatted message is used (suitable for tests); production
// callers should pass something that terminates the process, matching the
// ERROR primitive's ABI in spec.md §6/§7.
func NewRegistry(log *logrus.Entry, fatal FatalFunc) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if fatal == nil {
		fatal = func(format string, args ...any) {
			panic(fmt.Errorf(format, args...))
		}
	}
	return &Registry{
		instances: make(map[ID]*Instance),
		log:       log,
		fatal:     fatal,
	}
}

// Build scans every VM's VirtIO device list and establishes the 1-to-1
// frontend/backend binding per InstanceID (spec.md §4.1). It is fatal
// (via the registry's FatalFunc) if any instance ends up with no frontend or
// no backend, if any instance declares more than one frontend or more than
// one backend, or if the instance count exceeds MaxInstances.
func (r *Registry) Build(vms []VMConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, vm := range vms {
		for _, dev := range vm.Devices {
			inst, ok := r.instances[dev.InstanceID]
			if !ok {
				if len(r.instances) >= MaxInstances {
					r.fatal("instance registry: cannot register instance %d, cap of %d instances reached", dev.InstanceID, MaxInstances)
					return
				}
				inst = newInstance(dev.InstanceID)
				r.instances[dev.InstanceID] = inst
			}

			if dev.IsBackend {
				if inst.backendBound {
					r.fatal("instance registry: instance %d has more than one backend (duplicate in VM %q)", dev.InstanceID, vm.Name)
					return
				}
				inst.BackendVM = vm.Name
				inst.BackendIRQ = dev.VirtioIRQ
				inst.Priority = dev.Priority
				inst.DeviceType = dev.DeviceType
				inst.Polling = dev.Polling
				inst.backendBound = true
			} else {
				if inst.frontendBound {
					r.fatal("instance registry: instance %d has more than one frontend (duplicate in VM %q)", dev.InstanceID, vm.Name)
					return
				}
				inst.FrontendVM = vm.Name
				inst.FrontendIRQ = dev.DeviceIRQ
				inst.frontendBound = true
			}
		}
	}

	var missing []ID
	for id, inst := range r.instances {
		if !inst.frontendBound || !inst.backendBound {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(a, b int) bool { return missing[a] < missing[b] })
		r.fatal("instance registry: instance(s) %v missing their frontend or backend counterpart", missing)
		return
	}

	r.log.WithField("instances", len(r.instances)).Info("instance registry: boot binding complete")
}

// AssignCPU is invoked once per vCPU as it first runs (spec.md §4.1). It
// records currentCPU into every instance whose frontend or backend VM
// matches vm.
func (r *Registry) AssignCPU(vm string, currentCPU int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, inst := range r.instances {
		inst.mu.Lock()
		if inst.FrontendVM == vm {
			inst.FrontendCPU = currentCPU
			inst.frontendCPUOK = true
		}
		if inst.BackendVM == vm {
			inst.BackendCPU = currentCPU
			inst.backendCPUOK = true
		}
		inst.mu.Unlock()
	}
	r.log.WithFields(logrus.Fields{"vm": vm, "cpu": currentCPU}).Debug("instance registry: vCPU CPU assignment recorded")
}

// Lookup returns the Instance for id, or nil if no such instance exists.
func (r *Registry) Lookup(id ID) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[id]
}

// All returns every registered instance in ascending ID order. Used by the
// dashboard and status CLI; not on any hot path.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
