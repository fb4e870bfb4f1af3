package reqtable

import "sync"

// Pool is the MT-safe object pool primitive named in spec.md §6. It hands out
// *Request slots and takes them back, avoiding per-trap allocation on the hot
// path while giving every live Request a stable address (so a Request can be
// linked into and moved between the per-instance tables by pointer without
// copying).
//
// A sync.Pool would not do here: it may silently drop items under GC pressure,
// and this package needs Free to be a real, observable return of a slot (the
// state machine in spec.md §4.5 treats "Freed" as a terminal, countable state).
// A small mutex-guarded free list gives that guarantee directly.
type Pool struct {
	mu   sync.Mutex
	free []*Request
}

// NewPool creates an empty pool. Slots are allocated lazily by Alloc.
func NewPool() *Pool {
	return &Pool{}
}

// Alloc returns a zeroed *Request, reusing a freed slot if one is available.
func (p *Pool) Alloc() *Request {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return &Request{}
	}
	req := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	p.mu.Unlock()

	*req = Request{}
	return req
}

// Free returns req to the pool. Callers must not touch req after calling
// Free — the slot may be handed back out by a concurrent Alloc immediately.
func (p *Pool) Free(req *Request) {
	req.next = nil
	p.mu.Lock()
	p.free = append(p.free, req)
	p.mu.Unlock()
}
