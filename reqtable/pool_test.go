package reqtable

import "testing"

func TestPool_AllocReusesFreedSlot(t *testing.T) {
	p := NewPool()
	r1 := p.Alloc()
	r1.InstanceID = 42
	r1.Value = 7
	p.Free(r1)

	r2 := p.Alloc()
	if r2 != r1 {
		t.Fatal("expected Alloc to reuse the freed slot's address")
	}
	if r2.InstanceID != 0 || r2.Value != 0 {
		t.Fatalf("expected a zeroed Request after reuse, got %+v", r2)
	}
}

func TestPool_AllocWithoutFreeGrowsDistinctSlots(t *testing.T) {
	p := NewPool()
	r1 := p.Alloc()
	r2 := p.Alloc()
	if r1 == r2 {
		t.Fatal("expected distinct slots when nothing has been freed yet")
	}
}

func TestPool_ConcurrentAllocFree(t *testing.T) {
	p := NewPool()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				r := p.Alloc()
				r.Value = uint64(j)
				p.Free(r)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
