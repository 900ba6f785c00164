package verbs

import (
	"sync"
	"testing"
	"unsafe"
)

// fakeQP records submissions without executing them.
type fakeQP struct {
	mu     sync.Mutex
	open   bool
	status int
	sends  []unsafe.Pointer
	recvs  []unsafe.Pointer
}

func newFakeQP() *fakeQP { return &fakeQP{open: true} }

func (q *fakeQP) Handle() uint32 { return 7 }

func (q *fakeQP) IsOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.open
}

func (q *fakeQP) PostSend(wr unsafe.Pointer) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sends = append(q.sends, wr)
	return q.status
}

func (q *fakeQP) PostRecv(wr unsafe.Pointer) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recvs = append(q.recvs, wr)
	return q.status
}

func (q *fakeQP) close() {
	q.mu.Lock()
	q.open = false
	q.mu.Unlock()
}

// heapAllocator backs buffers with Go memory and counts native calls.
type heapAllocator struct {
	mu     sync.Mutex
	live   map[unsafe.Pointer][]byte
	allocs int
	frees  int
	fail   bool
}

func newHeapAllocator() *heapAllocator {
	return &heapAllocator{live: make(map[unsafe.Pointer][]byte)}
}

func (a *heapAllocator) Alloc(size uintptr) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return nil
	}
	a.allocs++
	mem := make([]byte, size)
	ptr := unsafe.Pointer(&mem[0])
	a.live[ptr] = mem
	return ptr
}

func (a *heapAllocator) Free(ptr unsafe.Pointer, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
	delete(a.live, ptr)
}

func newTestPool(t *testing.T, opts ...PoolOption) *BufferPool {
	t.Helper()
	pool := NewBufferPool(opts...)
	t.Cleanup(pool.Close)
	return pool
}

// simPair returns two connected simulated endpoints in separate protection
// domains.
func simPair(t *testing.T, attr EndpointAttr) (a, b Endpoint, pdA, pdB ProtectionDomain) {
	t.Helper()
	dev := NewSimDevice("test")
	var err error
	if pdA, err = dev.OpenProtectionDomain(); err != nil {
		t.Fatalf("OpenProtectionDomain: %v", err)
	}
	if pdB, err = dev.OpenProtectionDomain(); err != nil {
		t.Fatalf("OpenProtectionDomain: %v", err)
	}
	if a, err = dev.OpenEndpoint(pdA, attr); err != nil {
		t.Fatalf("OpenEndpoint: %v", err)
	}
	if b, err = dev.OpenEndpoint(pdB, attr); err != nil {
		t.Fatalf("OpenEndpoint: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	if err := a.Connect(b.Info()); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}
	if err := b.Connect(a.Info()); err != nil {
		t.Fatalf("connect b->a: %v", err)
	}
	return a, b, pdA, pdB
}

func pollOne(t *testing.T, ep Endpoint) WorkCompletion {
	t.Helper()
	wcs, err := ep.PollCompletions(1)
	if err != nil {
		t.Fatalf("PollCompletions: %v", err)
	}
	if len(wcs) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(wcs))
	}
	return wcs[0]
}
