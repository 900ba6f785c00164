package verbs

import "testing"

func TestMRPoolAcquireRelease(t *testing.T) {
	pool := newTestPool(t)
	pd, err := NewSimDevice("").OpenProtectionDomain()
	if err != nil {
		t.Fatalf("OpenProtectionDomain: %v", err)
	}

	regions, err := NewMRPool(pd, pool, 100, AccessLocalWrite, 2)
	if err != nil {
		t.Fatalf("NewMRPool: %v", err)
	}
	defer regions.Close()

	r1, err := regions.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if r1.Length != 100 || r1.Buffer().Cap() != 128 || r1.LKey == 0 {
		t.Fatalf("unexpected region %+v", r1.MemoryRegion)
	}
	regions.Release(r1)

	r2, err := regions.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if r2 != r1 {
		t.Fatalf("expected released region to be reused")
	}
	regions.Release(r2)
}

func TestMRPoolClose(t *testing.T) {
	pool := newTestPool(t)
	pd, _ := NewSimDevice("").OpenProtectionDomain()

	regions, err := NewMRPool(pd, pool, 32, AccessLocalWrite, 1)
	if err != nil {
		t.Fatalf("NewMRPool: %v", err)
	}
	r, err := regions.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	regions.Release(r)
	regions.Close()

	if _, err := regions.Acquire(); err == nil {
		t.Fatalf("expected error acquiring from closed pool")
	}
	if out := pool.Stats().BytesOutstanding; out != 0 {
		t.Fatalf("expected backing buffers returned, outstanding=%d", out)
	}
	if _, err := NewMRPool(pd, pool, 0, AccessLocalWrite, 1); err == nil {
		t.Fatalf("expected error for zero region size")
	}
}
