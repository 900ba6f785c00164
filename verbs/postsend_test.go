package verbs

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestPostSendLayoutScenario(t *testing.T) {
	pool := newTestPool(t)
	qp := newFakeQP()
	wrs := []SendWR{
		{ID: 1, Opcode: OpSend, Flags: SendSignaled, SGList: []SGE{{Addr: 0x1000, Length: 16, LKey: 5}, {Addr: 0x2000, Length: 32, LKey: 6}}},
		{ID: 2, Opcode: OpSend},
		{ID: 3, Opcode: OpRDMAWrite, SGList: []SGE{{Addr: 0x3000, Length: 8, LKey: 7}}, RDMA: RDMAInfo{RemoteAddr: 0xabc000, RKey: 9}},
	}
	call, err := NewPostSend(qp, pool, wrs)
	if err != nil {
		t.Fatalf("NewPostSend: %v", err)
	}
	defer call.Free()

	if want := 3*SendWRSize + 3*SGESize; call.Size() != want {
		t.Fatalf("Size = %d, want %d", call.Size(), want)
	}
	buf := call.Buffer()
	base := buf.Address()

	if got := buf.Uint64(0*SendWRSize + wrSGList); got != base+3*SendWRSize {
		t.Fatalf("wr0 sg_list = %#x, want %#x", got, base+3*SendWRSize)
	}
	if got := buf.Uint64(1*SendWRSize + wrSGList); got != 0 {
		t.Fatalf("wr1 sg_list = %#x, want 0", got)
	}
	if got := buf.Uint64(2*SendWRSize + wrSGList); got != base+3*SendWRSize+2*SGESize {
		t.Fatalf("wr2 sg_list = %#x", got)
	}
	if buf.Uint32(0*SendWRSize+wrNumSGE) != 2 || buf.Uint32(1*SendWRSize+wrNumSGE) != 0 || buf.Uint32(2*SendWRSize+wrNumSGE) != 1 {
		t.Fatalf("unexpected num_sge values")
	}
	if buf.Uint64(wrNext) != base+SendWRSize || buf.Uint64(SendWRSize+wrNext) != base+2*SendWRSize || buf.Uint64(2*SendWRSize+wrNext) != 0 {
		t.Fatalf("unexpected chain pointers")
	}
	if buf.Uint64(2*SendWRSize+sendRemoteAddr) != 0xabc000 || buf.Uint32(2*SendWRSize+sendRKey) != 9 {
		t.Fatalf("rdma fields not serialized")
	}
	if buf.Uint32(sendFlags) != uint32(SendSignaled) || buf.Uint32(2*SendWRSize+sendOpcode) != uint32(OpRDMAWrite) {
		t.Fatalf("opcode or flags not serialized")
	}
	sge := 3*SendWRSize + SGESize
	if buf.Uint64(sge+sgeAddr) != 0x2000 || buf.Uint32(sge+sgeLength) != 32 || buf.Uint32(sge+sgeLKey) != 6 {
		t.Fatalf("second sge of wr0 not serialized")
	}

	if got := DecodeSendChain(buf.Pointer()); !reflect.DeepEqual(got, wrs) {
		t.Fatalf("decoded chain mismatch:\n got %+v\nwant %+v", got, wrs)
	}
}

func TestPostSendChainPointersAcrossShapes(t *testing.T) {
	pool := newTestPool(t, WithSlotsPerClass(2))
	qp := newFakeQP()
	const maxWRs, maxSGEs = 6, 4
	for n := 1; n <= maxWRs; n++ {
		for m := 0; m <= maxSGEs; m++ {
			wrs := make([]SendWR, n)
			for i := range wrs {
				count := (i + m) % (maxSGEs + 1)
				for j := range count {
					wrs[i].SGList = append(wrs[i].SGList, SGE{Addr: uint64(i<<16 | j), Length: uint32(j + 1), LKey: uint32(i)})
				}
				wrs[i].ID = uint64(i + 100)
				wrs[i].Opcode = OpSend
			}
			call, err := NewPostSend(qp, pool, wrs)
			if err != nil {
				t.Fatalf("NewPostSend(%d,%d): %v", n, m, err)
			}
			buf := call.Buffer()
			base := buf.Address()
			cursor := uint64(n * SendWRSize)
			for i := range wrs {
				off := i * SendWRSize
				next := buf.Uint64(off + wrNext)
				if i < n-1 && next != base+uint64((i+1)*SendWRSize) {
					t.Fatalf("n=%d m=%d wr%d next=%#x", n, m, i, next)
				}
				if i == n-1 && next != 0 {
					t.Fatalf("n=%d m=%d last next=%#x", n, m, next)
				}
				list := buf.Uint64(off + wrSGList)
				if len(wrs[i].SGList) == 0 {
					if list != 0 {
						t.Fatalf("n=%d m=%d wr%d expected unset sg_list", n, m, i)
					}
					continue
				}
				if list != base+cursor {
					t.Fatalf("n=%d m=%d wr%d sg_list=%#x want %#x", n, m, i, list, base+cursor)
				}
				for j, sge := range wrs[i].SGList {
					rec := int(cursor) + j*SGESize
					if buf.Uint64(rec+sgeAddr) != sge.Addr || buf.Uint32(rec+sgeLength) != sge.Length || buf.Uint32(rec+sgeLKey) != sge.LKey {
						t.Fatalf("n=%d m=%d wr%d sge%d mismatch", n, m, i, j)
					}
				}
				cursor += uint64(len(wrs[i].SGList) * SGESize)
			}
			if int(cursor) != call.Size() {
				t.Fatalf("n=%d m=%d size=%d cursor=%d", n, m, call.Size(), cursor)
			}
			call.Free()
		}
	}
}

func TestPostSendUnionSelection(t *testing.T) {
	pool := newTestPool(t)
	wrs := []SendWR{
		{Opcode: OpAtomicFetchAndAdd, Atomic: AtomicInfo{RemoteAddr: 0x10, CompareAdd: 5, Swap: 6, RKey: 77}, RDMA: RDMAInfo{RemoteAddr: 0x99, RKey: 1}},
		{Opcode: OpSend, UD: UDInfo{AH: 0xa0, RemoteQPN: 12, RemoteQKey: 0x11111111}},
		{Opcode: OpSend, UD: UDInfo{RemoteQPN: 12}},
	}
	call, err := NewPostSend(newFakeQP(), pool, wrs)
	if err != nil {
		t.Fatalf("NewPostSend: %v", err)
	}
	defer call.Free()
	buf := call.Buffer()
	if buf.Uint64(sendAtomicAddr) != 0x10 || buf.Uint64(sendCompareAdd) != 5 || buf.Uint64(sendSwap) != 6 || buf.Uint32(sendAtomicRKey) != 77 {
		t.Fatalf("atomic member not serialized")
	}
	ud := SendWRSize
	if buf.Uint64(ud+sendUDAH) != 0xa0 || buf.Uint32(ud+sendUDRemoteQPN) != 12 || buf.Uint32(ud+sendUDRemoteQKey) != 0x11111111 {
		t.Fatalf("ud member not serialized")
	}
	if buf.Uint32(2*SendWRSize+sendUDRemoteQPN) != 0 {
		t.Fatalf("ud member written without an address handle")
	}
}

func TestPostSendPatchChangesOnlyTargetField(t *testing.T) {
	pool := newTestPool(t)
	wrs := []SendWR{
		{ID: 1, Opcode: OpRDMAWrite, SGList: []SGE{{Addr: 0x1000, Length: 10, LKey: 1}}, RDMA: RDMAInfo{RemoteAddr: 0x5000, RKey: 2}},
		{ID: 2, Opcode: OpAtomicCmpAndSwp, SGList: []SGE{{Addr: 0x2000, Length: 8, LKey: 3}}, Atomic: AtomicInfo{RemoteAddr: 0x6000, RKey: 4}},
	}
	call, err := NewPostSend(newFakeQP(), pool, wrs)
	if err != nil {
		t.Fatalf("NewPostSend: %v", err)
	}
	defer call.Free()
	buf := call.Buffer()

	check := func(name string, start, width int, patch func() error) {
		t.Helper()
		before := append([]byte(nil), buf.Bytes()...)
		if err := patch(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		after := buf.Bytes()
		if bytes.Equal(before[start:start+width], after[start:start+width]) {
			t.Fatalf("%s: field bytes unchanged", name)
		}
		if !bytes.Equal(before[:start], after[:start]) || !bytes.Equal(before[start+width:], after[start+width:]) {
			t.Fatalf("%s: bytes outside [%d,%d) changed", name, start, start+width)
		}
	}

	wr0, err := call.WR(0)
	if err != nil {
		t.Fatalf("WR(0): %v", err)
	}
	wr1, err := call.WR(1)
	if err != nil {
		t.Fatalf("WR(1): %v", err)
	}
	sge0, err := wr0.SGE(0)
	if err != nil {
		t.Fatalf("SGE(0): %v", err)
	}

	check("SetID", wrID, 8, func() error { return wr0.SetID(0xdead) })
	check("SetFlags", sendFlags, 4, func() error { return wr0.SetFlags(SendSignaled | SendFence) })
	check("SetImmData", sendImmData, 4, func() error { return wr0.SetImmData(42) })
	check("SetRemoteAddr", sendRemoteAddr, 8, func() error { return wr0.SetRemoteAddr(0x7000) })
	check("SetRKey", sendRKey, 4, func() error { return wr0.SetRKey(99) })
	check("atomic SetRKey", SendWRSize+sendAtomicRKey, 4, func() error { return wr1.SetRKey(98) })
	check("atomic SetRemoteAddr", SendWRSize+sendAtomicAddr, 8, func() error { return wr1.SetRemoteAddr(0x6100) })
	check("SGE SetLength", sge0.Offset()+sgeLength, 4, func() error { return sge0.SetLength(4096) })
	check("SGE SetAddr", sge0.Offset()+sgeAddr, 8, func() error { return sge0.SetAddr(0x9000) })
	check("SGE SetLKey", sge0.Offset()+sgeLKey, 4, func() error { return sge0.SetLKey(1234) })

	if _, err := call.WR(2); err == nil {
		t.Fatalf("expected out-of-range WR index error")
	}
	if _, err := wr1.SGE(1); err == nil {
		t.Fatalf("expected out-of-range SGE index error")
	}
}

func TestPostSendRemotePatchLeavesUDMember(t *testing.T) {
	pool := newTestPool(t)
	wrs := []SendWR{{ID: 1, Opcode: OpSend, UD: UDInfo{AH: 0xa0, RemoteQPN: 12, RemoteQKey: 0x11111111}}}
	call, err := NewPostSend(newFakeQP(), pool, wrs)
	if err != nil {
		t.Fatalf("NewPostSend: %v", err)
	}
	defer call.Free()
	wr, err := call.WR(0)
	if err != nil {
		t.Fatalf("WR(0): %v", err)
	}
	before := append([]byte(nil), call.Buffer().Bytes()...)

	if err := wr.SetRemoteAddr(0xdead0000); !errors.Is(err, ErrFieldNotPresent) {
		t.Fatalf("SetRemoteAddr on send: got %v, want ErrFieldNotPresent", err)
	}
	if err := wr.SetRKey(99); !errors.Is(err, ErrFieldNotPresent) {
		t.Fatalf("SetRKey on send: got %v, want ErrFieldNotPresent", err)
	}
	buf := call.Buffer()
	if !bytes.Equal(before, buf.Bytes()) {
		t.Fatalf("rejected patch modified the command buffer")
	}
	if buf.Uint64(sendUDAH) != 0xa0 || buf.Uint32(sendUDRemoteQPN) != 12 || buf.Uint32(sendUDRemoteQKey) != 0x11111111 {
		t.Fatalf("ud member changed: ah=%#x qpn=%d qkey=%#x", buf.Uint64(sendUDAH), buf.Uint32(sendUDRemoteQPN), buf.Uint32(sendUDRemoteQKey))
	}
}

func TestDecodeSendChainSkipsUDWithoutAddressHandle(t *testing.T) {
	pool := newTestPool(t)
	wrs := []SendWR{
		{ID: 1, Opcode: OpSend},
		{ID: 2, Opcode: OpSend, UD: UDInfo{AH: 0xb0, RemoteQPN: 3, RemoteQKey: 4}},
	}
	call, err := NewPostSend(newFakeQP(), pool, wrs)
	if err != nil {
		t.Fatalf("NewPostSend: %v", err)
	}
	defer call.Free()
	buf := call.Buffer()
	// Bytes of an unused union member are not part of the request.
	buf.PutUint32(sendUDRemoteQPN, 77)

	got := DecodeSendChain(buf.Pointer())
	if !reflect.DeepEqual(got, wrs) {
		t.Fatalf("decoded chain mismatch:\n got %+v\nwant %+v", got, wrs)
	}
}

func TestPostSendExecute(t *testing.T) {
	pool := newTestPool(t)
	qp := newFakeQP()
	call, err := NewPostSend(qp, pool, []SendWR{{ID: 1, Opcode: OpSend}})
	if err != nil {
		t.Fatalf("NewPostSend: %v", err)
	}
	defer call.Free()
	if err := call.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(qp.sends) != 1 || qp.sends[0] != call.Buffer().Pointer() {
		t.Fatalf("expected buffer address to be posted")
	}

	qp.status = 12
	err = call.Execute()
	var nerr *NativeError
	if !errors.As(err, &nerr) || nerr.Code != 12 || nerr.Op != "ibv_post_send" {
		t.Fatalf("expected NativeError code 12, got %v", err)
	}
	if !errors.Is(err, Errno(12)) {
		t.Fatalf("expected errno 12 to unwrap, got %v", err)
	}
}

func TestPostSendExecuteOnClosedQueue(t *testing.T) {
	pool := newTestPool(t)
	qp := newFakeQP()
	call, err := NewPostSend(qp, pool, []SendWR{{ID: 1, Opcode: OpSend, SGList: []SGE{{Addr: 1, Length: 2, LKey: 3}}}})
	if err != nil {
		t.Fatalf("NewPostSend: %v", err)
	}
	defer call.Free()
	before := append([]byte(nil), call.Buffer().Bytes()...)
	qp.close()

	err = call.Execute()
	if !errors.Is(err, ErrQueueClosed) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
	if len(qp.sends) != 0 {
		t.Fatalf("closed queue must not receive a submission")
	}
	if !bytes.Equal(before, call.Buffer().Bytes()) {
		t.Fatalf("buffer modified by failed execute")
	}
	if !call.Valid() {
		t.Fatalf("call should stay valid after a rejected execute")
	}
}

func TestPostSendFreeTwice(t *testing.T) {
	alloc := newHeapAllocator()
	pool := newTestPool(t, WithAllocator(alloc))
	call, err := NewPostSend(newFakeQP(), pool, []SendWR{{ID: 1}})
	if err != nil {
		t.Fatalf("NewPostSend: %v", err)
	}
	wr, _ := call.WR(0)

	call.Free()
	call.Free()
	if call.Valid() || call.Buffer() != nil {
		t.Fatalf("expected call to be invalid after free")
	}
	if stats := pool.Stats(); stats.Frees != 1 {
		t.Fatalf("expected a single free, got %+v", stats)
	}
	if err := call.Execute(); !errors.Is(err, ErrCallFreed) {
		t.Fatalf("Execute after free: %v", err)
	}
	if err := wr.SetID(5); !errors.Is(err, ErrCallFreed) {
		t.Fatalf("SetID after free: %v", err)
	}
}

func TestNewPostSendValidation(t *testing.T) {
	pool := newTestPool(t)
	if _, err := NewPostSend(newFakeQP(), pool, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	var handleErr ErrInvalidHandle
	if _, err := NewPostSend(nil, pool, []SendWR{{}}); !errors.As(err, &handleErr) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
	if _, err := NewPostSend(newFakeQP(), nil, []SendWR{{}}); !errors.As(err, &handleErr) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}
