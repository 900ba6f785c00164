package verbs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/eapache/queue"

	"github.com/rocketbitz/verbs-go/internal/capi"
)

// The simulated provider executes work requests synchronously inside
// PostSend against other simulated queue pairs in the same process. It
// decodes the same command buffers a hardware provider would consume, so it
// exercises the serializers end to end.

type simRegion struct {
	ptr    unsafe.Pointer
	addr   uint64
	length uint64
	access AccessFlag
	lkey   uint32
	rkey   uint32
	handle uint32
	pd     *SimProtectionDomain
}

func (r *simRegion) covers(addr, length uint64) bool {
	return addr >= r.addr && addr+length <= r.addr+r.length && addr+length >= addr
}

func (r *simRegion) span(addr, length uint64) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(r.ptr, addr-r.addr)), length)
}

// simFabric connects every simulated device in the process.
type simFabric struct {
	mu      sync.Mutex
	lkeys   map[uint32]*simRegion
	rkeys   map[uint32]*simRegion
	handles map[uint32]*simRegion
	qps     map[uint32]*SimQueuePair
	nextKey uint32
	nextQPN uint32
	nextPD  atomic.Uint32
}

var fabric = &simFabric{
	lkeys:   make(map[uint32]*simRegion),
	rkeys:   make(map[uint32]*simRegion),
	handles: make(map[uint32]*simRegion),
	qps:     make(map[uint32]*SimQueuePair),
	nextQPN: 0x100,
}

// SimDevice is an in-process loopback device.
type SimDevice struct {
	name   string
	closed atomic.Bool
}

// NewSimDevice returns a simulated device. Every simulated device shares one
// in-process fabric, so endpoints opened on different devices can connect.
func NewSimDevice(name string) *SimDevice {
	if name == "" {
		name = "sim0"
	}
	return &SimDevice{name: name}
}

func (d *SimDevice) Name() string     { return d.name }
func (d *SimDevice) Provider() string { return ProviderSim }

func (d *SimDevice) Close() error {
	d.closed.Store(true)
	return nil
}

// OpenProtectionDomain allocates a protection domain.
func (d *SimDevice) OpenProtectionDomain() (ProtectionDomain, error) {
	if d.closed.Load() {
		return nil, ErrInvalidHandle{"device"}
	}
	return &SimProtectionDomain{dev: d, handle: fabric.nextPD.Add(1)}, nil
}

// OpenEndpoint creates a queue pair in pd.
func (d *SimDevice) OpenEndpoint(pd ProtectionDomain, attr EndpointAttr) (Endpoint, error) {
	if d.closed.Load() {
		return nil, ErrInvalidHandle{"device"}
	}
	spd, ok := pd.(*SimProtectionDomain)
	if !ok || spd == nil || spd.closed.Load() {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	attr = attr.withDefaults()
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	fabric.nextQPN++
	qp := &SimQueuePair{
		pd:    spd,
		attr:  attr,
		qpn:   fabric.nextQPN,
		psn:   (fabric.nextQPN * 2654435761) & 0xffffff,
		recvQ: queue.New(),
		cq:    queue.New(),
	}
	qp.open.Store(true)
	fabric.qps[qp.qpn] = qp
	return qp, nil
}

// SimProtectionDomain registers memory with the simulated fabric.
type SimProtectionDomain struct {
	dev    *SimDevice
	handle uint32
	closed atomic.Bool
}

func (p *SimProtectionDomain) Handle() uint32 { return p.handle }

// Close releases the domain. Regions registered through it stay valid until
// deregistered.
func (p *SimProtectionDomain) Close() error {
	p.closed.Store(true)
	return nil
}

// RegisterMemory implements ProtectionDomain.
func (p *SimProtectionDomain) RegisterMemory(addr unsafe.Pointer, length uint64, access AccessFlag, outLKey, outRKey, outHandle unsafe.Pointer) int64 {
	if p.closed.Load() || addr == nil || length == 0 {
		return -int64(capi.ErrInvalid)
	}
	if outLKey == nil || outRKey == nil || outHandle == nil {
		return -int64(capi.ErrFault)
	}
	// Remote write and atomic access require local write, as on hardware.
	if access&(AccessRemoteWrite|AccessRemoteAtomic) != 0 && access&AccessLocalWrite == 0 {
		return -int64(capi.ErrInvalid)
	}
	fabric.mu.Lock()
	fabric.nextKey++
	key := fabric.nextKey
	r := &simRegion{
		ptr:    addr,
		addr:   uint64(uintptr(addr)),
		length: length,
		access: access,
		lkey:   key<<8 | 0x01,
		rkey:   key<<8 | 0x02,
		handle: key,
		pd:     p,
	}
	fabric.lkeys[r.lkey] = r
	fabric.rkeys[r.rkey] = r
	fabric.handles[r.handle] = r
	fabric.mu.Unlock()

	*(*uint32)(outLKey) = r.lkey
	*(*uint32)(outRKey) = r.rkey
	*(*uint32)(outHandle) = r.handle
	return int64(r.handle)
}

// DeregisterMemory implements ProtectionDomain.
func (p *SimProtectionDomain) DeregisterMemory(handle uint32) int {
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	r, ok := fabric.handles[handle]
	if !ok || r.pd != p {
		return int(capi.ErrInvalid)
	}
	delete(fabric.handles, handle)
	delete(fabric.lkeys, r.lkey)
	delete(fabric.rkeys, r.rkey)
	return 0
}

// SimQueuePair is a reliable-connected simulated queue pair. Posted receives
// and completions are kept in FIFO order.
type SimQueuePair struct {
	pd   *SimProtectionDomain
	attr EndpointAttr
	qpn  uint32
	psn  uint32
	open atomic.Bool

	// guarded by fabric.mu
	peer  *SimQueuePair
	recvQ *queue.Queue
	cq    *queue.Queue
}

func (q *SimQueuePair) Handle() uint32 { return q.qpn }
func (q *SimQueuePair) IsOpen() bool   { return q.open.Load() }

// Info returns the connection blob a peer needs to connect to q.
func (q *SimQueuePair) Info() ConnInfo {
	info := ConnInfo{QPN: q.qpn, LID: 1, PSN: q.psn}
	copy(info.GID[:], "sim-fabric")
	return info
}

// Connect pairs q with the simulated queue pair named by peer.QPN.
func (q *SimQueuePair) Connect(peer ConnInfo) error {
	if !q.IsOpen() {
		return ErrQueueClosed
	}
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	p, ok := fabric.qps[peer.QPN]
	if !ok || !p.IsOpen() {
		return fmt.Errorf("verbs: no simulated queue pair %#x", peer.QPN)
	}
	q.peer = p
	return nil
}

// PostRecv queues every receive in the chain at wr.
func (q *SimQueuePair) PostRecv(wr unsafe.Pointer) int {
	if !q.IsOpen() || wr == nil {
		return int(capi.ErrInvalid)
	}
	wrs := DecodeRecvChain(wr)
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	if q.recvQ.Length()+len(wrs) > q.attr.MaxRecvWR {
		return int(capi.ErrNoMemory)
	}
	for _, r := range wrs {
		if len(r.SGList) > q.attr.MaxSGE {
			return int(capi.ErrInvalid)
		}
	}
	for _, r := range wrs {
		q.recvQ.Add(r)
	}
	return 0
}

// PostSend executes every request in the chain at wr against the connected
// peer and queues the resulting completions.
func (q *SimQueuePair) PostSend(wr unsafe.Pointer) int {
	if !q.IsOpen() || wr == nil {
		return int(capi.ErrInvalid)
	}
	wrs := DecodeSendChain(wr)
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	if q.peer == nil {
		return int(capi.ErrInvalid)
	}
	for i := range wrs {
		if len(wrs[i].SGList) > q.attr.MaxSGE {
			return int(capi.ErrInvalid)
		}
	}
	for i := range wrs {
		status, n := q.execute(&wrs[i])
		if status != WCSuccess || q.attr.SigAll || wrs[i].Flags&SendSignaled != 0 {
			q.cq.Add(WorkCompletion{
				ID:      wrs[i].ID,
				Status:  status,
				Opcode:  sendCompletionOpcode(wrs[i].Opcode),
				ByteLen: n,
				QPN:     q.qpn,
			})
		}
	}
	return 0
}

func sendCompletionOpcode(op Opcode) WCOpcode {
	switch op {
	case OpRDMAWrite, OpRDMAWriteWithImm:
		return WCRDMAWrite
	case OpRDMARead:
		return WCRDMARead
	case OpAtomicCmpAndSwp:
		return WCCompSwap
	case OpAtomicFetchAndAdd:
		return WCFetchAdd
	case OpLocalInv:
		return WCLocalInv
	case OpBindMW:
		return WCBindMW
	default:
		return WCSend
	}
}

// local resolves a local scatter/gather element. Inline sends may reference
// unregistered memory.
func (q *SimQueuePair) local(sge SGE, inline bool) ([]byte, bool) {
	if r, ok := fabric.lkeys[sge.LKey]; ok && r.pd == q.pd && r.covers(sge.Addr, uint64(sge.Length)) {
		return r.span(sge.Addr, uint64(sge.Length)), true
	}
	if inline && sge.Length > 0 {
		return unsafe.Slice((*byte)(addrPointer(sge.Addr)), sge.Length), true
	}
	return nil, sge.Length == 0
}

func (q *SimQueuePair) gather(wr *SendWR) ([]byte, bool) {
	var out []byte
	for _, sge := range wr.SGList {
		span, ok := q.local(sge, wr.Flags&SendInline != 0)
		if !ok {
			return nil, false
		}
		out = append(out, span...)
	}
	return out, true
}

func (q *SimQueuePair) scatter(sges []SGE, data []byte) bool {
	for _, sge := range sges {
		if len(data) == 0 {
			break
		}
		span, ok := q.local(sge, false)
		if !ok {
			return false
		}
		data = data[copy(span, data):]
	}
	return len(data) == 0
}

func sgeTotal(sges []SGE) uint64 {
	var n uint64
	for _, s := range sges {
		n += uint64(s.Length)
	}
	return n
}

func remote(peer *SimQueuePair, rkey uint32, addr, length uint64, need AccessFlag) (*simRegion, bool) {
	r, ok := fabric.rkeys[rkey]
	if !ok || r.pd != peer.pd || r.access&need != need || !r.covers(addr, length) {
		return nil, false
	}
	return r, true
}

func (q *SimQueuePair) execute(wr *SendWR) (WCStatus, uint32) {
	peer := q.peer
	if !peer.IsOpen() {
		return WCRetryExcErr, 0
	}
	switch wr.Opcode {
	case OpSend, OpSendWithImm:
		data, ok := q.gather(wr)
		if !ok {
			return WCLocProtErr, 0
		}
		if peer.recvQ.Length() == 0 {
			return WCRNRRetryExcErr, 0
		}
		recv := peer.recvQ.Remove().(RecvWR)
		wc := WorkCompletion{ID: recv.ID, Opcode: WCRecv, ByteLen: uint32(len(data)), QPN: peer.qpn}
		if wr.Opcode == OpSendWithImm {
			wc.ImmData, wc.HasImm = wr.ImmData, true
		}
		if uint64(len(data)) > sgeTotal(recv.SGList) {
			wc.Status, wc.ByteLen = WCLocLenErr, 0
			peer.cq.Add(wc)
			return WCRemInvReqErr, 0
		}
		if !peer.scatter(recv.SGList, data) {
			wc.Status, wc.ByteLen = WCLocProtErr, 0
			peer.cq.Add(wc)
			return WCRemOpErr, 0
		}
		peer.cq.Add(wc)
		return WCSuccess, uint32(len(data))

	case OpRDMAWrite, OpRDMAWriteWithImm:
		data, ok := q.gather(wr)
		if !ok {
			return WCLocProtErr, 0
		}
		r, ok := remote(peer, wr.RDMA.RKey, wr.RDMA.RemoteAddr, uint64(len(data)), AccessRemoteWrite)
		if !ok {
			return WCRemAccessErr, 0
		}
		copy(r.span(wr.RDMA.RemoteAddr, uint64(len(data))), data)
		if wr.Opcode == OpRDMAWriteWithImm {
			if peer.recvQ.Length() == 0 {
				return WCRNRRetryExcErr, 0
			}
			recv := peer.recvQ.Remove().(RecvWR)
			peer.cq.Add(WorkCompletion{
				ID: recv.ID, Opcode: WCRecvRDMAWithImm, ByteLen: uint32(len(data)),
				ImmData: wr.ImmData, HasImm: true, QPN: peer.qpn,
			})
		}
		return WCSuccess, uint32(len(data))

	case OpRDMARead:
		n := sgeTotal(wr.SGList)
		r, ok := remote(peer, wr.RDMA.RKey, wr.RDMA.RemoteAddr, n, AccessRemoteRead)
		if !ok {
			return WCRemAccessErr, 0
		}
		data := append([]byte(nil), r.span(wr.RDMA.RemoteAddr, n)...)
		if !q.scatter(wr.SGList, data) {
			return WCLocProtErr, 0
		}
		return WCSuccess, uint32(n)

	case OpAtomicCmpAndSwp, OpAtomicFetchAndAdd:
		if wr.Atomic.RemoteAddr%8 != 0 || sgeTotal(wr.SGList) < 8 {
			return WCRemInvReqErr, 0
		}
		r, ok := remote(peer, wr.Atomic.RKey, wr.Atomic.RemoteAddr, 8, AccessRemoteAtomic)
		if !ok {
			return WCRemAccessErr, 0
		}
		target := (*uint64)(unsafe.Add(r.ptr, wr.Atomic.RemoteAddr-r.addr))
		var old uint64
		if wr.Opcode == OpAtomicFetchAndAdd {
			old = atomic.AddUint64(target, wr.Atomic.CompareAdd) - wr.Atomic.CompareAdd
		} else {
			old = atomic.LoadUint64(target)
			if old == wr.Atomic.CompareAdd {
				atomic.StoreUint64(target, wr.Atomic.Swap)
			}
		}
		var result [8]byte
		binary.NativeEndian.PutUint64(result[:], old)
		if !q.scatter(wr.SGList, result[:]) {
			return WCLocProtErr, 0
		}
		return WCSuccess, 8

	default:
		return WCLocQPOpErr, 0
	}
}

// PollCompletions removes up to max completions. Completions queued before
// Close remain pollable; once drained, a closed queue pair reports
// ErrQueueClosed.
func (q *SimQueuePair) PollCompletions(max int) ([]WorkCompletion, error) {
	if max <= 0 {
		max = 1
	}
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	n := min(max, q.cq.Length())
	if n == 0 && !q.IsOpen() {
		return nil, ErrQueueClosed
	}
	out := make([]WorkCompletion, n)
	for i := range out {
		out[i] = q.cq.Remove().(WorkCompletion)
	}
	return out, nil
}

// Close moves the queue pair to the error state. Outstanding receives are
// completed with WCWRFlushErr.
func (q *SimQueuePair) Close() error {
	if !q.open.CompareAndSwap(true, false) {
		return nil
	}
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	delete(fabric.qps, q.qpn)
	for q.recvQ.Length() > 0 {
		recv := q.recvQ.Remove().(RecvWR)
		q.cq.Add(WorkCompletion{ID: recv.ID, Status: WCWRFlushErr, Opcode: WCRecv, QPN: q.qpn})
	}
	return nil
}
