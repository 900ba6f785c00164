//go:build cgo && ibverbs

package capi

import (
	"fmt"
	"unsafe"
)

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <stddef.h>
#include <string.h>
#include <errno.h>
#include <infiniband/verbs.h>

typedef struct {
	uint64_t wr_id;
	uint32_t status;
	uint32_t opcode;
	uint32_t byte_len;
	uint32_t imm_data;
	uint32_t qp_num;
	uint32_t vendor_err;
} go_wc;

static int go_post_send(struct ibv_qp *qp, void *wr) {
	struct ibv_send_wr *bad = NULL;
	return ibv_post_send(qp, (struct ibv_send_wr *)wr, &bad);
}

static int go_post_recv(struct ibv_qp *qp, void *wr) {
	struct ibv_recv_wr *bad = NULL;
	return ibv_post_recv(qp, (struct ibv_recv_wr *)wr, &bad);
}

static struct ibv_mr *go_reg_mr(struct ibv_pd *pd, void *addr, size_t length, int access, int *err) {
	struct ibv_mr *mr = ibv_reg_mr(pd, addr, length, access);
	*err = mr == NULL ? errno : 0;
	return mr;
}

static struct ibv_qp *go_create_rc_qp(struct ibv_pd *pd, struct ibv_cq *cq, uint32_t max_send,
		uint32_t max_recv, uint32_t max_sge, int sig_all, int *err) {
	struct ibv_qp_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.send_cq = cq;
	attr.recv_cq = cq;
	attr.qp_type = IBV_QPT_RC;
	attr.sq_sig_all = sig_all;
	attr.cap.max_send_wr = max_send;
	attr.cap.max_recv_wr = max_recv;
	attr.cap.max_send_sge = max_sge;
	attr.cap.max_recv_sge = max_sge;
	struct ibv_qp *qp = ibv_create_qp(pd, &attr);
	*err = qp == NULL ? errno : 0;
	return qp;
}

static int go_qp_to_init(struct ibv_qp *qp, uint8_t port, int access) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_INIT;
	attr.pkey_index = 0;
	attr.port_num = port;
	attr.qp_access_flags = access;
	return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
}

static int go_qp_to_rtr(struct ibv_qp *qp, uint8_t port, uint32_t dest_qpn, uint16_t dlid,
		uint32_t rq_psn, const uint8_t *gid, int gid_index, int mtu) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_RTR;
	attr.path_mtu = (enum ibv_mtu)mtu;
	attr.dest_qp_num = dest_qpn;
	attr.rq_psn = rq_psn;
	attr.max_dest_rd_atomic = 1;
	attr.min_rnr_timer = 12;
	attr.ah_attr.dlid = dlid;
	attr.ah_attr.port_num = port;
	if (gid_index >= 0) {
		attr.ah_attr.is_global = 1;
		attr.ah_attr.grh.hop_limit = 1;
		attr.ah_attr.grh.sgid_index = (uint8_t)gid_index;
		memcpy(attr.ah_attr.grh.dgid.raw, gid, 16);
	}
	return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
		IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
}

static int go_qp_to_rts(struct ibv_qp *qp, uint32_t sq_psn) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_RTS;
	attr.timeout = 14;
	attr.retry_cnt = 7;
	attr.rnr_retry = 7;
	attr.sq_psn = sq_psn;
	attr.max_rd_atomic = 1;
	return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT |
		IBV_QP_RNR_RETRY | IBV_QP_SQ_PSN | IBV_QP_MAX_QP_RD_ATOMIC);
}

static int go_query_port(struct ibv_context *ctx, uint8_t port, uint16_t *lid, int *mtu) {
	struct ibv_port_attr attr;
	int rc = ibv_query_port(ctx, port, &attr);
	if (rc != 0) {
		return rc;
	}
	*lid = attr.lid;
	*mtu = attr.active_mtu;
	return 0;
}

static int go_query_gid(struct ibv_context *ctx, uint8_t port, int index, uint8_t *out) {
	union ibv_gid gid;
	int rc = ibv_query_gid(ctx, port, index, &gid);
	if (rc != 0) {
		return rc;
	}
	memcpy(out, gid.raw, 16);
	return 0;
}

static int go_poll_cq(struct ibv_cq *cq, int max, go_wc *out) {
	struct ibv_wc wc[64];
	if (max > 64) {
		max = 64;
	}
	int n = ibv_poll_cq(cq, max, wc);
	for (int i = 0; i < n; i++) {
		out[i].wr_id = wc[i].wr_id;
		out[i].status = wc[i].status;
		out[i].opcode = wc[i].opcode;
		out[i].byte_len = wc[i].byte_len;
		out[i].imm_data = wc[i].imm_data;
		out[i].qp_num = wc[i].qp_num;
		out[i].vendor_err = wc[i].vendor_err;
	}
	return n;
}

static void go_layout(size_t *out) {
	out[0] = sizeof(struct ibv_send_wr);
	out[1] = sizeof(struct ibv_recv_wr);
	out[2] = sizeof(struct ibv_sge);
	out[3] = offsetof(struct ibv_send_wr, next);
	out[4] = offsetof(struct ibv_send_wr, sg_list);
	out[5] = offsetof(struct ibv_send_wr, num_sge);
	out[6] = offsetof(struct ibv_send_wr, opcode);
	out[7] = offsetof(struct ibv_send_wr, send_flags);
	out[8] = offsetof(struct ibv_send_wr, imm_data);
	out[9] = offsetof(struct ibv_send_wr, wr.rdma.remote_addr);
	out[10] = offsetof(struct ibv_send_wr, wr.rdma.rkey);
	out[11] = offsetof(struct ibv_send_wr, wr.atomic.compare_add);
	out[12] = offsetof(struct ibv_send_wr, wr.atomic.swap);
	out[13] = offsetof(struct ibv_send_wr, wr.atomic.rkey);
	out[14] = offsetof(struct ibv_send_wr, wr.ud.ah);
	out[15] = offsetof(struct ibv_send_wr, wr.ud.remote_qpn);
	out[16] = offsetof(struct ibv_send_wr, wr.ud.remote_qkey);
	out[17] = offsetof(struct ibv_recv_wr, next);
	out[18] = offsetof(struct ibv_recv_wr, sg_list);
	out[19] = offsetof(struct ibv_recv_wr, num_sge);
	out[20] = offsetof(struct ibv_sge, length);
	out[21] = offsetof(struct ibv_sge, lkey);
}
*/
import "C"

// Layout reports struct sizes and field offsets of the linked libibverbs headers.
type Layout struct {
	SendWRSize       uintptr
	RecvWRSize       uintptr
	SGESize          uintptr
	SendNext         uintptr
	SendSGList       uintptr
	SendNumSGE       uintptr
	SendOpcode       uintptr
	SendFlags        uintptr
	SendImmData      uintptr
	SendRemoteAddr   uintptr
	SendRKey         uintptr
	SendCompareAdd   uintptr
	SendSwap         uintptr
	SendAtomicRKey   uintptr
	SendUDAH         uintptr
	SendUDRemoteQPN  uintptr
	SendUDRemoteQKey uintptr
	RecvNext         uintptr
	RecvSGList       uintptr
	RecvNumSGE       uintptr
	SGELength        uintptr
	SGELKey          uintptr
}

// ReadLayout introspects the verbs structures compiled into this binary.
func ReadLayout() Layout {
	var out [22]C.size_t
	C.go_layout(&out[0])
	v := func(i int) uintptr { return uintptr(out[i]) }
	return Layout{
		SendWRSize: v(0), RecvWRSize: v(1), SGESize: v(2),
		SendNext: v(3), SendSGList: v(4), SendNumSGE: v(5), SendOpcode: v(6),
		SendFlags: v(7), SendImmData: v(8), SendRemoteAddr: v(9), SendRKey: v(10),
		SendCompareAdd: v(11), SendSwap: v(12), SendAtomicRKey: v(13),
		SendUDAH: v(14), SendUDRemoteQPN: v(15), SendUDRemoteQKey: v(16),
		RecvNext: v(17), RecvSGList: v(18), RecvNumSGE: v(19),
		SGELength: v(20), SGELKey: v(21),
	}
}

// Context wraps an opened ibv_context.
type Context struct {
	ptr  *C.struct_ibv_context
	name string
}

// OpenDevice opens the named RDMA device, or the first device when name is empty.
func OpenDevice(name string) (*Context, error) {
	var num C.int
	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		if err == nil {
			err = ErrNoDevice
		}
		return nil, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	defer C.ibv_free_device_list(list)

	for _, dev := range unsafe.Slice(list, int(num)) {
		devName := C.GoString(C.ibv_get_device_name(dev))
		if name != "" && devName != name {
			continue
		}
		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			if err == nil {
				err = ErrNoDevice
			}
			return nil, fmt.Errorf("ibv_open_device(%s): %w", devName, err)
		}
		return &Context{ptr: ctx, name: devName}, nil
	}
	if name == "" {
		return nil, ErrNoDevice.WithOp("ibv_get_device_list")
	}
	return nil, fmt.Errorf("ibv_open_device(%s): %w", name, ErrNoDevice)
}

// Name returns the device name.
func (c *Context) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Close releases the device context.
func (c *Context) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	if rc := C.ibv_close_device(c.ptr); rc != 0 {
		return ErrorFromStatus(int(rc), "ibv_close_device")
	}
	c.ptr = nil
	return nil
}

// QueryPort returns the LID and active MTU enum of port.
func (c *Context) QueryPort(port uint8) (uint16, int, error) {
	if c == nil || c.ptr == nil {
		return 0, 0, ErrInvalid.WithOp("ibv_query_port")
	}
	var lid C.uint16_t
	var mtu C.int
	if rc := C.go_query_port(c.ptr, C.uint8_t(port), &lid, &mtu); rc != 0 {
		return 0, 0, ErrorFromStatus(int(rc), "ibv_query_port")
	}
	return uint16(lid), int(mtu), nil
}

// QueryGID returns the GID at index on port.
func (c *Context) QueryGID(port uint8, index int) ([16]byte, error) {
	var gid [16]byte
	if c == nil || c.ptr == nil {
		return gid, ErrInvalid.WithOp("ibv_query_gid")
	}
	if rc := C.go_query_gid(c.ptr, C.uint8_t(port), C.int(index), (*C.uint8_t)(unsafe.Pointer(&gid[0]))); rc != 0 {
		return gid, ErrorFromStatus(int(rc), "ibv_query_gid")
	}
	return gid, nil
}

// ProtectionDomain wraps an ibv_pd.
type ProtectionDomain struct {
	ptr *C.struct_ibv_pd
}

// AllocPD allocates a protection domain on the device.
func (c *Context) AllocPD() (*ProtectionDomain, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("ibv_alloc_pd")
	}
	pd, err := C.ibv_alloc_pd(c.ptr)
	if pd == nil {
		if err == nil {
			err = ErrNoMemory
		}
		return nil, fmt.Errorf("ibv_alloc_pd: %w", err)
	}
	return &ProtectionDomain{ptr: pd}, nil
}

// Handle returns the kernel handle of the protection domain.
func (p *ProtectionDomain) Handle() uint32 {
	if p == nil || p.ptr == nil {
		return 0
	}
	return uint32(p.ptr.handle)
}

// Close deallocates the protection domain.
func (p *ProtectionDomain) Close() error {
	if p == nil || p.ptr == nil {
		return nil
	}
	if rc := C.ibv_dealloc_pd(p.ptr); rc != 0 {
		return ErrorFromStatus(int(rc), "ibv_dealloc_pd")
	}
	p.ptr = nil
	return nil
}

// MemoryRegion wraps an ibv_mr.
type MemoryRegion struct {
	ptr *C.struct_ibv_mr
}

// RegMR registers length bytes at addr with the protection domain.
func (p *ProtectionDomain) RegMR(addr unsafe.Pointer, length uint64, access int) (*MemoryRegion, Errno) {
	if p == nil || p.ptr == nil {
		return nil, ErrInvalid
	}
	var errno C.int
	mr := C.go_reg_mr(p.ptr, addr, C.size_t(length), C.int(access), &errno)
	if mr == nil {
		if errno == 0 {
			return nil, ErrNoMemory
		}
		return nil, Errno(errno)
	}
	return &MemoryRegion{ptr: mr}, Success
}

// LKey returns the local key.
func (m *MemoryRegion) LKey() uint32 { return uint32(m.ptr.lkey) }

// RKey returns the remote key.
func (m *MemoryRegion) RKey() uint32 { return uint32(m.ptr.rkey) }

// Handle returns the kernel handle of the registration.
func (m *MemoryRegion) Handle() uint32 { return uint32(m.ptr.handle) }

// Close deregisters the memory region.
func (m *MemoryRegion) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	if rc := C.ibv_dereg_mr(m.ptr); rc != 0 {
		return ErrorFromStatus(int(rc), "ibv_dereg_mr")
	}
	m.ptr = nil
	return nil
}

// CompletionQueue wraps an ibv_cq.
type CompletionQueue struct {
	ptr *C.struct_ibv_cq
}

// WorkCompletion mirrors the subset of struct ibv_wc surfaced to Go.
type WorkCompletion struct {
	WRID      uint64
	Status    uint32
	Opcode    uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	VendorErr uint32
}

// CreateCQ creates a completion queue with at least depth entries.
func (c *Context) CreateCQ(depth int) (*CompletionQueue, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("ibv_create_cq")
	}
	cq, err := C.ibv_create_cq(c.ptr, C.int(depth), nil, nil, 0)
	if cq == nil {
		if err == nil {
			err = ErrNoMemory
		}
		return nil, fmt.Errorf("ibv_create_cq: %w", err)
	}
	return &CompletionQueue{ptr: cq}, nil
}

// Poll drains up to max completions without blocking.
func (q *CompletionQueue) Poll(max int) ([]WorkCompletion, error) {
	if q == nil || q.ptr == nil {
		return nil, ErrInvalid.WithOp("ibv_poll_cq")
	}
	if max <= 0 {
		return nil, nil
	}
	if max > 64 {
		max = 64
	}
	var raw [64]C.go_wc
	n := int(C.go_poll_cq(q.ptr, C.int(max), &raw[0]))
	if n < 0 {
		return nil, ErrorFromStatus(n, "ibv_poll_cq")
	}
	out := make([]WorkCompletion, n)
	for i := 0; i < n; i++ {
		out[i] = WorkCompletion{
			WRID:      uint64(raw[i].wr_id),
			Status:    uint32(raw[i].status),
			Opcode:    uint32(raw[i].opcode),
			ByteLen:   uint32(raw[i].byte_len),
			ImmData:   uint32(raw[i].imm_data),
			QPN:       uint32(raw[i].qp_num),
			VendorErr: uint32(raw[i].vendor_err),
		}
	}
	return out, nil
}

// Close destroys the completion queue.
func (q *CompletionQueue) Close() error {
	if q == nil || q.ptr == nil {
		return nil
	}
	if rc := C.ibv_destroy_cq(q.ptr); rc != 0 {
		return ErrorFromStatus(int(rc), "ibv_destroy_cq")
	}
	q.ptr = nil
	return nil
}

// QueuePairCaps sizes a queue pair.
type QueuePairCaps struct {
	MaxSendWR uint32
	MaxRecvWR uint32
	MaxSGE    uint32
	SigAll    bool
}

// QueuePair wraps an RC ibv_qp.
type QueuePair struct {
	ptr *C.struct_ibv_qp
}

// CreateRCQueuePair creates a reliable-connected queue pair using cq for both
// directions.
func (p *ProtectionDomain) CreateRCQueuePair(cq *CompletionQueue, caps QueuePairCaps) (*QueuePair, error) {
	if p == nil || p.ptr == nil || cq == nil || cq.ptr == nil {
		return nil, ErrInvalid.WithOp("ibv_create_qp")
	}
	sigAll := C.int(0)
	if caps.SigAll {
		sigAll = 1
	}
	var errno C.int
	qp := C.go_create_rc_qp(p.ptr, cq.ptr, C.uint32_t(caps.MaxSendWR), C.uint32_t(caps.MaxRecvWR), C.uint32_t(caps.MaxSGE), sigAll, &errno)
	if qp == nil {
		if errno == 0 {
			return nil, ErrNoMemory.WithOp("ibv_create_qp")
		}
		return nil, Errno(errno).WithOp("ibv_create_qp")
	}
	return &QueuePair{ptr: qp}, nil
}

// Num returns the queue pair number.
func (q *QueuePair) Num() uint32 {
	if q == nil || q.ptr == nil {
		return 0
	}
	return uint32(q.ptr.qp_num)
}

// ToInit moves the queue pair to INIT.
func (q *QueuePair) ToInit(port uint8, access int) error {
	if q == nil || q.ptr == nil {
		return ErrInvalid.WithOp("ibv_modify_qp(INIT)")
	}
	return ErrorFromStatus(int(C.go_qp_to_init(q.ptr, C.uint8_t(port), C.int(access))), "ibv_modify_qp(INIT)")
}

// ToRTR moves the queue pair to ready-to-receive. gidIndex < 0 disables the GRH.
func (q *QueuePair) ToRTR(port uint8, destQPN uint32, dlid uint16, rqPSN uint32, gid [16]byte, gidIndex int, mtu int) error {
	if q == nil || q.ptr == nil {
		return ErrInvalid.WithOp("ibv_modify_qp(RTR)")
	}
	rc := C.go_qp_to_rtr(q.ptr, C.uint8_t(port), C.uint32_t(destQPN), C.uint16_t(dlid), C.uint32_t(rqPSN),
		(*C.uint8_t)(unsafe.Pointer(&gid[0])), C.int(gidIndex), C.int(mtu))
	return ErrorFromStatus(int(rc), "ibv_modify_qp(RTR)")
}

// ToRTS moves the queue pair to ready-to-send.
func (q *QueuePair) ToRTS(sqPSN uint32) error {
	if q == nil || q.ptr == nil {
		return ErrInvalid.WithOp("ibv_modify_qp(RTS)")
	}
	return ErrorFromStatus(int(C.go_qp_to_rts(q.ptr, C.uint32_t(sqPSN))), "ibv_modify_qp(RTS)")
}

// PostSend hands a chain of struct ibv_send_wr starting at wr to the provider.
// The return value is the raw ibv_post_send status.
func (q *QueuePair) PostSend(wr unsafe.Pointer) int {
	if q == nil || q.ptr == nil {
		return int(ErrInvalid)
	}
	return int(C.go_post_send(q.ptr, wr))
}

// PostRecv hands a chain of struct ibv_recv_wr starting at wr to the provider.
func (q *QueuePair) PostRecv(wr unsafe.Pointer) int {
	if q == nil || q.ptr == nil {
		return int(ErrInvalid)
	}
	return int(C.go_post_recv(q.ptr, wr))
}

// Close destroys the queue pair.
func (q *QueuePair) Close() error {
	if q == nil || q.ptr == nil {
		return nil
	}
	if rc := C.ibv_destroy_qp(q.ptr); rc != 0 {
		return ErrorFromStatus(int(rc), "ibv_destroy_qp")
	}
	q.ptr = nil
	return nil
}
