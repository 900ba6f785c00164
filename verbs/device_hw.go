//go:build cgo && ibverbs

package verbs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/capi"
)

// hwDevice is a libibverbs device context.
type hwDevice struct {
	ctx *capi.Context
}

func openHardwareDevice(name string) (Device, error) {
	if err := CheckLayout(LayoutReport(capi.ReadLayout())); err != nil {
		return nil, err
	}
	ctx, err := capi.OpenDevice(name)
	if err != nil {
		return nil, err
	}
	return &hwDevice{ctx: ctx}, nil
}

func (d *hwDevice) Name() string     { return d.ctx.Name() }
func (d *hwDevice) Provider() string { return ProviderIBVerbs }
func (d *hwDevice) Close() error     { return d.ctx.Close() }

func (d *hwDevice) OpenProtectionDomain() (ProtectionDomain, error) {
	pd, err := d.ctx.AllocPD()
	if err != nil {
		return nil, err
	}
	return &hwProtectionDomain{pd: pd, regions: make(map[uint32]*capi.MemoryRegion)}, nil
}

func (d *hwDevice) OpenEndpoint(pd ProtectionDomain, attr EndpointAttr) (Endpoint, error) {
	hpd, ok := pd.(*hwProtectionDomain)
	if !ok || hpd == nil {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	attr = attr.withDefaults()
	cq, err := d.ctx.CreateCQ(attr.CQDepth)
	if err != nil {
		return nil, err
	}
	qp, err := hpd.pd.CreateRCQueuePair(cq, capi.QueuePairCaps{
		MaxSendWR: uint32(attr.MaxSendWR),
		MaxRecvWR: uint32(attr.MaxRecvWR),
		MaxSGE:    uint32(attr.MaxSGE),
		SigAll:    attr.SigAll,
	})
	if err != nil {
		_ = cq.Close()
		return nil, err
	}
	access := int(AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic)
	if err := qp.ToInit(attr.Port, access); err != nil {
		_ = qp.Close()
		_ = cq.Close()
		return nil, err
	}
	lid, mtu, err := d.ctx.QueryPort(attr.Port)
	if err != nil {
		_ = qp.Close()
		_ = cq.Close()
		return nil, err
	}
	ep := &hwEndpoint{ctx: d.ctx, qp: qp, cq: cq, attr: attr, lid: lid, mtu: mtu, psn: qp.Num() & 0xffffff}
	if attr.GIDIndex >= 0 {
		gid, err := d.ctx.QueryGID(attr.Port, attr.GIDIndex)
		if err == nil {
			ep.gid = gid
		}
	}
	ep.open.Store(true)
	return ep, nil
}

type hwProtectionDomain struct {
	pd      *capi.ProtectionDomain
	mu      sync.Mutex
	regions map[uint32]*capi.MemoryRegion
}

func (p *hwProtectionDomain) Handle() uint32 { return p.pd.Handle() }

func (p *hwProtectionDomain) RegisterMemory(addr unsafe.Pointer, length uint64, access AccessFlag, outLKey, outRKey, outHandle unsafe.Pointer) int64 {
	mr, errno := p.pd.RegMR(addr, length, int(access))
	if errno != capi.Success {
		return -int64(errno)
	}
	*(*uint32)(outLKey) = mr.LKey()
	*(*uint32)(outRKey) = mr.RKey()
	*(*uint32)(outHandle) = mr.Handle()
	p.mu.Lock()
	p.regions[mr.Handle()] = mr
	p.mu.Unlock()
	return int64(mr.Handle())
}

func (p *hwProtectionDomain) DeregisterMemory(handle uint32) int {
	p.mu.Lock()
	mr, ok := p.regions[handle]
	delete(p.regions, handle)
	p.mu.Unlock()
	if !ok {
		return int(capi.ErrInvalid)
	}
	if err := mr.Close(); err != nil {
		return int(capi.ErrBusy)
	}
	return 0
}

type hwEndpoint struct {
	ctx  *capi.Context
	qp   *capi.QueuePair
	cq   *capi.CompletionQueue
	attr EndpointAttr
	lid  uint16
	mtu  int
	psn  uint32
	gid  [16]byte
	open atomic.Bool
}

func (e *hwEndpoint) Handle() uint32                 { return e.qp.Num() }
func (e *hwEndpoint) IsOpen() bool                   { return e.open.Load() }
func (e *hwEndpoint) PostSend(wr unsafe.Pointer) int { return e.qp.PostSend(wr) }
func (e *hwEndpoint) PostRecv(wr unsafe.Pointer) int { return e.qp.PostRecv(wr) }

func (e *hwEndpoint) Info() ConnInfo {
	return ConnInfo{QPN: e.qp.Num(), LID: e.lid, PSN: e.psn, GID: e.gid}
}

func (e *hwEndpoint) Connect(peer ConnInfo) error {
	if !e.IsOpen() {
		return ErrQueueClosed
	}
	gidIndex := e.attr.GIDIndex
	if peer.GID == ([16]byte{}) {
		gidIndex = -1
	}
	if err := e.qp.ToRTR(e.attr.Port, peer.QPN, peer.LID, peer.PSN, peer.GID, gidIndex, e.mtu); err != nil {
		return fmt.Errorf("verbs: connect to %s: %w", peer, err)
	}
	if err := e.qp.ToRTS(e.psn); err != nil {
		return fmt.Errorf("verbs: connect to %s: %w", peer, err)
	}
	return nil
}

func (e *hwEndpoint) PollCompletions(max int) ([]WorkCompletion, error) {
	if !e.IsOpen() {
		return nil, ErrQueueClosed
	}
	raw, err := e.cq.Poll(max)
	if err != nil {
		return nil, err
	}
	out := make([]WorkCompletion, len(raw))
	for i, wc := range raw {
		out[i] = WorkCompletion{
			ID:        wc.WRID,
			Status:    WCStatus(wc.Status),
			Opcode:    WCOpcode(wc.Opcode),
			ByteLen:   wc.ByteLen,
			ImmData:   wc.ImmData,
			HasImm:    wc.Opcode == uint32(WCRecvRDMAWithImm) || wc.ImmData != 0,
			QPN:       wc.QPN,
			VendorErr: wc.VendorErr,
		}
	}
	return out, nil
}

func (e *hwEndpoint) Close() error {
	if !e.open.CompareAndSwap(true, false) {
		return nil
	}
	if err := e.qp.Close(); err != nil {
		return err
	}
	return e.cq.Close()
}
