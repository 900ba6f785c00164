package verbs

import (
	"fmt"
	"strconv"
	"unsafe"
)

// QueuePair is the submission side of a queue pair as seen by the
// serializers. PostSend and PostRecv receive the address of a chained
// command buffer and return zero or a positive errno.
type QueuePair interface {
	Handle() uint32
	IsOpen() bool
	PostSend(wr unsafe.Pointer) int
	PostRecv(wr unsafe.Pointer) int
}

// ProtectionDomain is the registration side of a protection domain.
// RegisterMemory writes the assigned keys and handle to the three output
// addresses and returns a non-negative object id, or a negative errno.
type ProtectionDomain interface {
	Handle() uint32
	RegisterMemory(addr unsafe.Pointer, length uint64, access AccessFlag, outLKey, outRKey, outHandle unsafe.Pointer) int64
	DeregisterMemory(handle uint32) int
}

// Endpoint is a connected-mode queue pair with its completion queue.
type Endpoint interface {
	QueuePair
	Info() ConnInfo
	Connect(peer ConnInfo) error
	PollCompletions(max int) ([]WorkCompletion, error)
	Close() error
}

// Device is an opened verbs device.
type Device interface {
	Name() string
	Provider() string
	OpenProtectionDomain() (ProtectionDomain, error)
	OpenEndpoint(pd ProtectionDomain, attr EndpointAttr) (Endpoint, error)
	Close() error
}

// EndpointAttr sizes an endpoint. Zero values select defaults.
type EndpointAttr struct {
	MaxSendWR int
	MaxRecvWR int
	MaxSGE    int
	CQDepth   int
	SigAll    bool
	Port      uint8
	GIDIndex  int
}

const (
	defaultMaxWR  = 256
	defaultMaxSGE = 16
)

func (a EndpointAttr) withDefaults() EndpointAttr {
	if a.MaxSendWR <= 0 {
		a.MaxSendWR = defaultMaxWR
	}
	if a.MaxRecvWR <= 0 {
		a.MaxRecvWR = defaultMaxWR
	}
	if a.MaxSGE <= 0 {
		a.MaxSGE = defaultMaxSGE
	}
	if a.CQDepth <= 0 {
		a.CQDepth = a.MaxSendWR + a.MaxRecvWR
	}
	if a.Port == 0 {
		a.Port = 1
	}
	return a
}

// Provider names accepted by OpenDevice.
const (
	ProviderSim     = "sim"
	ProviderIBVerbs = "ibverbs"
)

// OpenDevice opens a device by provider and name. The ibverbs provider is
// only available in builds with cgo and the ibverbs tag.
func OpenDevice(provider, name string) (Device, error) {
	switch provider {
	case "", ProviderSim:
		return NewSimDevice(name), nil
	case ProviderIBVerbs:
		return openHardwareDevice(name)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderUnavailable, provider)
	}
}

// WCStatus mirrors enum ibv_wc_status.
type WCStatus uint32

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
)

var wcStatusNames = [...]string{
	"success", "local length error", "local QP operation error", "local EE context operation error",
	"local protection error", "work request flushed", "memory window bind error", "bad response",
	"local access error", "remote invalid request", "remote access error", "remote operation error",
	"transport retry counter exceeded", "RNR retry counter exceeded",
}

func (s WCStatus) String() string {
	if int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}
	return "status(" + strconv.FormatUint(uint64(s), 10) + ")"
}

// WCOpcode mirrors enum ibv_wc_opcode.
type WCOpcode uint32

const (
	WCSend            WCOpcode = 0
	WCRDMAWrite       WCOpcode = 1
	WCRDMARead        WCOpcode = 2
	WCCompSwap        WCOpcode = 3
	WCFetchAdd        WCOpcode = 4
	WCBindMW          WCOpcode = 5
	WCLocalInv        WCOpcode = 6
	WCRecv            WCOpcode = 128
	WCRecvRDMAWithImm WCOpcode = 129
)

var wcOpcodeNames = map[WCOpcode]string{
	WCSend:            "send",
	WCRDMAWrite:       "rdma_write",
	WCRDMARead:        "rdma_read",
	WCCompSwap:        "comp_swap",
	WCFetchAdd:        "fetch_add",
	WCBindMW:          "bind_mw",
	WCLocalInv:        "local_inv",
	WCRecv:            "recv",
	WCRecvRDMAWithImm: "recv_rdma_with_imm",
}

func (o WCOpcode) String() string {
	if name, ok := wcOpcodeNames[o]; ok {
		return name
	}
	return strconv.FormatUint(uint64(o), 10)
}

// WorkCompletion reports the outcome of one work request.
type WorkCompletion struct {
	ID        uint64
	Status    WCStatus
	Opcode    WCOpcode
	ByteLen   uint32
	ImmData   uint32
	HasImm    bool
	QPN       uint32
	VendorErr uint32
}

// Err returns nil for successful completions and a *CompletionError otherwise.
func (wc WorkCompletion) Err() error {
	if wc.Status == WCSuccess {
		return nil
	}
	return &CompletionError{ID: wc.ID, Status: wc.Status, VendorErr: wc.VendorErr}
}

// CompletionError describes a work request that completed in error.
type CompletionError struct {
	ID        uint64
	Status    WCStatus
	VendorErr uint32
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("verbs: work request %d completed with %s (vendor error %#x)", e.ID, e.Status, e.VendorErr)
}
