package verbs

import (
	"strconv"
	"strings"
)

// Opcode mirrors enum ibv_wr_opcode.
type Opcode uint32

const (
	OpRDMAWrite Opcode = iota
	OpRDMAWriteWithImm
	OpSend
	OpSendWithImm
	OpRDMARead
	OpAtomicCmpAndSwp
	OpAtomicFetchAndAdd
	OpLocalInv
	OpBindMW
	OpSendWithInv
	OpTSO
)

var opcodeNames = map[Opcode]string{
	OpRDMAWrite:         "rdma_write",
	OpRDMAWriteWithImm:  "rdma_write_with_imm",
	OpSend:              "send",
	OpSendWithImm:       "send_with_imm",
	OpRDMARead:          "rdma_read",
	OpAtomicCmpAndSwp:   "atomic_cmp_and_swp",
	OpAtomicFetchAndAdd: "atomic_fetch_and_add",
	OpLocalInv:          "local_inv",
	OpBindMW:            "bind_mw",
	OpSendWithInv:       "send_with_inv",
	OpTSO:               "tso",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "opcode(" + strconv.FormatUint(uint64(o), 10) + ")"
}

// ParseOpcode resolves the lower-case name reported by Opcode.String.
func ParseOpcode(name string) (Opcode, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for op, n := range opcodeNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

func (o Opcode) isRDMA() bool {
	return o == OpRDMAWrite || o == OpRDMAWriteWithImm || o == OpRDMARead
}

func (o Opcode) isAtomic() bool {
	return o == OpAtomicCmpAndSwp || o == OpAtomicFetchAndAdd
}

func (o Opcode) isSend() bool {
	return o == OpSend || o == OpSendWithImm || o == OpSendWithInv
}

// SendFlag mirrors enum ibv_send_flags.
type SendFlag uint32

const (
	SendFence     SendFlag = 1 << 0
	SendSignaled  SendFlag = 1 << 1
	SendSolicited SendFlag = 1 << 2
	SendInline    SendFlag = 1 << 3
	SendIPCsum    SendFlag = 1 << 4
)

var sendFlagNames = []string{"fence", "signaled", "solicited", "inline", "ip_csum"}

// String joins the names of the set flags with "|".
func (f SendFlag) String() string {
	return flagString(uint32(f), sendFlagNames)
}

// AccessFlag mirrors enum ibv_access_flags.
type AccessFlag uint32

const (
	AccessLocalWrite   AccessFlag = 1 << 0
	AccessRemoteWrite  AccessFlag = 1 << 1
	AccessRemoteRead   AccessFlag = 1 << 2
	AccessRemoteAtomic AccessFlag = 1 << 3
	AccessMWBind       AccessFlag = 1 << 4
	AccessZeroBased    AccessFlag = 1 << 5
	AccessOnDemand     AccessFlag = 1 << 6
)

var accessFlagNames = []string{
	"local_write", "remote_write", "remote_read", "remote_atomic", "mw_bind", "zero_based", "on_demand",
}

// String joins the names of the set flags with "|".
func (f AccessFlag) String() string {
	return flagString(uint32(f), accessFlagNames)
}

func flagString(v uint32, names []string) string {
	if v == 0 {
		return "none"
	}
	var b strings.Builder
	for i, name := range names {
		if v&(1<<i) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
		v &^= 1 << i
	}
	if v != 0 {
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString("0x" + strconv.FormatUint(uint64(v), 16))
	}
	return b.String()
}

// SGE is one scatter/gather element: a span of registered memory.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// RDMAInfo carries the remote target of an RDMA read or write.
type RDMAInfo struct {
	RemoteAddr uint64
	RKey       uint32
}

// AtomicInfo carries the operands of an atomic operation.
type AtomicInfo struct {
	RemoteAddr uint64
	CompareAdd uint64
	Swap       uint64
	RKey       uint32
}

// UDInfo addresses a send on an unreliable datagram queue pair.
type UDInfo struct {
	AH         uint64
	RemoteQPN  uint32
	RemoteQKey uint32
}

// SendWR describes one send-queue work request. Only the union member that
// matches Opcode is serialized. ImmData is copied verbatim; hardware providers
// carry it in network byte order, see HostToNet32.
type SendWR struct {
	ID      uint64
	Opcode  Opcode
	Flags   SendFlag
	ImmData uint32
	SGList  []SGE
	RDMA    RDMAInfo
	Atomic  AtomicInfo
	UD      UDInfo
}

// RecvWR describes one receive-queue work request.
type RecvWR struct {
	ID     uint64
	SGList []SGE
}
