package verbs

import "fmt"

// Record layout of struct ibv_sge, struct ibv_send_wr and struct ibv_recv_wr
// on LP64 targets. Devices backed by libibverbs compare these against the
// linked headers before opening.
const (
	SGESize    = 16
	SendWRSize = 128
	RecvWRSize = 32

	sgeAddr   = 0
	sgeLength = 8
	sgeLKey   = 12

	wrID     = 0
	wrNext   = 8
	wrSGList = 16
	wrNumSGE = 24

	sendOpcode        = 28
	sendFlags         = 32
	sendImmData       = 36
	sendRemoteAddr    = 40
	sendRKey          = 48
	sendAtomicAddr    = 40
	sendCompareAdd    = 48
	sendSwap          = 56
	sendAtomicRKey    = 64
	sendUDAH          = 40
	sendUDRemoteQPN   = 48
	sendUDRemoteQKey  = 52
	sendXRCRemoteSRQN = 72
)

// Field describes one field of a native record.
type Field struct {
	Name   string
	Offset int
	Width  int
}

// SGEFields lists the fields of struct ibv_sge.
var SGEFields = []Field{
	{"addr", sgeAddr, 8},
	{"length", sgeLength, 4},
	{"lkey", sgeLKey, 4},
}

// RecvWRFields lists the fields of struct ibv_recv_wr.
var RecvWRFields = []Field{
	{"wr_id", wrID, 8},
	{"next", wrNext, 8},
	{"sg_list", wrSGList, 8},
	{"num_sge", wrNumSGE, 4},
}

// SendWRFields lists the fields of struct ibv_send_wr. Union members share
// offsets; the opcode decides which one is meaningful.
var SendWRFields = []Field{
	{"wr_id", wrID, 8},
	{"next", wrNext, 8},
	{"sg_list", wrSGList, 8},
	{"num_sge", wrNumSGE, 4},
	{"opcode", sendOpcode, 4},
	{"send_flags", sendFlags, 4},
	{"imm_data", sendImmData, 4},
	{"wr.rdma.remote_addr", sendRemoteAddr, 8},
	{"wr.rdma.rkey", sendRKey, 4},
	{"wr.atomic.remote_addr", sendAtomicAddr, 8},
	{"wr.atomic.compare_add", sendCompareAdd, 8},
	{"wr.atomic.swap", sendSwap, 8},
	{"wr.atomic.rkey", sendAtomicRKey, 4},
	{"wr.ud.ah", sendUDAH, 8},
	{"wr.ud.remote_qpn", sendUDRemoteQPN, 4},
	{"wr.ud.remote_qkey", sendUDRemoteQKey, 4},
	{"qp_type.xrc.remote_srqn", sendXRCRemoteSRQN, 4},
}

// LayoutReport is the set of sizes and offsets a native library reports for
// the records above.
type LayoutReport struct {
	SendWRSize, RecvWRSize, SGESize                      uintptr
	SendNext, SendSGList, SendNumSGE                     uintptr
	SendOpcode, SendFlags, SendImmData                   uintptr
	SendRemoteAddr, SendRKey                             uintptr
	SendCompareAdd, SendSwap, SendAtomicRKey             uintptr
	SendUDAH, SendUDRemoteQPN, SendUDRemoteQKey          uintptr
	RecvNext, RecvSGList, RecvNumSGE, SGELength, SGELKey uintptr
}

// CheckLayout returns ErrLayoutMismatch naming the first field whose reported
// offset or size differs from the serialized layout.
func CheckLayout(r LayoutReport) error {
	checks := []struct {
		name string
		got  uintptr
		want int
	}{
		{"sizeof(ibv_send_wr)", r.SendWRSize, SendWRSize},
		{"sizeof(ibv_recv_wr)", r.RecvWRSize, RecvWRSize},
		{"sizeof(ibv_sge)", r.SGESize, SGESize},
		{"ibv_send_wr.next", r.SendNext, wrNext},
		{"ibv_send_wr.sg_list", r.SendSGList, wrSGList},
		{"ibv_send_wr.num_sge", r.SendNumSGE, wrNumSGE},
		{"ibv_send_wr.opcode", r.SendOpcode, sendOpcode},
		{"ibv_send_wr.send_flags", r.SendFlags, sendFlags},
		{"ibv_send_wr.imm_data", r.SendImmData, sendImmData},
		{"ibv_send_wr.wr.rdma.remote_addr", r.SendRemoteAddr, sendRemoteAddr},
		{"ibv_send_wr.wr.rdma.rkey", r.SendRKey, sendRKey},
		{"ibv_send_wr.wr.atomic.compare_add", r.SendCompareAdd, sendCompareAdd},
		{"ibv_send_wr.wr.atomic.swap", r.SendSwap, sendSwap},
		{"ibv_send_wr.wr.atomic.rkey", r.SendAtomicRKey, sendAtomicRKey},
		{"ibv_send_wr.wr.ud.ah", r.SendUDAH, sendUDAH},
		{"ibv_send_wr.wr.ud.remote_qpn", r.SendUDRemoteQPN, sendUDRemoteQPN},
		{"ibv_send_wr.wr.ud.remote_qkey", r.SendUDRemoteQKey, sendUDRemoteQKey},
		{"ibv_recv_wr.next", r.RecvNext, wrNext},
		{"ibv_recv_wr.sg_list", r.RecvSGList, wrSGList},
		{"ibv_recv_wr.num_sge", r.RecvNumSGE, wrNumSGE},
		{"ibv_sge.length", r.SGELength, sgeLength},
		{"ibv_sge.lkey", r.SGELKey, sgeLKey},
	}
	for _, c := range checks {
		if c.got != uintptr(c.want) {
			return fmt.Errorf("%w: %s is %d, expected %d", ErrLayoutMismatch, c.name, c.got, c.want)
		}
	}
	return nil
}
