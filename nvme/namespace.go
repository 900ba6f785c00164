package nvme

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/verbs-go/verbs"
)

// MaxBlocks is the largest transfer a single command can describe.
const MaxBlocks = 1 << 16

// QueuePair submits one encoded command and returns the completion status
// field (without the phase bit) and a transport result code.
type QueuePair interface {
	IsOpen() bool
	Submit(cmd unsafe.Pointer) (status uint16, rc int)
}

// Namespace issues I/O against one namespace through a queue pair. Data
// buffers are referenced by address and must stay valid for the call.
type Namespace struct {
	ID         uint32
	SectorSize int
	Sectors    uint64

	qp   QueuePair
	pool *verbs.BufferPool
	cid  atomic.Uint32
}

// NewNamespace binds namespace id to qp. Command entries are drawn from pool.
func NewNamespace(qp QueuePair, pool *verbs.BufferPool, id uint32, sectorSize int, sectors uint64) (*Namespace, error) {
	if qp == nil {
		return nil, verbs.ErrInvalidHandle{Resource: "nvme queue pair"}
	}
	if pool == nil {
		return nil, verbs.ErrInvalidHandle{Resource: "buffer pool"}
	}
	if sectorSize <= 0 || sectorSize&(sectorSize-1) != 0 {
		return nil, fmt.Errorf("nvme: sector size %d is not a power of two", sectorSize)
	}
	return &Namespace{ID: id, SectorSize: sectorSize, Sectors: sectors, qp: qp, pool: pool}, nil
}

// Read transfers blocks sectors starting at lba into dst.
func (n *Namespace) Read(dst *verbs.Buffer, lba uint64, blocks int) error {
	return n.transfer(OpRead, dst, lba, blocks)
}

// Write transfers blocks sectors from src starting at lba.
func (n *Namespace) Write(src *verbs.Buffer, lba uint64, blocks int) error {
	return n.transfer(OpWrite, src, lba, blocks)
}

// Flush commits volatile writes of the namespace.
func (n *Namespace) Flush() error {
	return n.submit(Command{Opcode: OpFlush, NSID: n.ID})
}

func (n *Namespace) transfer(op Opcode, data *verbs.Buffer, lba uint64, blocks int) error {
	if blocks <= 0 || blocks > MaxBlocks {
		return fmt.Errorf("nvme: %s of %d blocks out of range [1,%d]", op, blocks, MaxBlocks)
	}
	if lba >= n.Sectors || uint64(blocks) > n.Sectors-lba {
		return fmt.Errorf("nvme: %s lba %d+%d beyond namespace of %d sectors", op, lba, blocks, n.Sectors)
	}
	if data == nil || data.Cap() < blocks*n.SectorSize {
		return fmt.Errorf("nvme: %s of %d blocks needs a %d byte buffer, have %d", op, blocks, blocks*n.SectorSize, data.Cap())
	}
	return n.submit(Command{
		Opcode: op,
		NSID:   n.ID,
		PRP1:   data.Address(),
		SLBA:   lba,
		Blocks: uint32(blocks),
	})
}

func (n *Namespace) submit(cmd Command) error {
	if !n.qp.IsOpen() {
		return verbs.ErrQueueClosed
	}
	buf, err := n.pool.Allocate(SQESize)
	if err != nil {
		return err
	}
	defer n.pool.Free(buf)

	cmd.CID = uint16(n.cid.Add(1))
	Encode(buf, cmd)
	status, rc := n.qp.Submit(buf.Pointer())
	if rc != 0 {
		return &verbs.NativeError{Op: "nvme_submit(" + cmd.Opcode.String() + ")", Code: rc}
	}
	if status != 0 {
		return &StatusError{Opcode: cmd.Opcode, CID: cmd.CID, Status: status}
	}
	return nil
}

// Status codes of the generic command status type.
const (
	StatusInvalidOpcode    uint16 = 0x01
	StatusInvalidField     uint16 = 0x02
	StatusDataTransfer     uint16 = 0x04
	StatusInvalidNamespace uint16 = 0x0b
	StatusLBAOutOfRange    uint16 = 0x80
)

var statusText = map[uint16]string{
	StatusInvalidOpcode:    "invalid command opcode",
	StatusInvalidField:     "invalid field in command",
	StatusDataTransfer:     "data transfer error",
	StatusInvalidNamespace: "invalid namespace or format",
	StatusLBAOutOfRange:    "LBA out of range",
}

// StatusError is a command that completed with a non-zero status field.
type StatusError struct {
	Opcode Opcode
	CID    uint16
	Status uint16
}

// Type returns the status code type.
func (e *StatusError) Type() uint8 { return uint8(e.Status>>8) & 0x7 }

// Code returns the status code.
func (e *StatusError) Code() uint8 { return uint8(e.Status) }

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("status type %d code %#02x", e.Type(), e.Code())
	if e.Type() == 0 {
		if text, ok := statusText[uint16(e.Code())]; ok {
			msg = text
		}
	}
	return fmt.Sprintf("nvme: %s cid %d failed: %s", e.Opcode, e.CID, msg)
}
