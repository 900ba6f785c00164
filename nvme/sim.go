package nvme

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/capi"
	"github.com/rocketbitz/verbs-go/verbs"
)

type simNamespace struct {
	sectorSize int
	data       []byte
}

// SimController is an in-memory NVMe controller.
type SimController struct {
	mu         sync.RWMutex
	namespaces map[uint32]*simNamespace
	flushes    atomic.Uint64
}

// NewSimController returns a controller with no namespaces.
func NewSimController() *SimController {
	return &SimController{namespaces: make(map[uint32]*simNamespace)}
}

// AddNamespace creates a zero-filled namespace.
func (c *SimController) AddNamespace(id uint32, sectorSize int, sectors uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespaces[id] = &simNamespace{sectorSize: sectorSize, data: make([]byte, uint64(sectorSize)*sectors)}
}

// Flushes reports how many flush commands completed.
func (c *SimController) Flushes() uint64 { return c.flushes.Load() }

// Namespace binds a namespace created with AddNamespace to a new queue pair.
func (c *SimController) Namespace(id uint32, pool *verbs.BufferPool) (*Namespace, *SimQueuePair, error) {
	c.mu.RLock()
	ns, ok := c.namespaces[id]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, &StatusError{Status: StatusInvalidNamespace}
	}
	qp := c.QueuePair()
	n, err := NewNamespace(qp, pool, id, ns.sectorSize, uint64(len(ns.data)/ns.sectorSize))
	if err != nil {
		return nil, nil, err
	}
	return n, qp, nil
}

// QueuePair opens an I/O queue pair on the controller.
func (c *SimController) QueuePair() *SimQueuePair {
	qp := &SimQueuePair{ctrl: c}
	qp.open.Store(true)
	return qp
}

// SimQueuePair executes commands synchronously. The data pointer of a
// command is treated as one contiguous span.
type SimQueuePair struct {
	ctrl *SimController
	open atomic.Bool
}

func (q *SimQueuePair) IsOpen() bool { return q.open.Load() }

func (q *SimQueuePair) Close() error {
	q.open.Store(false)
	return nil
}

// Submit implements QueuePair.
func (q *SimQueuePair) Submit(sqe unsafe.Pointer) (uint16, int) {
	if !q.IsOpen() || sqe == nil {
		return 0, int(capi.ErrInvalid)
	}
	cmd := Decode(sqe)
	q.ctrl.mu.Lock()
	defer q.ctrl.mu.Unlock()
	ns, ok := q.ctrl.namespaces[cmd.NSID]
	if !ok {
		return StatusInvalidNamespace, 0
	}
	switch cmd.Opcode {
	case OpFlush:
		q.ctrl.flushes.Add(1)
		return 0, 0
	case OpRead, OpWrite:
	default:
		return StatusInvalidOpcode, 0
	}
	start := cmd.SLBA * uint64(ns.sectorSize)
	length := uint64(cmd.Blocks) * uint64(ns.sectorSize)
	if start+length > uint64(len(ns.data)) || start+length < start {
		return StatusLBAOutOfRange, 0
	}
	if cmd.PRP1 == 0 {
		return StatusDataTransfer, 0
	}
	host := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(cmd.PRP1))), length)
	if cmd.Opcode == OpRead {
		copy(host, ns.data[start:start+length])
	} else {
		copy(ns.data[start:start+length], host)
	}
	return 0, 0
}
