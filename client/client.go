package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/verbs-go/verbs"
)

var (
	// ErrClosed indicates the client has already been closed.
	ErrClosed = errors.New("verbs client: closed")
	// ErrNotConnected is returned by send-queue operations before Connect.
	ErrNotConnected = errors.New("verbs client: not connected")
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMRPoolSize     = 4096
	defaultMRPoolCapacity = 32
	defaultPollBatch      = 32
)

// Config controls Dial behaviour for the high-level Client.
type Config struct {
	// Provider selects the device provider: "sim" (default) or "ibverbs".
	Provider string
	Device   string
	Timeout  time.Duration
	Endpoint verbs.EndpointAttr

	// Pool is shared with the caller when set; otherwise the client owns a
	// pool built with PoolSlotsPerClass free slots per size class.
	Pool              *verbs.BufferPool
	PoolSlotsPerClass int

	MRPoolSize     int
	MRPoolCapacity int
	PollBatch      int

	// Loopback connects the endpoint to itself during Dial.
	Loopback bool

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client owns a device, protection domain and connected endpoint and
// resolves operation futures from a completion dispatcher.
type Client struct {
	cfg        Config
	device     verbs.Device
	deviceName string
	pd         verbs.ProtectionDomain
	ep         verbs.Endpoint
	pool       *verbs.BufferPool
	ownPool    bool
	mrPool     *verbs.MRPool

	connected     atomic.Bool
	closed        atomic.Bool
	dispatcherErr atomic.Pointer[errorHolder]

	stopCh chan struct{}
	wg     sync.WaitGroup

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]*operation

	resourcesMu sync.Mutex
	calls       map[freer]struct{}
	regions     map[*verbs.MemoryRegion]struct{}

	handlersMu         sync.RWMutex
	sendHandlers       map[uint64]SendHandler
	receiveHandlers    map[uint64]ReceiveHandler
	completionHandlers map[uint64]CompletionHandler
	handlerSeq         atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	unobservePool    func()
	stats            clientStats
}

type errorHolder struct {
	err error
}

// freer is a prepared command call that owns native memory.
type freer interface {
	Free()
}

// Stats contains counters for client operations.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	ReceivePosted  uint64
	ReceiveMatched uint64
	ReceiveErrored uint64
	BatchesPosted  uint64
	Untracked      uint64
}

type clientStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
	batches       atomic.Uint64
	untracked     atomic.Uint64
}

// Dial opens the configured device and prepares a queue pair. The returned
// client must be connected (Connect or Config.Loopback) before sending.
func Dial(cfg Config) (*Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = verbs.ProviderSim
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MRPoolSize <= 0 {
		cfg.MRPoolSize = defaultMRPoolSize
	}
	if cfg.MRPoolCapacity <= 0 {
		cfg.MRPoolCapacity = defaultMRPoolCapacity
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = defaultPollBatch
	}

	device, err := verbs.OpenDevice(cfg.Provider, cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	c := &Client{
		cfg:              cfg,
		device:           device,
		deviceName:       device.Name(),
		stopCh:           make(chan struct{}),
		pending:          make(map[uint64]*operation),
		calls:            make(map[freer]struct{}),
		regions:          make(map[*verbs.MemoryRegion]struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	c.pool = cfg.Pool
	if c.pool == nil {
		slots := cfg.PoolSlotsPerClass
		if slots <= 0 {
			slots = 1
		}
		c.pool = verbs.NewBufferPool(verbs.WithSlotsPerClass(slots))
		c.ownPool = true
	}

	c.pd, err = device.OpenProtectionDomain()
	if err != nil {
		c.releaseResources()
		return nil, fmt.Errorf("open protection domain: %w", err)
	}

	c.ep, err = device.OpenEndpoint(c.pd, cfg.Endpoint)
	if err != nil {
		c.releaseResources()
		return nil, fmt.Errorf("open endpoint: %w", err)
	}

	c.mrPool, err = verbs.NewMRPool(c.pd, c.pool, cfg.MRPoolSize, verbs.AccessLocalWrite, cfg.MRPoolCapacity)
	if err != nil {
		c.releaseResources()
		return nil, fmt.Errorf("create MR pool: %w", err)
	}

	c.unobservePool = c.observePool()

	if cfg.Loopback {
		if err := c.ep.Connect(c.ep.Info()); err != nil {
			c.releaseResources()
			return nil, fmt.Errorf("loopback connect: %w", err)
		}
		c.connected.Store(true)
	}

	c.wg.Add(1)
	go c.dispatch()

	return c, nil
}

// DialPair dials two clients with the same configuration and connects
// them to each other.
func DialPair(cfg Config) (*Client, *Client, error) {
	cfg.Loopback = false
	a, err := Dial(cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := Dial(cfg)
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	if err := a.Connect(b.Info()); err != nil {
		_ = a.Close()
		_ = b.Close()
		return nil, nil, err
	}
	if err := b.Connect(a.Info()); err != nil {
		_ = a.Close()
		_ = b.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// Info returns the connection blob a peer passes to Connect.
func (c *Client) Info() verbs.ConnInfo {
	if c == nil || c.ep == nil {
		return verbs.ConnInfo{}
	}
	return c.ep.Info()
}

// Connect pairs the client's queue pair with the peer described by info.
func (c *Client) Connect(info verbs.ConnInfo) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := c.ep.Connect(info); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.connected.Store(true)
	c.logf("client: connected qpn=%#x peer=%s", c.ep.Handle(), info)
	return nil
}

// Connected reports whether Connect has succeeded.
func (c *Client) Connected() bool {
	return c != nil && c.connected.Load()
}

// Pool returns the buffer pool backing the client's command buffers.
func (c *Client) Pool() *verbs.BufferPool {
	if c == nil {
		return nil
	}
	return c.pool
}

// PoolStats returns a snapshot of the buffer pool counters.
func (c *Client) PoolStats() verbs.PoolStats {
	if c == nil || c.pool == nil {
		return verbs.PoolStats{}
	}
	return c.pool.Stats()
}

// Close stops the dispatcher, fails outstanding operations with ErrClosed
// and releases every native resource the client still tracks.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	c.wg.Wait()

	c.handlersMu.Lock()
	c.sendHandlers = nil
	c.receiveHandlers = nil
	c.completionHandlers = nil
	c.handlersMu.Unlock()

	if c.ep != nil {
		_ = c.ep.Close()
	}
	c.failPending(ErrClosed)
	c.releaseResources()
	return nil
}

func (c *Client) releaseResources() {
	if c.unobservePool != nil {
		c.unobservePool()
		c.unobservePool = nil
	}
	if c.ep != nil {
		_ = c.ep.Close()
	}

	c.resourcesMu.Lock()
	calls := c.calls
	regions := c.regions
	c.calls = make(map[freer]struct{})
	c.regions = make(map[*verbs.MemoryRegion]struct{})
	c.resourcesMu.Unlock()
	for call := range calls {
		call.Free()
	}
	for mr := range regions {
		_ = mr.Close()
	}

	if c.mrPool != nil {
		c.mrPool.Close()
	}
	if closer, ok := c.pd.(io.Closer); ok {
		_ = closer.Close()
	}
	if c.pool != nil && c.ownPool {
		c.pool.Close()
	}
	if c.device != nil {
		_ = c.device.Close()
	}
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:     c.stats.sendPosted.Load(),
		SendCompleted:  c.stats.sendCompleted.Load(),
		SendErrored:    c.stats.sendErrored.Load(),
		ReceivePosted:  c.stats.recvPosted.Load(),
		ReceiveMatched: c.stats.recvMatched.Load(),
		ReceiveErrored: c.stats.recvErrored.Load(),
		BatchesPosted:  c.stats.batches.Load(),
		Untracked:      c.stats.untracked.Load(),
	}
}

func (c *Client) ensureOpen() error {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) ensureConnected() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) dispatchFailure() error {
	if err := c.dispatcherError(); err != nil {
		return fmt.Errorf("verbs client dispatcher failed: %w", err)
	}
	return nil
}

func (c *Client) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	c.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (c *Client) dispatcherError() error {
	if c == nil {
		return nil
	}
	if holder := c.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 || timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
