// Package ec is the transport to the NVIDIA embedded controller.
//
// The EC is the I2C bus master; we sit on the bus as a slave and see one
// interrupt per byte. Outbound messages are queued and announced by pulling
// the request line, after which the EC reads them at its own pace. Inbound
// frames are assembled in interrupt context and handed to a dispatcher
// goroutine that either completes a waiting synchronous call or fans them
// out on the notifier bus.
package ec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nvec-go/bus"
	"nvec-go/errcode"
	"nvec-go/hw"
	"nvec-go/protocol"
	"nvec-go/x/conv"
)

const (
	DefaultPoolSize    = 64
	DefaultTxTimeout   = 5 * time.Second
	DefaultSyncTimeout = 2 * time.Second

	MinPoolSize = 4
)

// Config holds the platform parameters of one EC link.
type Config struct {
	Address     uint8 // 7-bit slave address
	PoolSize    int
	TxTimeout   time.Duration
	SyncTimeout time.Duration

	// SystemEvents, when non-zero, is written as the SYS event reporting
	// mask after start-up.
	SystemEvents uint32

	Clock  clock.Clock
	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.PoolSize < MinPoolSize {
		c.PoolSize = MinPoolSize
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateSuspended
	stateClosed
)

// Transport owns everything attached to one EC.
type Transport struct {
	cfg Config
	ctl hw.SlaveController
	req *hw.RequestLine
	bus *bus.Bus

	log    *zap.Logger
	isrLog *zap.Logger
	txLog  *zap.Logger
	rxLog  *zap.Logger

	pool    *pool
	scratch protocol.Message

	// ISR-owned receive state.
	rx     *protocol.Message
	framer protocol.Framer

	txq    txQueue
	txKick chan struct{}
	txDone chan *protocol.Message
	txMu   sync.Mutex // one TX drain at a time

	rxq        chan *protocol.Message
	dispatchMu sync.Mutex

	syncMu   sync.Mutex // one synchronous call at a time
	tagMu    sync.Mutex // guards pending, last
	pending  protocol.Tag
	hasTag   bool
	last     *protocol.Message
	syncDone chan struct{}

	state  atomic.Int32
	stats  counters
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
	status *bus.Entry
}

// New wires a transport to its controller and request line. Start brings
// it up.
func New(ctl hw.SlaveController, req *hw.RequestLine, b *bus.Bus, cfg Config) *Transport {
	cfg.applyDefaults()
	if b == nil {
		b = bus.NewBus()
	}
	log := cfg.Logger.Named("ec")
	t := &Transport{
		cfg:      cfg,
		ctl:      ctl,
		req:      req,
		bus:      b,
		log:      log,
		isrLog:   log.Named("isr"),
		txLog:    log.Named("tx"),
		rxLog:    log.Named("rx"),
		pool:     newPool(cfg.PoolSize, log.Named("pool")),
		txKick:   make(chan struct{}, 1),
		txDone:   make(chan *protocol.Message, 1),
		rxq:      make(chan *protocol.Message, cfg.PoolSize),
		syncDone: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	t.scratch.SetSlot(-1)
	t.scratch.SetRequest(protocol.NoopRequest())
	return t
}

// Bus returns the notifier bus consumers register on.
func (t *Transport) Bus() *bus.Bus { return t.bus }

// Start installs the interrupt handler, enables the slave interface and
// runs the dispatchers until ctx is done or Close is called.
func (t *Transport) Start(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return errcode.Wrap(errcode.Busy, "start", "transport already started")
	}
	if err := t.ctl.SetIRQ(t.handleIRQ); err != nil {
		t.state.Store(int32(stateIdle))
		return &errcode.E{C: errcode.Error, Op: "start", Msg: "install irq handler", Err: err}
	}
	t.req.Release()
	if err := t.ctl.Enable(t.cfg.Address); err != nil {
		_ = t.ctl.ClearIRQ()
		t.state.Store(int32(stateIdle))
		return &errcode.E{C: errcode.Error, Op: "start", Msg: "enable slave", Err: err}
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.group, ctx = errgroup.WithContext(ctx)
	t.group.Go(func() error { t.runTX(ctx); return nil })
	t.group.Go(func() error { t.runRX(ctx); return nil })

	t.status = t.bus.Register("ec-status", protocol.MaskOf(protocol.TypeCntl), t.onStatus)

	if err := t.WriteAsync(protocol.GlobalEventsRequest(true)); err != nil {
		t.log.Warn("enable global events", zap.Error(err))
	}
	if t.cfg.SystemEvents != 0 {
		if err := t.WriteAsync(protocol.SysEventMaskRequest(true, t.cfg.SystemEvents)); err != nil {
			t.log.Warn("configure system events", zap.Error(err))
		}
	}
	t.log.Info("started",
		zap.String("address", addrString(t.cfg.Address)),
		zap.Int("pool", t.cfg.PoolSize))
	return nil
}

// onStatus logs control responses nobody else claimed.
func (t *Transport) onStatus(ev *bus.Event) bus.Verdict {
	t.log.Debug("control message", zap.String("frame", protocol.Hex(ev.Data)))
	return bus.NotMine
}

// Close stops the dispatchers, detaches from the hardware and frees every
// queued message. Pending synchronous callers return errcode.Closed.
func (t *Transport) Close() error {
	prev := state(t.state.Swap(int32(stateClosed)))
	if prev == stateClosed {
		return nil
	}
	close(t.done)
	if prev == stateIdle {
		return nil
	}
	if t.status != nil {
		t.status.Unregister()
	}
	t.cancel()
	_ = t.group.Wait()

	err := multierr.Combine(t.ctl.Disable(), t.ctl.ClearIRQ())
	t.req.Release()

	for _, m := range t.txq.drain() {
		t.pool.release(m)
	}
	for len(t.rxq) > 0 {
		t.pool.release(<-t.rxq)
	}
	t.tagMu.Lock()
	t.pool.release(t.last)
	t.last = nil
	t.hasTag = false
	t.tagMu.Unlock()

	t.log.Info("closed")
	return err
}

// Stats is a snapshot of the transport counters.
type Stats struct {
	FramesRX     uint32
	FramesTX     uint32
	Malformed    uint32
	Incomplete   uint32
	NoSlot       uint32
	RXQueueFull  uint32
	Junk         uint32
	Noops        uint32
	Spurious     uint32
	AddrMismatch uint32
	Retransmits  uint32
	TxTimeouts   uint32
	SyncTimeouts uint32
	ECErrors     uint32

	TxQueued int
	PoolUsed int
	RxNext   int
}

type counters struct {
	framesRX, framesTX                atomic.Uint32
	malformed, incomplete, noSlot     atomic.Uint32
	rxFull, junk, noops, spurious     atomic.Uint32
	addrMismatch, retransmits         atomic.Uint32
	txTimeouts, syncTimeouts, ecError atomic.Uint32
}

func (t *Transport) Stats() Stats {
	c := &t.stats
	return Stats{
		FramesRX:     c.framesRX.Load(),
		FramesTX:     c.framesTX.Load(),
		Malformed:    c.malformed.Load(),
		Incomplete:   c.incomplete.Load(),
		NoSlot:       c.noSlot.Load(),
		RXQueueFull:  c.rxFull.Load(),
		Junk:         c.junk.Load(),
		Noops:        c.noops.Load(),
		Spurious:     c.spurious.Load(),
		AddrMismatch: c.addrMismatch.Load(),
		Retransmits:  c.retransmits.Load(),
		TxTimeouts:   c.txTimeouts.Load(),
		SyncTimeouts: c.syncTimeouts.Load(),
		ECErrors:     c.ecError.Load(),
		TxQueued:     t.txq.len(),
		PoolUsed:     t.pool.inUse(),
		RxNext:       int(t.pool.rxNext.Load()),
	}
}

func (t *Transport) kickTX() {
	select {
	case t.txKick <- struct{}{}:
	default:
	}
}

func addrString(a uint8) string {
	var b [4]byte
	return string(conv.U8Hex(b[:0], a))
}
