// Package serialbridge runs the EC link through a USB-serial adapter whose
// microcontroller is the I2C slave. Every slave interrupt arrives as a
// 3-byte record and is replayed into the registered handler on the host.
//
// Device to host: [0x5A][status][data].
// Host to device: [op][arg], see the op constants.
package serialbridge

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"nvec-go/hw"
)

const (
	recSync byte = 0x5A

	opTx      byte = 0xB0 // byte for the pending master read
	opLine    byte = 0xB1 // request line level, 0 or 1
	opEnable  byte = 0xB2 // enable slave at 7-bit address arg
	opDisable byte = 0xB3

	readTimeout = 200 * time.Millisecond
)

// Bridge implements hw.SlaveController and hw.OutputPin.
type Bridge struct {
	port io.ReadWriteCloser
	log  *zap.Logger

	wmu sync.Mutex

	hmu     sync.Mutex
	handler func()

	// Latched by the reader goroutine around each handler call.
	status hw.Status
	data   byte
	tx     byte
	wrote  bool

	records atomic.Uint32
	resyncs atomic.Uint32
}

var (
	_ hw.SlaveController = (*Bridge)(nil)
	_ hw.OutputPin       = (*Bridge)(nil)
)

// Open opens the serial device at 8N1.
func Open(path string, baud int, log *zap.Logger) (*Bridge, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "serialbridge: open %s", path)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "serialbridge: set read timeout"), port.Close())
	}
	return New(port, log), nil
}

// New wraps an already open port.
func New(port io.ReadWriteCloser, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{port: port, log: log.Named("serialbridge")}
}

func (b *Bridge) send(op, arg byte) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.port.Write([]byte{op, arg}); err != nil {
		return errors.Wrapf(err, "serialbridge: write op %#x", op)
	}
	return nil
}

func (b *Bridge) Enable(addr uint8) error { return b.send(opEnable, addr) }
func (b *Bridge) Disable() error          { return b.send(opDisable, 0) }

func (b *Bridge) SetIRQ(handler func()) error {
	b.hmu.Lock()
	b.handler = handler
	b.hmu.Unlock()
	return nil
}

func (b *Bridge) ClearIRQ() error { return b.SetIRQ(nil) }

func (b *Bridge) Status() hw.Status { return b.status }
func (b *Bridge) ReadByte() byte    { return b.data }

// WriteByte is sent once the handler returns.
func (b *Bridge) WriteByte(c byte) {
	b.tx = c
	b.wrote = true
}

func (b *Bridge) ConfigureOutput(initial bool) error {
	return b.send(opLine, level(initial))
}

func (b *Bridge) Set(v bool) {
	if err := b.send(opLine, level(v)); err != nil {
		b.log.Warn("request line write failed", zap.Error(err))
	}
}

func level(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Run reads records until ctx is done or the port fails.
func (b *Bridge) Run(ctx context.Context) error {
	buf := make([]byte, 64)
	var rec [3]byte
	n := 0
	for ctx.Err() == nil {
		k, err := b.port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "serialbridge: read")
		}
		for _, c := range buf[:k] {
			if n == 0 && c != recSync {
				b.resyncs.Add(1)
				continue
			}
			rec[n] = c
			n++
			if n == len(rec) {
				n = 0
				b.dispatch(hw.Status(rec[1]), rec[2])
			}
		}
	}
	return nil
}

func (b *Bridge) dispatch(st hw.Status, data byte) {
	defer b.records.Add(1)
	b.hmu.Lock()
	h := b.handler
	b.hmu.Unlock()
	if h == nil {
		b.log.Debug("record without handler", zap.Stringer("status", st))
		return
	}
	b.status, b.data, b.wrote = st, data, false
	h()
	if b.wrote {
		if err := b.send(opTx, b.tx); err != nil {
			b.log.Error("tx byte lost", zap.Error(err))
		}
	}
}

// Records counts complete records; Resyncs counts bytes skipped while
// looking for the sync byte.
func (b *Bridge) Records() uint32 { return b.records.Load() }
func (b *Bridge) Resyncs() uint32 { return b.resyncs.Load() }

// Close disables the slave and closes the port.
func (b *Bridge) Close() error {
	return multierr.Combine(b.Disable(), b.port.Close())
}
