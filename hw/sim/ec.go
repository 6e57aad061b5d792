package sim

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"nvec-go/protocol"
)

// Responder computes the frames the EC writes back for one request.
// Returning nil leaves the request unanswered.
type Responder func(req []byte) [][]byte

// ECConfig parameterises the emulated embedded controller.
type ECConfig struct {
	Address  uint8
	Firmware protocol.FirmwareVersion
	Respond  Responder // nil selects the built-in command table
	Logger   *zap.Logger
}

// EC plays the embedded controller: it watches the request line, pulls
// requests with ReadBlock and writes replies and events as bus master.
type EC struct {
	master *Master
	line   *Pin
	addr   uint8
	fw     protocol.FirmwareVersion
	log    *zap.Logger
	kick   chan struct{}

	mu       sync.Mutex
	respond  Responder
	requests [][]byte
	events   bool
	sleep    byte
	pulls    int
}

func NewEC(m *Master, line *Pin, cfg ECConfig) *EC {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &EC{
		master:  m,
		line:    line,
		addr:    cfg.Address,
		fw:      cfg.Firmware,
		log:     cfg.Logger.Named("sim-ec"),
		kick:    make(chan struct{}, 1),
		respond: cfg.Respond,
	}
	line.OnChange(e.onLine)
	return e
}

// Request line is active low.
func (e *EC) onLine(level bool) {
	if level {
		return
	}
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run serves the request line until ctx is done.
func (e *EC) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.kick:
			for !e.line.Get() {
				if err := e.Poll(); err != nil {
					e.log.Debug("pull failed", zap.Error(err))
					break
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

// Poll pulls one request and answers it.
func (e *EC) Poll() error {
	requested := !e.line.Get()
	req, err := e.master.ReadBlock(uint16(e.addr), protocol.ReadCommand)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pulls++
	respond := e.respond
	e.mu.Unlock()

	// The no-op served for an empty queue is not a request.
	if !requested && len(req) == 2 && protocol.MsgType(req[0]) == protocol.TypeCntl && req[1] == protocol.CntlNoop {
		return nil
	}

	e.mu.Lock()
	e.requests = append(e.requests, append([]byte(nil), req...))
	e.mu.Unlock()
	e.log.Debug("request", zap.String("frame", protocol.Hex(req)))

	var replies [][]byte
	if respond != nil {
		replies = respond(req)
	} else {
		replies = e.builtin(req)
	}
	for _, r := range replies {
		if err := e.Send(r); err != nil {
			return err
		}
	}
	return nil
}

// Send writes one frame to the host.
func (e *EC) Send(frame []byte) error {
	return e.master.Tx(uint16(e.addr), frame, nil)
}

// SetResponder replaces the reply function; nil restores the built-in one.
func (e *EC) SetResponder(r Responder) {
	e.mu.Lock()
	e.respond = r
	e.mu.Unlock()
}

// Requests returns a copy of every request payload seen so far.
func (e *EC) Requests() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.requests))
	copy(out, e.requests)
	return out
}

// Pulls counts completed block reads, no-ops included.
func (e *EC) Pulls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pulls
}

// EventsEnabled reports the global event reporting switch.
func (e *EC) EventsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// SleepState is the last sleep sub-command received (0 when awake).
func (e *EC) SleepState() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sleep
}

func (e *EC) builtin(req []byte) [][]byte {
	if len(req) < 2 {
		return nil
	}
	t, sub := protocol.MsgType(req[0]), req[1]
	switch t {
	case protocol.TypeCntl:
		if sub == protocol.CntlGetFirmware {
			return [][]byte{{byte(t), 6, sub, 0, e.fw.Major, e.fw.Minor, e.fw.HWMajor, e.fw.HWMinor}}
		}
		return [][]byte{protocol.Ack(t, sub, 0)}
	case protocol.TypeSleep:
		e.mu.Lock()
		if sub == protocol.SleepGlobalEvents {
			e.events = len(req) > 2 && req[2] != 0
			if e.events {
				e.sleep = 0
			}
		} else {
			e.sleep = sub
		}
		e.mu.Unlock()
		return [][]byte{protocol.Ack(t, sub, 0)}
	case protocol.TypeSys, protocol.TypeBat, protocol.TypeGPIO, protocol.TypeKbd,
		protocol.TypePS2, protocol.TypeOEM0:
		return [][]byte{protocol.Ack(t, sub, 0)}
	}
	return [][]byte{protocol.Ack(t, sub, 0x01)}
}
