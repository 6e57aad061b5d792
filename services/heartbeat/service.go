// Package heartbeat checks that the EC is still answering by sending a
// no-op command at a fixed interval, and logs the transport counters
// alongside each beat.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"nvec-go/errcode"
	"nvec-go/protocol"
	"nvec-go/services/ec"
)

const DefaultInterval = 30 * time.Second

// Link is the part of the transport the heartbeat needs.
type Link interface {
	WriteSync(ctx context.Context, payload []byte) (*ec.Reply, error)
	Stats() ec.Stats
}

type Service struct {
	link  Link
	clk   clock.Clock
	log   *zap.Logger
	reset chan time.Duration
	ready chan struct{} // closed once Run is ticking

	interval time.Duration
	beats    atomic.Uint32
	misses   atomic.Uint32
}

func New(link Link, interval time.Duration, clk clock.Clock, log *zap.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		link:     link,
		clk:      clk,
		log:      log.Named("heartbeat"),
		reset:    make(chan time.Duration, 1),
		ready:    make(chan struct{}),
		interval: interval,
	}
}

// SetInterval changes the beat period; it takes effect on the next tick.
func (s *Service) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-s.reset:
	default:
	}
	s.reset <- d
}

// Run beats until ctx is done. Call it once.
func (s *Service) Run(ctx context.Context) error {
	tick := s.clk.Ticker(s.interval)
	defer tick.Stop()
	close(s.ready)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat stopping", zap.Uint32("beats", s.beats.Load()), zap.Uint32("misses", s.misses.Load()))
			return nil
		case d := <-s.reset:
			tick.Reset(d)
			s.log.Info("interval changed", zap.Duration("interval", d))
		case <-tick.C:
			s.beat(ctx)
		}
	}
}

func (s *Service) beat(ctx context.Context) {
	start := s.clk.Now()
	rep, err := s.link.WriteSync(ctx, protocol.NoopRequest())
	switch {
	case errcode.Of(err) == errcode.Suspended:
		s.log.Debug("skipped while suspended")
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		s.misses.Add(1)
		s.log.Warn("ec did not answer", zap.Error(err), zap.Uint32("misses", s.misses.Load()))
		return
	}
	rep.Release()
	s.beats.Add(1)

	st := s.link.Stats()
	s.log.Info("beat",
		zap.Duration("rtt", s.clk.Since(start)),
		zap.Uint32("rx", st.FramesRX),
		zap.Uint32("tx", st.FramesTX),
		zap.Uint32("malformed", st.Malformed),
		zap.Uint32("retransmits", st.Retransmits),
		zap.Uint32("tx_timeouts", st.TxTimeouts),
		zap.Uint32("sync_timeouts", st.SyncTimeouts),
		zap.Int("pool_used", st.PoolUsed),
	)
}

func (s *Service) Beats() uint32  { return s.beats.Load() }
func (s *Service) Misses() uint32 { return s.misses.Load() }
