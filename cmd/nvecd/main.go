// Command nvecd runs the EC transport against the simulated controller or
// a serial I2C-slave bridge, and optionally mirrors bus traffic to
// websocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nvec-go/bus"
	"nvec-go/hw"
	"nvec-go/hw/gpiochip"
	"nvec-go/hw/serialbridge"
	"nvec-go/hw/sim"
	"nvec-go/protocol"
	"nvec-go/services/config"
	"nvec-go/services/ec"
	"nvec-go/services/eventstream"
	"nvec-go/services/heartbeat"
	"nvec-go/x/logx"
)

var simFirmware = protocol.FirmwareVersion{Major: 0x00, Minor: 0x25, HWMajor: 0x01, HWMinor: 0x02}

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	board := flag.String("board", "sim", "built-in board preset, used when -config is empty")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath, *board)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nvecd:", err)
		os.Exit(2)
	}
	log, err := logx.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nvecd:", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exit", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path, board string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.ForBoard(board)
}

// backend is the hardware side of the link: a slave controller, the pin
// behind the request line, and whatever goroutine keeps it alive.
type backend struct {
	ctl   hw.SlaveController
	pin   hw.OutputPin
	run   func(ctx context.Context) error
	close func() error
}

func openBackend(cfg config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.Backend.Type {
	case config.BackendSim:
		slave := sim.NewSlave()
		pin := sim.NewPin(cfg.EC.RequestGPIO)
		emu := sim.NewEC(sim.NewMaster(slave), pin, sim.ECConfig{
			Address:  cfg.EC.Address7(),
			Firmware: simFirmware,
			Logger:   log,
		})
		return &backend{ctl: slave, pin: pin, run: emu.Run, close: func() error { return nil }}, nil

	case config.BackendSerial:
		br, err := serialbridge.Open(cfg.Backend.SerialPort, cfg.Backend.BaudRate, log)
		if err != nil {
			return nil, err
		}
		be := &backend{ctl: br, pin: br, run: br.Run, close: br.Close}
		if cfg.EC.GPIOChip != "" && cfg.EC.RequestGPIO >= 0 {
			line := gpiochip.New(cfg.EC.GPIOChip, uint32(cfg.EC.RequestGPIO), log)
			be.pin = line
			be.close = func() error { return multierr.Append(br.Close(), line.Close()) }
		}
		return be, nil
	}
	return nil, errors.Errorf("unknown backend %q", cfg.Backend.Type)
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	log.Info("starting",
		zap.String("backend", cfg.Backend.Type),
		zap.String("clock", cfg.EC.Clock),
		zap.Uint8("address", cfg.EC.SlaveAddress),
		zap.Int("request_gpio", cfg.EC.RequestGPIO),
	)

	be, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, be.close()) }()

	// The EC only pulls on a falling edge unless the board says otherwise.
	req, err := hw.NewRequestLine(be.pin, !cfg.EC.RequestActHigh)
	if err != nil {
		return errors.Wrap(err, "request line")
	}
	sysMask, _ := cfg.SystemEventMask()
	monMask, _ := cfg.MonitorMask()

	b := bus.NewBus()
	clk := clock.New()
	t := ec.New(be.ctl, req, b, ec.Config{
		Address:      cfg.EC.Address7(),
		PoolSize:     cfg.EC.PoolSize,
		TxTimeout:    cfg.EC.TxTimeout,
		SyncTimeout:  cfg.EC.SyncTimeout,
		SystemEvents: sysMask,
		Clock:        clk,
		Logger:       log,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return be.run(gctx) })

	if cfg.Monitor.Enabled {
		es := eventstream.New(eventstream.Config{
			Listen: cfg.Monitor.Listen,
			Mask:   monMask,
			Clock:  clk,
			Logger: log,
		})
		es.Attach(b)
		defer es.Detach()
		g.Go(func() error { return es.Run(gctx) })
	}

	if err := t.Start(gctx); err != nil {
		cancel()
		return multierr.Append(errors.Wrap(err, "start transport"), waitStopped(g))
	}

	if cfg.EC.ProbeFirmware {
		v, err := t.FirmwareVersion(gctx)
		if err != nil {
			log.Warn("firmware probe", zap.Error(err))
		} else {
			log.Info("ec firmware",
				zap.String("version", fmt.Sprintf("%02x.%02x", v.Major, v.Minor)),
				zap.String("hw", fmt.Sprintf("%02x.%02x", v.HWMajor, v.HWMinor)),
			)
		}
	}

	if cfg.EC.Heartbeat > 0 {
		hb := heartbeat.New(t, cfg.EC.Heartbeat, clk, log)
		g.Go(func() error { return hb.Run(gctx) })
	}

	<-gctx.Done()
	log.Info("shutting down")
	return multierr.Append(t.Close(), waitStopped(g))
}

// waitStopped collects the group, ignoring the cancellation that ended it.
func waitStopped(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
