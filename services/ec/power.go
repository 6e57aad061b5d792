package ec

import (
	"context"

	"go.uber.org/zap"

	"nvec-go/errcode"
	"nvec-go/protocol"
)

// Suspend turns event reporting off, tells the EC the AP is going to
// sleep and detaches from the bus. Queued messages are kept for Resume.
func (t *Transport) Suspend(ctx context.Context) error {
	const op = "suspend"
	if state(t.state.Load()) != stateRunning {
		return errcode.Wrap(errcode.Busy, op, "transport not running")
	}
	if err := t.WriteAsync(protocol.GlobalEventsRequest(false)); err != nil {
		t.log.Warn("disable global events", zap.Error(err))
	}
	// The EC must see the suspend before we go deaf; a missing ack is
	// logged and does not stop the suspend.
	r, err := t.WriteSync(ctx, protocol.APSuspendRequest())
	if err != nil {
		t.log.Warn("ap suspend not acknowledged", zap.Error(err))
	} else {
		r.Release()
	}

	if !t.state.CompareAndSwap(int32(stateRunning), int32(stateSuspended)) {
		return errcode.Wrap(errcode.Closed, op, "transport closed during suspend")
	}
	t.req.Release()
	if err := t.ctl.Disable(); err != nil {
		return &errcode.E{C: errcode.Error, Op: op, Msg: "disable slave", Err: err}
	}
	t.log.Info("suspended")
	return nil
}

// Resume re-enables the slave interface and event reporting.
func (t *Transport) Resume() error {
	const op = "resume"
	if state(t.state.Load()) != stateSuspended {
		return errcode.Wrap(errcode.Busy, op, "transport not suspended")
	}
	if err := t.ctl.Enable(t.cfg.Address); err != nil {
		return &errcode.E{C: errcode.Error, Op: op, Msg: "enable slave", Err: err}
	}
	if !t.state.CompareAndSwap(int32(stateSuspended), int32(stateRunning)) {
		return errcode.Wrap(errcode.Closed, op, "transport closed during resume")
	}
	if err := t.WriteAsync(protocol.GlobalEventsRequest(true)); err != nil {
		return err
	}
	t.log.Info("resumed")
	return nil
}

// PowerOff asks the EC to cut power. It does not wait for the EC.
func (t *Transport) PowerOff() error {
	if err := t.WriteAsync(protocol.GlobalEventsRequest(false)); err != nil {
		return err
	}
	return t.WriteAsync(protocol.APPowerDownRequest())
}

// FirmwareVersion queries the EC firmware revision.
func (t *Transport) FirmwareVersion(ctx context.Context) (protocol.FirmwareVersion, error) {
	r, err := t.WriteSync(ctx, protocol.FirmwareVersionRequest())
	if err != nil {
		return protocol.FirmwareVersion{}, err
	}
	defer r.Release()
	if err := r.Err(); err != nil {
		return protocol.FirmwareVersion{}, err
	}
	v, err := protocol.ParseFirmwareVersion(r.Bytes())
	if err != nil {
		return protocol.FirmwareVersion{}, &errcode.E{C: errcode.InvalidPayload, Op: "firmware_version", Msg: protocol.Hex(r.Bytes()), Err: err}
	}
	return v, nil
}
