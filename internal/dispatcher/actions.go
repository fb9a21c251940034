package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

// Operator action errors.
var (
	ErrUnknownCall  = errors.New("dispatcher: no active call with that id")
	ErrNoSupervisor = errors.New("dispatcher: no supervisor configured")
	ErrNoTarget     = errors.New("dispatcher: transfer target is required")
)

func (d *Dispatcher) activeCustomer(callID string) (string, error) {
	if d.store.Terminated(callID) {
		return "", ErrUnknownCall
	}
	c, ok := d.store.CustomerAcsID(callID)
	if !ok {
		return "", ErrUnknownCall
	}
	return c, nil
}

// Escalate announces a supervisor to the caller. The supervisor is added
// once the announcement completes.
func (d *Dispatcher) Escalate(ctx context.Context, callID string) error {
	if _, err := d.activeCustomer(callID); err != nil {
		return err
	}
	if d.cfg.Supervisor == "" {
		return ErrNoSupervisor
	}
	d.log.Info("escalating call", zap.String("call_id", callID))
	return d.play(ctx, callID, d.text(d.menu.Prompts.Escalation), Escalation)
}

// Hold puts the customer on hold with the hold music.
func (d *Dispatcher) Hold(ctx context.Context, callID string) error {
	customer, err := d.activeCustomer(callID)
	if err != nil {
		return err
	}
	return d.observe(callcontrol.OpHold, d.client.Hold(ctx, callID, customer, d.holdMusic(), HoldCall))
}

func (d *Dispatcher) Unhold(ctx context.Context, callID string) error {
	customer, err := d.activeCustomer(callID)
	if err != nil {
		return err
	}
	return d.observe(callcontrol.OpUnhold, d.client.Unhold(ctx, callID, customer, HoldCall))
}

// TransferCall hands the call to target. The call's state is cleaned up
// when the transfer is accepted.
func (d *Dispatcher) TransferCall(ctx context.Context, callID, target string) error {
	if target == "" {
		return ErrNoTarget
	}
	if _, err := d.activeCustomer(callID); err != nil {
		return err
	}
	d.log.Info("transferring call", zap.String("call_id", callID), zap.String("target", target))
	return d.observe(callcontrol.OpTransfer, d.client.Transfer(ctx, callID, target, Transfer))
}

func (d *Dispatcher) onRecordingStateChanged(_ context.Context, evt event.Event, log *zap.Logger) error {
	rs, ok := evt.Payload.(event.RecordingState)
	if !ok {
		return errNoPayload
	}
	server := evt.ServerCallID
	if server == "" {
		log.Warn("recording state without server call id", zap.String("recording_id", rs.RecordingID))
		return nil
	}
	if !rs.Active() {
		d.store.SetRecordingPaused(server, true)
		log.Info("recording inactive", zap.String("recording_id", rs.RecordingID))
		return nil
	}
	if cur, ok := d.store.Recording(server); ok && cur.RecordingID == rs.RecordingID {
		d.store.SetRecordingPaused(server, false)
		return nil
	}
	d.store.PutRecording(store.RecordingContext{
		RecordingID:  rs.RecordingID,
		ServerCallID: server,
		StartedAt:    rs.StartTime,
	})
	log.Info("recording started", zap.String("recording_id", rs.RecordingID))
	return nil
}

func (d *Dispatcher) onRecordingFile(ctx context.Context, evt event.Event, log *zap.Logger) error {
	f, ok := evt.Payload.(event.RecordingFile)
	if !ok {
		return errNoPayload
	}
	if d.archive == nil {
		log.Info("recording ready, archiving disabled", zap.Int("chunks", len(f.Chunks)))
		d.store.RemoveRecording(evt.ServerCallID)
		return nil
	}
	for _, c := range f.Chunks {
		if err := d.archive.Archive(ctx, evt.ServerCallID, c); err != nil {
			return fmt.Errorf("archiving chunk %d of %s: %w", c.Index, evt.ServerCallID, err)
		}
	}
	log.Info("recording archived", zap.Int("chunks", len(f.Chunks)))
	d.store.RemoveRecording(evt.ServerCallID)
	return nil
}
