package dispatcher

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/logging"
	"github.com/sweeney/ivr-mqtt/internal/menu"
	"github.com/sweeney/ivr-mqtt/internal/recording"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

func (d *Dispatcher) onIncomingCall(ctx context.Context, evt event.Event, log *zap.Logger) error {
	ic, ok := evt.Payload.(event.IncomingCall)
	if !ok {
		return errNoPayload
	}
	log = log.With(zap.String("from", ic.From.RawID), zap.String("to", ic.To.RawID))

	if len(d.cfg.AllowedIdentities) == 0 {
		logging.Critical(log, "allow-list is empty, accepting calls from anyone")
	} else if !slices.Contains(d.cfg.AllowedIdentities, ic.To.RawID) {
		log.Warn("not answering call to identity outside allow-list")
		return nil
	}

	conn, err := d.client.AnswerCall(ctx, callcontrol.AnswerOptions{
		IncomingCallContext: ic.IncomingCallContext,
		CallbackURL:         d.cfg.CallbackURL,
		MediaStreaming:      d.cfg.UseNLU,
	})
	if err := d.observe(callcontrol.OpAnswerCall, err); err != nil {
		return err
	}
	d.store.SetCustomerAcsID(conn.ID, ic.From.RawID)
	if conn.ServerCallID != "" {
		d.store.SetServerCallID(conn.ID, conn.ServerCallID)
	}
	log.Info("answered call", zap.String("call_id", conn.ID))
	return nil
}

func (d *Dispatcher) onCallConnected(ctx context.Context, evt event.Event, log *zap.Logger) error {
	callID := evt.CallConnectionID
	switch evt.ContextToken() {
	case AgentJoining, SupervisorJoining:
		logging.Critical(log, "participant join context reached call-connected handling")
		return nil
	}

	if evt.ServerCallID != "" {
		d.store.SetServerCallID(callID, evt.ServerCallID)
	}
	if c, ok := evt.Payload.(event.Connected); ok && c.MediaSubscriptionID != "" {
		d.store.SetMediaSubscription(callID, c.MediaSubscriptionID)
		d.store.SetAudioStream(callID, store.AudioStream{SubscriptionID: c.MediaSubscriptionID})
	}
	if d.cfg.AutoRecord && d.records != nil && evt.ServerCallID != "" {
		if _, err := d.records.Start(ctx, evt.ServerCallID); err != nil && !errors.Is(err, recording.ErrAlreadyRecording) {
			log.Error("starting recording", zap.Error(err))
		}
	}

	if evt.ContextToken() == menu.ScheduledCallbackDialout {
		return d.startDialout(ctx, log, callID, evt.ContextArgument())
	}
	return d.startMainMenu(ctx, log, callID, "")
}

func (d *Dispatcher) onCallDisconnected(_ context.Context, evt event.Event, log *zap.Logger) error {
	d.cleanup(log, evt.CallConnectionID)
	d.store.MarkTerminated(evt.CallConnectionID)
	return nil
}

func (d *Dispatcher) onParticipantsUpdated(ctx context.Context, evt event.Event, log *zap.Logger) error {
	callID := evt.CallConnectionID
	customer, ok := d.store.CustomerAcsID(callID)
	if !ok {
		log.Debug("no customer recorded for call")
		return nil
	}
	p, ok := evt.Payload.(event.ParticipantsChanged)
	if !ok {
		return errNoPayload
	}
	for _, id := range p.Participants {
		if id.RawID == customer {
			return nil
		}
	}
	log.Info("customer left the call", zap.String("customer", customer))
	d.cleanup(log, callID)
	return d.observe(callcontrol.OpHangUp, d.client.HangUp(ctx, callID, true))
}

// cleanup evicts every per-call scope and cancels the call's recognizers.
// It only touches the store, so it cannot fail and can run repeatedly.
func (d *Dispatcher) cleanup(log *zap.Logger, callID string) {
	if summary, ok := d.store.CallSummary(callID); ok {
		log.Info("call summary", zap.String("summary", summary))
	}
	if server, ok := d.store.ServerCallID(callID); ok {
		d.store.RemoveRecording(server)
	}
	d.store.Evict(callID,
		store.ScopeCustomerID,
		store.ScopeCustomerAcsID,
		store.ScopeAgentAcsIDs,
		store.ScopeWaitTime,
		store.ScopeClassification,
		store.ScopeJobID,
		store.ScopeServerCall,
	)
	for _, slot := range store.Slots {
		d.store.CancelAndRemove(slot, callID)
	}
	if d.cfg.UseNLU {
		d.store.RemoveMediaSubscription(callID)
		d.store.Evict(callID, store.ScopeAudioStream, store.ScopeCallSummary)
	}
}

func (d *Dispatcher) hangUp(ctx context.Context, evt event.Event, _ *zap.Logger) error {
	return d.observe(callcontrol.OpHangUp, d.client.HangUp(ctx, evt.CallConnectionID, true))
}

func (d *Dispatcher) onTransferAccepted(_ context.Context, evt event.Event, log *zap.Logger) error {
	log.Info("call transferred")
	d.cleanup(log, evt.CallConnectionID)
	return nil
}

func (d *Dispatcher) onTransferFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	log.Warn("transfer failed, returning caller to the default queue", zap.String("reason", evt.Result.Message))
	return d.play(ctx, evt.CallConnectionID, d.text(d.menu.Prompts.TransferFailed), string(menu.DefaultQueue))
}
