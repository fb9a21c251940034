package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callback"
	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/menu"
	"github.com/sweeney/ivr-mqtt/internal/phrase"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

// startMainMenu plays the greeting and starts the recognizer the feature
// flags select. AI pairing and custom phrase recognition collect tones from
// the provider and listen for phrases on the side channel.
func (d *Dispatcher) startMainMenu(ctx context.Context, log *zap.Logger, callID, preroll string) error {
	prompt := d.text(withPreroll(preroll, d.menu.Main.Prompt))
	switch {
	case d.cfg.UseAIPairing:
		d.startPhrases(log, callID, store.SlotPairing, AiPairing)
		return d.recognize(ctx, callID, d.toneOptions(callID, prompt, 1, AiPairing))
	case d.cfg.UseCustomPhraseRecognition:
		d.startPhrases(log, callID, store.SlotMainMenu, menu.MainMenu)
		return d.recognize(ctx, callID, d.toneOptions(callID, prompt, 1, menu.MainMenu))
	}
	return d.recognize(ctx, callID, d.choiceOptions(callID, prompt, &d.menu.Main, menu.MainMenu))
}

// startPhrases starts the side channel. Failures leave the tone recognizer
// as the only input, so they are logged and not returned.
func (d *Dispatcher) startPhrases(log *zap.Logger, callID string, slot store.Slot, opCtx string) {
	if d.phrases == nil {
		log.Warn("phrase recognition enabled without a recognizer")
		return
	}
	sub, ok := d.store.MediaSubscription(callID)
	if !ok {
		log.Warn("no media subscription for phrase recognition")
		return
	}
	_, err := d.phrases.Start(callID, sub, &d.menu.Main, slot, opCtx)
	switch {
	case errors.Is(err, phrase.ErrSlotTaken):
		log.Warn("recognizer slot already registered, keeping existing handle", zap.String("slot", string(slot)))
		d.metrics.SlotConflict(string(slot))
	case err != nil:
		log.Error("starting phrase recognizer", zap.Error(err))
	}
}

func (d *Dispatcher) cancelSlot(log *zap.Logger, slot store.Slot, callID string) {
	if d.store.CancelAndRemove(slot, callID) {
		log.Debug("cancelled recognizer", zap.String("slot", string(slot)))
	}
}

// sideChannelSlot is the slot the main menu's phrase listener lives in.
func (d *Dispatcher) sideChannelSlot() (store.Slot, bool) {
	switch {
	case d.cfg.UseAIPairing:
		return store.SlotPairing, true
	case d.cfg.UseCustomPhraseRecognition:
		return store.SlotMainMenu, true
	}
	return "", false
}

// replayMainMenu stops the side channel before the menu starts again.
func (d *Dispatcher) replayMainMenu(ctx context.Context, log *zap.Logger, callID, preroll string) error {
	if slot, ok := d.sideChannelSlot(); ok {
		d.cancelSlot(log, slot, callID)
	}
	return d.startMainMenu(ctx, log, callID, preroll)
}

func (d *Dispatcher) onMainMenuRecognized(ctx context.Context, evt event.Event, log *zap.Logger) error {
	res, err := recognized(evt)
	if err != nil {
		return err
	}
	callID := evt.CallConnectionID
	switch r := res.(type) {
	case event.Choice:
		if d.cfg.UseCustomPhraseRecognition {
			log.Info("ignoring choice result under custom phrase recognition", zap.String("label", r.Label))
			return nil
		}
	case event.Tones:
		if d.cfg.UseCustomPhraseRecognition {
			d.cancelSlot(log, store.SlotMainMenu, callID)
		}
	case event.Speech:
		if r.Label != "" {
			return d.onPhraseMatched(ctx, log, callID, store.SlotMainMenu, r)
		}
	}
	return d.chooseMainMenu(ctx, log, callID, res)
}

func (d *Dispatcher) onPairingRecognized(ctx context.Context, evt event.Event, log *zap.Logger) error {
	res, err := recognized(evt)
	if err != nil {
		return err
	}
	if sp, ok := res.(event.Speech); ok && sp.Label != "" {
		return d.onPhraseMatched(ctx, log, evt.CallConnectionID, store.SlotPairing, sp)
	}
	d.cancelSlot(log, store.SlotPairing, evt.CallConnectionID)
	return d.onMainMenuRecognized(ctx, evt, log)
}

// onPhraseMatched handles a match reported by the side channel. Claiming the
// slot decides the race with the tone recognizer: a match from a listener
// that was already cancelled or replaced is dropped.
func (d *Dispatcher) onPhraseMatched(ctx context.Context, log *zap.Logger, callID string, slot store.Slot, sp event.Speech) error {
	h, ok := d.store.ClaimCanceler(slot, callID)
	if !ok {
		log.Info("dropping phrase match from superseded recognizer", zap.String("slot", string(slot)))
		return nil
	}
	h.Cancel()
	if err := d.observe(callcontrol.OpCancelAllMediaOperations, d.client.CancelAllMediaOperations(ctx, callID)); err != nil {
		return err
	}
	return d.chooseMainMenu(ctx, log, callID, sp)
}

func (d *Dispatcher) chooseMainMenu(ctx context.Context, log *zap.Logger, callID string, res event.RecognitionResult) error {
	opt, ok := resolve(&d.menu.Main, res)
	if !ok || opt.Action.Kind != menu.ActionQueue {
		log.Info("main menu input matched no option")
		return d.replayMainMenu(ctx, log, callID, d.menu.Prompts.InvalidOption)
	}
	return d.selectQueue(ctx, log, callID, opt.Action.Queue)
}

func (d *Dispatcher) onMainMenuFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	if d.cfg.UseCustomPhraseRecognition {
		d.cancelSlot(log, store.SlotMainMenu, evt.CallConnectionID)
	}
	return d.remediateMainMenu(ctx, evt, log)
}

func (d *Dispatcher) onPairingFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	d.cancelSlot(log, store.SlotPairing, evt.CallConnectionID)
	return d.remediateMainMenu(ctx, evt, log)
}

func (d *Dispatcher) remediateMainMenu(ctx context.Context, evt event.Event, log *zap.Logger) error {
	reason := evt.Reason()
	log = log.With(zap.String("reason", string(reason)))
	switch reason {
	case event.ReasonInitialSilenceTimedOut:
		log.Info("no input, replaying main menu")
		return d.startMainMenu(ctx, log, evt.CallConnectionID, d.menu.Prompts.NoInput)
	case event.ReasonInterToneTimedOut, event.ReasonIncorrectToneDetected,
		event.ReasonMaxTonesReceived, event.ReasonSpeechOptionNotMatched,
		event.ReasonSpeechNotRecognized:
		log.Info("invalid input, replaying main menu")
		return d.startMainMenu(ctx, log, evt.CallConnectionID, d.menu.Prompts.InvalidOption)
	}
	log.Info("no remediation for recognize failure")
	return nil
}

// selectQueue records the caller's choice, then validates the account id,
// offers a callback or announces the queue.
func (d *Dispatcher) selectQueue(ctx context.Context, log *zap.Logger, callID string, q menu.Queue) error {
	d.store.SetClassification(callID, q.Classification())
	if qs, ok := d.cfg.Queues[q]; ok && qs.EstimatedWait > 0 {
		d.store.SetWaitTime(callID, qs.EstimatedWait)
	}
	log.Info("queue selected", zap.String("queue", string(q)))

	if d.cfg.AccountIDValidation {
		if _, ok := d.store.CustomerID(callID); !ok {
			return d.startAccountID(ctx, log, callID)
		}
	}
	return d.offerOrQueue(ctx, callID, q)
}

// startAccountID collects the account number. The timeout handle lives in
// the account-id slot: whichever of the result, the failure or the timer
// removes it first decides where the caller goes.
func (d *Dispatcher) startAccountID(ctx context.Context, log *zap.Logger, callID string) error {
	var (
		mu   sync.Mutex
		stop func() bool
	)
	h := store.NewCancelHandle(func() {
		mu.Lock()
		defer mu.Unlock()
		if stop != nil {
			stop()
		}
	})
	if !d.store.RegisterCanceler(store.SlotAccountID, callID, h) {
		log.Warn("account id already being collected, keeping existing handle")
		d.metrics.SlotConflict(string(store.SlotAccountID))
		return nil
	}
	mu.Lock()
	stop = d.after(d.cfg.AccountIDTimeout, func() { d.accountIDTimedOut(callID, h) })
	mu.Unlock()

	opts := d.toneOptions(callID, d.text(d.menu.Prompts.AccountID), d.cfg.AccountIDDigits, AccountIDValidation)
	opts.StopTones = []string{string(event.TonePound)}
	if err := d.recognize(ctx, callID, opts); err != nil {
		d.store.ReleaseCanceler(store.SlotAccountID, callID, h)
		h.Cancel()
		return err
	}
	return nil
}

func (d *Dispatcher) accountIDTimedOut(callID string, h *store.CancelHandle) {
	if !d.store.ReleaseCanceler(store.SlotAccountID, callID, h) {
		return
	}
	log := d.log.With(zap.String("call_id", callID))
	log.Warn("account id entry timed out, routing to default queue")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.observe(callcontrol.OpCancelAllMediaOperations, d.client.CancelAllMediaOperations(ctx, callID)); err != nil {
		if !callcontrol.IsNotFound(err) {
			log.Error("cancelling account id recognizer", zap.Error(err))
		}
		return
	}
	if err := d.defaultQueue(ctx, callID); err != nil && !callcontrol.IsNotFound(err) {
		log.Error("routing to default queue after account id timeout", zap.Error(err))
	}
}

// defaultQueue sends the caller to the all-agents queue without further
// questions.
func (d *Dispatcher) defaultQueue(ctx context.Context, callID string) error {
	d.store.SetClassification(callID, menu.DefaultQueue.Classification())
	return d.queuePrompt(ctx, callID, menu.DefaultQueue, string(menu.DefaultQueue))
}

func (d *Dispatcher) onAccountIDRecognized(ctx context.Context, evt event.Event, log *zap.Logger) error {
	callID := evt.CallConnectionID
	if !d.store.CancelAndRemove(store.SlotAccountID, callID) {
		log.Info("account id result arrived after timeout")
		return nil
	}
	res, err := recognized(evt)
	if err != nil {
		return err
	}
	var digits string
	if t, ok := res.(event.Tones); ok {
		digits = t.Digits()
	}
	if digits == "" {
		log.Warn("account id entry had no digits, routing to default queue")
		return d.defaultQueue(ctx, callID)
	}
	d.store.SetCustomerID(callID, digits)
	log.Info("account id collected")
	return d.offerOrQueue(ctx, callID, d.classifiedQueue(callID))
}

func (d *Dispatcher) onAccountIDFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	if !d.store.CancelAndRemove(store.SlotAccountID, evt.CallConnectionID) {
		log.Info("account id failure arrived after timeout")
		return nil
	}
	log.Info("account id validation failed, routing to default queue", zap.String("reason", string(evt.Reason())))
	return d.defaultQueue(ctx, evt.CallConnectionID)
}

// offerOrQueue offers a scheduled callback when the wait is long enough,
// otherwise announces the queue.
func (d *Dispatcher) offerOrQueue(ctx context.Context, callID string, q menu.Queue) error {
	wait, _ := d.store.WaitTime(callID)
	_, dialout := d.store.JobID(callID)
	if d.cfg.CallbacksEnabled && d.jobs != nil && !dialout && wait > 0 && wait >= d.cfg.CallbackOfferThreshold {
		return d.offerCallback(ctx, callID, "")
	}
	return d.queuePrompt(ctx, callID, q, string(q))
}

func (d *Dispatcher) offerCallback(ctx context.Context, callID, preroll string) error {
	prompt := d.text(withPreroll(preroll, d.menu.CallbackOffer.Prompt))
	return d.recognize(ctx, callID, d.toneOptions(callID, prompt, 1, menu.ScheduledCallbackOffer))
}

func (d *Dispatcher) rejectCallback(ctx context.Context, callID string) error {
	return d.queuePrompt(ctx, callID, d.classifiedQueue(callID), ScheduledCallbackRejected)
}

func (d *Dispatcher) onCallbackOfferRecognized(ctx context.Context, evt event.Event, log *zap.Logger) error {
	res, err := recognized(evt)
	if err != nil {
		return err
	}
	callID := evt.CallConnectionID
	opt, ok := resolve(&d.menu.CallbackOffer, res)
	if !ok {
		return d.offerCallback(ctx, callID, d.menu.Prompts.InvalidOption)
	}
	if opt.Action.Kind == menu.ActionCallbackYes {
		log.Info("callback offer accepted")
		return d.selectCallbackTime(ctx, callID, "")
	}
	log.Info("callback offer declined")
	return d.rejectCallback(ctx, callID)
}

func (d *Dispatcher) onCallbackOfferFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	log.Info("no answer to callback offer", zap.String("reason", string(evt.Reason())))
	return d.rejectCallback(ctx, evt.CallConnectionID)
}

func (d *Dispatcher) selectCallbackTime(ctx context.Context, callID, preroll string) error {
	prompt := d.text(withPreroll(preroll, d.menu.CallbackTimeSelection.Prompt))
	return d.recognize(ctx, callID, d.toneOptions(callID, prompt, 1, menu.ScheduledCallbackTimeSelectionMenu))
}

func (d *Dispatcher) onTimeSelectionRecognized(ctx context.Context, evt event.Event, log *zap.Logger) error {
	res, err := recognized(evt)
	if err != nil {
		return err
	}
	callID := evt.CallConnectionID
	opt, ok := resolve(&d.menu.CallbackTimeSelection, res)
	if !ok || opt.Action.Kind != menu.ActionCallbackWindow || opt.Action.Window >= len(d.menu.Windows) {
		return d.selectCallbackTime(ctx, callID, d.menu.Prompts.InvalidOption)
	}
	if d.jobs == nil {
		return errors.New("callback selected but callbacks are not configured")
	}

	window := d.menu.Windows[opt.Action.Window]
	caller, _ := d.store.CustomerAcsID(callID)
	classification, _ := d.store.Classification(callID)
	req := callback.Request{
		CallerRawID:    caller,
		Classification: classification,
		Queue:          string(menu.QueueForClassification(classification)),
		DueAt:          d.clock().Add(window),
	}
	jobID, err := d.jobs.Schedule(ctx, req)
	if err != nil {
		return fmt.Errorf("scheduling callback: %w", err)
	}
	log.Info("callback scheduled", zap.String("job_id", jobID), zap.Time("due_at", req.DueAt))

	msg := fmt.Sprintf(d.menu.Prompts.CallbackAccepted, menu.DescribeWindow(window))
	return d.play(ctx, callID, d.text(msg), ScheduledCallbackAccepted)
}

func (d *Dispatcher) onTimeSelectionFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	if evt.Reason() == event.ReasonInitialSilenceTimedOut {
		log.Info("no callback time chosen, returning caller to queue")
		return d.rejectCallback(ctx, evt.CallConnectionID)
	}
	return d.selectCallbackTime(ctx, evt.CallConnectionID, d.menu.Prompts.InvalidOption)
}

// startDialout asks the customer on a scheduled callback whether they still
// want to talk to an agent.
func (d *Dispatcher) startDialout(ctx context.Context, log *zap.Logger, callID, jobID string) error {
	if jobID != "" {
		d.store.SetJobID(callID, jobID)
	}
	if d.jobs != nil && jobID != "" {
		req, err := d.jobs.Lookup(ctx, jobID)
		if err != nil {
			return fmt.Errorf("looking up callback job %s: %w", jobID, err)
		}
		d.store.SetCustomerAcsID(callID, req.CallerRawID)
		d.store.SetClassification(callID, req.Classification)
	}
	log.Info("scheduled callback connected", zap.String("job_id", jobID))
	return d.recognize(ctx, callID, d.toneOptions(callID, d.text(d.menu.Dialout.Prompt), 1, callback.DialoutContext(jobID)))
}

func (d *Dispatcher) resolveJob(ctx context.Context, jobID string, accepted bool) error {
	if d.jobs == nil || jobID == "" {
		return nil
	}
	if err := d.jobs.Resolve(ctx, jobID, accepted); err != nil {
		return fmt.Errorf("resolving callback job %s: %w", jobID, err)
	}
	return nil
}

func (d *Dispatcher) onDialoutRecognized(ctx context.Context, evt event.Event, log *zap.Logger) error {
	res, err := recognized(evt)
	if err != nil {
		return err
	}
	callID, jobID := evt.CallConnectionID, evt.ContextArgument()
	opt, ok := resolve(&d.menu.Dialout, res)
	if !ok {
		prompt := d.text(withPreroll(d.menu.Prompts.InvalidOption, d.menu.Dialout.Prompt))
		return d.recognize(ctx, callID, d.toneOptions(callID, prompt, 1, evt.OperationContext))
	}
	if opt.Action.Kind != menu.ActionDialoutAccept {
		return d.declineDialout(ctx, log, callID, jobID)
	}
	if err := d.resolveJob(ctx, jobID, true); err != nil {
		return err
	}
	log.Info("scheduled callback accepted", zap.String("job_id", jobID))
	return d.queuePrompt(ctx, callID, d.classifiedQueue(callID), ScheduledCallbackDialoutAccepted)
}

func (d *Dispatcher) onDialoutFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	return d.declineDialout(ctx, log, evt.CallConnectionID, evt.ContextArgument())
}

func (d *Dispatcher) declineDialout(ctx context.Context, log *zap.Logger, callID, jobID string) error {
	if err := d.resolveJob(ctx, jobID, false); err != nil {
		return err
	}
	log.Info("scheduled callback declined", zap.String("job_id", jobID))
	return d.play(ctx, callID, d.text(d.menu.Prompts.DialoutRejected), ScheduledCallbackDialoutRejected)
}
