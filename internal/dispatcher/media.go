package dispatcher

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/menu"
)

func (d *Dispatcher) text(s string) *callcontrol.PlaySource {
	return &callcontrol.PlaySource{Text: s, Voice: d.cfg.Voice, Locale: d.cfg.Locale}
}

// withPreroll prefixes prompt with preroll when there is one.
func withPreroll(preroll, prompt string) string {
	if preroll == "" {
		return prompt
	}
	return preroll + " " + prompt
}

func (d *Dispatcher) play(ctx context.Context, callID string, src *callcontrol.PlaySource, opCtx string) error {
	return d.observe(callcontrol.OpPlay, d.client.Play(ctx, callID, callcontrol.PlayOptions{
		Source:           *src,
		OperationContext: opCtx,
	}))
}

func (d *Dispatcher) holdMusic() *callcontrol.PlaySource {
	if d.cfg.HoldMusicURL != "" {
		return &callcontrol.PlaySource{AudioURL: d.cfg.HoldMusicURL}
	}
	return d.text(d.menu.Prompts.HoldMusicFallback)
}

func (d *Dispatcher) playHoldMusic(ctx context.Context, callID string) error {
	return d.observe(callcontrol.OpPlay, d.client.Play(ctx, callID, callcontrol.PlayOptions{
		Source:           *d.holdMusic(),
		Loop:             true,
		OperationContext: WaitingForAgent,
	}))
}

func (d *Dispatcher) recognize(ctx context.Context, callID string, opts callcontrol.RecognizeOptions) error {
	return d.observe(callcontrol.OpStartRecognizing, d.client.StartRecognizing(ctx, callID, opts))
}

// toneOptions collects up to maxTones DTMF tones from the customer.
func (d *Dispatcher) toneOptions(callID string, prompt *callcontrol.PlaySource, maxTones int, opCtx string) callcontrol.RecognizeOptions {
	target, _ := d.store.CustomerAcsID(callID)
	return callcontrol.RecognizeOptions{
		Mode:                  callcontrol.RecognizeDTMF,
		Target:                target,
		Prompt:                prompt,
		MaxTones:              maxTones,
		InitialSilenceTimeout: d.cfg.InitialSilenceTimeout,
		InterToneTimeout:      d.cfg.InterToneTimeout,
		InterruptPrompt:       d.cfg.AllowMenuInterrupt,
		OperationContext:      opCtx,
	}
}

// choiceOptions runs m as a labeled choice grammar answerable by speech or
// by tone.
func (d *Dispatcher) choiceOptions(callID string, prompt *callcontrol.PlaySource, m *menu.Menu, opCtx string) callcontrol.RecognizeOptions {
	opts := d.toneOptions(callID, prompt, 1, opCtx)
	opts.Mode = callcontrol.RecognizeChoice
	for _, o := range m.Options {
		opts.Choices = append(opts.Choices, callcontrol.RecognizeChoiceOption{
			Label:   o.Label,
			Phrases: o.Phrases,
			Tone:    string(o.Tone),
		})
	}
	return opts
}

// resolve maps a recognition result onto an option of m. Tones use the
// first tone, choices their label, speech its matched label or its text.
func resolve(m *menu.Menu, res event.RecognitionResult) (menu.Option, bool) {
	switch r := res.(type) {
	case event.Tones:
		tone, ok := r.First()
		if !ok {
			return menu.Option{}, false
		}
		return m.ByTone(tone)
	case event.Choice:
		if o, ok := m.ByLabel(r.Label); ok {
			return o, true
		}
		return m.MatchPhrase(r.Phrase)
	case event.Speech:
		if r.Label != "" {
			if o, ok := m.ByLabel(r.Label); ok {
				return o, true
			}
		}
		return m.MatchPhrase(r.Text)
	}
	return menu.Option{}, false
}

func recognized(evt event.Event) (event.RecognitionResult, error) {
	rec, ok := evt.Payload.(event.Recognized)
	if !ok || rec.Result == nil {
		return nil, errNoPayload
	}
	return rec.Result, nil
}

// queuePrompt announces the queue and the estimated wait. opCtx decides
// what happens when the prompt completes.
func (d *Dispatcher) queuePrompt(ctx context.Context, callID string, q menu.Queue, opCtx string) error {
	parts := []string{fmt.Sprintf(d.menu.Prompts.QueueTransfer, menu.TeamName(q))}
	if wait, ok := d.store.WaitTime(callID); ok && wait > 0 {
		minutes := int(math.Ceil(wait.Minutes()))
		parts = append(parts, fmt.Sprintf(d.menu.Prompts.EstimatedWait, minutes))
	}
	return d.play(ctx, callID, d.text(strings.Join(parts, " ")), opCtx)
}

func (d *Dispatcher) agentFor(q menu.Queue) string {
	if qs, ok := d.cfg.Queues[q]; ok && qs.Agent != "" {
		return qs.Agent
	}
	return d.cfg.Queues[menu.DefaultQueue].Agent
}

// connectAgent adds the queue's agent and holds the caller until the agent
// joins.
func (d *Dispatcher) connectAgent(ctx context.Context, log *zap.Logger, callID string, q menu.Queue) error {
	agent := d.agentFor(q)
	if agent == "" {
		log.Error("no agent configured for queue", zap.String("queue", string(q)))
		return d.play(ctx, callID, d.text(d.menu.Prompts.AgentUnavailable), EndCall)
	}
	err := d.client.AddParticipant(ctx, callID, callcontrol.ParticipantOptions{
		Target:           agent,
		OperationContext: AgentJoining,
	})
	if err := d.observe(callcontrol.OpAddParticipant, err); err != nil {
		return err
	}
	log.Info("adding agent", zap.String("queue", string(q)), zap.String("agent", agent))
	return d.playHoldMusic(ctx, callID)
}

func (d *Dispatcher) connectQueueAgent(ctx context.Context, evt event.Event, log *zap.Logger) error {
	q, _ := menu.ParseQueue(evt.ContextToken())
	return d.connectAgent(ctx, log, evt.CallConnectionID, q)
}

// connectClassifiedAgent connects the agent of the queue the caller picked
// earlier in the call.
func (d *Dispatcher) connectClassifiedAgent(ctx context.Context, evt event.Event, log *zap.Logger) error {
	return d.connectAgent(ctx, log, evt.CallConnectionID, d.classifiedQueue(evt.CallConnectionID))
}

func (d *Dispatcher) classifiedQueue(callID string) menu.Queue {
	c, _ := d.store.Classification(callID)
	return menu.QueueForClassification(c)
}

// onPlayFailed routes the caller to a human: if nothing could be played,
// nothing can be asked either. Menu prompts fall through to the main menu's
// zero-tone queue. Prompts that already settled the call's fate keep it:
// hold music is only stopped, goodbye and callback-accepted prompts hang up,
// queue prompts still connect their agent, and the callback-rejected and
// dial-out-accepted prompts connect the classified agent.
//
// The phrase side channel is cancelled first so a late transcript match
// cannot route the caller a second time.
func (d *Dispatcher) onPlayFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	callID := evt.CallConnectionID
	log.Warn("play failed", zap.Int("code", evt.Result.Code), zap.String("reason", evt.Result.Message))
	if slot, ok := d.sideChannelSlot(); ok {
		d.cancelSlot(log, slot, callID)
	}
	if err := d.observe(callcontrol.OpCancelAllMediaOperations, d.client.CancelAllMediaOperations(ctx, callID)); err != nil {
		return err
	}

	token := evt.ContextToken()
	switch token {
	case WaitingForAgent:
		return nil
	case EndCall, ScheduledCallbackAccepted, ScheduledCallbackDialoutRejected:
		return d.hangUp(ctx, evt, log)
	case ScheduledCallbackRejected, ScheduledCallbackDialoutAccepted:
		return d.connectClassifiedAgent(ctx, evt, log)
	}
	if q, ok := menu.ParseQueue(token); ok {
		return d.connectAgent(ctx, log, callID, q)
	}

	q := menu.DefaultQueue
	if o, ok := d.menu.Main.ByTone(event.ToneZero); ok && o.Action.Kind == menu.ActionQueue {
		q = o.Action.Queue
	}
	return d.selectQueue(ctx, log, callID, q)
}

func (d *Dispatcher) addSupervisor(ctx context.Context, evt event.Event, log *zap.Logger) error {
	if d.cfg.Supervisor == "" {
		log.Warn("escalation requested but no supervisor configured")
		return nil
	}
	return d.observe(callcontrol.OpAddParticipant, d.client.AddParticipant(ctx, evt.CallConnectionID, callcontrol.ParticipantOptions{
		Target:           d.cfg.Supervisor,
		OperationContext: SupervisorJoining,
	}))
}

func joined(evt event.Event) string {
	p, _ := evt.Payload.(event.ParticipantResult)
	return p.Participant.RawID
}

func (d *Dispatcher) onAgentJoined(ctx context.Context, evt event.Event, log *zap.Logger) error {
	callID := evt.CallConnectionID
	if id := joined(evt); id != "" {
		d.store.AddAgentAcsID(callID, id)
		log.Info("agent joined", zap.String("agent", id))
	}
	return d.observe(callcontrol.OpCancelAllMediaOperations, d.client.CancelAllMediaOperations(ctx, callID))
}

func (d *Dispatcher) onSupervisorJoined(ctx context.Context, evt event.Event, log *zap.Logger) error {
	callID := evt.CallConnectionID
	id := joined(evt)
	if id == "" {
		id = d.cfg.Supervisor
	}
	d.store.AddAgentAcsID(callID, id)
	log.Info("supervisor joined", zap.String("supervisor", id))
	return d.observe(callcontrol.OpMuteParticipant, d.client.MuteParticipant(ctx, callID, id))
}

func (d *Dispatcher) onAgentJoinFailed(ctx context.Context, evt event.Event, log *zap.Logger) error {
	callID := evt.CallConnectionID
	log.Warn("agent failed to join", zap.String("reason", evt.Result.Message))
	if err := d.observe(callcontrol.OpCancelAllMediaOperations, d.client.CancelAllMediaOperations(ctx, callID)); err != nil {
		return err
	}
	return d.playHoldMusic(ctx, callID)
}

func (d *Dispatcher) onSupervisorJoinFailed(_ context.Context, evt event.Event, log *zap.Logger) error {
	log.Warn("supervisor failed to join", zap.String("reason", evt.Result.Message))
	return nil
}
