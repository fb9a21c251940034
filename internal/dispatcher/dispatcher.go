// Package dispatcher is the IVR state machine. Each normalized event is
// routed through a table keyed by event kind and operation-context token to
// a rule that re-reads the call's state from the store, issues call-control
// operations and writes the state back. Rules hold no state between events
// and are safe to run more than once for the same transition.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callback"
	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/menu"
	"github.com/sweeney/ivr-mqtt/internal/metrics"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// AfterFunc runs f once d has elapsed and returns a function that stops it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfter(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// PhraseRecognizer starts the custom phrase side channel for a call.
type PhraseRecognizer interface {
	Start(callID, subscriptionID string, m *menu.Menu, slot store.Slot, opCtx string) (*store.CancelHandle, error)
}

// CallbackJobs persists scheduled callbacks.
type CallbackJobs interface {
	Schedule(ctx context.Context, req callback.Request) (string, error)
	Lookup(ctx context.Context, jobID string) (callback.Request, error)
	Resolve(ctx context.Context, jobID string, accepted bool) error
}

// Recordings starts call recordings.
type Recordings interface {
	Start(ctx context.Context, serverCallID string) (string, error)
}

// Archiver stores a finished recording chunk.
type Archiver interface {
	Archive(ctx context.Context, serverCallID string, chunk event.RecordingChunk) error
}

// QueueSettings configures one agent queue.
type QueueSettings struct {
	Agent         string
	EstimatedWait time.Duration
}

// Settings are the IVR behaviour switches.
type Settings struct {
	// AllowedIdentities lists the called identities this IVR answers for.
	// Empty accepts every call.
	AllowedIdentities []string

	CallbackURL string

	Voice  string
	Locale string

	UseNLU                     bool
	UseAIPairing               bool
	UseCustomPhraseRecognition bool
	AllowMenuInterrupt         bool

	InitialSilenceTimeout time.Duration
	InterToneTimeout      time.Duration

	AccountIDValidation bool
	AccountIDDigits     int
	AccountIDTimeout    time.Duration

	Queues       map[menu.Queue]QueueSettings
	Supervisor   string
	HoldMusicURL string

	CallbacksEnabled       bool
	CallbackOfferThreshold time.Duration

	AutoRecord bool
}

type handlerFunc func(ctx context.Context, evt event.Event, log *zap.Logger) error

type ruleKey struct {
	kind    event.Kind
	context string
}

// anyContext is the per-kind fallback key.
const anyContext = "*"

// Dispatcher applies the transition table to events.
type Dispatcher struct {
	client  callcontrol.Client
	store   *store.Store
	menu    *menu.Definition
	cfg     Settings
	rules   map[ruleKey]handlerFunc
	log     *zap.Logger
	metrics *metrics.Metrics
	phrases PhraseRecognizer
	jobs    CallbackJobs
	archive Archiver
	records Recordings
	clock   Clock
	after   AfterFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMetrics records dispatch outcomes and call-control results in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithPhraseRecognizer enables the custom phrase and AI pairing side channel.
func WithPhraseRecognizer(r PhraseRecognizer) Option {
	return func(d *Dispatcher) { d.phrases = r }
}

// WithCallbackJobs enables scheduled-callback offers.
func WithCallbackJobs(j CallbackJobs) Option {
	return func(d *Dispatcher) { d.jobs = j }
}

// WithRecordings enables recording on connect when Settings.AutoRecord is
// set.
func WithRecordings(r Recordings) Option {
	return func(d *Dispatcher) { d.records = r }
}

// WithArchiver copies finished recording chunks through a.
func WithArchiver(a Archiver) Option {
	return func(d *Dispatcher) { d.archive = a }
}

// WithClock sets the time source for the dispatcher.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithAfterFunc replaces the timer used for the account-id timeout.
func WithAfterFunc(f AfterFunc) Option {
	return func(d *Dispatcher) { d.after = f }
}

// New creates a Dispatcher. def may be nil for the stock menus.
func New(client callcontrol.Client, st *store.Store, def *menu.Definition, cfg Settings, opts ...Option) *Dispatcher {
	if def == nil {
		def = menu.Default(nil)
	}
	d := &Dispatcher{
		client: client,
		store:  st,
		menu:   def,
		cfg:    cfg,
		log:    zap.NewNop(),
		clock:  time.Now,
		after:  realAfter,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.rules = d.buildRules()
	return d
}

// Store returns the call-context store the dispatcher works on.
func (d *Dispatcher) Store() *store.Store {
	return d.store
}

func (d *Dispatcher) buildRules() map[ruleKey]handlerFunc {
	r := map[ruleKey]handlerFunc{
		{event.KindIncomingCall, anyContext}:        d.onIncomingCall,
		{event.KindCallConnected, anyContext}:       d.onCallConnected,
		{event.KindCallDisconnected, anyContext}:    d.onCallDisconnected,
		{event.KindParticipantsUpdated, anyContext}: d.onParticipantsUpdated,

		{event.KindPlayCompleted, EndCall}:                          d.hangUp,
		{event.KindPlayCompleted, ScheduledCallbackAccepted}:        d.hangUp,
		{event.KindPlayCompleted, ScheduledCallbackDialoutRejected}: d.hangUp,
		{event.KindPlayCompleted, ScheduledCallbackRejected}:        d.connectClassifiedAgent,
		{event.KindPlayCompleted, ScheduledCallbackDialoutAccepted}: d.connectClassifiedAgent,
		{event.KindPlayCompleted, Escalation}:                       d.addSupervisor,
		{event.KindPlayFailed, anyContext}:                          d.onPlayFailed,

		{event.KindRecognizeCompleted, menu.MainMenu}:                           d.onMainMenuRecognized,
		{event.KindRecognizeCompleted, AiPairing}:                               d.onPairingRecognized,
		{event.KindRecognizeCompleted, AccountIDValidation}:                     d.onAccountIDRecognized,
		{event.KindRecognizeCompleted, menu.ScheduledCallbackOffer}:             d.onCallbackOfferRecognized,
		{event.KindRecognizeCompleted, menu.ScheduledCallbackTimeSelectionMenu}: d.onTimeSelectionRecognized,
		{event.KindRecognizeCompleted, menu.ScheduledCallbackDialout}:           d.onDialoutRecognized,

		{event.KindRecognizeFailed, menu.MainMenu}:                           d.onMainMenuFailed,
		{event.KindRecognizeFailed, AiPairing}:                               d.onPairingFailed,
		{event.KindRecognizeFailed, AccountIDValidation}:                     d.onAccountIDFailed,
		{event.KindRecognizeFailed, menu.ScheduledCallbackOffer}:             d.onCallbackOfferFailed,
		{event.KindRecognizeFailed, menu.ScheduledCallbackTimeSelectionMenu}: d.onTimeSelectionFailed,
		{event.KindRecognizeFailed, menu.ScheduledCallbackDialout}:           d.onDialoutFailed,

		{event.KindAddParticipantSucceeded, AgentJoining}:      d.onAgentJoined,
		{event.KindAddParticipantSucceeded, SupervisorJoining}: d.onSupervisorJoined,
		{event.KindAddParticipantFailed, AgentJoining}:         d.onAgentJoinFailed,
		{event.KindAddParticipantFailed, SupervisorJoining}:    d.onSupervisorJoinFailed,

		{event.KindCallTransferAccepted, anyContext}: d.onTransferAccepted,
		{event.KindCallTransferFailed, anyContext}:   d.onTransferFailed,

		{event.KindRecordingStateChanged, anyContext}:      d.onRecordingStateChanged,
		{event.KindRecordingFileStatusUpdated, anyContext}: d.onRecordingFile,
	}
	for _, q := range menu.Queues {
		r[ruleKey{event.KindPlayCompleted, string(q)}] = d.connectQueueAgent
	}
	return r
}

func (d *Dispatcher) lookup(evt event.Event) handlerFunc {
	if h, ok := d.rules[ruleKey{evt.Kind, evt.ContextToken()}]; ok {
		return h
	}
	return d.rules[ruleKey{evt.Kind, anyContext}]
}

// survivesTermination lists kinds still handled after CallDisconnected.
func survivesTermination(k event.Kind) bool {
	switch k {
	case event.KindCallDisconnected, event.KindIncomingCall,
		event.KindRecordingStateChanged, event.KindRecordingFileStatusUpdated:
		return true
	}
	return false
}

// Dispatch applies the matching rule to evt. NotFound from call control is
// logged and swallowed; any other failure is returned so the delivery can
// be retried.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Event) (err error) {
	start := d.clock()
	outcome := "handled"
	log := d.log.With(
		zap.String("kind", string(evt.Kind)),
		zap.String("call_id", evt.CallConnectionID),
		zap.String("op_ctx", evt.OperationContext),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in rule", zap.Any("panic", r))
			err = fmt.Errorf("handling %s for call %s: panic: %v", evt.Kind, evt.CallConnectionID, r)
			outcome = "error"
		}
		d.metrics.Event(string(evt.Kind), outcome, d.clock().Sub(start).Seconds())
	}()

	if evt.CallConnectionID != "" && !survivesTermination(evt.Kind) && d.store.Terminated(evt.CallConnectionID) {
		log.Info("dropping event for disconnected call")
		outcome = "dropped"
		return nil
	}

	h := d.lookup(evt)
	if h == nil {
		log.Debug("no rule for event")
		outcome = "ignored"
		return nil
	}
	if err := h(ctx, evt, log); err != nil {
		if callcontrol.IsNotFound(err) {
			log.Info("call-control target already gone", zap.Error(err))
			outcome = "not_found"
			return nil
		}
		log.Error("rule failed", zap.Error(err))
		outcome = "error"
		return fmt.Errorf("handling %s for call %s: %w", evt.Kind, evt.CallConnectionID, err)
	}
	return nil
}

// observe counts a call-control result and passes err through.
func (d *Dispatcher) observe(op string, err error) error {
	status := "ok"
	switch {
	case err == nil:
	case callcontrol.IsNotFound(err):
		status = "not_found"
	case errors.Is(err, callcontrol.ErrUnsupported):
		status = "unsupported"
	default:
		status = "error"
	}
	d.metrics.CallControl(op, status)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

var errNoPayload = errors.New("event has no payload of the expected type")
