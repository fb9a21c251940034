package callcontrol

import (
	"context"
	"fmt"
	"sync"
)

// Operation names as recorded by Recorder.
const (
	OpAnswerCall               = "AnswerCall"
	OpCreateCall               = "CreateCall"
	OpGetCallConnection        = "GetCallConnection"
	OpStartRecording           = "StartRecording"
	OpPauseRecording           = "PauseRecording"
	OpResumeRecording          = "ResumeRecording"
	OpStopRecording            = "StopRecording"
	OpAddParticipant           = "AddParticipant"
	OpRemoveParticipant        = "RemoveParticipant"
	OpMuteParticipant          = "MuteParticipant"
	OpHold                     = "Hold"
	OpUnhold                   = "Unhold"
	OpTransfer                 = "Transfer"
	OpCancelAllMediaOperations = "CancelAllMediaOperations"
	OpPlay                     = "Play"
	OpStartRecognizing         = "StartRecognizing"
	OpHangUp                   = "HangUp"
)

// Action records one call-control request.
type Action struct {
	Op     string
	CallID string

	// Options holds the request body: an options struct, the target
	// identity, or the recording id, depending on Op.
	Options any
}

// OperationContext returns the operation context carried by the action, if
// any.
func (a Action) OperationContext() string {
	switch o := a.Options.(type) {
	case PlayOptions:
		return o.OperationContext
	case RecognizeOptions:
		return o.OperationContext
	case ParticipantOptions:
		return o.OperationContext
	case AnswerOptions:
		return o.OperationContext
	case CreateCallOptions:
		return o.OperationContext
	case targetOptions:
		return o.OperationContext
	}
	return ""
}

type targetOptions struct {
	Target           string
	OperationContext string
	Music            *PlaySource
}

// Recorder is a Client that records every action for test assertions.
type Recorder struct {
	mu      sync.Mutex
	actions []Action
	errs    map[string]error // per-op injected errors
	seq     int
}

// NewRecorder creates a new Recorder.
func NewRecorder() *Recorder {
	return &Recorder{errs: make(map[string]error)}
}

// SetError makes every subsequent call of op fail with err. Pass nil to
// clear. Failed calls are not recorded.
func (r *Recorder) SetError(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.errs, op)
		return
	}
	r.errs[op] = err
}

// Actions returns a copy of all recorded actions.
func (r *Recorder) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, len(r.actions))
	copy(out, r.actions)
	return out
}

// ActionsFor returns the actions recorded for one call.
func (r *Recorder) ActionsFor(callID string) []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Action
	for _, a := range r.actions {
		if a.CallID == callID {
			out = append(out, a)
		}
	}
	return out
}

// ActionsOf returns the recorded actions of one operation.
func (r *Recorder) ActionsOf(op string) []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Action
	for _, a := range r.actions {
		if a.Op == op {
			out = append(out, a)
		}
	}
	return out
}

// Ops returns the op names recorded for one call, in order.
func (r *Recorder) Ops(callID string) []string {
	var ops []string
	for _, a := range r.ActionsFor(callID) {
		ops = append(ops, a.Op)
	}
	return ops
}

// Reset clears all recorded actions. Injected errors stay.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = nil
}

func (r *Recorder) record(op, callID string, opts any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[op]; err != nil {
		return err
	}
	r.actions = append(r.actions, Action{Op: op, CallID: callID, Options: opts})
	r.seq++
	return nil
}

func (r *Recorder) AnswerCall(_ context.Context, opts AnswerOptions) (CallConnection, error) {
	id := "conn-" + opts.IncomingCallContext
	if err := r.record(OpAnswerCall, id, opts); err != nil {
		return CallConnection{}, err
	}
	return CallConnection{ID: id, ServerCallID: "server-" + opts.IncomingCallContext, State: "connecting"}, nil
}

func (r *Recorder) CreateCall(_ context.Context, opts CreateCallOptions) (CallConnection, error) {
	r.mu.Lock()
	id := fmt.Sprintf("outbound-%d", r.seq+1)
	r.mu.Unlock()
	if err := r.record(OpCreateCall, id, opts); err != nil {
		return CallConnection{}, err
	}
	return CallConnection{ID: id, State: "connecting"}, nil
}

func (r *Recorder) GetCallConnection(_ context.Context, callID string) (CallConnection, error) {
	if err := r.record(OpGetCallConnection, callID, nil); err != nil {
		return CallConnection{}, err
	}
	return CallConnection{ID: callID, State: "connected"}, nil
}

// StartRecording returns "rec-<serverCallID>" as the recording id.
func (r *Recorder) StartRecording(_ context.Context, serverCallID string) (string, error) {
	if err := r.record(OpStartRecording, serverCallID, nil); err != nil {
		return "", err
	}
	return "rec-" + serverCallID, nil
}

func (r *Recorder) PauseRecording(_ context.Context, serverCallID, recordingID string) error {
	return r.record(OpPauseRecording, serverCallID, recordingID)
}

func (r *Recorder) ResumeRecording(_ context.Context, serverCallID, recordingID string) error {
	return r.record(OpResumeRecording, serverCallID, recordingID)
}

func (r *Recorder) StopRecording(_ context.Context, serverCallID, recordingID string) error {
	return r.record(OpStopRecording, serverCallID, recordingID)
}

func (r *Recorder) AddParticipant(_ context.Context, callID string, opts ParticipantOptions) error {
	return r.record(OpAddParticipant, callID, opts)
}

func (r *Recorder) RemoveParticipant(_ context.Context, callID, target, opCtx string) error {
	return r.record(OpRemoveParticipant, callID, targetOptions{Target: target, OperationContext: opCtx})
}

func (r *Recorder) MuteParticipant(_ context.Context, callID, target string) error {
	return r.record(OpMuteParticipant, callID, targetOptions{Target: target})
}

func (r *Recorder) Hold(_ context.Context, callID, target string, music *PlaySource, opCtx string) error {
	return r.record(OpHold, callID, targetOptions{Target: target, OperationContext: opCtx, Music: music})
}

func (r *Recorder) Unhold(_ context.Context, callID, target, opCtx string) error {
	return r.record(OpUnhold, callID, targetOptions{Target: target, OperationContext: opCtx})
}

func (r *Recorder) Transfer(_ context.Context, callID, target, opCtx string) error {
	return r.record(OpTransfer, callID, targetOptions{Target: target, OperationContext: opCtx})
}

func (r *Recorder) CancelAllMediaOperations(_ context.Context, callID string) error {
	return r.record(OpCancelAllMediaOperations, callID, nil)
}

func (r *Recorder) Play(_ context.Context, callID string, opts PlayOptions) error {
	return r.record(OpPlay, callID, opts)
}

func (r *Recorder) StartRecognizing(_ context.Context, callID string, opts RecognizeOptions) error {
	return r.record(OpStartRecognizing, callID, opts)
}

func (r *Recorder) HangUp(_ context.Context, callID string, forEveryone bool) error {
	return r.record(OpHangUp, callID, forEveryone)
}

// Target returns the participant target of an action, if any.
func (a Action) Target() string {
	switch o := a.Options.(type) {
	case ParticipantOptions:
		return o.Target
	case targetOptions:
		return o.Target
	case RecognizeOptions:
		return o.Target
	case CreateCallOptions:
		return o.Target
	}
	return ""
}
