// Package callcontrol is the boundary to the external call-control service.
// Every operation is asynchronous on the service side: a nil error means the
// request was accepted, and the outcome arrives later as an event carrying
// the operation context that was passed in.
package callcontrol

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that the call, participant or recording no longer
	// exists on the service.
	ErrNotFound = errors.New("callcontrol: not found")

	// ErrUnsupported reports that a backend cannot express an operation.
	ErrUnsupported = errors.New("callcontrol: operation not supported by backend")
)

// IsNotFound reports whether err means the target is already gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Client issues operations against live calls.
type Client interface {
	AnswerCall(ctx context.Context, opts AnswerOptions) (CallConnection, error)
	CreateCall(ctx context.Context, opts CreateCallOptions) (CallConnection, error)
	GetCallConnection(ctx context.Context, callID string) (CallConnection, error)

	StartRecording(ctx context.Context, serverCallID string) (string, error)
	PauseRecording(ctx context.Context, serverCallID, recordingID string) error
	ResumeRecording(ctx context.Context, serverCallID, recordingID string) error
	StopRecording(ctx context.Context, serverCallID, recordingID string) error

	AddParticipant(ctx context.Context, callID string, opts ParticipantOptions) error
	RemoveParticipant(ctx context.Context, callID, target, opCtx string) error
	MuteParticipant(ctx context.Context, callID, target string) error
	Hold(ctx context.Context, callID, target string, music *PlaySource, opCtx string) error
	Unhold(ctx context.Context, callID, target, opCtx string) error
	Transfer(ctx context.Context, callID, target, opCtx string) error

	CancelAllMediaOperations(ctx context.Context, callID string) error
	Play(ctx context.Context, callID string, opts PlayOptions) error
	StartRecognizing(ctx context.Context, callID string, opts RecognizeOptions) error
	HangUp(ctx context.Context, callID string, forEveryone bool) error
}

// CallConnection describes a call leg on the service.
type CallConnection struct {
	ID           string `json:"callConnectionId"`
	ServerCallID string `json:"serverCallId,omitempty"`
	State        string `json:"state,omitempty"`
}

type AnswerOptions struct {
	IncomingCallContext string `json:"incomingCallContext"`
	CallbackURL         string `json:"callbackUrl"`
	OperationContext    string `json:"operationContext,omitempty"`
	MediaStreaming      bool   `json:"mediaStreaming,omitempty"`
}

type CreateCallOptions struct {
	Target           string `json:"target"`
	Caller           string `json:"caller,omitempty"`
	CallbackURL      string `json:"callbackUrl"`
	OperationContext string `json:"operationContext,omitempty"`
	MediaStreaming   bool   `json:"mediaStreaming,omitempty"`
}

type ParticipantOptions struct {
	Target           string `json:"target"`
	OperationContext string `json:"operationContext,omitempty"`
}

// PlaySource is either synthesized text or an audio file.
type PlaySource struct {
	Text     string `json:"text,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Locale   string `json:"locale,omitempty"`
	AudioURL string `json:"audioUrl,omitempty"`
}

// IsAudio reports whether the source is a file rather than text.
func (s PlaySource) IsAudio() bool {
	return s.AudioURL != ""
}

// PlayOptions plays a source to Targets, or to everyone on the call when
// Targets is empty.
type PlayOptions struct {
	Source           PlaySource `json:"source"`
	Targets          []string   `json:"targets,omitempty"`
	Loop             bool       `json:"loop,omitempty"`
	OperationContext string     `json:"operationContext,omitempty"`
}

// RecognizeMode selects the recognizer.
type RecognizeMode string

const (
	RecognizeChoice RecognizeMode = "choice"
	RecognizeDTMF   RecognizeMode = "dtmf"
	RecognizeSpeech RecognizeMode = "speech"
)

// RecognizeChoiceOption is one labeled entry of a choice grammar.
type RecognizeChoiceOption struct {
	Label   string   `json:"label"`
	Phrases []string `json:"phrases"`
	Tone    string   `json:"tone,omitempty"`
}

type RecognizeOptions struct {
	Mode                  RecognizeMode           `json:"mode"`
	Target                string                  `json:"target"`
	Prompt                *PlaySource             `json:"prompt,omitempty"`
	Choices               []RecognizeChoiceOption `json:"choices,omitempty"`
	MaxTones              int                     `json:"maxTones,omitempty"`
	StopTones             []string                `json:"stopTones,omitempty"`
	InitialSilenceTimeout time.Duration           `json:"initialSilenceTimeout,omitempty"`
	InterToneTimeout      time.Duration           `json:"interToneTimeout,omitempty"`
	InterruptPrompt       bool                    `json:"interruptPrompt,omitempty"`
	OperationContext      string                  `json:"operationContext,omitempty"`
}

var (
	_ Client = (*MQTTClient)(nil)
	_ Client = (*TwilioClient)(nil)
	_ Client = (*Recorder)(nil)
)
