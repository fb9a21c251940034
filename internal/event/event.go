package event

import (
	"strings"
	"time"
)

// Kind names a normalized call event.
type Kind string

const (
	KindIncomingCall               Kind = "IncomingCall"
	KindCallConnected              Kind = "CallConnected"
	KindCallDisconnected           Kind = "CallDisconnected"
	KindPlayCompleted              Kind = "PlayCompleted"
	KindPlayFailed                 Kind = "PlayFailed"
	KindPlayCanceled               Kind = "PlayCanceled"
	KindRecognizeCompleted         Kind = "RecognizeCompleted"
	KindRecognizeFailed            Kind = "RecognizeFailed"
	KindRecognizeCanceled          Kind = "RecognizeCanceled"
	KindAddParticipantSucceeded    Kind = "AddParticipantSucceeded"
	KindAddParticipantFailed       Kind = "AddParticipantFailed"
	KindParticipantsUpdated        Kind = "ParticipantsUpdated"
	KindRecordingStateChanged      Kind = "RecordingStateChanged"
	KindRecordingFileStatusUpdated Kind = "RecordingFileStatusUpdated"
	KindCallTransferAccepted       Kind = "CallTransferAccepted"
	KindCallTransferFailed         Kind = "CallTransferFailed"
)

// Kinds lists every kind the normalizer recognizes.
var Kinds = []Kind{
	KindIncomingCall, KindCallConnected, KindCallDisconnected,
	KindPlayCompleted, KindPlayFailed, KindPlayCanceled,
	KindRecognizeCompleted, KindRecognizeFailed, KindRecognizeCanceled,
	KindAddParticipantSucceeded, KindAddParticipantFailed,
	KindParticipantsUpdated, KindRecordingStateChanged,
	KindRecordingFileStatusUpdated, KindCallTransferAccepted,
	KindCallTransferFailed,
}

// Event is a provider event normalized into one of a closed set of variants.
type Event struct {
	ID               string
	Kind             Kind
	CallConnectionID string
	ServerCallID     string
	CorrelationID    string
	OperationContext string
	Result           ResultInformation

	// Payload is nil for kinds that carry nothing beyond the header.
	Payload Payload
}

// ContextToken returns the routing part of the operation context: the text
// before the first ':' (dial-out contexts carry a job id after it).
func (e Event) ContextToken() string {
	token, _, _ := strings.Cut(e.OperationContext, ":")
	return token
}

// ContextArgument returns the text after the first ':' of the operation
// context, or "" when there is none.
func (e Event) ContextArgument() string {
	_, arg, _ := strings.Cut(e.OperationContext, ":")
	return arg
}

// Reason classifies the result sub-code of a failure event.
func (e Event) Reason() Reason {
	return ReasonFromSubCode(e.Result.SubCode)
}

// ResultInformation is the provider's outcome block.
type ResultInformation struct {
	Code    int    `json:"code"`
	SubCode int    `json:"subCode"`
	Message string `json:"message"`
}

// Identity is a communication identifier reduced to its raw id.
type Identity struct {
	RawID string `json:"rawId"`
}

// Payload is implemented by every variant-specific event body.
type Payload interface {
	payload()
}

// IncomingCall is the body of an IncomingCall system event.
type IncomingCall struct {
	From                Identity
	To                  Identity
	IncomingCallContext string
	CallerDisplayName   string
}

// Connected is the body of a CallConnected event.
type Connected struct {
	MediaSubscriptionID string
}

// Recognized is the body of a RecognizeCompleted event.
type Recognized struct {
	Result RecognitionResult
}

// ParticipantsChanged is the body of a ParticipantsUpdated event.
type ParticipantsChanged struct {
	Participants   []Identity
	SequenceNumber int
}

// ParticipantResult is the body of AddParticipantSucceeded/Failed.
type ParticipantResult struct {
	Participant Identity
}

// RecordingState is the body of a RecordingStateChanged event.
type RecordingState struct {
	RecordingID string
	State       string
	StartTime   time.Time
}

// Active reports whether the recording is running.
func (r RecordingState) Active() bool {
	return strings.EqualFold(r.State, "active")
}

// RecordingChunk locates one stored piece of a recording.
type RecordingChunk struct {
	DocumentID      string
	ContentLocation string
	Index           int
	EndReason       string
}

// RecordingFile is the body of a RecordingFileStatusUpdated event.
type RecordingFile struct {
	Chunks    []RecordingChunk
	StartTime time.Time
	Duration  time.Duration
}

func (IncomingCall) payload()        {}
func (Connected) payload()           {}
func (Recognized) payload()          {}
func (ParticipantsChanged) payload() {}
func (ParticipantResult) payload()   {}
func (RecordingState) payload()      {}
func (RecordingFile) payload()       {}

// RecognitionResult is the closed set of recognizer outcomes.
type RecognitionResult interface {
	recognition()
}

// Tones is a collected DTMF sequence.
type Tones struct {
	Tones []Tone
}

// First returns the first collected tone.
func (t Tones) First() (Tone, bool) {
	if len(t.Tones) == 0 {
		return "", false
	}
	return t.Tones[0], true
}

// Digits renders the tones as a digit string, skipping non-digit tones.
func (t Tones) Digits() string {
	var b strings.Builder
	for _, tone := range t.Tones {
		if d, ok := tone.Digit(); ok {
			b.WriteByte(d)
		}
	}
	return b.String()
}

// Choice is a grammar match against a labeled choice.
type Choice struct {
	Label  string
	Phrase string
}

// Speech is free speech, optionally matched to a menu label by the phrase
// recognizer.
type Speech struct {
	Text  string
	Label string
}

// UnknownResult is a completed recognition without a usable result.
type UnknownResult struct{}

func (Tones) recognition()         {}
func (Choice) recognition()        {}
func (Speech) recognition()        {}
func (UnknownResult) recognition() {}

// Tone is a DTMF key.
type Tone string

const (
	ToneZero     Tone = "zero"
	ToneOne      Tone = "one"
	ToneTwo      Tone = "two"
	ToneThree    Tone = "three"
	ToneFour     Tone = "four"
	ToneFive     Tone = "five"
	ToneSix      Tone = "six"
	ToneSeven    Tone = "seven"
	ToneEight    Tone = "eight"
	ToneNine     Tone = "nine"
	TonePound    Tone = "pound"
	ToneAsterisk Tone = "asterisk"
)

var toneDigits = map[Tone]byte{
	ToneZero: '0', ToneOne: '1', ToneTwo: '2', ToneThree: '3', ToneFour: '4',
	ToneFive: '5', ToneSix: '6', ToneSeven: '7', ToneEight: '8', ToneNine: '9',
}

// Digit returns the decimal digit for numeric tones.
func (t Tone) Digit() (byte, bool) {
	d, ok := toneDigits[t]
	return d, ok
}

// ParseTone accepts both provider spellings ("one") and keypad characters ("1").
func ParseTone(s string) (Tone, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "#":
		return TonePound, true
	case "*":
		return ToneAsterisk, true
	}
	for tone, d := range toneDigits {
		if s == string(tone) || s == string(d) {
			return tone, true
		}
	}
	if s == string(TonePound) || s == string(ToneAsterisk) {
		return Tone(s), true
	}
	return "", false
}

// Reason is a recognizer failure reason.
type Reason string

const (
	ReasonUnknown                Reason = "Unknown"
	ReasonInitialSilenceTimedOut Reason = "InitialSilenceTimedOut"
	ReasonInterToneTimedOut      Reason = "InterToneTimedOut"
	ReasonIncorrectToneDetected  Reason = "IncorrectToneDetected"
	ReasonMaxTonesReceived       Reason = "MaxTonesReceived"
	ReasonSpeechOptionNotMatched Reason = "SpeechOptionNotMatched"
	ReasonSpeechNotRecognized    Reason = "SpeechNotRecognized"
)

// ReasonFromSubCode maps provider result sub-codes onto reasons.
func ReasonFromSubCode(subCode int) Reason {
	switch subCode {
	case 8510:
		return ReasonInitialSilenceTimedOut
	case 8532:
		return ReasonInterToneTimedOut
	case 8534:
		return ReasonIncorrectToneDetected
	case 8531:
		return ReasonMaxTonesReceived
	case 8547:
		return ReasonSpeechOptionNotMatched
	case 8563:
		return ReasonSpeechNotRecognized
	default:
		return ReasonUnknown
	}
}

// SubCode is the inverse of ReasonFromSubCode, used by backends that
// synthesize failure events.
func (r Reason) SubCode() int {
	switch r {
	case ReasonInitialSilenceTimedOut:
		return 8510
	case ReasonInterToneTimedOut:
		return 8532
	case ReasonIncorrectToneDetected:
		return 8534
	case ReasonMaxTonesReceived:
		return 8531
	case ReasonSpeechOptionNotMatched:
		return 8547
	case ReasonSpeechNotRecognized:
		return 8563
	default:
		return 0
	}
}
