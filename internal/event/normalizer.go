package event

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Normalizer converts raw provider payloads into Events.
type Normalizer struct {
	log *zap.Logger
}

// NewNormalizer creates a Normalizer. A nil logger discards output.
func NewNormalizer(log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{log: log}
}

// callData is the union of every field a call-automation or system event
// body may carry.
type callData struct {
	CallConnectionID    string            `json:"callConnectionId"`
	ServerCallID        string            `json:"serverCallId"`
	CorrelationID       string            `json:"correlationId"`
	OperationContext    string            `json:"operationContext"`
	ResultInformation   ResultInformation `json:"resultInformation"`
	MediaSubscriptionID string            `json:"mediaSubscriptionId"`

	// IncomingCall
	From                Identity `json:"from"`
	To                  Identity `json:"to"`
	IncomingCallContext string   `json:"incomingCallContext"`
	CallerDisplayName   string   `json:"callerDisplayName"`

	// RecognizeCompleted
	RecognitionType    string      `json:"recognitionType"`
	DtmfResult         *tonesJSON  `json:"dtmfResult"`
	CollectTonesResult *tonesJSON  `json:"collectTonesResult"`
	ChoiceResult       *choiceJSON `json:"choiceResult"`
	SpeechResult       *speechJSON `json:"speechResult"`

	// Participants
	Participants   []participantJSON `json:"participants"`
	SequenceNumber int               `json:"sequenceNumber"`
	Participant    Identity          `json:"participant"`

	// Recording
	RecordingID          string                `json:"recordingId"`
	State                string                `json:"state"`
	StartDateTime        time.Time             `json:"startDateTime"`
	RecordingStorageInfo *recordingStorageJSON `json:"recordingStorageInfo"`
	RecordingStartTime   time.Time             `json:"recordingStartTime"`
	RecordingDurationMs  int64                 `json:"recordingDurationMs"`
}

type tonesJSON struct {
	Tones []string `json:"tones"`
}

type choiceJSON struct {
	Label            string `json:"label"`
	RecognizedPhrase string `json:"recognizedPhrase"`
}

type speechJSON struct {
	Speech string `json:"speech"`
}

type participantJSON struct {
	Identifier *Identity `json:"identifier"`
	RawID      string    `json:"rawId"`
}

type recordingStorageJSON struct {
	RecordingChunks []struct {
		DocumentID      string `json:"documentId"`
		Index           int    `json:"index"`
		EndReason       string `json:"endReason"`
		ContentLocation string `json:"contentLocation"`
	} `json:"recordingChunks"`
}

// KindFromType strips any namespace from a provider type name
// ("Microsoft.Communication.CallConnected" -> "CallConnected") and reports
// whether the remainder is a known kind.
func KindFromType(typeName string) (Kind, bool) {
	name := typeName
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	for _, k := range Kinds {
		if strings.EqualFold(name, string(k)) {
			return k, true
		}
	}
	return Kind(name), false
}

// Normalize returns the Event for a raw body of the declared type. Unknown
// types and malformed bodies are logged and reported with false.
func (n *Normalizer) Normalize(typeName string, data []byte) (Event, bool) {
	kind, ok := KindFromType(typeName)
	if !ok {
		n.log.Info("ignoring unrecognized event type", zap.String("type", typeName))
		return Event{}, false
	}

	var d callData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &d); err != nil {
			n.log.Warn("skipping malformed event body",
				zap.String("kind", string(kind)), zap.Error(err))
			return Event{}, false
		}
	}

	evt := Event{
		Kind:             kind,
		CallConnectionID: d.CallConnectionID,
		ServerCallID:     d.ServerCallID,
		CorrelationID:    d.CorrelationID,
		OperationContext: d.OperationContext,
		Result:           d.ResultInformation,
	}

	switch kind {
	case KindIncomingCall:
		evt.Payload = IncomingCall{
			From:                d.From,
			To:                  d.To,
			IncomingCallContext: d.IncomingCallContext,
			CallerDisplayName:   d.CallerDisplayName,
		}
	case KindCallConnected:
		evt.Payload = Connected{MediaSubscriptionID: d.MediaSubscriptionID}
	case KindRecognizeCompleted:
		result, ok := recognitionResult(d)
		if !ok {
			n.log.Warn("skipping recognize result with unsupported shape",
				zap.String("call_connection_id", d.CallConnectionID),
				zap.String("recognition_type", d.RecognitionType))
			return Event{}, false
		}
		evt.Payload = Recognized{Result: result}
	case KindParticipantsUpdated:
		pc := ParticipantsChanged{SequenceNumber: d.SequenceNumber}
		for _, p := range d.Participants {
			id := Identity{RawID: p.RawID}
			if p.Identifier != nil {
				id = *p.Identifier
			}
			pc.Participants = append(pc.Participants, id)
		}
		evt.Payload = pc
	case KindAddParticipantSucceeded, KindAddParticipantFailed:
		evt.Payload = ParticipantResult{Participant: d.Participant}
	case KindRecordingStateChanged:
		evt.Payload = RecordingState{
			RecordingID: d.RecordingID,
			State:       d.State,
			StartTime:   d.StartDateTime,
		}
	case KindRecordingFileStatusUpdated:
		rf := RecordingFile{
			StartTime: d.RecordingStartTime,
			Duration:  time.Duration(d.RecordingDurationMs) * time.Millisecond,
		}
		if d.RecordingStorageInfo != nil {
			for _, c := range d.RecordingStorageInfo.RecordingChunks {
				rf.Chunks = append(rf.Chunks, RecordingChunk{
					DocumentID:      c.DocumentID,
					ContentLocation: c.ContentLocation,
					Index:           c.Index,
					EndReason:       c.EndReason,
				})
			}
		}
		evt.Payload = rf
	}

	return evt, true
}

// NormalizeEnvelope normalizes a decoded envelope, carrying its delivery id.
func (n *Normalizer) NormalizeEnvelope(env Envelope) (Event, bool) {
	evt, ok := n.Normalize(env.Type, env.Data)
	if !ok {
		return Event{}, false
	}
	evt.ID = env.ID
	return evt, true
}

// recognitionResult picks exactly one result variant. More than one result
// block, or a declared recognition type that contradicts the block present,
// is rejected.
func recognitionResult(d callData) (RecognitionResult, bool) {
	tones := d.DtmfResult
	if tones == nil {
		tones = d.CollectTonesResult
	}

	var results []RecognitionResult
	var kinds []string
	if tones != nil {
		t := Tones{}
		for _, raw := range tones.Tones {
			tone, ok := ParseTone(raw)
			if !ok {
				return nil, false
			}
			t.Tones = append(t.Tones, tone)
		}
		results = append(results, t)
		kinds = append(kinds, "dtmf")
	}
	if d.ChoiceResult != nil {
		results = append(results, Choice{Label: d.ChoiceResult.Label, Phrase: d.ChoiceResult.RecognizedPhrase})
		kinds = append(kinds, "choices")
	}
	if d.SpeechResult != nil {
		results = append(results, Speech{Text: d.SpeechResult.Speech})
		kinds = append(kinds, "speech")
	}

	switch len(results) {
	case 0:
		return UnknownResult{}, true
	case 1:
		declared := strings.ToLower(d.RecognitionType)
		if declared != "" && declared != kinds[0] && !(declared == "choice" && kinds[0] == "choices") {
			return nil, false
		}
		return results[0], true
	default:
		return nil, false
	}
}
