package event

import (
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Twilio callback kinds, chosen by the callback URL the backend registers.
const (
	TwilioIncoming  = "incoming"
	TwilioStatus    = "status"
	TwilioGather    = "gather"
	TwilioPlay      = "play"
	TwilioDial      = "dial"
	TwilioRecording = "recording"
)

// NormalizeTwilioForm maps a Twilio voice callback form onto an Event. The
// operation context travels in the callback URL, so it is passed in
// separately. Forms that carry nothing actionable report false.
func (n *Normalizer) NormalizeTwilioForm(kind string, form url.Values, opCtx string) (Event, bool) {
	callSid := form.Get("CallSid")
	evt := Event{
		CallConnectionID: callSid,
		ServerCallID:     callSid,
		CorrelationID:    callSid,
		OperationContext: opCtx,
	}
	// Only status callbacks are sequenced; other forms stay undeduplicated.
	if seq := form.Get("SequenceNumber"); seq != "" {
		evt.ID = callSid + ":" + kind + ":" + seq
	}

	switch kind {
	case TwilioIncoming:
		evt.Kind = KindIncomingCall
		evt.CallConnectionID = ""
		evt.Payload = IncomingCall{
			From:                Identity{RawID: form.Get("From")},
			To:                  Identity{RawID: form.Get("To")},
			IncomingCallContext: callSid,
			CallerDisplayName:   form.Get("CallerName"),
		}

	case TwilioStatus:
		switch form.Get("CallStatus") {
		case "in-progress", "answered":
			evt.Kind = KindCallConnected
			evt.Payload = Connected{}
		case "completed", "busy", "failed", "no-answer", "canceled":
			evt.Kind = KindCallDisconnected
		default:
			n.log.Debug("ignoring twilio call status",
				zap.String("call_sid", callSid), zap.String("status", form.Get("CallStatus")))
			return Event{}, false
		}

	case TwilioGather:
		digits := form.Get("Digits")
		speech := form.Get("SpeechResult")
		switch {
		case digits != "":
			t := Tones{}
			for _, r := range digits {
				tone, ok := ParseTone(string(r))
				if !ok {
					evt.Kind = KindRecognizeFailed
					evt.Result = ResultInformation{Code: 400, SubCode: ReasonIncorrectToneDetected.SubCode()}
					return evt, true
				}
				t.Tones = append(t.Tones, tone)
			}
			evt.Kind = KindRecognizeCompleted
			evt.Payload = Recognized{Result: t}
		case speech != "":
			evt.Kind = KindRecognizeCompleted
			evt.Payload = Recognized{Result: Speech{Text: speech}}
		default:
			evt.Kind = KindRecognizeFailed
			evt.Result = ResultInformation{Code: 400, SubCode: ReasonInitialSilenceTimedOut.SubCode()}
		}

	case TwilioPlay:
		// The backend appends a redirect after the prompt, so reaching it
		// means the prompt finished.
		evt.Kind = KindPlayCompleted

	case TwilioDial:
		switch form.Get("DialCallStatus") {
		case "completed", "answered":
			evt.Kind = KindCallTransferAccepted
		default:
			evt.Kind = KindCallTransferFailed
			evt.Result = ResultInformation{Code: 500, Message: form.Get("DialCallStatus")}
		}

	case TwilioRecording:
		status := form.Get("RecordingStatus")
		if status == "completed" && form.Get("RecordingUrl") != "" {
			evt.Kind = KindRecordingFileStatusUpdated
			evt.Payload = RecordingFile{
				Chunks: []RecordingChunk{{
					DocumentID:      form.Get("RecordingSid"),
					ContentLocation: form.Get("RecordingUrl"),
				}},
				Duration: parseSeconds(form.Get("RecordingDuration")),
			}
			return evt, true
		}
		state := "inactive"
		if status == "in-progress" {
			state = "active"
		}
		evt.Kind = KindRecordingStateChanged
		evt.Payload = RecordingState{
			RecordingID: form.Get("RecordingSid"),
			State:       state,
		}

	default:
		n.log.Info("ignoring unrecognized twilio callback", zap.String("kind", kind))
		return Event{}, false
	}

	return evt, true
}

func parseSeconds(s string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s) + "s")
	if err != nil {
		return 0
	}
	return d
}
