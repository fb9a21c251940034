package callcontrol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/event"
)

// twilioAPI is the subset of the Twilio REST API the backend uses.
type twilioAPI interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	FetchCall(sid string, params *api.FetchCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
	CreateCallRecording(callSid string, params *api.CreateCallRecordingParams) (*api.ApiV2010CallRecording, error)
	UpdateCallRecording(callSid, sid string, params *api.UpdateCallRecordingParams) (*api.ApiV2010CallRecording, error)
}

// TwilioClient drives calls through Twilio Programmable Voice. Media
// operations replace the call's TwiML, so a new Play or Gather supersedes
// whatever was running; callbacks come back to the webhook under
// /api/twilio/<kind> with the operation context in the "op" query parameter.
type TwilioClient struct {
	api         twilioAPI
	callbackURL string
	callerID    string
	log         *zap.Logger
}

// TwilioOptions configures a TwilioClient.
type TwilioOptions struct {
	AccountSID  string
	AuthToken   string
	CallbackURL string
	CallerID    string
	Logger      *zap.Logger
}

// NewTwilioClient builds a client from account credentials.
func NewTwilioClient(opts TwilioOptions) *TwilioClient {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return newTwilioClient(rest.Api, opts)
}

func newTwilioClient(a twilioAPI, opts TwilioOptions) *TwilioClient {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &TwilioClient{
		api:         a,
		callbackURL: strings.TrimRight(opts.CallbackURL, "/"),
		callerID:    opts.CallerID,
		log:         log,
	}
}

// CallbackURL returns the webhook URL for a callback kind carrying opCtx.
func (c *TwilioClient) CallbackURL(kind, opCtx string) string {
	u := c.callbackURL + "/api/twilio/" + kind
	if opCtx != "" {
		u += "?op=" + url.QueryEscape(opCtx)
	}
	return u
}

func twilioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var rest *client.TwilioRestError
	if errors.As(err, &rest) && (rest.Code == 20404 || rest.Status == http.StatusNotFound) {
		return fmt.Errorf("twilio %s: %s: %w", op, rest.Message, ErrNotFound)
	}
	return fmt.Errorf("twilio %s: %w", op, err)
}

// AnswerCall accepts a ringing call. The incoming webhook itself answers with
// TwiML (see AnswerTwiML), so the call is already connected under its sid.
func (c *TwilioClient) AnswerCall(_ context.Context, opts AnswerOptions) (CallConnection, error) {
	return CallConnection{ID: opts.IncomingCallContext, ServerCallID: opts.IncomingCallContext}, nil
}

func (c *TwilioClient) CreateCall(_ context.Context, opts CreateCallOptions) (CallConnection, error) {
	from := opts.Caller
	if from == "" {
		from = c.callerID
	}
	statusURL := c.CallbackURL(event.TwilioStatus, opts.OperationContext)
	params := &api.CreateCallParams{}
	params.SetTo(opts.Target).
		SetFrom(from).
		SetUrl(statusURL).
		SetStatusCallback(statusURL).
		SetStatusCallbackEvent([]string{"completed"})

	call, err := c.api.CreateCall(params)
	if err != nil {
		return CallConnection{}, twilioErr("create call", err)
	}
	return connection(call), nil
}

func (c *TwilioClient) GetCallConnection(_ context.Context, callID string) (CallConnection, error) {
	call, err := c.api.FetchCall(callID, &api.FetchCallParams{})
	if err != nil {
		return CallConnection{}, twilioErr("fetch call", err)
	}
	return connection(call), nil
}

func connection(call *api.ApiV2010Call) CallConnection {
	var conn CallConnection
	if call == nil {
		return conn
	}
	if call.Sid != nil {
		conn.ID = *call.Sid
		conn.ServerCallID = *call.Sid
	}
	if call.Status != nil {
		conn.State = *call.Status
	}
	return conn
}

func (c *TwilioClient) StartRecording(_ context.Context, serverCallID string) (string, error) {
	params := &api.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(c.CallbackURL(event.TwilioRecording, "")).
		SetRecordingStatusCallbackEvent([]string{"in-progress", "completed"})
	rec, err := c.api.CreateCallRecording(serverCallID, params)
	if err != nil {
		return "", twilioErr("start recording", err)
	}
	if rec == nil || rec.Sid == nil {
		return "", fmt.Errorf("twilio start recording: response without sid")
	}
	return *rec.Sid, nil
}

func (c *TwilioClient) setRecordingStatus(serverCallID, recordingID, status string) error {
	params := &api.UpdateCallRecordingParams{}
	params.SetStatus(status)
	_, err := c.api.UpdateCallRecording(serverCallID, recordingID, params)
	return twilioErr(status+" recording", err)
}

func (c *TwilioClient) PauseRecording(_ context.Context, serverCallID, recordingID string) error {
	return c.setRecordingStatus(serverCallID, recordingID, "paused")
}

func (c *TwilioClient) ResumeRecording(_ context.Context, serverCallID, recordingID string) error {
	return c.setRecordingStatus(serverCallID, recordingID, "in-progress")
}

func (c *TwilioClient) StopRecording(_ context.Context, serverCallID, recordingID string) error {
	return c.setRecordingStatus(serverCallID, recordingID, "stopped")
}

// Participant management needs conferences, which this backend does not
// create.
func (c *TwilioClient) AddParticipant(context.Context, string, ParticipantOptions) error {
	return ErrUnsupported
}

func (c *TwilioClient) RemoveParticipant(context.Context, string, string, string) error {
	return ErrUnsupported
}

func (c *TwilioClient) MuteParticipant(context.Context, string, string) error {
	return ErrUnsupported
}

func (c *TwilioClient) Unhold(context.Context, string, string, string) error {
	return ErrUnsupported
}

// Hold loops the hold music on the caller's leg.
func (c *TwilioClient) Hold(_ context.Context, callID, _ string, music *PlaySource, _ string) error {
	if music == nil || !music.IsAudio() {
		return c.update(callID, "hold", []twiml.Element{&twiml.VoicePause{Length: "600"}})
	}
	return c.update(callID, "hold", []twiml.Element{&twiml.VoicePlay{Url: music.AudioURL, Loop: "0"}})
}

// Transfer dials target from the caller's leg. The dial outcome comes back
// on the dial callback.
func (c *TwilioClient) Transfer(_ context.Context, callID, target, opCtx string) error {
	return c.update(callID, "transfer", []twiml.Element{
		&twiml.VoiceDial{Number: target, Action: c.CallbackURL(event.TwilioDial, opCtx)},
	})
}

// CancelAllMediaOperations is a no-op: the next TwiML update replaces
// whatever is executing.
func (c *TwilioClient) CancelAllMediaOperations(context.Context, string) error {
	return nil
}

func (c *TwilioClient) Play(_ context.Context, callID string, opts PlayOptions) error {
	loop := ""
	if opts.Loop {
		loop = "0"
	}
	verbs := []twiml.Element{say(opts.Source, loop)}
	if !opts.Loop {
		verbs = append(verbs, &twiml.VoiceRedirect{
			Url:    c.CallbackURL(event.TwilioPlay, opts.OperationContext),
			Method: http.MethodPost,
		})
	}
	return c.update(callID, "play", verbs)
}

func (c *TwilioClient) StartRecognizing(_ context.Context, callID string, opts RecognizeOptions) error {
	action := c.CallbackURL(event.TwilioGather, opts.OperationContext)
	gather := &twiml.VoiceGather{
		Action: action,
		Method: http.MethodPost,
	}
	switch opts.Mode {
	case RecognizeDTMF:
		gather.Input = "dtmf"
		if opts.MaxTones > 0 {
			gather.NumDigits = strconv.Itoa(opts.MaxTones)
		}
	case RecognizeSpeech:
		gather.Input = "speech"
	default:
		gather.Input = "dtmf speech"
		gather.NumDigits = "1"
		var hints []string
		for _, ch := range opts.Choices {
			hints = append(hints, ch.Phrases...)
		}
		gather.Hints = strings.Join(hints, ",")
	}
	if len(opts.StopTones) > 0 {
		gather.FinishOnKey = keypad(opts.StopTones[0])
	}
	if opts.InitialSilenceTimeout > 0 {
		gather.Timeout = strconv.Itoa(int(opts.InitialSilenceTimeout / time.Second))
	}
	if opts.Prompt != nil {
		gather.InnerElements = []twiml.Element{say(*opts.Prompt, "")}
	}
	// Gather falls through to the redirect when nothing was entered, which
	// reaches the action as an empty result.
	return c.update(callID, "gather", []twiml.Element{
		gather,
		&twiml.VoiceRedirect{Url: action, Method: http.MethodPost},
	})
}

func (c *TwilioClient) HangUp(_ context.Context, callID string, _ bool) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := c.api.UpdateCall(callID, params)
	return twilioErr("hang up", err)
}

func (c *TwilioClient) update(callID, op string, verbs []twiml.Element) error {
	doc, err := twiml.Voices(verbs)
	if err != nil {
		return fmt.Errorf("twilio %s: rendering twiml: %w", op, err)
	}
	c.log.Debug("updating call twiml", zap.String("call_sid", callID), zap.String("op", op))
	params := &api.UpdateCallParams{}
	params.SetTwiml(doc)
	_, err = c.api.UpdateCall(callID, params)
	return twilioErr(op, err)
}

func say(src PlaySource, loop string) twiml.Element {
	if src.IsAudio() {
		return &twiml.VoicePlay{Url: src.AudioURL, Loop: loop}
	}
	return &twiml.VoiceSay{Message: src.Text, Voice: src.Voice, Language: src.Locale, Loop: loop}
}

func keypad(tone string) string {
	t, ok := event.ParseTone(tone)
	if !ok {
		return ""
	}
	switch t {
	case event.TonePound:
		return "#"
	case event.ToneAsterisk:
		return "*"
	}
	d, _ := t.Digit()
	return string(d)
}

// AnswerTwiML is the incoming-call response for an accepted call: it
// immediately reports the call as connected.
func (c *TwilioClient) AnswerTwiML() (string, error) {
	return twiml.Voices([]twiml.Element{
		&twiml.VoiceRedirect{Url: c.CallbackURL(event.TwilioStatus, ""), Method: http.MethodPost},
	})
}

// RejectTwiML refuses a call that was not answered.
func RejectTwiML() (string, error) {
	return twiml.Voices([]twiml.Element{&twiml.VoiceReject{}})
}

// HoldTwiML keeps a call alive while the next update is issued.
func HoldTwiML() (string, error) {
	return twiml.Voices([]twiml.Element{&twiml.VoicePause{Length: "30"}})
}
