package callcontrol

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeTwilio struct {
	updates    map[string][]*api.UpdateCallParams
	created    []*api.CreateCallParams
	recUpdates []string
	err        error
}

func newFakeTwilio() *fakeTwilio {
	return &fakeTwilio{updates: make(map[string][]*api.UpdateCallParams)}
}

func (f *fakeTwilio) CreateCall(p *api.CreateCallParams) (*api.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, p)
	sid, status := "CA-out", "queued"
	return &api.ApiV2010Call{Sid: &sid, Status: &status}, nil
}

func (f *fakeTwilio) FetchCall(sid string, _ *api.FetchCallParams) (*api.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	status := "in-progress"
	return &api.ApiV2010Call{Sid: &sid, Status: &status}, nil
}

func (f *fakeTwilio) UpdateCall(sid string, p *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updates[sid] = append(f.updates[sid], p)
	return &api.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeTwilio) CreateCallRecording(callSid string, _ *api.CreateCallRecordingParams) (*api.ApiV2010CallRecording, error) {
	if f.err != nil {
		return nil, f.err
	}
	sid := "RE-" + callSid
	return &api.ApiV2010CallRecording{Sid: &sid}, nil
}

func (f *fakeTwilio) UpdateCallRecording(callSid, sid string, p *api.UpdateCallRecordingParams) (*api.ApiV2010CallRecording, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.recUpdates = append(f.recUpdates, callSid+"/"+sid+"="+*p.Status)
	return &api.ApiV2010CallRecording{Sid: &sid}, nil
}

func newTestTwilio(f *fakeTwilio) *TwilioClient {
	return newTwilioClient(f, TwilioOptions{CallbackURL: "https://ivr.example.com/", CallerID: "+15550000000"})
}

func lastTwiML(t *testing.T, f *fakeTwilio, sid string) string {
	t.Helper()
	ups := f.updates[sid]
	if len(ups) == 0 {
		t.Fatalf("no updates for %s", sid)
	}
	p := ups[len(ups)-1]
	if p.Twiml == nil {
		t.Fatalf("update for %s carries no twiml", sid)
	}
	return *p.Twiml
}

func TestTwilioPlayRedirectsToPlayCallback(t *testing.T) {
	f := newFakeTwilio()
	c := newTestTwilio(f)

	err := c.Play(context.Background(), "CA1", PlayOptions{
		Source:           PlaySource{Text: "Goodbye", Voice: "alice", Locale: "en-GB"},
		OperationContext: "EndCall",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc := lastTwiML(t, f, "CA1")
	for _, want := range []string{"<Say", "Goodbye", "<Redirect", "https://ivr.example.com/api/twilio/play?op=EndCall"} {
		if !strings.Contains(doc, want) {
			t.Errorf("expected %q in %s", want, doc)
		}
	}
}

func TestTwilioLoopingPlayHasNoRedirect(t *testing.T) {
	f := newFakeTwilio()
	c := newTestTwilio(f)

	c.Play(context.Background(), "CA1", PlayOptions{
		Source:           PlaySource{AudioURL: "https://cdn.example.com/hold.mp3"},
		Loop:             true,
		OperationContext: "WaitingForAgent",
	})
	doc := lastTwiML(t, f, "CA1")
	if !strings.Contains(doc, "<Play") || strings.Contains(doc, "<Redirect") {
		t.Errorf("unexpected looping play twiml: %s", doc)
	}
}

func TestTwilioGatherModes(t *testing.T) {
	tests := []struct {
		name string
		opts RecognizeOptions
		want []string
	}{
		{
			name: "dtmf",
			opts: RecognizeOptions{Mode: RecognizeDTMF, MaxTones: 8, OperationContext: "AccountIdValidation"},
			want: []string{`input="dtmf"`, `numDigits="8"`, "/api/twilio/gather?op=AccountIdValidation"},
		},
		{
			name: "choice",
			opts: RecognizeOptions{
				Mode:             RecognizeChoice,
				Choices:          []RecognizeChoiceOption{{Label: "HomeQueue", Phrases: []string{"home", "broadband"}}},
				Prompt:           &PlaySource{Text: "Say home"},
				OperationContext: "MainMenu",
			},
			want: []string{`input="dtmf speech"`, `hints="home,broadband"`, "Say home"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTwilio()
			if err := newTestTwilio(f).StartRecognizing(context.Background(), "CA1", tt.opts); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			doc := lastTwiML(t, f, "CA1")
			for _, want := range tt.want {
				if !strings.Contains(doc, want) {
					t.Errorf("expected %q in %s", want, doc)
				}
			}
		})
	}
}

func TestTwilioHangUpCompletesCall(t *testing.T) {
	f := newFakeTwilio()
	if err := newTestTwilio(f).HangUp(context.Background(), "CA1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := f.updates["CA1"][0]
	if p.Status == nil || *p.Status != "completed" {
		t.Errorf("expected status=completed, got %v", p.Status)
	}
}

func TestTwilioCreateCallUsesDefaultCaller(t *testing.T) {
	f := newFakeTwilio()
	conn, err := newTestTwilio(f).CreateCall(context.Background(), CreateCallOptions{
		Target:           "+15557654321",
		OperationContext: "ScheduledCallbackDialout:job-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.ID != "CA-out" || conn.State != "queued" {
		t.Errorf("unexpected connection %+v", conn)
	}
	p := f.created[0]
	if *p.From != "+15550000000" || *p.To != "+15557654321" {
		t.Errorf("unexpected from/to %s/%s", *p.From, *p.To)
	}
	if !strings.Contains(*p.Url, "op=ScheduledCallbackDialout%3Ajob-1") {
		t.Errorf("expected escaped op in url, got %s", *p.Url)
	}
}

func TestTwilioRecordingLifecycle(t *testing.T) {
	f := newFakeTwilio()
	c := newTestTwilio(f)
	ctx := context.Background()

	id, err := c.StartRecording(ctx, "CA1")
	if err != nil || id != "RE-CA1" {
		t.Fatalf("unexpected start result %q, %v", id, err)
	}
	c.PauseRecording(ctx, "CA1", id)
	c.ResumeRecording(ctx, "CA1", id)
	c.StopRecording(ctx, "CA1", id)

	want := []string{"CA1/RE-CA1=paused", "CA1/RE-CA1=in-progress", "CA1/RE-CA1=stopped"}
	if strings.Join(f.recUpdates, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected recording updates %v", f.recUpdates)
	}
}

func TestTwilioNotFoundMapping(t *testing.T) {
	f := newFakeTwilio()
	f.err = &client.TwilioRestError{Code: 20404, Status: 404, Message: "Resource not found"}
	c := newTestTwilio(f)

	if err := c.HangUp(context.Background(), "CA1", true); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	f.err = &client.TwilioRestError{Code: 21220, Status: 400, Message: "Call is not in-progress"}
	err := c.HangUp(context.Background(), "CA1", true)
	if err == nil || IsNotFound(err) {
		t.Errorf("expected non-not-found error, got %v", err)
	}
	var rest *client.TwilioRestError
	if !errors.As(err, &rest) {
		t.Error("expected wrapped twilio error")
	}
}

func TestTwilioUnsupportedOperations(t *testing.T) {
	c := newTestTwilio(newFakeTwilio())
	ctx := context.Background()
	if err := c.AddParticipant(ctx, "CA1", ParticipantOptions{Target: "agent"}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected unsupported, got %v", err)
	}
	if err := c.MuteParticipant(ctx, "CA1", "agent"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected unsupported, got %v", err)
	}
	if err := c.CancelAllMediaOperations(ctx, "CA1"); err != nil {
		t.Errorf("expected cancel to be a no-op, got %v", err)
	}
}
