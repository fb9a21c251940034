package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweeney/ivr-mqtt/internal/broker"
	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/dispatcher"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/metrics"
	"github.com/sweeney/ivr-mqtt/internal/recording"
	"github.com/sweeney/ivr-mqtt/internal/store"
	"github.com/sweeney/ivr-mqtt/internal/webhook"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []event.Event
	fail   map[event.Kind]error
	st     *store.Store
}

func (f *fakeDispatcher) Dispatch(_ context.Context, evt event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	if err := f.fail[evt.Kind]; err != nil {
		return err
	}
	// Accept every incoming call like an empty allow-list would.
	if ic, ok := evt.Payload.(event.IncomingCall); ok && f.st != nil && ic.From.RawID != "+15550000000" {
		f.st.SetCustomerAcsID(ic.IncomingCallContext, ic.From.RawID)
	}
	return nil
}

func (f *fakeDispatcher) kinds() []event.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.Kind
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

func newServer(t *testing.T, opts webhook.Options) (*webhook.Server, *httptest.Server) {
	t.Helper()
	s, err := webhook.New(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, u, contentType, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(u, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", u, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestNewRequiresDispatcherAndStore(t *testing.T) {
	if _, err := webhook.New(webhook.Options{Store: store.New()}); err == nil || !strings.Contains(err.Error(), "dispatcher is required") {
		t.Errorf("expected dispatcher error, got %v", err)
	}
	if _, err := webhook.New(webhook.Options{Dispatcher: &fakeDispatcher{}}); err == nil || !strings.Contains(err.Error(), "store is required") {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestSubscriptionValidationEcho(t *testing.T) {
	fd := &fakeDispatcher{}
	_, ts := newServer(t, webhook.Options{Dispatcher: fd, Store: store.New()})

	code, body := post(t, ts.URL+"/api/events", "application/json",
		`[{"id":"v1","eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"512d38b6"}}]`)

	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var resp map[string]string
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["validationResponse"] != "512d38b6" {
		t.Errorf("expected validation echo, got %v", resp)
	}
	if len(fd.kinds()) != 0 {
		t.Error("validation must not reach the dispatcher")
	}
}

const mixedBatch = `[
	{"id":"e1","type":"Microsoft.Communication.PlayCompleted","data":{"callConnectionId":"c1","operationContext":"EndCall"}},
	{"id":"e2","type":"Microsoft.Communication.CallDisconnected","data":{"callConnectionId":"c1"}},
	{"id":"e3","type":"Microsoft.Communication.SomethingNew","data":{}}
]`

func TestBatchIsolatesFailures(t *testing.T) {
	m := metrics.New()
	fd := &fakeDispatcher{fail: map[event.Kind]error{event.KindPlayCompleted: errors.New("boom")}}
	_, ts := newServer(t, webhook.Options{Dispatcher: fd, Store: store.New(), Metrics: m, DedupeTTL: time.Minute})

	code, _ := post(t, ts.URL+"/api/events", "application/json", mixedBatch)
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when an event fails, got %d", code)
	}
	kinds := fd.kinds()
	if len(kinds) != 2 || kinds[0] != event.KindPlayCompleted || kinds[1] != event.KindCallDisconnected {
		t.Fatalf("expected both known events dispatched, got %v", kinds)
	}

	// The provider retries the batch: only the failed event runs again.
	fd.mu.Lock()
	fd.fail = nil
	fd.mu.Unlock()
	code, body := post(t, ts.URL+"/api/events", "application/json", mixedBatch)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", code, body)
	}
	kinds = fd.kinds()
	if len(kinds) != 3 || kinds[2] != event.KindPlayCompleted {
		t.Errorf("expected only the failed event redelivered, got %v", kinds)
	}
	if got := testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("events", "500")); got != 1 {
		t.Errorf("expected one 500 delivery, got %v", got)
	}
}

func TestMalformedBatchIsRejected(t *testing.T) {
	_, ts := newServer(t, webhook.Options{Dispatcher: &fakeDispatcher{}, Store: store.New()})

	if code, _ := post(t, ts.URL+"/api/events", "application/json", `{"id":`); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newServer(t, webhook.Options{Dispatcher: &fakeDispatcher{}, Store: store.New(), Metrics: metrics.New()})

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestEventsOverMQTT(t *testing.T) {
	fd := &fakeDispatcher{}
	s, _ := newServer(t, webhook.Options{Dispatcher: fd, Store: store.New()})
	b := broker.NewMockBroker()

	if err := s.SubscribeEvents(context.Background(), b, "ivr/events"); err != nil {
		t.Fatal(err)
	}
	b.Deliver("ivr/events", []byte(mixedBatch))
	b.Deliver("ivr/events", []byte(`not json`))

	if got := fd.kinds(); len(got) != 2 {
		t.Errorf("expected 2 events dispatched, got %v", got)
	}
}

type fakeTwiML struct{}

func (fakeTwiML) AnswerTwiML() (string, error) {
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Redirect>answered</Redirect></Response>`, nil
}

func TestTwilioIncomingCall(t *testing.T) {
	st := store.New()
	fd := &fakeDispatcher{st: st}
	_, ts := newServer(t, webhook.Options{Dispatcher: fd, Store: st, Twilio: fakeTwiML{}})

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15551230000"}, "To": {"+15559870000"}}
	code, body := post(t, ts.URL+"/api/twilio/incoming", "application/x-www-form-urlencoded", form.Encode())
	if code != http.StatusOK || !strings.Contains(body, "answered") {
		t.Fatalf("expected answer twiml, got %d %s", code, body)
	}

	form = url.Values{"CallSid": {"CA2"}, "From": {"+15550000000"}, "To": {"+15559870000"}}
	_, body = post(t, ts.URL+"/api/twilio/incoming", "application/x-www-form-urlencoded", form.Encode())
	if !strings.Contains(body, "<Reject") {
		t.Errorf("expected reject twiml for unanswered call, got %s", body)
	}
}

func TestTwilioCallbackCarriesOperationContext(t *testing.T) {
	fd := &fakeDispatcher{}
	_, ts := newServer(t, webhook.Options{Dispatcher: fd, Store: store.New(), Twilio: fakeTwiML{}})

	form := url.Values{"CallSid": {"CA1"}, "Digits": {"1"}}
	code, body := post(t, ts.URL+"/api/twilio/gather?op=MainMenu", "application/x-www-form-urlencoded", form.Encode())
	if code != http.StatusOK || !strings.Contains(body, "<Pause") {
		t.Fatalf("expected hold twiml, got %d %s", code, body)
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.events) != 1 {
		t.Fatalf("expected one event, got %d", len(fd.events))
	}
	evt := fd.events[0]
	if evt.Kind != event.KindRecognizeCompleted || evt.OperationContext != "MainMenu" || evt.CallConnectionID != "CA1" {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestTwilioSignatureRequired(t *testing.T) {
	fd := &fakeDispatcher{}
	_, ts := newServer(t, webhook.Options{
		Dispatcher:      fd,
		Store:           store.New(),
		Twilio:          fakeTwiML{},
		TwilioAuthToken: "secret",
		PublicURL:       "https://ivr.example",
	})

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	code, _ := post(t, ts.URL+"/api/twilio/status", "application/x-www-form-urlencoded", form.Encode())
	if code != http.StatusForbidden {
		t.Errorf("expected 403 without signature, got %d", code)
	}
	if len(fd.kinds()) != 0 {
		t.Error("unsigned callback must not be dispatched")
	}
}

func TestCallActions(t *testing.T) {
	rec := callcontrol.NewRecorder()
	st := store.New()
	d := dispatcher.New(rec, st, nil, dispatcher.Settings{})
	_, ts := newServer(t, webhook.Options{Dispatcher: d, Store: st, Operator: d})
	st.SetCustomerAcsID("c1", "8:acs:customer")

	tests := []struct {
		path string
		body string
		code int
	}{
		{"/api/calls/c1/hold", "", http.StatusAccepted},
		{"/api/calls/c1/unhold", "", http.StatusAccepted},
		{"/api/calls/c1/transfer", `{"target":"+15550100"}`, http.StatusAccepted},
		{"/api/calls/c1/transfer", `{}`, http.StatusBadRequest},
		{"/api/calls/c1/escalate", "", http.StatusNotImplemented},
		{"/api/calls/c1/dance", "", http.StatusNotFound},
		{"/api/calls/unknown/hold", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		code, body := post(t, ts.URL+tt.path, "application/json", tt.body)
		if code != tt.code {
			t.Errorf("%s %s: expected %d, got %d (%s)", tt.path, tt.body, tt.code, code, body)
		}
	}
	ops := rec.Ops("c1")
	want := []string{callcontrol.OpHold, callcontrol.OpUnhold, callcontrol.OpTransfer}
	if len(ops) != len(want) {
		t.Fatalf("expected ops %v, got %v", want, ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op %d: expected %s, got %s", i, want[i], ops[i])
		}
	}
}

func TestRecordingActions(t *testing.T) {
	rec := callcontrol.NewRecorder()
	st := store.New()
	svc := recording.NewService(rec, st, nil)
	_, ts := newServer(t, webhook.Options{Dispatcher: &fakeDispatcher{}, Store: st, Recordings: svc})

	steps := []struct {
		action string
		code   int
	}{
		{"pause", http.StatusNotFound},
		{"start", http.StatusCreated},
		{"start", http.StatusConflict},
		{"pause", http.StatusOK},
		{"rewind", http.StatusNotFound},
	}
	for _, s := range steps {
		if code, body := post(t, ts.URL+"/api/recordings/server-1/"+s.action, "application/json", ""); code != s.code {
			t.Errorf("%s: expected %d, got %d (%s)", s.action, s.code, code, body)
		}
	}

	resp, err := http.Get(ts.URL + "/api/recordings/server-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status struct {
		RecordingID string `json:"recording_id"`
		Paused      bool   `json:"paused"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.RecordingID != "rec-server-1" || !status.Paused {
		t.Errorf("unexpected status %+v", status)
	}
}
