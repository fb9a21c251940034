package phrase_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sweeney/ivr-mqtt/internal/broker"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/menu"
	"github.com/sweeney/ivr-mqtt/internal/phrase"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *sinkRecorder) sink(_ context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *sinkRecorder) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func transcript(b *broker.MockBroker, sub, text string) {
	b.Deliver(phrase.TranscriptTopic("ivr", sub), []byte(`{"text":"`+text+`","final":true}`))
}

func setup(t *testing.T) (*broker.MockBroker, *store.Store, *sinkRecorder, *phrase.Recognizer) {
	t.Helper()
	b := broker.NewMockBroker()
	st := store.New()
	sr := &sinkRecorder{}
	r := phrase.NewRecognizer(phrase.NewMQTTSource(b, "ivr", nil), st, sr.sink, nil)
	return b, st, sr, r
}

func TestFirstMatchFiresOnce(t *testing.T) {
	b, st, sr, r := setup(t)
	d := menu.Default(nil)

	h, err := r.Start("c1", "sub-1", &d.Main, store.SlotMainMenu, menu.MainMenu)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := st.Canceler(store.SlotMainMenu, "c1"); got != h {
		t.Fatal("expected handle registered in main-menu slot")
	}

	transcript(b, "sub-1", "hello there")
	transcript(b, "sub-1", "my broadband is down")
	transcript(b, "sub-1", "also my mobile")

	evts := sr.all()
	if len(evts) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(evts))
	}
	evt := evts[0]
	if evt.Kind != event.KindRecognizeCompleted || evt.CallConnectionID != "c1" || evt.OperationContext != menu.MainMenu {
		t.Errorf("unexpected event header %+v", evt)
	}
	speech, ok := evt.Payload.(event.Recognized).Result.(event.Speech)
	if !ok || speech.Label != string(menu.HomeQueue) || speech.Text != "my broadband is down" {
		t.Errorf("unexpected result %+v", evt.Payload)
	}

	summary, _ := st.CallSummary("c1")
	if summary != "hello there\nmy broadband is down\nalso my mobile" {
		t.Errorf("unexpected summary %q", summary)
	}
}

func TestCancelStopsListening(t *testing.T) {
	b, _, sr, r := setup(t)
	d := menu.Default(nil)

	h, err := r.Start("c1", "sub-1", &d.Main, store.SlotPairing, "AiPairing")
	if err != nil {
		t.Fatal(err)
	}
	h.Cancel()
	if b.Subscribed(phrase.TranscriptTopic("ivr", "sub-1")) {
		t.Error("expected transcript subscription removed")
	}
	transcript(b, "sub-1", "tv please")
	if len(sr.all()) != 0 {
		t.Error("cancelled recognizer must not fire")
	}
}

func TestSlotConflictKeepsExisting(t *testing.T) {
	b, st, _, r := setup(t)
	d := menu.Default(nil)

	first, err := r.Start("c1", "sub-1", &d.Main, store.SlotMainMenu, menu.MainMenu)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Start("c1", "sub-1", &d.Main, store.SlotMainMenu, menu.MainMenu)
	if !errors.Is(err, phrase.ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if got, _ := st.Canceler(store.SlotMainMenu, "c1"); got != first {
		t.Error("expected original handle to remain")
	}
	if first.Cancelled() {
		t.Error("original handle must stay live")
	}
	if !b.Subscribed(phrase.TranscriptTopic("ivr", "sub-1")) {
		t.Error("expected original subscription intact")
	}
}

func TestMalformedTranscriptIgnored(t *testing.T) {
	b, _, sr, r := setup(t)
	d := menu.Default(nil)
	r.Start("c1", "sub-1", &d.Main, store.SlotMainMenu, menu.MainMenu)

	b.Deliver(phrase.TranscriptTopic("ivr", "sub-1"), []byte("{not json"))
	if len(sr.all()) != 0 {
		t.Error("expected no event for malformed transcript")
	}
}

func TestReplacedRecognizerKeepsListening(t *testing.T) {
	b, st, sr, r := setup(t)
	d := menu.Default(nil)
	topic := phrase.TranscriptTopic("ivr", "sub-1")

	if _, err := r.Start("c1", "sub-1", &d.Main, store.SlotMainMenu, menu.MainMenu); err != nil {
		t.Fatal(err)
	}
	replacement, err := r.Start("c1", "sub-1", &d.Main, store.SlotPairing, "AiPairing")
	if err != nil {
		t.Fatal(err)
	}

	// The old listener is torn down after the replacement subscribed.
	st.CancelAndRemove(store.SlotMainMenu, "c1")
	if !b.Subscribed(topic) {
		t.Fatal("expected transcript subscription kept for the replacement")
	}

	transcript(b, "sub-1", "my broadband is down")
	evts := sr.all()
	if len(evts) != 1 || evts[0].OperationContext != "AiPairing" {
		t.Fatalf("expected one match from the replacement, got %+v", evts)
	}

	replacement.Cancel()
	if b.Subscribed(topic) {
		t.Error("expected subscription released with the last listener")
	}
}

func TestSourceUnsubscribeIsPerListener(t *testing.T) {
	b := broker.NewMockBroker()
	src := phrase.NewMQTTSource(b, "ivr", nil)

	var mu sync.Mutex
	var first, second []string
	unsubFirst, err := src.Subscribe("sub-1", func(tr phrase.Transcript) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, tr.Text)
	})
	if err != nil {
		t.Fatal(err)
	}
	unsubSecond, err := src.Subscribe("sub-1", func(tr phrase.Transcript) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, tr.Text)
	})
	if err != nil {
		t.Fatal(err)
	}

	transcript(b, "sub-1", "one")
	unsubFirst()
	unsubFirst()
	transcript(b, "sub-1", "two")

	mu.Lock()
	if len(first) != 1 || len(second) != 2 {
		t.Errorf("expected first=[one] second=[one two], got %v %v", first, second)
	}
	mu.Unlock()

	unsubSecond()
	if b.Subscribed(phrase.TranscriptTopic("ivr", "sub-1")) {
		t.Error("expected topic released")
	}
}
