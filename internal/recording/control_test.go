package recording_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/recording"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

func TestRecordingLifecycle(t *testing.T) {
	rec := callcontrol.NewRecorder()
	st := store.New()
	svc := recording.NewService(rec, st, nil)
	ctx := context.Background()

	id, err := svc.Start(ctx, "server-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "rec-server-1" {
		t.Errorf("expected rec-server-1, got %s", id)
	}
	if _, err := svc.Start(ctx, "server-1"); !errors.Is(err, recording.ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording, got %v", err)
	}

	if err := svc.Pause(ctx, "server-1"); err != nil {
		t.Fatal(err)
	}
	if rc, _ := svc.Status("server-1"); !rc.Paused {
		t.Error("expected paused")
	}
	if err := svc.Resume(ctx, "server-1"); err != nil {
		t.Fatal(err)
	}
	if rc, _ := svc.Status("server-1"); rc.Paused {
		t.Error("expected resumed")
	}
	if err := svc.Stop(ctx, "server-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Recording("server-1"); ok {
		t.Error("expected recording forgotten after stop")
	}

	want := []string{callcontrol.OpStartRecording, callcontrol.OpPauseRecording, callcontrol.OpResumeRecording, callcontrol.OpStopRecording}
	got := rec.Ops("server-1")
	if len(got) != len(want) {
		t.Fatalf("expected ops %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("op %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	for _, a := range rec.ActionsFor("server-1")[1:] {
		if a.Options != "rec-server-1" {
			t.Errorf("%s: expected recording id rec-server-1, got %v", a.Op, a.Options)
		}
	}
}

func TestControlWithoutRecording(t *testing.T) {
	svc := recording.NewService(callcontrol.NewRecorder(), store.New(), nil)
	ctx := context.Background()
	for name, fn := range map[string]func(context.Context, string) error{
		"pause":  svc.Pause,
		"resume": svc.Resume,
		"stop":   svc.Stop,
	} {
		if err := fn(ctx, "unknown"); !errors.Is(err, recording.ErrNoRecording) {
			t.Errorf("%s: expected ErrNoRecording, got %v", name, err)
		}
	}
}

func TestStopForgetsRecordingProviderLost(t *testing.T) {
	rec := callcontrol.NewRecorder()
	st := store.New()
	svc := recording.NewService(rec, st, nil)
	ctx := context.Background()

	svc.Start(ctx, "server-1")
	rec.SetError(callcontrol.OpStopRecording, callcontrol.ErrNotFound)
	if err := svc.Stop(ctx, "server-1"); err != nil {
		t.Fatalf("expected NotFound to be swallowed, got %v", err)
	}
	if _, ok := st.Recording("server-1"); ok {
		t.Error("expected recording forgotten")
	}
}

func TestPauseFailureKeepsState(t *testing.T) {
	rec := callcontrol.NewRecorder()
	st := store.New()
	svc := recording.NewService(rec, st, nil)
	ctx := context.Background()

	svc.Start(ctx, "server-1")
	rec.SetError(callcontrol.OpPauseRecording, errors.New("boom"))
	if err := svc.Pause(ctx, "server-1"); err == nil {
		t.Fatal("expected error")
	}
	if rc, _ := st.Recording("server-1"); rc.Paused {
		t.Error("failed pause must not mark the recording paused")
	}
}
