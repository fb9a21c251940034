package dispatcher_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/dispatcher"
	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/menu"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

const supervisorID = "8:acs:supervisor"

func TestEscalation(t *testing.T) {
	h := newHarness(t, dispatcher.Settings{Supervisor: supervisorID})
	ctx := context.Background()

	if err := h.d.Escalate(ctx, callID); !errors.Is(err, dispatcher.ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}

	h.seed()
	if err := h.d.Escalate(ctx, callID); err != nil {
		t.Fatal(err)
	}
	if got := h.last().OperationContext(); got != dispatcher.Escalation {
		t.Fatalf("expected escalation announcement, got %s", got)
	}

	h.dispatch(playCompleted(dispatcher.Escalation))
	add := h.last()
	if add.Op != callcontrol.OpAddParticipant || add.Target() != supervisorID || add.OperationContext() != dispatcher.SupervisorJoining {
		t.Fatalf("unexpected supervisor add %s %+v", add.Op, add.Options)
	}

	h.dispatch(event.Event{Kind: event.KindAddParticipantSucceeded, OperationContext: dispatcher.SupervisorJoining})
	mute := h.last()
	if mute.Op != callcontrol.OpMuteParticipant || mute.Target() != supervisorID {
		t.Errorf("expected supervisor muted, got %s %+v", mute.Op, mute.Options)
	}
	if got := h.st.AgentAcsIDs(callID); len(got) != 1 || got[0] != supervisorID {
		t.Errorf("expected supervisor tracked, got %v", got)
	}
}

func TestEscalationWithoutSupervisor(t *testing.T) {
	h := newHarness(t, dispatcher.Settings{})
	h.seed()

	if err := h.d.Escalate(context.Background(), callID); !errors.Is(err, dispatcher.ErrNoSupervisor) {
		t.Errorf("expected ErrNoSupervisor, got %v", err)
	}
	h.dispatch(playCompleted(dispatcher.Escalation))
	h.expectOps()
}

func TestHoldAndUnhold(t *testing.T) {
	h := newHarness(t, dispatcher.Settings{HoldMusicURL: "https://cdn.example/hold.wav"})
	h.seed()
	ctx := context.Background()

	if err := h.d.Hold(ctx, callID); err != nil {
		t.Fatal(err)
	}
	if err := h.d.Unhold(ctx, callID); err != nil {
		t.Fatal(err)
	}

	h.expectOps(callcontrol.OpHold, callcontrol.OpUnhold)
	for _, a := range h.rec.ActionsFor(callID) {
		if a.Target() != customer || a.OperationContext() != dispatcher.HoldCall {
			t.Errorf("%s: unexpected target %s / context %s", a.Op, a.Target(), a.OperationContext())
		}
	}

	h.dispatch(event.Event{Kind: event.KindCallDisconnected})
	if err := h.d.Hold(ctx, callID); !errors.Is(err, dispatcher.ErrUnknownCall) {
		t.Errorf("expected ErrUnknownCall after disconnect, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	h := newHarness(t, dispatcher.Settings{})
	h.seed()
	ctx := context.Background()

	if err := h.d.TransferCall(ctx, callID, ""); !errors.Is(err, dispatcher.ErrNoTarget) {
		t.Errorf("expected ErrNoTarget, got %v", err)
	}
	if err := h.d.TransferCall(ctx, callID, "+15550100"); err != nil {
		t.Fatal(err)
	}
	transfer := h.last()
	if transfer.Op != callcontrol.OpTransfer || transfer.Target() != "+15550100" || transfer.OperationContext() != dispatcher.Transfer {
		t.Fatalf("unexpected transfer %s %+v", transfer.Op, transfer.Options)
	}

	h.dispatch(event.Event{Kind: event.KindCallTransferAccepted, OperationContext: dispatcher.Transfer})
	if _, ok := h.st.CustomerAcsID(callID); ok {
		t.Error("expected state cleaned up after transfer")
	}
}

func TestTransferFailedReturnsToQueue(t *testing.T) {
	h := newHarness(t, dispatcher.Settings{})
	h.seed()

	h.dispatch(event.Event{Kind: event.KindCallTransferFailed, OperationContext: dispatcher.Transfer})

	h.expectOps(callcontrol.OpPlay)
	if got := h.last().OperationContext(); got != string(menu.DefaultQueue) {
		t.Errorf("expected default queue prompt, got %s", got)
	}
}

func TestRecordingStateChanged(t *testing.T) {
	h := newHarness(t, dispatcher.Settings{})
	started := time.Date(2024, 1, 15, 9, 59, 0, 0, time.UTC)
	state := func(id, s string) event.Event {
		return event.Event{
			Kind:         event.KindRecordingStateChanged,
			ServerCallID: "server-1",
			Payload:      event.RecordingState{RecordingID: id, State: s, StartTime: started},
		}
	}

	h.dispatch(state("rec-1", "active"))
	rc, ok := h.st.Recording("server-1")
	if !ok || rc.RecordingID != "rec-1" || !rc.StartedAt.Equal(started) {
		t.Fatalf("expected recording tracked, got %+v", rc)
	}

	h.dispatch(state("rec-1", "inactive"))
	if rc, _ := h.st.Recording("server-1"); !rc.Paused {
		t.Error("expected recording paused")
	}

	h.dispatch(state("rec-1", "active"))
	if rc, _ := h.st.Recording("server-1"); rc.Paused {
		t.Error("expected recording resumed")
	}
}

type fakeArchiver struct {
	err    error
	chunks []event.RecordingChunk
}

func (f *fakeArchiver) Archive(_ context.Context, _ string, c event.RecordingChunk) error {
	if f.err != nil {
		return f.err
	}
	f.chunks = append(f.chunks, c)
	return nil
}

func recordingFile() event.Event {
	return event.Event{
		Kind:         event.KindRecordingFileStatusUpdated,
		ServerCallID: "server-1",
		Payload: event.RecordingFile{Chunks: []event.RecordingChunk{
			{DocumentID: "doc-0", ContentLocation: "https://files.example/doc-0", Index: 0},
			{DocumentID: "doc-1", ContentLocation: "https://files.example/doc-1", Index: 1},
		}},
	}
}

func TestRecordingFileArchived(t *testing.T) {
	arch := &fakeArchiver{}
	h := newHarness(t, dispatcher.Settings{}, dispatcher.WithArchiver(arch))
	h.st.PutRecording(store.RecordingContext{RecordingID: "rec-1", ServerCallID: "server-1"})

	h.dispatch(recordingFile())

	if len(arch.chunks) != 2 {
		t.Fatalf("expected 2 chunks archived, got %d", len(arch.chunks))
	}
	if _, ok := h.st.Recording("server-1"); ok {
		t.Error("expected recording forgotten once archived")
	}
}

func TestRecordingFileArchiveFailure(t *testing.T) {
	boom := errors.New("bucket unavailable")
	h := newHarness(t, dispatcher.Settings{}, dispatcher.WithArchiver(&fakeArchiver{err: boom}))
	h.st.PutRecording(store.RecordingContext{RecordingID: "rec-1", ServerCallID: "server-1"})

	evt := recordingFile()
	evt.CallConnectionID = callID
	if err := h.d.Dispatch(context.Background(), evt); !errors.Is(err, boom) {
		t.Fatalf("expected archive error, got %v", err)
	}
	if _, ok := h.st.Recording("server-1"); !ok {
		t.Error("recording must stay tracked so the delivery can be retried")
	}
}
