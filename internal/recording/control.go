package recording

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

var (
	ErrNoRecording      = errors.New("recording: no active recording for server call")
	ErrAlreadyRecording = errors.New("recording: server call is already being recorded")
)

// Service starts and steers recordings by server-call id. The store's
// recording scope maps each server call to its recording id.
type Service struct {
	client callcontrol.Client
	store  *store.Store
	log    *zap.Logger
}

func NewService(client callcontrol.Client, st *store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{client: client, store: st, log: log}
}

// Start begins recording a server call and returns the recording id.
func (s *Service) Start(ctx context.Context, serverCallID string) (string, error) {
	if _, ok := s.store.Recording(serverCallID); ok {
		return "", ErrAlreadyRecording
	}
	id, err := s.client.StartRecording(ctx, serverCallID)
	if err != nil {
		return "", fmt.Errorf("starting recording for %s: %w", serverCallID, err)
	}
	s.store.PutRecording(store.RecordingContext{RecordingID: id, ServerCallID: serverCallID})
	s.log.Info("recording started", zap.String("server_call_id", serverCallID), zap.String("recording_id", id))
	return id, nil
}

func (s *Service) Pause(ctx context.Context, serverCallID string) error {
	rc, err := s.current(serverCallID)
	if err != nil {
		return err
	}
	if err := s.client.PauseRecording(ctx, serverCallID, rc.RecordingID); err != nil {
		return fmt.Errorf("pausing recording %s: %w", rc.RecordingID, err)
	}
	s.store.SetRecordingPaused(serverCallID, true)
	return nil
}

func (s *Service) Resume(ctx context.Context, serverCallID string) error {
	rc, err := s.current(serverCallID)
	if err != nil {
		return err
	}
	if err := s.client.ResumeRecording(ctx, serverCallID, rc.RecordingID); err != nil {
		return fmt.Errorf("resuming recording %s: %w", rc.RecordingID, err)
	}
	s.store.SetRecordingPaused(serverCallID, false)
	return nil
}

// Stop ends the recording and forgets it. A recording the provider no
// longer knows about is forgotten too.
func (s *Service) Stop(ctx context.Context, serverCallID string) error {
	rc, err := s.current(serverCallID)
	if err != nil {
		return err
	}
	err = s.client.StopRecording(ctx, serverCallID, rc.RecordingID)
	if err != nil && !callcontrol.IsNotFound(err) {
		return fmt.Errorf("stopping recording %s: %w", rc.RecordingID, err)
	}
	s.store.RemoveRecording(serverCallID)
	s.log.Info("recording stopped", zap.String("server_call_id", serverCallID), zap.String("recording_id", rc.RecordingID))
	return nil
}

// Status returns the tracked recording for a server call.
func (s *Service) Status(serverCallID string) (store.RecordingContext, error) {
	return s.current(serverCallID)
}

func (s *Service) current(serverCallID string) (store.RecordingContext, error) {
	rc, ok := s.store.Recording(serverCallID)
	if !ok {
		return store.RecordingContext{}, ErrNoRecording
	}
	return rc, nil
}
