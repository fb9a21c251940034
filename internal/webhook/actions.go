package webhook

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/dispatcher"
	"github.com/sweeney/ivr-mqtt/internal/recording"
)

type transferRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleCallAction(c *gin.Context) {
	ctx := c.Request.Context()
	callID := c.Param("callId")
	action := c.Param("action")

	var err error
	switch action {
	case "escalate":
		err = s.opts.Operator.Escalate(ctx, callID)
	case "hold":
		err = s.opts.Operator.Hold(ctx, callID)
	case "unhold":
		err = s.opts.Operator.Unhold(ctx, callID)
	case "transfer":
		var req transferRequest
		if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
			s.respond(c, "calls", http.StatusBadRequest, gin.H{"error": "body must be {\"target\": \"...\"}"})
			return
		}
		err = s.opts.Operator.TransferCall(ctx, callID, req.Target)
	default:
		s.respond(c, "calls", http.StatusNotFound, gin.H{"error": "unknown action " + action})
		return
	}
	if err != nil {
		s.log.Warn("call action failed", zap.String("call_id", callID), zap.String("action", action), zap.Error(err))
		s.respond(c, "calls", statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.respond(c, "calls", http.StatusAccepted, gin.H{"call_id": callID, "action": action})
}

func (s *Server) handleRecordingAction(c *gin.Context) {
	ctx := c.Request.Context()
	server := c.Param("serverCallId")
	action := c.Param("action")

	var err error
	switch action {
	case "start":
		var id string
		if id, err = s.opts.Recordings.Start(ctx, server); err == nil {
			s.respond(c, "recordings", http.StatusCreated, gin.H{"server_call_id": server, "recording_id": id})
			return
		}
	case "pause":
		err = s.opts.Recordings.Pause(ctx, server)
	case "resume":
		err = s.opts.Recordings.Resume(ctx, server)
	case "stop":
		err = s.opts.Recordings.Stop(ctx, server)
	default:
		s.respond(c, "recordings", http.StatusNotFound, gin.H{"error": "unknown action " + action})
		return
	}
	if err != nil {
		s.log.Warn("recording action failed", zap.String("server_call_id", server), zap.String("action", action), zap.Error(err))
		s.respond(c, "recordings", statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.respond(c, "recordings", http.StatusOK, gin.H{"server_call_id": server, "action": action})
}

func (s *Server) handleRecordingStatus(c *gin.Context) {
	rc, err := s.opts.Recordings.Status(c.Param("serverCallId"))
	if err != nil {
		s.respond(c, "recordings", statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.respond(c, "recordings", http.StatusOK, gin.H{
		"server_call_id": rc.ServerCallID,
		"recording_id":   rc.RecordingID,
		"paused":         rc.Paused,
		"started_at":     rc.StartedAt,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrUnknownCall), errors.Is(err, recording.ErrNoRecording), callcontrol.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrNoTarget):
		return http.StatusBadRequest
	case errors.Is(err, recording.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrNoSupervisor), errors.Is(err, callcontrol.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusBadGateway
}
