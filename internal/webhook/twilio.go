package webhook

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/event"
)

// handleTwilio turns a Twilio voice callback into an event. The response is
// TwiML: incoming calls are answered or rejected depending on whether the
// dispatcher accepted them, everything else holds the line until the
// dispatcher's next call update lands.
func (s *Server) handleTwilio(c *gin.Context) {
	kind := c.Param("kind")
	if err := c.Request.ParseForm(); err != nil {
		s.respond(c, "twilio", http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	if s.validator != nil && !s.validTwilioSignature(c) {
		s.log.Warn("rejecting twilio callback with bad signature", zap.String("kind", kind))
		s.respond(c, "twilio", http.StatusForbidden, gin.H{"error": "bad signature"})
		return
	}

	evt, ok := s.normalizer.NormalizeTwilioForm(kind, c.Request.PostForm, c.Query("op"))
	if !ok || s.seen.Seen(evt.ID) {
		s.twiml(c, callcontrol.HoldTwiML)
		return
	}
	if err := s.opts.Dispatcher.Dispatch(context.WithoutCancel(c.Request.Context()), evt); err != nil {
		s.log.Error("twilio callback failed", zap.String("kind", kind), zap.Error(err))
		s.respond(c, "twilio", http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	s.seen.Mark(evt.ID)

	if evt.Kind != event.KindIncomingCall {
		s.twiml(c, callcontrol.HoldTwiML)
		return
	}
	callSid := c.Request.PostForm.Get("CallSid")
	if _, answered := s.opts.Store.CustomerAcsID(callSid); answered {
		s.twiml(c, s.opts.Twilio.AnswerTwiML)
		return
	}
	s.twiml(c, callcontrol.RejectTwiML)
}

func (s *Server) twiml(c *gin.Context, render func() (string, error)) {
	doc, err := render()
	if err != nil {
		s.log.Error("rendering twiml", zap.Error(err))
		s.respond(c, "twilio", http.StatusInternalServerError, gin.H{"error": "twiml"})
		return
	}
	s.opts.Metrics.WebhookDelivery("twilio", strconv.Itoa(http.StatusOK))
	c.Data(http.StatusOK, "application/xml", []byte(doc))
}

func (s *Server) validTwilioSignature(c *gin.Context) bool {
	url := strings.TrimRight(s.opts.PublicURL, "/") + c.Request.URL.RequestURI()
	params := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(url, params, c.GetHeader("X-Twilio-Signature"))
}
