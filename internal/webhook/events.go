package webhook

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/broker"
	"github.com/sweeney/ivr-mqtt/internal/event"
)

const maxBatchBytes = 4 << 20

type batchResult struct {
	validation string
	handled    int
	skipped    int
	failed     int
}

// process runs every event of a batch. Events are isolated from each other:
// one failing rule does not stop the rest of the batch.
func (s *Server) process(ctx context.Context, body []byte) (batchResult, error) {
	envs, err := event.DecodeBatch(body)
	if err != nil {
		return batchResult{}, err
	}
	var res batchResult
	for _, env := range envs {
		log := s.log.With(zap.String("event_id", env.ID), zap.String("type", env.Type))
		if env.IsSubscriptionValidation() {
			code, err := env.ValidationCode()
			if err != nil {
				log.Warn("bad subscription validation event", zap.Error(err))
				res.failed++
				continue
			}
			log.Info("answering subscription validation")
			res.validation = code
			continue
		}
		if s.seen.Seen(env.ID) {
			log.Debug("skipping redelivered event")
			res.skipped++
			continue
		}
		evt, ok := s.normalizer.NormalizeEnvelope(env)
		if !ok {
			res.skipped++
			continue
		}
		if err := s.opts.Dispatcher.Dispatch(ctx, evt); err != nil {
			log.Error("event failed", zap.Error(err))
			res.failed++
			continue
		}
		s.seen.Mark(env.ID)
		res.handled++
	}
	return res, nil
}

func (s *Server) handleEvents(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBatchBytes))
	if err != nil {
		s.respond(c, "events", http.StatusBadRequest, gin.H{"error": "reading body"})
		return
	}
	// Rules run to completion even if the provider hangs up early.
	res, err := s.process(context.WithoutCancel(c.Request.Context()), body)
	if err != nil {
		s.log.Warn("rejecting event batch", zap.Error(err))
		s.respond(c, "events", http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if res.validation != "" {
		s.respond(c, "events", http.StatusOK, gin.H{"validationResponse": res.validation})
		return
	}
	status := http.StatusOK
	if res.failed > 0 {
		status = http.StatusInternalServerError
	}
	s.respond(c, "events", status, gin.H{
		"handled": res.handled,
		"skipped": res.skipped,
		"failed":  res.failed,
	})
}

func (s *Server) respond(c *gin.Context, source string, status int, body any) {
	s.opts.Metrics.WebhookDelivery(source, strconv.Itoa(status))
	c.JSON(status, body)
}

// SubscribeEvents consumes event batches published to topic, for providers
// that deliver over MQTT instead of HTTP. Failed events are logged; the
// broker's own redelivery is the only retry.
func (s *Server) SubscribeEvents(ctx context.Context, b broker.Broker, topic string) error {
	return b.Subscribe(topic, func(t string, payload []byte) {
		res, err := s.process(ctx, payload)
		if err != nil {
			s.log.Warn("dropping malformed event batch", zap.String("topic", t), zap.Error(err))
			return
		}
		if res.failed > 0 {
			s.log.Error("event batch had failures", zap.String("topic", t), zap.Int("failed", res.failed))
		}
	})
}
