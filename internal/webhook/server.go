// Package webhook is the HTTP surface of the IVR: provider event callbacks,
// Twilio voice callbacks, operator call actions, recording control, metrics
// and health.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/event"
	"github.com/sweeney/ivr-mqtt/internal/metrics"
	"github.com/sweeney/ivr-mqtt/internal/store"
)

// Dispatcher handles one normalized event.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt event.Event) error
}

// Operator performs operator actions on a live call.
type Operator interface {
	Escalate(ctx context.Context, callID string) error
	Hold(ctx context.Context, callID string) error
	Unhold(ctx context.Context, callID string) error
	TransferCall(ctx context.Context, callID, target string) error
}

// Recordings steers recordings by server-call id.
type Recordings interface {
	Start(ctx context.Context, serverCallID string) (string, error)
	Pause(ctx context.Context, serverCallID string) error
	Resume(ctx context.Context, serverCallID string) error
	Stop(ctx context.Context, serverCallID string) error
	Status(serverCallID string) (store.RecordingContext, error)
}

// TwiMLAnswerer renders the response to an answered Twilio call.
type TwiMLAnswerer interface {
	AnswerTwiML() (string, error)
}

// Options configures a Server. Dispatcher and Store are required.
type Options struct {
	Dispatcher Dispatcher
	Store      *store.Store
	Operator   Operator
	Recordings Recordings

	// Twilio enables /api/twilio. TwilioAuthToken, when set, makes the
	// server verify X-Twilio-Signature against PublicURL.
	Twilio          TwiMLAnswerer
	TwilioAuthToken string
	PublicURL       string

	DedupeTTL time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Server owns the gin engine and the delivery dedupe set.
type Server struct {
	opts       Options
	log        *zap.Logger
	normalizer *event.Normalizer
	seen       *dedupe
	validator  *client.RequestValidator
	engine     *gin.Engine
}

func New(opts Options) (*Server, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("webhook: dispatcher is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("webhook: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Server{
		opts:       opts,
		log:        log,
		normalizer: event.NewNormalizer(log),
		seen:       newDedupe(opts.DedupeTTL, clock),
	}
	if opts.TwilioAuthToken != "" {
		v := client.NewRequestValidator(opts.TwilioAuthToken)
		s.validator = &v
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.engine = router
	return s, nil
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}

	api := router.Group("/api")
	api.POST("/events", s.handleEvents)
	if s.opts.Twilio != nil {
		api.POST("/twilio/:kind", s.handleTwilio)
	}
	if s.opts.Operator != nil {
		api.POST("/calls/:callId/:action", s.handleCallAction)
	}
	if s.opts.Recordings != nil {
		api.GET("/recordings/:serverCallId", s.handleRecordingStatus)
		api.POST("/recordings/:serverCallId/:action", s.handleRecordingAction)
	}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("webhook listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
