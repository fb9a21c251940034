package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/metrics"
)

// SchedulerOptions configures the dial-out sweeper.
type SchedulerOptions struct {
	// Spec is a cron spec such as "@every 1m" or "*/5 * * * *".
	Spec        string
	CallbackURL string
	CallerID    string
	MaxAttempts int

	// RetryDelay is multiplied by the attempt count. Defaults to 5m.
	RetryDelay time.Duration

	// DialTimeout is how long a dial-out may go unanswered before it is
	// retried. Defaults to 10m.
	DialTimeout time.Duration

	// BatchSize caps the jobs dialled per sweep. Defaults to 20.
	BatchSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Scheduler dials due callbacks on a cron schedule.
type Scheduler struct {
	jobs   *JobStore
	client callcontrol.Client
	opts   SchedulerOptions
	cron   *cron.Cron
	log    *zap.Logger
}

func NewScheduler(jobs *JobStore, client callcontrol.Client, opts SchedulerOptions) (*Scheduler, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Minute
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		jobs:   jobs,
		client: client,
		opts:   opts,
		cron:   cron.New(),
		log:    log,
	}
	if _, err := s.cron.AddFunc(opts.Spec, s.tick); err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", opts.Spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("callback sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("callback sweep dialled jobs", zap.Int("count", n))
	}
}

// Sweep retries unanswered dial-outs, then dials every due job. It returns
// the number of calls placed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	stale, err := s.jobs.Stale(ctx, s.opts.DialTimeout)
	if err != nil {
		return 0, err
	}
	for _, job := range stale {
		s.giveUpOrRetry(ctx, job, "dial-out not answered")
	}

	due, err := s.jobs.Due(ctx, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	placed := 0
	for _, job := range due {
		ok, err := s.jobs.claim(ctx, job.ID)
		if err != nil {
			return placed, err
		}
		if !ok {
			continue
		}
		job.Attempts++
		if s.dial(ctx, job) {
			placed++
		}
	}
	return placed, nil
}

func (s *Scheduler) dial(ctx context.Context, job Job) bool {
	log := s.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
	conn, err := s.client.CreateCall(ctx, callcontrol.CreateCallOptions{
		Target:           job.CallerRawID,
		Caller:           s.opts.CallerID,
		CallbackURL:      s.opts.CallbackURL,
		OperationContext: DialoutContext(job.ID),
	})
	if err != nil {
		log.Warn("dial-out failed", zap.Error(err))
		s.giveUpOrRetry(ctx, job, err.Error())
		return false
	}
	if err := s.jobs.dialed(ctx, job.ID, conn.ID); err != nil {
		log.Error("recording dial-out", zap.Error(err))
	}
	s.opts.Metrics.CallbackJob(StatusDialing)
	log.Info("dialled scheduled callback", zap.String("call_id", conn.ID))
	return true
}

func (s *Scheduler) giveUpOrRetry(ctx context.Context, job Job, reason string) {
	log := s.log.With(zap.String("job_id", job.ID))
	if job.Attempts >= s.opts.MaxAttempts {
		if err := s.jobs.fail(ctx, job.ID, reason); err != nil {
			log.Error("failing callback job", zap.Error(err))
			return
		}
		s.opts.Metrics.CallbackJob(StatusFailed)
		log.Warn("callback job failed", zap.String("reason", reason))
		return
	}
	next := s.jobs.clock().Add(time.Duration(job.Attempts) * s.opts.RetryDelay)
	if err := s.jobs.retry(ctx, job.ID, next, reason); err != nil {
		log.Error("rescheduling callback job", zap.Error(err))
		return
	}
	s.opts.Metrics.CallbackJob("retry")
}
