// Package callback persists scheduled callbacks and dials them out when
// they fall due.
package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sweeney/ivr-mqtt/internal/menu"
	"github.com/sweeney/ivr-mqtt/internal/metrics"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusDialing   = "dialing"
	StatusCompleted = "completed"
	StatusDeclined  = "declined"
	StatusFailed    = "failed"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("callback: job not found")

// Job is a scheduled callback.
type Job struct {
	ID               string    `gorm:"primaryKey;size:36"`
	CallerRawID      string    `gorm:"size:64;not null"`
	Classification   string    `gorm:"size:32"`
	Queue            string    `gorm:"size:32"`
	DueAt            time.Time `gorm:"index"`
	Status           string    `gorm:"size:16;default:pending;index"`
	Attempts         int
	CallConnectionID string `gorm:"size:64"`
	DialedAt         *time.Time
	LastError        string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Request describes a callback to schedule.
type Request struct {
	CallerRawID    string
	Classification string
	Queue          string
	DueAt          time.Time
}

// DialoutContext is the operation context of the dial-out for jobID.
func DialoutContext(jobID string) string {
	return menu.ScheduledCallbackDialout + ":" + jobID
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Open opens (creating if needed) the sqlite job database and migrates it.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening callback database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("migrating callback database: %w", err)
	}
	return db, nil
}

// JobStore reads and writes jobs.
type JobStore struct {
	db      *gorm.DB
	clock   Clock
	metrics *metrics.Metrics
}

// Option configures a JobStore.
type Option func(*JobStore)

// WithClock sets the time source for the store.
func WithClock(c Clock) Option {
	return func(s *JobStore) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *JobStore) { s.metrics = m }
}

func NewJobStore(db *gorm.DB, opts ...Option) *JobStore {
	s := &JobStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule stores a pending job and returns its id.
func (s *JobStore) Schedule(ctx context.Context, req Request) (string, error) {
	if req.CallerRawID == "" {
		return "", errors.New("callback: caller is required")
	}
	job := Job{
		ID:             uuid.NewString(),
		CallerRawID:    req.CallerRawID,
		Classification: req.Classification,
		Queue:          req.Queue,
		DueAt:          req.DueAt.UTC(),
		Status:         StatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return "", fmt.Errorf("creating callback job: %w", err)
	}
	s.metrics.CallbackJob(StatusPending)
	return job.ID, nil
}

// Get returns the job with id.
func (s *JobStore) Get(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("loading callback job %s: %w", id, err)
	}
	return job, nil
}

// Lookup returns the request a job was scheduled with.
func (s *JobStore) Lookup(ctx context.Context, id string) (Request, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	return Request{
		CallerRawID:    job.CallerRawID,
		Classification: job.Classification,
		Queue:          job.Queue,
		DueAt:          job.DueAt,
	}, nil
}

// Resolve records the customer's answer to a dial-out.
func (s *JobStore) Resolve(ctx context.Context, id string, accepted bool) error {
	status := StatusDeclined
	if accepted {
		status = StatusCompleted
	}
	if err := s.update(ctx, id, map[string]any{"status": status}); err != nil {
		return err
	}
	s.metrics.CallbackJob(status)
	return nil
}

// Due returns up to limit pending jobs due at or before now, oldest first.
func (s *JobStore) Due(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND due_at <= ?", StatusPending, s.clock().UTC()).
		Order("due_at").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("listing due callback jobs: %w", err)
	}
	return jobs, nil
}

// Stale returns jobs that have been dialing for longer than maxAge without
// an answer.
func (s *JobStore) Stale(ctx context.Context, maxAge time.Duration) ([]Job, error) {
	var jobs []Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND dialed_at <= ?", StatusDialing, s.clock().Add(-maxAge).UTC()).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("listing stale callback jobs: %w", err)
	}
	return jobs, nil
}

// claim moves a pending job to dialing. Only one sweeper wins a job.
func (s *JobStore) claim(ctx context.Context, id string) (bool, error) {
	now := s.clock().UTC()
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":    StatusDialing,
			"attempts":  gorm.Expr("attempts + 1"),
			"dialed_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claiming callback job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *JobStore) dialed(ctx context.Context, id, callID string) error {
	return s.update(ctx, id, map[string]any{"call_connection_id": callID})
}

// retry returns a job to pending, due again at dueAt.
func (s *JobStore) retry(ctx context.Context, id string, dueAt time.Time, reason string) error {
	return s.update(ctx, id, map[string]any{
		"status":     StatusPending,
		"due_at":     dueAt.UTC(),
		"last_error": reason,
	})
}

func (s *JobStore) fail(ctx context.Context, id, reason string) error {
	return s.update(ctx, id, map[string]any{"status": StatusFailed, "last_error": reason})
}

func (s *JobStore) update(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("updating callback job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}
