// Package jobs runs template scans in the background, one per client session.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/template-detector/internal/events"
	"github.com/example/template-detector/internal/logging"
	"github.com/example/template-detector/internal/match"
	"github.com/example/template-detector/internal/scanner"
	"github.com/example/template-detector/internal/video"
)

var (
	// ErrJobInFlight is returned when the session already has a running job.
	ErrJobInFlight = errors.New("a job is already running for this session")
	// ErrJobNotFound is returned for unknown jobs and jobs owned by another session.
	ErrJobNotFound = errors.New("job not found")
	// ErrShuttingDown is returned by Submit after Shutdown has been called.
	ErrShuttingDown = errors.New("job service is shutting down")
)

// StatusRunning is recorded between job_started and the terminal event.
const StatusRunning scanner.Status = "running"

const finalizeTimeout = 5 * time.Second

// Publisher delivers events to the websocket clients of a session.
type Publisher interface {
	Publish(sessionID string, evt events.Event) error
}

// Source is a frame source that owns resources.
type Source interface {
	scanner.Source
	Close() error
}

// Opener turns an uploaded video path into a frame source bound to ctx.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (Source, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, path string) (Source, error) {
	return f(ctx, path)
}

// FFmpegOpener adapts a video.Opener to Opener.
func FFmpegOpener(o *video.Opener) Opener {
	return OpenerFunc(func(ctx context.Context, path string) (Source, error) {
		src, err := o.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
}

// Config tunes a Service.
type Config struct {
	// Lease bounds how long a crashed process can hold a session lock.
	Lease         time.Duration
	StatusTTL     time.Duration
	ProgressEvery int
	Matcher       string
}

// Request describes one scan submitted by a client.
type Request struct {
	SessionID string
	VideoPath string
	Template  []byte
	Threshold float64
}

// Record is the cached status of a job.
type Record struct {
	JobID          string         `json:"job_id"`
	SessionID      string         `json:"session_id"`
	Status         scanner.Status `json:"status"`
	Threshold      float64        `json:"threshold"`
	Frame          *int           `json:"frame,omitempty"`
	TotalFrames    int            `json:"total_frames,omitempty"`
	FramesExamined int            `json:"frames_examined"`
	ProcessingTime float64        `json:"processing_time,omitempty"`
	Message        string         `json:"message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type job struct {
	id        string
	sessionID string
	videoPath string
	template  []byte
	threshold float64
	createdAt time.Time
}

type run struct {
	jobID  string
	cancel context.CancelFunc
}

// Service owns the background scans. At most one job runs per session.
type Service struct {
	cache          Cache
	publisher      Publisher
	opener         Opener
	logger         *zap.Logger
	cfg            Config
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
}

// NewService constructs a job service.
func NewService(cache Cache, publisher Publisher, opener Opener, logger *zap.Logger, cfg Config) *Service {
	if cfg.Lease <= 0 {
		cfg.Lease = time.Hour
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 30 * time.Minute
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		cache:          cache,
		publisher:      publisher,
		opener:         opener,
		logger:         logger.Named("jobs"),
		cfg:            cfg,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		baseCtx:        baseCtx,
		stop:           stop,
		running:        make(map[string]*run),
	}
}

func lockKey(sessionID string) string { return fmt.Sprintf("detector:lock:%s", sessionID) }
func jobKey(jobID string) string      { return fmt.Sprintf("detector:job:%s", jobID) }

// Submit validates req, takes the session lock and starts the scan in the
// background. The returned job ID identifies the events and status record.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	switch {
	case req.SessionID == "":
		return "", scanner.InvalidInput("session is required")
	case req.VideoPath == "":
		return "", scanner.InvalidInput("video is required")
	case len(req.Template) == 0:
		return "", scanner.ErrEmptyTemplate
	}
	if err := scanner.ValidateThreshold(req.Threshold); err != nil {
		return "", err
	}
	if s.baseCtx.Err() != nil {
		return "", ErrShuttingDown
	}

	jobID := uuid.NewString()
	opLogger := logging.WithOperation(s.logger, "jobs.submit", jobID)

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	if _, busy := s.running[req.SessionID]; busy {
		s.mu.Unlock()
		cancel()
		return "", ErrJobInFlight
	}
	s.running[req.SessionID] = &run{jobID: jobID, cancel: cancel}
	s.mu.Unlock()

	abort := func() {
		cancel()
		s.forget(req.SessionID, jobID)
	}

	// the lock also guards against other instances sharing the cache
	acquired, err := s.acquireLock(ctx, req.SessionID, jobID)
	if err != nil {
		opLogger.Error("failed to acquire session lock", zap.Error(err))
		abort()
		return "", err
	}
	if !acquired {
		abort()
		return "", ErrJobInFlight
	}

	now := time.Now().UTC()
	j := job{
		id:        jobID,
		sessionID: req.SessionID,
		videoPath: req.VideoPath,
		template:  req.Template,
		threshold: req.Threshold,
		createdAt: now,
	}
	if err := s.saveRecord(ctx, Record{
		JobID:     jobID,
		SessionID: req.SessionID,
		Status:    scanner.StatusPending,
		Threshold: req.Threshold,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		opLogger.Error("failed to store job record", zap.Error(err))
		s.releaseLock(j, opLogger)
		abort()
		return "", err
	}

	s.wg.Add(1)
	go s.process(runCtx, cancel, j)

	opLogger.Info("job submitted", zap.Float64("threshold", req.Threshold))
	return jobID, nil
}

// Cancel stops the session's in-flight job and returns its ID. The job still
// publishes its own processing_cancelled event once the scan unwinds.
func (s *Service) Cancel(sessionID string) (string, error) {
	s.mu.Lock()
	r, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", ErrJobNotFound
	}
	r.cancel()
	logging.WithOperation(s.logger, "jobs.cancel", r.jobID).Info("job cancellation requested")
	return r.jobID, nil
}

// Active returns the ID of the session's in-flight job, if any.
func (s *Service) Active(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[sessionID]
	if !ok {
		return "", false
	}
	return r.jobID, true
}

// Status returns the cached record of a job owned by sessionID.
func (s *Service) Status(ctx context.Context, sessionID, jobID string) (*Record, error) {
	var raw string
	err := s.withRedisRetry(ctx, jobID, "cache.get.record", func(int) error {
		var err error
		raw, err = s.cache.Get(ctx, jobKey(jobID))
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, ErrJobNotFound
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, logging.NewOperationError("jobs.status", jobID, fmt.Errorf("decode record: %w", err))
	}
	if rec.SessionID != sessionID {
		return nil, ErrJobNotFound
	}
	return &rec, nil
}

// Shutdown cancels every running job and waits for them to finish cleaning up.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) process(ctx context.Context, cancel context.CancelFunc, j job) {
	defer s.wg.Done()
	defer cancel()

	logger := logging.WithOperation(s.logger, "jobs.process", j.id)
	s.updateStatus(j, StatusRunning, logger)
	s.publish(j, events.Event{Name: events.JobStarted, Data: events.Started{JobID: j.id, Threshold: j.threshold}}, logger)

	outcome := s.scan(ctx, j, logger)
	evt := events.FromOutcome(j.id, outcome)

	s.saveOutcome(j, outcome, logger)
	s.cleanup(j, logger)
	// published last so a client reacting to the event can submit again
	s.publish(j, evt, logger)

	fields := []zap.Field{
		zap.String("status", string(outcome.Status)),
		zap.Int("frames_examined", outcome.Examined),
		zap.Duration("elapsed", outcome.Elapsed),
		zap.Float64("best_score", outcome.BestScore),
	}
	switch outcome.Status {
	case scanner.StatusFound:
		logger.Info("template found", append(fields, zap.Int("frame", outcome.Frame))...)
	case scanner.StatusError:
		logger.Error("scan failed", append(fields, zap.Error(outcome.Err))...)
	default:
		logger.Info("scan finished", fields...)
	}
}

func (s *Service) scan(ctx context.Context, j job, logger *zap.Logger) scanner.Outcome {
	start := time.Now()

	tmpl, format, err := video.DecodeImage(j.template)
	if err != nil {
		return scanner.Failed(scanner.DecodeError("failed to read template", err), time.Since(start))
	}
	logger.Debug("template decoded", zap.String("format", format), zap.Stringer("bounds", tmpl.Bounds()))

	m, err := match.New(s.cfg.Matcher)
	if err != nil {
		return scanner.Failed(err, time.Since(start))
	}

	src, err := s.opener.Open(ctx, j.videoPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return scanner.Outcome{
				Status:  scanner.StatusCancelled,
				Err:     fmt.Errorf("%w: %v", scanner.ErrCancelled, ctxErr),
				Elapsed: time.Since(start),
			}
		}
		return scanner.Failed(scanner.DecodeError("failed to open video", err), time.Since(start))
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Debug("video source close", zap.Error(err))
		}
	}()

	return scanner.Run(ctx, src, tmpl, j.threshold,
		scanner.WithMatcher(m),
		scanner.WithProgress(s.cfg.ProgressEvery, func(p scanner.Progress) {
			logger.Debug("scan progress",
				zap.Int("frame", p.Frame),
				zap.Int("total_frames", p.TotalFrames),
				zap.Float64("best_score", p.BestScore))
			s.publish(j, events.Event{Name: events.ScanProgress, Data: events.Progress{
				JobID:       j.id,
				Frame:       p.Frame,
				TotalFrames: p.TotalFrames,
			}}, logger)
		}),
	)
}

func (s *Service) publish(j job, evt events.Event, logger *zap.Logger) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(j.sessionID, evt); err != nil {
		logger.Warn("failed to publish event", zap.String("event", string(evt.Name)), zap.Error(err))
	}
}

func (s *Service) updateStatus(j job, status scanner.Status, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	rec := Record{
		JobID:     j.id,
		SessionID: j.sessionID,
		Status:    status,
		Threshold: j.threshold,
		CreatedAt: j.createdAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.saveRecord(ctx, rec); err != nil {
		logger.Warn("failed to update job record", zap.Error(err))
	}
}

func (s *Service) saveOutcome(j job, o scanner.Outcome, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	rec := Record{
		JobID:          j.id,
		SessionID:      j.sessionID,
		Status:         o.Status,
		Threshold:      j.threshold,
		TotalFrames:    o.TotalFrames,
		FramesExamined: o.Examined,
		ProcessingTime: o.Elapsed.Seconds(),
		Message:        o.Message(),
		CreatedAt:      j.createdAt,
		UpdatedAt:      time.Now().UTC(),
	}
	if o.Status == scanner.StatusFound {
		frame := o.Frame
		rec.Frame = &frame
	}
	if err := s.saveRecord(ctx, rec); err != nil {
		logger.Error("failed to store job outcome", zap.Error(err))
	}
}

func (s *Service) saveRecord(ctx context.Context, rec Record) error {
	serialized, err := json.Marshal(rec)
	if err != nil {
		return logging.NewOperationError("jobs.encode_record", rec.JobID, err)
	}
	return s.withRedisRetry(ctx, rec.JobID, "cache.set.record", func(int) error {
		return s.cache.Set(ctx, jobKey(rec.JobID), string(serialized), s.cfg.StatusTTL)
	})
}

func (s *Service) cleanup(j job, logger *zap.Logger) {
	if err := os.Remove(j.videoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove uploaded video", zap.String("path", j.videoPath), zap.Error(err))
	}
	s.releaseLock(j, logger)
	s.forget(j.sessionID, j.id)
}

func (s *Service) releaseLock(j job, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	key := lockKey(j.sessionID)
	var released bool
	err := s.withRedisRetry(ctx, j.id, "cache.release.lock", func(attempt int) error {
		ok, err := s.cache.CompareAndDelete(ctx, key, j.id)
		if err != nil {
			return err
		}
		if !ok && attempt > 0 {
			// an earlier attempt may have deleted the key before its reply was lost
			owner, err := s.lockOwner(ctx, key)
			if err != nil {
				return err
			}
			ok = owner == ""
		}
		released = ok
		return nil
	})
	switch {
	case err != nil:
		logger.Error("failed to release session lock", zap.Error(err))
	case !released:
		// the lease expired and another job may own the key now
		logger.Warn("session lock was no longer held")
	}
}

// acquireLock takes the session lock for jobID. SETNX is not idempotent: when a
// retry finds the key already set, it checks whether the value is jobID, which
// means an earlier attempt won before its reply was lost.
func (s *Service) acquireLock(ctx context.Context, sessionID, jobID string) (bool, error) {
	key := lockKey(sessionID)
	var acquired bool
	err := s.withRedisRetry(ctx, jobID, "cache.setnx.lock", func(attempt int) error {
		ok, err := s.cache.SetNX(ctx, key, jobID, s.cfg.Lease)
		if err != nil {
			return err
		}
		if !ok && attempt > 0 {
			owner, err := s.lockOwner(ctx, key)
			if err != nil {
				return err
			}
			ok = owner == jobID
		}
		acquired = ok
		return nil
	})
	return acquired, err
}

// lockOwner returns the job holding key, or "" when the key is absent.
func (s *Service) lockOwner(ctx context.Context, key string) (string, error) {
	owner, err := s.cache.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

func (s *Service) forget(sessionID, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.running[sessionID]; ok && r.jobID == jobID {
		delete(s.running, sessionID)
	}
}
