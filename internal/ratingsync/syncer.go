// Package ratingsync recomputes a worker's rating aggregate and writes it back onto
// the worker profile.
package ratingsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/crew-ratings/internal/domain"
	"github.com/Clark-Hu/crew-ratings/internal/lock"
	"github.com/Clark-Hu/crew-ratings/internal/logger"
	"github.com/Clark-Hu/crew-ratings/internal/metrics"
	"github.com/Clark-Hu/crew-ratings/internal/repository"
)

// ErrEmptyWorkerID rejects syncs without a worker id.
var ErrEmptyWorkerID = errors.New("ratingsync: empty worker id")

// RatingReader lists every rating stored for a worker.
type RatingReader interface {
	ListByWorker(ctx context.Context, workerID string) ([]domain.RatingRecord, error)
}

// AggregateWriter merges an aggregate into a worker profile.
type AggregateWriter interface {
	MergeAggregate(ctx context.Context, workerID string, agg domain.WorkerAggregate, createMissing bool) error
}

// Options configures a Syncer.
type Options struct {
	CreateMissingProfile bool
	Locker               lock.Locker
	// LockWait bounds how long a run waits for the cross-process lease. Defaults to 30s.
	LockWait time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Syncer runs the read-all, compute, write-one pipeline. It keeps no state
// between runs.
type Syncer struct {
	ratings       RatingReader
	profiles      AggregateWriter
	createMissing bool
	locker        lock.Locker
	lockWait      time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewSyncer wires the pipeline.
func NewSyncer(ratings RatingReader, profiles AggregateWriter, opts Options) *Syncer {
	opts.Logger = logger.OrNop(opts.Logger)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 30 * time.Second
	}
	return &Syncer{
		ratings:       ratings,
		profiles:      profiles,
		createMissing: opts.CreateMissingProfile,
		locker:        opts.Locker,
		lockWait:      opts.LockWait,
		logger:        opts.Logger.Named("ratingsync"),
		metrics:       opts.Metrics,
		now:           opts.Now,
	}
}

// Sync recomputes the aggregate for workerID and persists it. Errors are not
// retried; a failed read performs no write.
func (s *Syncer) Sync(ctx context.Context, workerID string) (domain.WorkerAggregate, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.WorkerAggregate{}, ErrEmptyWorkerID
	}
	start := time.Now()
	log := s.logger.With(zap.String("worker_id", workerID))

	if s.locker != nil {
		acquireCtx, cancel := context.WithTimeout(ctx, s.lockWait)
		lease, err := s.locker.Acquire(acquireCtx, workerID)
		cancel()
		if err != nil {
			s.observe(metrics.OutcomeLockFailed, start)
			log.Warn("sync lease not acquired", zap.Error(err))
			return domain.WorkerAggregate{}, fmt.Errorf("acquire sync lease: %w", err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release sync lease", zap.Error(err))
			}
		}()
	}

	records, err := s.ratings.ListByWorker(ctx, workerID)
	if err != nil {
		err = classify(err)
		outcome := metrics.OutcomeReadFailed
		if errors.Is(err, repository.ErrMalformedRecord) {
			outcome = metrics.OutcomeMalformed
		}
		s.observe(outcome, start)
		log.Error("read ratings", zap.Error(err))
		return domain.WorkerAggregate{}, err
	}

	agg := ComputeAggregate(records)
	agg.UpdatedAt = s.now().UTC()

	if err := s.profiles.MergeAggregate(ctx, workerID, agg, s.createMissing); err != nil {
		err = classify(err)
		outcome := metrics.OutcomeWriteFailed
		if errors.Is(err, repository.ErrProfileNotFound) {
			outcome = metrics.OutcomeProfileMissing
		}
		s.observe(outcome, start)
		log.Error("persist aggregate", zap.Error(err))
		return domain.WorkerAggregate{}, err
	}

	s.observe(metrics.OutcomeOK, start)
	log.Debug("aggregate synced",
		zap.Float64("average_rating", agg.AverageRating),
		zap.Int64("total_ratings", agg.TotalRatings),
		zap.Duration("took", time.Since(start)),
	)
	return agg, nil
}

func (s *Syncer) observe(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SyncRuns.WithLabelValues(outcome).Inc()
	s.metrics.SyncDuration.Observe(time.Since(start).Seconds())
}

// classify maps store errors onto ErrStoreUnavailable, keeping the kinds callers
// handle separately.
func classify(err error) error {
	switch {
	case errors.Is(err, repository.ErrStoreUnavailable),
		errors.Is(err, repository.ErrMalformedRecord),
		errors.Is(err, repository.ErrProfileNotFound):
		return err
	}
	return fmt.Errorf("%w: %w", repository.ErrStoreUnavailable, err)
}
