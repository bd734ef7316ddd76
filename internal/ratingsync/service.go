package ratingsync

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Clark-Hu/crew-ratings/internal/domain"
	logging "github.com/Clark-Hu/crew-ratings/internal/logger"
	"github.com/Clark-Hu/crew-ratings/internal/metrics"
	"github.com/Clark-Hu/crew-ratings/internal/syncqueue"
)

// Service routes every recomputation through a per-worker single-writer queue so
// concurrent triggers for one worker run one after another.
type Service struct {
	syncer *Syncer
	queue  *syncqueue.Queue[domain.WorkerAggregate]
}

// NewService wraps syncer with a queue. m may be nil.
func NewService(syncer *Syncer, logger *zap.Logger, m *metrics.Metrics) *Service {
	logger = logging.OrNop(logger)
	opts := syncqueue.Options{Logger: logger.Named("syncqueue")}
	if m != nil {
		opts.OnCoalesce = func(string) { m.SyncCoalesced.Inc() }
		opts.OnActiveChange = func(n int) { m.SyncActiveKeys.Set(float64(n)) }
	}
	return &Service{
		syncer: syncer,
		queue:  syncqueue.New(syncer.Sync, opts),
	}
}

// Refresh recomputes the worker's aggregate. The returned value reflects every
// rating committed before the call.
func (s *Service) Refresh(ctx context.Context, workerID string) (domain.WorkerAggregate, error) {
	return s.queue.Trigger(ctx, strings.TrimSpace(workerID))
}

// Close waits for queued recomputations to finish.
func (s *Service) Close(ctx context.Context) error {
	return s.queue.Close(ctx)
}
