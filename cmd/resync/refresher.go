package main

import (
	"context"

	"github.com/Clark-Hu/crew-ratings/internal/domain"
)

type refresher interface {
	Refresh(ctx context.Context, workerID string) (domain.WorkerAggregate, error)
}
