package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Clark-Hu/crew-ratings/internal/app"
	"github.com/Clark-Hu/crew-ratings/internal/config"
	"github.com/Clark-Hu/crew-ratings/internal/logger"
)

type options struct {
	all         bool
	concurrency int
	perSecond   float64
	burst       int
	failFast    bool
}

func (o options) validate() error {
	switch {
	case o.perSecond <= 0:
		return fmt.Errorf("--rate must be positive, got %v", o.perSecond)
	case o.burst < 1:
		return fmt.Errorf("--burst must be at least 1, got %d", o.burst)
	case o.concurrency < 1:
		return fmt.Errorf("--concurrency must be at least 1, got %d", o.concurrency)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "resync [worker-id...]",
		Short: "Recompute stored rating aggregates",
		Long: `resync recomputes averageRating and totalRatings on worker profiles from the
stored rating records. Pass worker ids, or --all to walk every profile.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.all == (len(args) > 0) {
				return errors.New("pass worker ids or --all, not both")
			}
			if err := opts.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), opts, args)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.all, "all", false, "resync every worker profile")
	flags.IntVar(&opts.concurrency, "concurrency", 4, "workers recomputed in parallel")
	flags.Float64Var(&opts.perSecond, "rate", 20, "maximum recomputations started per second")
	flags.IntVar(&opts.burst, "burst", 5, "rate limiter burst")
	flags.BoolVar(&opts.failFast, "fail-fast", false, "stop at the first failed worker")
	return cmd
}

func run(ctx context.Context, opts options, ids []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("resync")

	deps, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		deps.Close(closeCtx)
	}()

	if opts.all {
		ids, err = deps.Repo.Profiles.ListIDs(ctx)
		if err != nil {
			return fmt.Errorf("list profiles: %w", err)
		}
	}

	start := time.Now()
	failed, err := resync(ctx, deps.Sync, ids, opts, log)
	log.Info("resync finished",
		zap.Int("workers", len(ids)),
		zap.Int64("failed", failed),
		zap.Duration("took", time.Since(start)),
	)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workers failed", failed, len(ids))
	}
	return nil
}

func resync(ctx context.Context, refresher refresher, ids []string, opts options, log *zap.Logger) (int64, error) {
	limiter := rate.NewLimiter(rate.Limit(opts.perSecond), max(opts.burst, 1))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.concurrency, 1))

	var (
		failed  atomic.Int64
		waitErr error
	)
	for _, id := range ids {
		id := strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := limiter.Wait(gctx); err != nil {
			// A cancelled group context is reported by g.Wait or ctx.Err below.
			if gctx.Err() == nil {
				waitErr = fmt.Errorf("rate limiter: %w", err)
			}
			break
		}
		g.Go(func() error {
			agg, err := refresher.Refresh(gctx, id)
			if err != nil {
				failed.Add(1)
				log.Warn("resync failed", zap.String("worker_id", id), zap.Error(err))
				if opts.failFast {
					return fmt.Errorf("worker %s: %w", id, err)
				}
				return nil
			}
			log.Debug("resynced",
				zap.String("worker_id", id),
				zap.Float64("average_rating", agg.AverageRating),
				zap.Int64("total_ratings", agg.TotalRatings),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed.Load(), err
	}
	if waitErr != nil {
		return failed.Load(), waitErr
	}
	return failed.Load(), ctx.Err()
}
