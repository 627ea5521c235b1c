package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type soakOptions struct {
	Duration    time.Duration
	Concurrency int
	// MaxTokens bounds the tokens in flight across all workers; 0 disables
	// the bound.
	MaxTokens int64
}

type soakStats struct {
	Iterations int64
	Vectors    int64
	Elapsed    time.Duration
}

// soak runs concurrent forward passes over the same batch against one shared
// encoder until the duration elapses or a pass fails.
func soak(ctx context.Context, p *pipeline, batch tokenBatch, opts soakOptions) (soakStats, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	cost := batch.tokens()
	var sem *semaphore.Weighted
	if opts.MaxTokens > 0 {
		if cost > opts.MaxTokens {
			return soakStats{}, fmt.Errorf("batch of %d tokens exceeds max-tokens %d", cost, opts.MaxTokens)
		}
		sem = semaphore.NewWeighted(opts.MaxTokens)
	}

	log.Info().
		Str("duration", opts.Duration.String()).
		Int("concurrency", opts.Concurrency).
		Int64("batch_tokens", cost).
		Msg("Starting soak test")

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var iterations, vectors atomic.Int64
	startTime := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < opts.Concurrency; w++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if sem != nil {
					if err := sem.Acquire(gctx, cost); err != nil {
						return nil
					}
				}
				out, err := p.embed(gctx, batch)
				if sem != nil {
					sem.Release(cost)
				}
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}

				vectors.Add(int64(out.Rows))
				if iter := iterations.Add(1); iter%10 == 0 {
					elapsed := time.Since(startTime)
					log.Info().
						Str("elapsed", elapsed.Round(time.Second).String()).
						Int64("iter", iter).
						Int64("total_vectors", vectors.Load()).
						Float64("tps", float64(vectors.Load())/elapsed.Seconds()).
						Msg("Soak test progress")
				}
			}
			return nil
		})
	}

	err := g.Wait()
	stats := soakStats{Iterations: iterations.Load(), Vectors: vectors.Load(), Elapsed: time.Since(startTime)}
	if err != nil {
		return stats, err
	}

	log.Info().
		Int64("total_vectors", stats.Vectors).
		Dur("total_time", stats.Elapsed).
		Float64("avg_tps", float64(stats.Vectors)/stats.Elapsed.Seconds()).
		Msg("Soak test complete")
	return stats, nil
}
