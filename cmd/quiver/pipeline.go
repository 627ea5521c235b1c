package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var (
	vectorsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_vectors_processed_total",
		Help: "The total number of pooled vectors produced",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_batch_duration_seconds",
		Help:    "Time spent encoding and pooling one batch",
		Buckets: prometheus.DefBuckets,
	})
)

// tokenBatch is a padded batch of token ids. Position s of sequence b is
// padding when s >= lengths[b].
type tokenBatch struct {
	ids     [][]int
	lengths []int
	mask    *tensor.Tensor2
}

func (b tokenBatch) tokens() int64 {
	var n int64
	for _, l := range b.lengths {
		n += int64(l)
	}
	return n
}

// syntheticBatch draws random token ids in [1, vocab). The first sequence
// always spans the full length; the others get random lengths. Padding uses
// id 0.
func syntheticBatch(rng *rand.Rand, batch, seq, vocab int) (tokenBatch, error) {
	if batch < 1 || seq < 1 {
		return tokenBatch{}, fmt.Errorf("batch (%d) and sequence length (%d) must be positive", batch, seq)
	}
	if vocab < 2 {
		return tokenBatch{}, fmt.Errorf("vocabulary of %d leaves no room for non-padding tokens", vocab)
	}

	ids := make([][]int, batch)
	lengths := make([]int, batch)
	for b := range ids {
		lengths[b] = seq
		if b > 0 {
			lengths[b] = 1 + rng.Intn(seq)
		}
		ids[b] = make([]int, seq)
		for s := 0; s < lengths[b]; s++ {
			ids[b][s] = 1 + rng.Intn(vocab-1)
		}
	}

	mask, err := model.MaskFromLengths(lengths, seq)
	if err != nil {
		return tokenBatch{}, err
	}
	return tokenBatch{ids: ids, lengths: lengths, mask: mask}, nil
}

// subset keeps the sequences at the given indices, trimmed to the longest
// of them.
func (b tokenBatch) subset(indices []int) (tokenBatch, error) {
	seq := 0
	for _, i := range indices {
		seq = max(seq, b.lengths[i])
	}
	out := tokenBatch{ids: make([][]int, len(indices)), lengths: make([]int, len(indices))}
	for j, i := range indices {
		out.ids[j] = b.ids[i][:seq]
		out.lengths[j] = b.lengths[i]
	}
	mask, err := model.MaskFromLengths(out.lengths, seq)
	if err != nil {
		return tokenBatch{}, err
	}
	out.mask = mask
	return out, nil
}

// pipeline turns token batches into pooled sentence vectors. Apart from the
// optional cache, which is safe for concurrent use, it holds only read-only
// state and is shared by every soak worker.
type pipeline struct {
	encoder   *model.Encoder
	strategy  model.PoolingStrategy
	normalize bool
	cache     cache.VectorCache
}

func (p *pipeline) embed(ctx context.Context, batch tokenBatch) (*tensor.Tensor2, error) {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	if p.cache == nil {
		return p.encode(ctx, batch)
	}

	out := tensor.New2(len(batch.ids), p.encoder.Config.HiddenSize())
	var misses []int
	for b, ids := range batch.ids {
		if vec, ok := p.cache.Get(ids[:batch.lengths[b]]); ok {
			copy(out.Row(b), vec)
		} else {
			misses = append(misses, b)
		}
	}
	if len(misses) == 0 {
		vectorsProcessed.Add(float64(out.Rows))
		return out, nil
	}

	sub, err := batch.subset(misses)
	if err != nil {
		return nil, err
	}
	fresh, err := p.encode(ctx, sub)
	if err != nil {
		return nil, err
	}
	for j, b := range misses {
		copy(out.Row(b), fresh.Row(j))
		p.cache.Put(sub.ids[j][:sub.lengths[j]], fresh.Row(j))
	}
	vectorsProcessed.Add(float64(out.Rows - fresh.Rows))
	return out, nil
}

func (p *pipeline) encode(ctx context.Context, batch tokenBatch) (*tensor.Tensor2, error) {
	hidden, err := p.encoder.Encode(ctx, batch.ids, nil, batch.mask)
	if err != nil {
		return nil, err
	}
	pooled, err := model.Pool(p.encoder.Backend, p.strategy, hidden, batch.mask)
	if err != nil {
		return nil, err
	}
	if p.normalize {
		model.Normalize(pooled)
	}
	vectorsProcessed.Add(float64(pooled.Rows))
	return pooled, nil
}
