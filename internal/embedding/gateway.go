package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"docqa/internal/apperr"
	"docqa/internal/backoff"
)

type Options struct {
	BatchSize  int
	Timeout    time.Duration // per call
	MaxRetries int           // retries after the first attempt
	RetryDelay time.Duration // base of the exponential backoff
}

// Gateway turns text into vectors through an embeddings.Embedder. It
// batches document requests, bounds every call with a timeout, retries
// transient failures and checks that every vector has the same dimension.
type Gateway struct {
	embedder embeddings.Embedder
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewGateway(embedder embeddings.Embedder, opts Options) *Gateway {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	return &Gateway{embedder: embedder, opts: opts, sleep: backoff.Sleep}
}

// EmbedDocuments returns one vector per text, in input order.
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.opts.BatchSize {
		end := min(start+g.opts.BatchSize, len(texts))
		batch := texts[start:end]

		var vectors [][]float32
		err := g.call(ctx, func(ctx context.Context) error {
			var err error
			vectors, err = g.embedder.EmbedDocuments(ctx, batch)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, apperr.Newf(apperr.KindEmbedding,
				"embedder returned %d vectors for %d texts", len(vectors), len(batch))
		}
		out = append(out, vectors...)
		log.Debug().Int("from", start).Int("to", end).Int("total", len(texts)).Msg("Embedded batch")
	}
	if err := checkDimensions(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		vector, err = g.embedder.EmbedQuery(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, apperr.New(apperr.KindEmbedding, "embedder returned an empty vector")
	}
	return vector, nil
}

// Budget is the worst case duration of one gateway call including retries.
func (g *Gateway) Budget() time.Duration {
	return backoff.Budget(g.opts.Timeout, g.opts.RetryDelay, g.opts.MaxRetries)
}

// call runs fn with a per-attempt deadline and retries with exponential
// backoff. Permanent provider errors (4xx) are not retried.
func (g *Gateway) call(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	timedOut := false
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, backoff.Delay(g.opts.RetryDelay, attempt-1)); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		err := fn(callCtx)
		expired := callCtx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil {
			return nil
		}
		// the caller gave up; nothing to retry
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		timedOut = expired || errors.Is(err, context.DeadlineExceeded)
		log.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", g.opts.MaxRetries+1).
			Bool("timeout", timedOut).Msg("Embedding call failed")
		if !timedOut && backoff.Permanent(err) {
			break
		}
	}
	if timedOut {
		return apperr.Wrap(apperr.KindUpstreamTimeout, "embedding service did not answer in time", lastErr).
			WithDetail("timeout_seconds", g.opts.Timeout.Seconds())
	}
	return apperr.Wrap(apperr.KindEmbedding, "embedding service failed", lastErr)
}

func checkDimensions(vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return apperr.New(apperr.KindEmbedding, "embedder returned an empty vector")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return apperr.Newf(apperr.KindDimensionMismatch,
				"vector %d has dimension %d, expected %d", i, len(v), dim).
				WithDetail("expected", dim).WithDetail("got", len(v))
		}
	}
	return nil
}
