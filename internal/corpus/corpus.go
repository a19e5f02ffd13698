package corpus

import (
	"context"
	"sync/atomic"
	"time"

	"docqa/internal/apperr"
	"docqa/internal/metadata"
	"docqa/internal/vectorindex"
)

// Corpus pairs a vector index with its metadata. Row i of the index and
// record i of the metadata describe the same chunk. Both are tagged with
// the same generation and are treated as read-only once built.
type Corpus struct {
	Generation string
	CreatedAt  time.Time
	Index      *vectorindex.Index
	Metadata   *metadata.Store
}

// New checks that index and metadata are aligned and returns the corpus.
func New(generation string, createdAt time.Time, index *vectorindex.Index, meta *metadata.Store) (*Corpus, error) {
	c := &Corpus{
		Generation: generation,
		CreatedAt:  createdAt.UTC(),
		Index:      index,
		Metadata:   meta,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Corpus) Validate() error {
	if c.Index == nil || c.Metadata == nil {
		return apperr.New(apperr.KindInvariantViolation, "corpus is missing its index or metadata")
	}
	if c.Index.Len() != c.Metadata.Len() {
		return apperr.Newf(apperr.KindInvariantViolation,
			"index has %d vectors but metadata has %d records", c.Index.Len(), c.Metadata.Len()).
			WithDetail("index_len", c.Index.Len()).WithDetail("metadata_len", c.Metadata.Len())
	}
	return nil
}

func (c *Corpus) Len() int {
	if c == nil || c.Index == nil {
		return 0
	}
	return c.Index.Len()
}

func (c *Corpus) Empty() bool { return c.Len() == 0 }

func (c *Corpus) Dimension() int {
	if c == nil || c.Index == nil {
		return 0
	}
	return c.Index.Dimension()
}

// Store persists and restores whole corpora. Save must be atomic: a reader
// sees either the previous corpus or the new one, never a mix.
type Store interface {
	Save(ctx context.Context, c *Corpus) error
	Load(ctx context.Context) (*Corpus, error)
}

// Handle holds the active corpus. Readers take one snapshot per request with
// Current; a rebuilt corpus is published with Swap.
type Handle struct {
	p atomic.Pointer[Corpus]
}

func NewHandle(c *Corpus) *Handle {
	h := &Handle{}
	if c != nil {
		h.p.Store(c)
	}
	return h
}

// Current returns the active corpus, or nil when none has been loaded.
func (h *Handle) Current() *Corpus { return h.p.Load() }

// Swap publishes c and returns the corpus it replaced.
func (h *Handle) Swap(c *Corpus) *Corpus { return h.p.Swap(c) }

// Ready reports whether a non-empty corpus is loaded.
func (h *Handle) Ready() bool {
	c := h.Current()
	return c != nil && !c.Empty()
}
