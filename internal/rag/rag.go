package rag

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"docqa/internal/apperr"
	"docqa/internal/corpus"
	"docqa/internal/models"
	"docqa/internal/vectorindex"
)

// QueryEmbedder turns a query into a vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator writes an answer grounded in context snippets.
type Generator interface {
	Generate(ctx context.Context, query string, contexts []string) (string, error)
}

// Retriever finds the chunks nearest to a query in the active corpus.
type Retriever struct {
	handle   *corpus.Handle
	embedder QueryEmbedder
	topK     int
}

func NewRetriever(handle *corpus.Handle, embedder QueryEmbedder, topK int) *Retriever {
	if topK <= 0 {
		topK = 2
	}
	return &Retriever{handle: handle, embedder: embedder, topK: topK}
}

// Hit is a resolved search result.
type Hit struct {
	vectorindex.Hit
	ChunkID    int
	Text       string
	SourceFile string
}

// Retrieve returns up to k citations, nearest first. k <= 0 uses the default.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]models.Citation, error) {
	hits, err := r.RetrieveHits(ctx, query, k)
	if err != nil {
		return nil, err
	}
	citations := make([]models.Citation, 0, len(hits))
	for _, h := range hits {
		citations = append(citations, models.Citation{Text: h.Text, Source: h.SourceFile, Distance: h.Distance})
	}
	return citations, nil
}

// RetrieveHits is Retrieve with positions and distances kept.
func (r *Retriever) RetrieveHits(ctx context.Context, query string, k int) ([]Hit, error) {
	// one snapshot for the whole request
	c := r.handle.Current()
	if c == nil || c.Empty() || c.Metadata.Len() == 0 {
		return nil, apperr.New(apperr.KindNotReady, "no corpus is loaded, run ingestion first")
	}
	if k <= 0 {
		k = r.topK
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	found, err := c.Index.Search(vector, k)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(found))
	for _, h := range found {
		rec, err := c.Metadata.Get(h.Position)
		if err != nil {
			log.Warn().Err(err).Int("position", h.Position).Str("generation", c.Generation).
				Msg("Search hit has no metadata record, skipping")
			continue
		}
		hits = append(hits, Hit{Hit: h, ChunkID: rec.ChunkID, Text: rec.Text, SourceFile: rec.SourceFile})
	}
	log.Debug().Int("k", k).Int("hits", len(hits)).Str("generation", c.Generation).Msg("Retrieved chunks")
	return hits, nil
}

// Service answers questions: retrieve, then generate.
type Service struct {
	retriever *Retriever
	generator Generator
}

func NewService(retriever *Retriever, generator Generator) *Service {
	return &Service{retriever: retriever, generator: generator}
}

// Query answers query from the top k chunks. k <= 0 uses the default.
func (s *Service) Query(ctx context.Context, query string, k int) (*models.QueryResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.New(apperr.KindValidation, "query must not be empty")
	}

	citations, err := s.retriever.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}

	contexts := make([]string, len(citations))
	for i, c := range citations {
		contexts[i] = c.Text
	}
	answer, err := s.generator.Generate(ctx, query, contexts)
	if err != nil {
		return nil, err
	}
	return &models.QueryResponse{Answer: answer, Citations: citations}, nil
}
