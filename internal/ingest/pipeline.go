package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"docqa/internal/apperr"
	"docqa/internal/chunker"
	"docqa/internal/corpus"
	"docqa/internal/helper"
	"docqa/internal/metadata"
	"docqa/internal/models"
	"docqa/internal/parser"
	"docqa/internal/vectorindex"
)

// DocumentEmbedder embeds chunk texts, one vector per text in order.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// TextReader extracts the text of a file, returning "" when it cannot.
type TextReader interface {
	Read(path string) string
}

// Pipeline rebuilds the corpus from a set of documents. The new corpus is
// persisted, then published to the handle; on any failure the current
// corpus stays in place. Only one ingestion runs at a time.
type Pipeline struct {
	chunker  *chunker.Chunker
	embedder DocumentEmbedder
	store    corpus.Store
	handle   *corpus.Handle
	reader   TextReader

	mu    sync.Mutex
	now   func() time.Time
	newID func() (string, error)
}

func NewPipeline(chk *chunker.Chunker, embedder DocumentEmbedder, store corpus.Store, handle *corpus.Handle, reader TextReader) *Pipeline {
	return &Pipeline{
		chunker:  chk,
		embedder: embedder,
		store:    store,
		handle:   handle,
		reader:   reader,
		now:      time.Now,
		newID:    helper.GenerateUUID,
	}
}

type chunk struct {
	text   string
	source string
}

// IngestDir ingests every supported file in dir, in lexical file name order.
func (p *Pipeline) IngestDir(ctx context.Context, dir string) (*models.IngestSummary, error) {
	if !p.mu.TryLock() {
		return nil, apperr.New(apperr.KindBusy, "an ingestion is already running")
	}
	defer p.mu.Unlock()

	docs, unsupported, err := p.readDir(dir)
	if err != nil {
		return nil, err
	}
	return p.ingest(ctx, docs, unsupported)
}

// Ingest builds and publishes a corpus from docs.
func (p *Pipeline) Ingest(ctx context.Context, docs []models.Document) (*models.IngestSummary, error) {
	if !p.mu.TryLock() {
		return nil, apperr.New(apperr.KindBusy, "an ingestion is already running")
	}
	defer p.mu.Unlock()

	return p.ingest(ctx, docs, 0)
}

// DryRun reads and chunks dir and reports what an ingestion would produce,
// without embedding or persisting anything.
func (p *Pipeline) DryRun(dir string) (*models.IngestSummary, error) {
	start := p.now()
	docs, unsupported, err := p.readDir(dir)
	if err != nil {
		return nil, err
	}
	chunks, used, skipped := p.chunkAll(docs)
	summary := &models.IngestSummary{
		DocumentCount:    used,
		SkippedDocuments: skipped + unsupported,
		ChunkCount:       len(chunks),
		DryRun:           true,
	}
	p.finish(summary, start)
	return summary, nil
}

// ingest counts alreadySkipped files, dropped before reading, as skipped documents.
func (p *Pipeline) ingest(ctx context.Context, docs []models.Document, alreadySkipped int) (*models.IngestSummary, error) {
	start := p.now()
	chunks, used, empty := p.chunkAll(docs)
	summary := &models.IngestSummary{DocumentCount: used, SkippedDocuments: empty + alreadySkipped, ChunkCount: len(chunks)}

	if len(chunks) == 0 {
		log.Warn().Int("documents", len(docs)).Msg("No chunks to process, keeping the current corpus")
		p.finish(summary, start)
		return summary, nil
	}

	log.Info().Int("chunks", len(chunks)).Int("documents", used).Msg("Embedding chunks")
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.text
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, apperr.Newf(apperr.KindInvariantViolation,
			"got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	index := vectorindex.New()
	if err := index.Add(vectors); err != nil {
		return nil, err
	}
	meta := metadata.New()
	ts := p.now().UTC()
	for _, c := range chunks {
		meta.Next(c.text, c.source, ts)
	}

	generation, err := p.newID()
	if err != nil {
		return nil, err
	}
	built, err := corpus.New(generation, ts, index, meta)
	if err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, built); err != nil {
		return nil, fmt.Errorf("persist corpus: %w", err)
	}
	previous := p.handle.Swap(built)

	summary.Generation = generation
	summary.Dimension = index.Dimension()
	summary.Persisted = true
	p.finish(summary, start)
	if previous != nil {
		log.Info().Str("previous", previous.Generation).Str("generation", generation).Msg("Active corpus replaced")
	}
	return summary, nil
}

// chunkAll keeps document order, then window order. Whitespace-only text
// counts as empty.
func (p *Pipeline) chunkAll(docs []models.Document) (chunks []chunk, used, skipped int) {
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			log.Warn().Str("file", doc.ID).Msg("No text extracted, skipping document")
			skipped++
			continue
		}
		pieces := p.chunker.Chunk(doc.Text)
		log.Info().Str("file", doc.ID).Int("chunks", len(pieces)).Msg("Extracted chunks")
		for _, piece := range pieces {
			chunks = append(chunks, chunk{text: piece, source: doc.ID})
		}
		used++
	}
	return chunks, used, skipped
}

// readDir creates dir when missing, so a fresh install ingests nothing.
// Files with an unsupported extension are counted but never opened.
func (p *Pipeline) readDir(dir string) (docs []models.Document, unsupported int, err error) {
	if err := helper.CreateFolder(dir); err != nil {
		return nil, 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}

	// os.ReadDir returns entries sorted by file name
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !parser.Supported(e.Name()) {
			log.Warn().Str("file", e.Name()).Msg("Unsupported file type, skipping document")
			unsupported++
			continue
		}
		docs = append(docs, models.Document{
			ID:   e.Name(),
			Text: p.reader.Read(filepath.Join(dir, e.Name())),
		})
	}
	return docs, unsupported, nil
}

func (p *Pipeline) finish(s *models.IngestSummary, start time.Time) {
	s.Duration = p.now().Sub(start)
	s.DurationMS = s.Duration.Milliseconds()
	log.Info().
		Str("generation", s.Generation).
		Int("documents", s.DocumentCount).
		Int("skipped", s.SkippedDocuments).
		Int("chunks", s.ChunkCount).
		Int("dimension", s.Dimension).
		Bool("persisted", s.Persisted).
		Bool("dry_run", s.DryRun).
		Dur("took", s.Duration).
		Msg("Ingestion complete")
}
