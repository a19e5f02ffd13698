package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"docqa/internal/apperr"
	"docqa/internal/config"
	"docqa/internal/corpus"
	"docqa/internal/metadata"
	"docqa/internal/vectorindex"
)

const insertBatchSize = 500

// Generation is one ingested corpus. At most one row is active.
type Generation struct {
	bun.BaseModel `bun:"table:corpus_generations,alias:g"`
	ID            string    `bun:"id,pk"`
	Dimension     int       `bun:"dimension,notnull"`
	ChunkCount    int       `bun:"chunk_count,notnull"`
	Active        bool      `bun:"active,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// Chunk is one metadata record together with its embedding.
type Chunk struct {
	bun.BaseModel `bun:"table:corpus_chunks,alias:c"`
	GenerationID  string    `bun:"generation_id,pk"`
	ChunkID       int       `bun:"chunk_id,pk"`
	Content       string    `bun:"content,notnull"`
	SourceFile    string    `bun:"source_file,notnull"`
	IngestedAt    time.Time `bun:"ingested_at,notnull"`
	Embedding     []float32 `bun:"embedding,array,type:real[],notnull"`
}

func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case config.DriverPQ:
		return sql.Open("postgres", cfg.URL)
	case config.DriverPG, "":
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.URL))), nil
	default:
		return nil, apperr.Newf(apperr.KindConfiguration, "unknown database driver %q", cfg.Driver)
	}
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func InitDB(ctx context.Context, db *bun.DB) error {
	for _, model := range []interface{}{(*Generation)(nil), (*Chunk)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func DropTables(ctx context.Context, db *bun.DB) error {
	for _, model := range []interface{}{(*Chunk)(nil), (*Generation)(nil)} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table: %w", err)
		}
	}
	return nil
}

// Store is a corpus.Store backed by Postgres.
type Store struct {
	db   *bun.DB
	keep int
}

func NewStore(db *bun.DB, keepGenerations int) *Store {
	if keepGenerations < 1 {
		keepGenerations = corpus.DefaultKeepGenerations
	}
	return &Store{db: db, keep: keepGenerations}
}

// Save writes the corpus and makes it the active generation in one transaction.
func (s *Store) Save(ctx context.Context, c *corpus.Corpus) error {
	gen, chunks, err := toRows(c)
	if err != nil {
		return err
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(gen).Exec(ctx); err != nil {
			return fmt.Errorf("insert generation: %w", err)
		}
		for start := 0; start < len(chunks); start += insertBatchSize {
			batch := chunks[start:min(start+insertBatchSize, len(chunks))]
			if _, err := tx.NewInsert().Model(&batch).Exec(ctx); err != nil {
				return fmt.Errorf("insert chunks: %w", err)
			}
		}
		if _, err := tx.NewUpdate().Model((*Generation)(nil)).
			Set("active = (id = ?)", gen.ID).
			Where("active OR id = ?", gen.ID).
			Exec(ctx); err != nil {
			return fmt.Errorf("activate generation: %w", err)
		}
		return s.prune(ctx, tx, gen.ID)
	})
	if err != nil {
		return err
	}
	log.Info().Str("generation", gen.ID).Int("chunks", len(chunks)).Msg("Corpus saved to database")
	return nil
}

func (s *Store) prune(ctx context.Context, tx bun.Tx, current string) error {
	var stale []string
	err := tx.NewSelect().Model((*Generation)(nil)).
		Column("id").
		Where("id != ?", current).
		Order("created_at DESC").
		Offset(s.keep-1).
		Scan(ctx, &stale)
	if err != nil {
		return fmt.Errorf("list stale generations: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	if _, err := tx.NewDelete().Model((*Chunk)(nil)).Where("generation_id IN (?)", bun.In(stale)).Exec(ctx); err != nil {
		return fmt.Errorf("prune chunks: %w", err)
	}
	if _, err := tx.NewDelete().Model((*Generation)(nil)).Where("id IN (?)", bun.In(stale)).Exec(ctx); err != nil {
		return fmt.Errorf("prune generations: %w", err)
	}
	log.Debug().Strs("generations", stale).Msg("Pruned corpus generations")
	return nil
}

// Load reads the active generation.
func (s *Store) Load(ctx context.Context) (*corpus.Corpus, error) {
	gen := new(Generation)
	err := s.db.NewSelect().Model(gen).Where("active").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotReady, "no active corpus generation in database")
	}
	if err != nil {
		return nil, fmt.Errorf("load generation: %w", err)
	}

	var chunks []Chunk
	if err := s.db.NewSelect().Model(&chunks).
		Where("generation_id = ?", gen.ID).
		Order("chunk_id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	c, err := fromRows(gen, chunks)
	if err != nil {
		return nil, err
	}
	log.Info().Str("generation", gen.ID).Int("chunks", c.Len()).Msg("Corpus loaded from database")
	return c, nil
}

func toRows(c *corpus.Corpus) (*Generation, []Chunk, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	gen := &Generation{
		ID:         c.Generation,
		Dimension:  c.Dimension(),
		ChunkCount: c.Len(),
		CreatedAt:  c.CreatedAt,
	}
	chunks := make([]Chunk, c.Len())
	for i := range chunks {
		rec, err := c.Metadata.Get(i)
		if err != nil {
			return nil, nil, err
		}
		vec, err := c.Index.Vector(i)
		if err != nil {
			return nil, nil, err
		}
		chunks[i] = Chunk{
			GenerationID: c.Generation,
			ChunkID:      rec.ChunkID,
			Content:      rec.Text,
			SourceFile:   rec.SourceFile,
			IngestedAt:   rec.Timestamp,
			Embedding:    vec,
		}
	}
	return gen, chunks, nil
}

// fromRows rebuilds a corpus. Rows must be ordered by chunk id.
func fromRows(gen *Generation, chunks []Chunk) (*corpus.Corpus, error) {
	if len(chunks) != gen.ChunkCount {
		return nil, apperr.Newf(apperr.KindNotReady,
			"generation %s lists %d chunks but %d are stored", gen.ID, gen.ChunkCount, len(chunks))
	}
	index := vectorindex.NewWithDimension(gen.Dimension)
	meta := metadata.New()
	vectors := make([][]float32, len(chunks))
	for i, ch := range chunks {
		err := meta.Append(metadata.Record{
			ChunkID:    ch.ChunkID,
			Text:       ch.Content,
			SourceFile: ch.SourceFile,
			Timestamp:  ch.IngestedAt.UTC(),
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindNotReady, "stored chunks are not contiguous", err)
		}
		vectors[i] = ch.Embedding
	}
	if err := index.Add(vectors); err != nil {
		return nil, apperr.Wrap(apperr.KindNotReady, "stored embeddings are inconsistent", err)
	}
	return corpus.New(gen.ID, gen.CreatedAt, index, meta)
}
