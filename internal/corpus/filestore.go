package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"docqa/internal/apperr"
	"docqa/internal/metadata"
	"docqa/internal/vectorindex"
)

const (
	IndexFile    = "index.gob"
	MetadataFile = "metadata.json"
	CurrentFile  = "CURRENT"

	DefaultKeepGenerations = 2
)

// FileStore keeps each corpus generation in its own directory under dir:
//
//	<dir>/<generation>/index.gob
//	<dir>/<generation>/metadata.json
//	<dir>/CURRENT
//
// A generation is written under a temporary name and renamed into place
// before CURRENT is switched to it, so an interrupted Save leaves the
// previous generation active.
type FileStore struct {
	dir  string
	keep int
}

func NewFileStore(dir string, keepGenerations int) *FileStore {
	if keepGenerations < 1 {
		keepGenerations = DefaultKeepGenerations
	}
	return &FileStore{dir: dir, keep: keepGenerations}
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Save(ctx context.Context, c *Corpus) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Generation == "" || strings.ContainsAny(c.Generation, `/\`) || strings.HasPrefix(c.Generation, ".") {
		return apperr.Newf(apperr.KindInvariantViolation, "invalid generation id %q", c.Generation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp := filepath.Join(s.dir, ".tmp-"+c.Generation)
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	err := writeFile(filepath.Join(tmp, IndexFile), func(f *os.File) error {
		return c.Index.Encode(f, c.Generation)
	})
	if err == nil {
		err = writeFile(filepath.Join(tmp, MetadataFile), func(f *os.File) error {
			return c.Metadata.Encode(f, c.Generation)
		})
	}
	if err != nil {
		os.RemoveAll(tmp)
		return err
	}

	final := filepath.Join(s.dir, c.Generation)
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("replace generation dir: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("publish generation dir: %w", err)
	}

	current := filepath.Join(s.dir, CurrentFile)
	err = writeFile(current+".tmp", func(f *os.File) error {
		_, err := f.WriteString(c.Generation + "\n")
		return err
	})
	if err != nil {
		return err
	}
	if err := os.Rename(current+".tmp", current); err != nil {
		return fmt.Errorf("switch current generation: %w", err)
	}

	log.Info().Str("generation", c.Generation).Int("chunks", c.Len()).Str("dir", final).Msg("Corpus saved")
	s.prune(c.Generation)
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*Corpus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, CurrentFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Newf(apperr.KindNotReady, "no corpus has been ingested into %s", s.dir)
		}
		return nil, fmt.Errorf("read current generation: %w", err)
	}
	generation := strings.TrimSpace(string(raw))
	if generation == "" {
		return nil, apperr.New(apperr.KindNotReady, "current generation pointer is empty")
	}
	genDir := filepath.Join(s.dir, generation)

	idxFile, err := openArtefact(genDir, IndexFile)
	if err != nil {
		return nil, err
	}
	index, idxGen, err := vectorindex.Decode(idxFile)
	idxFile.Close()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotReady, "vector index is unreadable", err)
	}

	metaFile, err := openArtefact(genDir, MetadataFile)
	if err != nil {
		return nil, err
	}
	info, _ := metaFile.Stat()
	meta, metaGen, err := metadata.Decode(metaFile)
	metaFile.Close()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotReady, "metadata is unreadable", err)
	}

	if idxGen != generation || metaGen != generation {
		return nil, apperr.Newf(apperr.KindNotReady,
			"artefact generations disagree: current=%s index=%s metadata=%s", generation, idxGen, metaGen)
	}

	c := &Corpus{Generation: generation, Index: index, Metadata: meta}
	if info != nil {
		c.CreatedAt = info.ModTime().UTC()
	}
	if err := c.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindNotReady, "persisted corpus is inconsistent", err)
	}
	log.Info().Str("generation", generation).Int("chunks", c.Len()).Int("dimension", c.Dimension()).Msg("Corpus loaded")
	return c, nil
}

// Generations lists the generation directories, newest first.
func (s *FileStore) Generations() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	type gen struct {
		name string
		mod  int64
	}
	var gens []gen
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		gens = append(gens, gen{e.Name(), info.ModTime().UnixNano()})
	}
	slices.SortFunc(gens, func(a, b gen) int {
		if a.mod != b.mod {
			if a.mod > b.mod {
				return -1
			}
			return 1
		}
		return strings.Compare(b.name, a.name)
	})
	names := make([]string, len(gens))
	for i, g := range gens {
		names[i] = g.name
	}
	return names, nil
}

// prune removes generations beyond the newest s.keep, never touching current.
func (s *FileStore) prune(current string) {
	gens, err := s.Generations()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list corpus generations")
		return
	}
	kept := 1
	for _, g := range gens {
		if g == current {
			continue
		}
		if kept < s.keep {
			kept++
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, g)); err != nil {
			log.Warn().Err(err).Str("generation", g).Msg("Failed to prune corpus generation")
			continue
		}
		log.Debug().Str("generation", g).Msg("Pruned corpus generation")
	}
}

func openArtefact(dir, name string) (*os.File, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Newf(apperr.KindNotReady, "corpus artefact %s is missing", name).
				WithDetail("path", filepath.Join(dir, name))
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
