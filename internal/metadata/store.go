package metadata

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"docqa/internal/apperr"
)

// Record describes one chunk. ChunkID equals the row position of the chunk's
// vector in the vector index.
type Record struct {
	ChunkID    int       `json:"chunk_id"`
	Text       string    `json:"text"`
	SourceFile string    `json:"source_file"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is an append-only list of chunk records addressed by position.
type Store struct {
	records []Record
}

func New() *Store { return &Store{} }

func (s *Store) Len() int { return len(s.records) }

// Append adds rec at the end. rec.ChunkID must equal the current length.
func (s *Store) Append(rec Record) error {
	if rec.ChunkID != len(s.records) {
		return apperr.Newf(apperr.KindInvariantViolation,
			"chunk id %d does not match next position %d", rec.ChunkID, len(s.records)).
			WithDetail("expected", len(s.records)).WithDetail("got", rec.ChunkID)
	}
	s.records = append(s.records, rec)
	return nil
}

// Next allocates the next chunk id and appends the record.
func (s *Store) Next(text, source string, ts time.Time) Record {
	rec := Record{
		ChunkID:    len(s.records),
		Text:       text,
		SourceFile: source,
		Timestamp:  ts.UTC(),
	}
	s.records = append(s.records, rec)
	return rec
}

func (s *Store) Get(position int) (Record, error) {
	if position < 0 || position >= len(s.records) {
		return Record{}, apperr.Newf(apperr.KindOutOfRange,
			"metadata position %d out of range [0,%d)", position, len(s.records))
	}
	return s.records[position], nil
}

// Records returns a copy of all records in position order.
func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

type document struct {
	Generation string   `json:"generation"`
	Records    []Record `json:"records"`
}

// Encode writes the store as a JSON document tagged with generation.
func (s *Store) Encode(w io.Writer, generation string) error {
	records := s.records
	if records == nil {
		records = []Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(document{Generation: generation, Records: records}); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return nil
}

// Decode reads a document written by Encode. Records must carry ids 0..n-1 in order.
func Decode(r io.Reader) (*Store, string, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, "", fmt.Errorf("decode metadata: %w", err)
	}
	s := &Store{records: make([]Record, 0, len(doc.Records))}
	for _, rec := range doc.Records {
		if err := s.Append(rec); err != nil {
			return nil, "", err
		}
	}
	return s, doc.Generation, nil
}
