package metadata

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/apperr"
)

func TestNext_AssignsSequentialIDs(t *testing.T) {
	s := New()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, text := range []string{"a", "b", "c"} {
		rec := s.Next(text, "doc.pdf", ts)
		assert.Equal(t, i, rec.ChunkID)
	}
	assert.Equal(t, 3, s.Len())

	rec, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, Record{ChunkID: 1, Text: "b", SourceFile: "doc.pdf", Timestamp: ts}, rec)
}

func TestAppend_RejectsWrongID(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(Record{ChunkID: 0, Text: "first"}))

	err := s.Append(Record{ChunkID: 5, Text: "gap"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvariantViolation))
	assert.Equal(t, 1, s.Len())
}

func TestGet_OutOfRange(t *testing.T) {
	s := New()
	s.Next("only", "a.txt", time.Now())

	for _, pos := range []int{-1, 1, 100} {
		_, err := s.Get(pos)
		assert.True(t, apperr.Is(err, apperr.KindOutOfRange), "position %d", pos)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	s := New()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Next("alpha", "a.pdf", ts)
	s.Next("beta", "a.pdf", ts)
	s.Next("gamma ünïcode", "b.docx", ts.Add(time.Minute))

	var buf bytes.Buffer
	require.NoError(t, s.Encode(&buf, "gen-42"))
	assert.Contains(t, buf.String(), `"source_file": "a.pdf"`)
	assert.Contains(t, buf.String(), `"chunk_id": 2`)

	decoded, generation, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "gen-42", generation)
	assert.Equal(t, s.Records(), decoded.Records())
}

func TestEncode_EmptyStoreWritesEmptyList(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New().Encode(&buf, "g"))
	assert.Contains(t, buf.String(), `"records": []`)

	decoded, _, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.Len())
}

func TestDecode_RejectsGaps(t *testing.T) {
	doc := `{"generation":"g","records":[{"chunk_id":0,"text":"x"},{"chunk_id":2,"text":"y"}]}`
	_, _, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvariantViolation))
}

func TestRecords_ReturnsCopy(t *testing.T) {
	s := New()
	s.Next("keep", "a", time.Now())
	recs := s.Records()
	recs[0].Text = "mutated"

	rec, err := s.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "keep", rec.Text)
}
