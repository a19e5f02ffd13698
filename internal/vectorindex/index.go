package vectorindex

import (
	"cmp"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"slices"

	"docqa/internal/apperr"
)

// Hit is one search result: the row position of a stored vector and its
// Euclidean distance to the query.
type Hit struct {
	Position int
	Distance float64
}

// Index is an exact nearest-neighbour index over Euclidean distance.
// Vectors are stored row-major in one flat slice; positions are assigned
// in insertion order and never change.
//
// Add must not be called concurrently with anything else. Once populated
// the index is read-only and Search is safe for concurrent use.
type Index struct {
	dimension int
	data      []float32
}

func New() *Index { return &Index{} }

// NewWithDimension returns an empty index whose dimensionality is fixed up front.
func NewWithDimension(dimension int) *Index {
	return &Index{dimension: dimension}
}

// Dimension returns 0 until the first vector has been added.
func (x *Index) Dimension() int { return x.dimension }

func (x *Index) Len() int {
	if x.dimension == 0 {
		return 0
	}
	return len(x.data) / x.dimension
}

// Add appends vectors in order. The first vector fixes the dimension when
// it is not set yet. Either all vectors are added or none.
func (x *Index) Add(vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	dim := x.dimension
	if dim == 0 {
		dim = len(vectors[0])
		if dim == 0 {
			return apperr.New(apperr.KindDimensionMismatch, "cannot add zero-length vector")
		}
	}
	for i, v := range vectors {
		if len(v) != dim {
			return apperr.Newf(apperr.KindDimensionMismatch,
				"vector %d has dimension %d, index expects %d", i, len(v), dim).
				WithDetail("expected", dim).WithDetail("got", len(v))
		}
	}
	x.dimension = dim
	x.data = slices.Grow(x.data, len(vectors)*dim)
	for _, v := range vectors {
		x.data = append(x.data, v...)
	}
	return nil
}

// Vector returns a copy of the vector stored at position.
func (x *Index) Vector(position int) ([]float32, error) {
	if position < 0 || position >= x.Len() {
		return nil, apperr.Newf(apperr.KindOutOfRange, "position %d out of range [0,%d)", position, x.Len())
	}
	row := x.data[position*x.dimension : (position+1)*x.dimension]
	return slices.Clone(row), nil
}

// Search returns up to k hits ordered by ascending distance. Ties are
// broken by the lower position. An empty index returns no hits.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	n := x.Len()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != x.dimension {
		return nil, apperr.Newf(apperr.KindDimensionMismatch,
			"query has dimension %d, index expects %d", len(query), x.dimension).
			WithDetail("expected", x.dimension).WithDetail("got", len(query))
	}

	hits := make([]Hit, n)
	for i := 0; i < n; i++ {
		hits[i] = Hit{Position: i, Distance: squaredL2(query, x.data[i*x.dimension:(i+1)*x.dimension])}
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	if k < n {
		hits = hits[:k]
	}
	for i := range hits {
		hits[i].Distance = math.Sqrt(hits[i].Distance)
	}
	return hits, nil
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

const blobVersion = 1

// blob is the gob wire form of an index.
type blob struct {
	Version    int
	Generation string
	Dimension  int
	Count      int
	Data       []float32
}

// Encode writes the index, tagged with the corpus generation it belongs to.
func (x *Index) Encode(w io.Writer, generation string) error {
	b := blob{
		Version:    blobVersion,
		Generation: generation,
		Dimension:  x.dimension,
		Count:      x.Len(),
		Data:       x.data,
	}
	if err := gob.NewEncoder(w).Encode(&b); err != nil {
		return fmt.Errorf("encode vector index: %w", err)
	}
	return nil
}

// Decode reads an index written by Encode and returns it with its generation tag.
func Decode(r io.Reader) (*Index, string, error) {
	var b blob
	if err := gob.NewDecoder(r).Decode(&b); err != nil {
		return nil, "", fmt.Errorf("decode vector index: %w", err)
	}
	if b.Version != blobVersion {
		return nil, "", apperr.Newf(apperr.KindInvariantViolation, "unsupported vector index version %d", b.Version)
	}
	if b.Dimension < 0 || (b.Dimension == 0 && len(b.Data) != 0) ||
		(b.Dimension > 0 && len(b.Data) != b.Count*b.Dimension) {
		return nil, "", apperr.Newf(apperr.KindInvariantViolation,
			"vector index blob is inconsistent: dimension=%d count=%d values=%d", b.Dimension, b.Count, len(b.Data))
	}
	return &Index{dimension: b.Dimension, data: b.Data}, b.Generation, nil
}
