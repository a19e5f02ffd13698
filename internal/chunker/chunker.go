package chunker

import (
	"docqa/internal/apperr"
)

const (
	DefaultChunkSize    = 500 // characters
	DefaultChunkOverlap = 100
)

// Chunker splits text into fixed size windows that overlap by a fixed
// number of characters. Sizes are counted in runes, not bytes.
type Chunker struct {
	size    int
	overlap int
}

// New validates size and overlap and returns a Chunker.
func New(size, overlap int) (*Chunker, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Validate rejects parameters that would never advance the window.
func Validate(size, overlap int) error {
	if size <= 0 {
		return apperr.Newf(apperr.KindConfiguration, "chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return apperr.Newf(apperr.KindConfiguration, "chunk overlap must not be negative, got %d", overlap)
	}
	if size-overlap <= 0 {
		return apperr.Newf(apperr.KindConfiguration, "chunk overlap %d must be smaller than chunk size %d", overlap, size)
	}
	return nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits text with the chunker's parameters.
func (c *Chunker) Chunk(text string) []string {
	return split([]rune(text), c.size, c.overlap)
}

// Split is the one-shot form of New(size, overlap).Chunk(text).
func Split(text string, size, overlap int) ([]string, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}
	return split([]rune(text), size, overlap), nil
}

// Count returns how many windows Split produces for a text of n runes.
func Count(n, size, overlap int) int {
	if n == 0 {
		return 0
	}
	if n <= size {
		return 1
	}
	step := size - overlap
	return (n - overlap + step - 1) / step
}

func split(runes []rune, size, overlap int) []string {
	n := len(runes)
	if n == 0 {
		return nil
	}
	step := size - overlap
	chunks := make([]string, 0, Count(n, size, overlap))
	for start := 0; ; start += step {
		end := min(start+size, n)
		chunks = append(chunks, string(runes[start:end]))
		// last window reached the end, stop before emitting a pure-overlap tail
		if end == n {
			break
		}
	}
	return chunks
}
