package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	t.Run("errors.Is matches on kind", func(t *testing.T) {
		err := Newf(KindNotReady, "index has %d vectors", 0)
		assert.True(t, errors.Is(err, &Error{Kind: KindNotReady}))
		assert.False(t, errors.Is(err, &Error{Kind: KindEmbedding}))
	})

	t.Run("kind survives fmt wrapping", func(t *testing.T) {
		base := Wrap(KindEmbedding, "gateway failed", errors.New("connection refused"))
		wrapped := fmt.Errorf("retrieve: %w", base)

		assert.Equal(t, KindEmbedding, KindOf(wrapped))
		assert.True(t, Is(wrapped, KindEmbedding))
		assert.Equal(t, "gateway failed", MessageOf(wrapped))
		assert.Contains(t, wrapped.Error(), "connection refused")
	})

	t.Run("plain errors are internal", func(t *testing.T) {
		err := errors.New("boom")
		assert.Equal(t, KindInternal, KindOf(err))
		assert.Equal(t, "boom", MessageOf(err))
		assert.Nil(t, DetailsOf(err))
	})

	t.Run("details", func(t *testing.T) {
		err := New(KindUpstreamTimeout, "timed out").WithDetail("retry_after_seconds", 5)
		assert.Equal(t, 5, DetailsOf(err)["retry_after_seconds"])
	})

	t.Run("details do not leak into the receiver", func(t *testing.T) {
		base := New(KindNotReady, "no corpus")
		a := base.WithDetail("generation", "g1")
		b := a.WithDetail("chunks", 3)

		assert.Nil(t, base.Details)
		assert.Equal(t, map[string]interface{}{"generation": "g1"}, a.Details)
		assert.Equal(t, map[string]interface{}{"generation": "g1", "chunks": 3}, b.Details)
		assert.True(t, Is(b, KindNotReady))
	})

	t.Run("unwrap exposes cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Wrap(KindInternal, "save corpus", cause)
		assert.ErrorIs(t, err, cause)
	})
}
