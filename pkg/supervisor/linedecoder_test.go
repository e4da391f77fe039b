package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineDecoderFramesCompleteLines(t *testing.T) {
	d := &LineDecoder{}

	lines := d.Feed([]byte("first\nsecond\n"))
	assert.Equal(t, []string{"first", "second"}, lines)

	_, ok := d.Flush()
	assert.False(t, ok)
}

func TestLineDecoderBuffersPartialLines(t *testing.T) {
	d := &LineDecoder{}

	assert.Empty(t, d.Feed([]byte(`{"type":"chunk_comp`)))
	lines := d.Feed([]byte("leted\",\"totalProcessed\":50}\n{\"type\":"))
	require.Equal(t, []string{`{"type":"chunk_completed","totalProcessed":50}`}, lines)

	lines = d.Feed([]byte("\"chunk_completed\",\"totalProcessed\":120}\n"))
	assert.Equal(t, []string{`{"type":"chunk_completed","totalProcessed":120}`}, lines)
}

func TestLineDecoderFlushReturnsUnterminatedTail(t *testing.T) {
	d := &LineDecoder{}

	d.Feed([]byte("complete\npartial"))
	line, ok := d.Flush()
	require.True(t, ok)
	assert.Equal(t, "partial", line)

	_, ok = d.Flush()
	assert.False(t, ok)
}

func TestLineDecoderStripsCarriageReturns(t *testing.T) {
	d := &LineDecoder{}

	lines := d.Feed([]byte("windows line\r\nnext"))
	assert.Equal(t, []string{"windows line"}, lines)

	line, ok := d.Flush()
	require.True(t, ok)
	assert.Equal(t, "next", line)
}

func TestLineDecoderManySmallChunks(t *testing.T) {
	d := &LineDecoder{}

	var got []string
	for _, b := range []byte("a\nbb\nccc\n") {
		got = append(got, d.Feed([]byte{b})...)
	}
	assert.Equal(t, []string{"a", "bb", "ccc"}, got)
}
