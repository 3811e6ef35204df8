package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	c := Cursor{TimestampMs: 1700000000000, Sequence: 42}
	token := c.String()

	parsed, err := Parse(token)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestParseMalformed(t *testing.T) {
	tests := []string{"", "not-base64!!!", "aGVsbG8"}
	for _, tc := range tests {
		_, err := Parse(tc)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestCompareOrdersBySequence(t *testing.T) {
	a := Cursor{TimestampMs: 5000, Sequence: 1}
	b := Cursor{TimestampMs: 1000, Sequence: 2}

	assert.True(t, a.Less(b), "sequence determines order even if timestamp disagrees")
	assert.Equal(t, 0, a.Compare(a))
}

func TestGeneratorMonotonic(t *testing.T) {
	tickMs := int64(1000)
	gen := NewGenerator(func() int64 { return tickMs })

	var prev Cursor
	for i := 0; i < 100; i++ {
		next := gen.Next()
		assert.True(t, prev.Less(next))
		prev = next
	}
}

func TestZero(t *testing.T) {
	var c Cursor
	assert.True(t, c.Zero())

	c.Sequence = 1
	assert.False(t, c.Zero())
}
