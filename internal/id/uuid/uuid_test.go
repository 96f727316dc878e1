package uuid

import (
	"bytes"
	"errors"
	"testing"
	"testing/iotest"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorMintsOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	prev := ""
	for range 16 {
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := googleuuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, googleuuid.Version(7), parsed.Version())
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestGeneratorEntropy(t *testing.T) {
	t.Parallel()

	t.Run("reader supplies random bits", func(t *testing.T) {
		t.Parallel()
		id, err := NewWithEntropy(bytes.NewReader(bytes.Repeat([]byte{0xAB}, 64))).NewRawID()
		require.NoError(t, err)
		assert.Equal(t, googleuuid.Version(7), id.Version())
		assert.Equal(t, byte(0xAB), id[15])
	})

	t.Run("reader failure", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("entropy exhausted")
		_, err := NewWithEntropy(iotest.ErrReader(boom)).NewID()
		require.ErrorIs(t, err, boom)
		assert.ErrorContains(t, err, "generate uuid7")
	})
}
