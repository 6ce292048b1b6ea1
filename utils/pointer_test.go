package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointer(t *testing.T) {
	t.Run("points to a copy of the value", func(t *testing.T) {
		v := int32(7)
		p := Pointer(v)
		require.NotNil(t, p)
		assert.Equal(t, int32(7), *p)

		v = 8
		assert.Equal(t, int32(7), *p)
	})

	t.Run("each call returns a distinct pointer", func(t *testing.T) {
		a := Pointer(1)
		b := Pointer(1)
		assert.NotSame(t, a, b)
	})
}
