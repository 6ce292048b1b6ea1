package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsJsonString(t *testing.T) {
	t.Run("valid JSON object returns true", func(t *testing.T) {
		assert.True(t, IsJsonString(`{}`))
		assert.True(t, IsJsonString(`{"userid":1}`))
		assert.True(t, IsJsonString(`{"username": "alice", "clienttype": 1}`))
	})

	t.Run("invalid JSON returns false", func(t *testing.T) {
		assert.False(t, IsJsonString(``))
		assert.False(t, IsJsonString(`not json`))
		assert.False(t, IsJsonString(`{`))
		assert.False(t, IsJsonString(`{"a":1} trailing`))
	})

	t.Run("non object JSON returns false", func(t *testing.T) {
		assert.False(t, IsJsonString(`[1,2,3]`))
		assert.False(t, IsJsonString(`"hello"`))
		assert.False(t, IsJsonString(`123`))
		assert.False(t, IsJsonString(`null`))
	})
}

func TestSetJsonField(t *testing.T) {
	t.Run("overwrites existing field and keeps the rest", func(t *testing.T) {
		out, ok := SetJsonField(`{"time":1,"content":"hi"}`, "time", int64(1700000000))
		require.True(t, ok)

		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, float64(1700000000), got["time"])
		assert.Equal(t, "hi", got["content"])
	})

	t.Run("adds missing field", func(t *testing.T) {
		out, ok := SetJsonField(`{}`, "time", 5)
		require.True(t, ok)
		assert.JSONEq(t, `{"time":5}`, out)
	})

	t.Run("rejects non objects", func(t *testing.T) {
		for _, s := range []string{``, `null`, `[1]`, `"x"`, `{`} {
			_, ok := SetJsonField(s, "time", 1)
			assert.False(t, ok, s)
		}
	})
}
