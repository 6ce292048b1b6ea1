package safemap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owner struct{ name string }

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[int, *owner]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	_, ok := m.Load(1)
	assert.False(t, ok)
}

func TestSafeMap_Store_Load(t *testing.T) {
	m := NewSafeMap[int32, string]()

	t.Run("store and load returns value", func(t *testing.T) {
		m.Store(1, "a")
		v, ok := m.Load(1)
		assert.True(t, ok)
		assert.Equal(t, "a", v)
		assert.True(t, m.Has(1))
	})

	t.Run("load missing key returns zero value and false", func(t *testing.T) {
		v, ok := m.Load(2)
		assert.False(t, ok)
		assert.Empty(t, v)
		assert.False(t, m.Has(2))
	})
}

func TestSafeMap_LoadOrStore(t *testing.T) {
	m := NewSafeMap[int, *owner]()
	first := &owner{name: "first"}
	second := &owner{name: "second"}

	t.Run("absent key stores the value", func(t *testing.T) {
		got, loaded := m.LoadOrStore(7, first)
		assert.False(t, loaded)
		assert.Same(t, first, got)
	})

	t.Run("present key keeps the existing value", func(t *testing.T) {
		got, loaded := m.LoadOrStore(7, second)
		assert.True(t, loaded)
		assert.Same(t, first, got)
	})

	t.Run("only one concurrent claimant wins", func(t *testing.T) {
		claims := NewSafeMap[int, *owner]()
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, loaded := claims.LoadOrStore(1, &owner{}); !loaded {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestSafeMap_CompareAndDelete(t *testing.T) {
	m := NewSafeMap[int, *owner]()
	stale := &owner{name: "stale"}
	current := &owner{name: "current"}
	m.Store(3, current)

	t.Run("stale owner cannot delete", func(t *testing.T) {
		assert.False(t, m.CompareAndDelete(3, stale))
		assert.True(t, m.Has(3))
	})

	t.Run("current owner deletes", func(t *testing.T) {
		assert.True(t, m.CompareAndDelete(3, current))
		assert.False(t, m.Has(3))
	})

	t.Run("absent key is not deleted", func(t *testing.T) {
		assert.False(t, m.CompareAndDelete(3, current))
	})
}

func TestSafeMap_LoadAndDelete(t *testing.T) {
	m := NewSafeMap[int32, string]()
	m.Store(1, "a")

	v, ok := m.LoadAndDelete(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = m.LoadAndDelete(1)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestSafeMap_Delete(t *testing.T) {
	m := NewSafeMap[int32, string]()
	m.Store(1, "a")
	m.Delete(1)
	assert.False(t, m.Has(1))

	assert.NotPanics(t, func() { m.Delete(99) })
}

func TestSafeMap_Range_Len(t *testing.T) {
	m := NewSafeMap[int32, int]()
	for i := int32(1); i <= 5; i++ {
		m.Store(i, int(i)*10)
	}

	t.Run("len counts every entry", func(t *testing.T) {
		assert.Equal(t, 5, m.Len())
	})

	t.Run("range visits every entry", func(t *testing.T) {
		sum := 0
		m.Range(func(k int32, v int) bool {
			assert.Equal(t, int(k)*10, v)
			sum += v
			return true
		})
		assert.Equal(t, 150, sum)
	})

	t.Run("range stops when f returns false", func(t *testing.T) {
		visits := 0
		m.Range(func(int32, int) bool {
			visits++
			return false
		})
		assert.Equal(t, 1, visits)
	})
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[int32, int32]()
	var wg sync.WaitGroup
	for i := int32(0); i < 64; i++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			m.Store(id, id)
			if id%2 == 0 {
				m.Delete(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 32, m.Len())
}
