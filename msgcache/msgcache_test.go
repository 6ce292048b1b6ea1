package msgcache

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripperdev/flamingo/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMsgCache(t *testing.T) {
	t.Run("drain returns entries once in order", func(t *testing.T) {
		c := New(nil, nil)
		c.AddChat(7, []byte("a"))
		c.AddChat(8, []byte("x"))
		c.AddChat(7, []byte("b"))

		assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, c.DrainChat(7))
		assert.Empty(t, c.DrainChat(7))
		assert.Equal(t, [][]byte{[]byte("x")}, c.DrainChat(8))

		notify, chat := c.Len()
		assert.Equal(t, 0, notify)
		assert.Equal(t, 0, chat)
	})

	t.Run("notify and chat caches are separate", func(t *testing.T) {
		c := New(nil, nil)
		c.AddNotify(1, []byte("n"))
		c.AddChat(1, []byte("c"))

		assert.Equal(t, [][]byte{[]byte("n")}, c.DrainNotify(1))
		notify, chat := c.Len()
		assert.Equal(t, 0, notify)
		assert.Equal(t, 1, chat)
		assert.Equal(t, [][]byte{[]byte("c")}, c.DrainChat(1))
	})

	t.Run("concurrent adds are all drained", func(t *testing.T) {
		c := New(nil, nil)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					c.AddChat(3, []byte{byte(j)})
				}
			}()
		}
		wg.Wait()

		assert.Len(t, c.DrainChat(3), 800)
		assert.Empty(t, c.DrainChat(3))
	})

	t.Run("metrics count cached and drained", func(t *testing.T) {
		m := metrics.NewMetricsWithRegistry("test", prometheus.NewRegistry())
		c := New(nil, m)
		c.AddNotify(1, []byte("a"))
		c.AddNotify(1, []byte("b"))
		c.DrainNotify(1)

		assert.Equal(t, 2.0, counterValue(t, m.OfflineCached.WithLabelValues(cacheNotify)))
		assert.Equal(t, 2.0, counterValue(t, m.OfflineDrained.WithLabelValues(cacheNotify)))
	})
}
