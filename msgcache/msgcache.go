// Package msgcache parks messages for users that are offline. Entries are
// handed out exactly once: a drain removes them before the caller delivers,
// so a crash between drain and send loses them.
package msgcache

import (
	"sync"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/metrics"
)

const (
	cacheNotify = "notify"
	cacheChat   = "chat"
)

// Entry is one parked message body, ready to be framed and sent.
type Entry struct {
	UserID int32
	Body   []byte
}

type queue struct {
	name    string
	mu      sync.Mutex
	entries []Entry
}

func (q *queue) add(userid int32, body []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, Entry{UserID: userid, Body: body})
	return len(q.entries)
}

func (q *queue) drain(userid int32) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out [][]byte
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.UserID == userid {
			out = append(out, e.Body)
			continue
		}

		kept = append(kept, e)
	}

	clear(q.entries[len(kept):])
	q.entries = kept
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// MsgCache holds the notification cache and the chat cache. Each is guarded
// by its own mutex.
type MsgCache struct {
	logger  logger.Logger
	metrics *metrics.Metrics
	notify  queue
	chat    queue
}

// New creates an empty MsgCache.
//
// Parameters:
//   - log: Logger for cache diagnostics
//   - m: Metrics sink; nil disables metrics
//
// Returns:
//   - A new *MsgCache
func New(log logger.Logger, m *metrics.Metrics) *MsgCache {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &MsgCache{
		logger:  log.With(logger.Field{Key: "component", Value: "msgcache"}),
		metrics: m,
		notify:  queue{name: cacheNotify},
		chat:    queue{name: cacheChat},
	}
}

// AddNotify parks a notification body for userid.
func (c *MsgCache) AddNotify(userid int32, body []byte) {
	c.add(&c.notify, userid, body)
}

// AddChat parks a chat body for userid.
func (c *MsgCache) AddChat(userid int32, body []byte) {
	c.add(&c.chat, userid, body)
}

func (c *MsgCache) add(q *queue, userid int32, body []byte) {
	n := q.add(userid, body)
	c.metrics.OfflineCache(q.name, 1)
	c.logger.Info("message cached",
		logger.Field{Key: "cache", Value: q.name},
		logger.Field{Key: "userid", Value: userid},
		logger.Field{Key: "bytes", Value: len(body)},
		logger.Field{Key: "cached", Value: n})
}

// DrainNotify removes and returns every notification parked for userid in
// the order they were added.
func (c *MsgCache) DrainNotify(userid int32) [][]byte {
	return c.drain(&c.notify, userid)
}

// DrainChat removes and returns every chat body parked for userid in the
// order they were added.
func (c *MsgCache) DrainChat(userid int32) [][]byte {
	return c.drain(&c.chat, userid)
}

func (c *MsgCache) drain(q *queue, userid int32) [][]byte {
	out := q.drain(userid)
	if len(out) > 0 {
		c.metrics.OfflineDrain(q.name, len(out))
		c.logger.Info("cached messages drained",
			logger.Field{Key: "cache", Value: q.name},
			logger.Field{Key: "userid", Value: userid},
			logger.Field{Key: "count", Value: len(out)})
	}

	return out
}

// Len returns the number of parked notifications and chat messages.
func (c *MsgCache) Len() (notify, chat int) {
	return c.notify.len(), c.chat.len()
}
