package kafkaconsumer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// eventDedupe drops replayed or out-of-order events. An event only applies
// when its timestamp is newer than the last one seen for the same op and
// customer.
type eventDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, int64]
}

func newEventDedupe(size int) *eventDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, int64](size)
	return &eventDedupe{lru: c}
}

func (d *eventDedupe) shouldApply(key string, tsUnixNano int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok {
		if tsUnixNano <= last {
			return false
		}
	}
	return true
}

// record marks the event applied. Called only after the invalidation
// succeeded, so a failed message is retried rather than skipped.
func (d *eventDedupe) record(key string, tsUnixNano int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Add(key, tsUnixNano)
}
