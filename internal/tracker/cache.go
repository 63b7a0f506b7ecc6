package tracker

import (
	"container/list"
	"time"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

// releasedCache keeps orders that left the live set for a bounded time so
// that late channel reports still resolve to them. Entries expire after ttl
// and the oldest entry is evicted once maxSize is exceeded.
type releasedCache struct {
	ttl     time.Duration
	maxSize int
	order   *list.List // of *cacheEntry, oldest first
	items   map[string]*list.Element
	onEvict func(o *order.Order)
}

type cacheEntry struct {
	order     *order.Order
	expiresAt time.Time
}

func newReleasedCache(ttl time.Duration, maxSize int, onEvict func(o *order.Order)) *releasedCache {
	return &releasedCache{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		onEvict: onEvict,
	}
}

func (c *releasedCache) put(o *order.Order, now time.Time) {
	if el, ok := c.items[o.ClientOrderID]; ok {
		c.order.Remove(el)
		delete(c.items, o.ClientOrderID)
	}
	c.items[o.ClientOrderID] = c.order.PushBack(&cacheEntry{order: o, expiresAt: now.Add(c.ttl)})
	c.prune(now)
}

func (c *releasedCache) get(clientOrderID string, now time.Time) (*order.Order, bool) {
	c.prune(now)
	el, ok := c.items[clientOrderID]
	if !ok {
		return nil, false
	}
	return el.Value.(*cacheEntry).order, true
}

// remove drops an entry without calling onEvict
func (c *releasedCache) remove(clientOrderID string) (*order.Order, bool) {
	el, ok := c.items[clientOrderID]
	if !ok {
		return nil, false
	}
	c.order.Remove(el)
	delete(c.items, clientOrderID)
	return el.Value.(*cacheEntry).order, true
}

func (c *releasedCache) len(now time.Time) int {
	c.prune(now)
	return len(c.items)
}

func (c *releasedCache) prune(now time.Time) {
	for c.order.Len() > 0 {
		front := c.order.Front()
		entry := front.Value.(*cacheEntry)
		if c.order.Len() <= c.maxSize && now.Before(entry.expiresAt) {
			return
		}
		c.order.Remove(front)
		delete(c.items, entry.order.ClientOrderID)
		if c.onEvict != nil {
			c.onEvict(entry.order)
		}
	}
}
