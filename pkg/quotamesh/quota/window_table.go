// Package quota implements the entry point of the rate-limit core: rule
// matching against the external LocalRegistry, the window table that
// creates and evicts per-(rule, labels) windows, and the public
// GetQuota/UpdateCallResult/InitQuotaWindow/FetchRule surface.
package quota

import (
	"container/list"
	"sync"

	"github.com/forgo/quotamesh/pkg/quotamesh/window"
)

// windowTable is the manager's lookup from RateLimitWindowKey to Window.
// With capacity 0 it is an unbounded map swept periodically by
// QuotaManager.clearExpiredWindows; with capacity > 0 it is bounded by an LRU list,
// mandatory for rules whose labels carry unbounded cardinality (spec.md
// section 9's open question on parameter-label cardinality explosion).
type windowTable struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element // key string -> lru element
	order    *list.List                // front = most recently used
}

type tableEntry struct {
	key    string
	window *window.Window
}

func newWindowTable(capacity int) *windowTable {
	return &windowTable{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns the window for key, touching it as most-recently-used.
func (t *windowTable) get(key string) (*window.Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	t.order.MoveToFront(el)
	return el.Value.(*tableEntry).window, true
}

// put inserts w under key, evicting the least-recently-used entry if the
// table has a bounded capacity and is full. Returns the evicted window,
// if any, so the caller can MakeDeleted it.
func (t *windowTable) put(key string, w *window.Window) *window.Window {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[key]; ok {
		el.Value.(*tableEntry).window = w
		t.order.MoveToFront(el)
		return nil
	}

	el := t.order.PushFront(&tableEntry{key: key, window: w})
	t.entries[key] = el

	if t.capacity <= 0 || t.order.Len() <= t.capacity {
		return nil
	}

	back := t.order.Back()
	if back == nil {
		return nil
	}
	t.order.Remove(back)
	evicted := back.Value.(*tableEntry)
	delete(t.entries, evicted.key)
	return evicted.window
}

// remove deletes key from the table unconditionally (used by
// clearExpiredWindows).
func (t *windowTable) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.entries[key]; ok {
		t.order.Remove(el)
		delete(t.entries, key)
	}
}

// snapshot returns every window currently in the table.
func (t *windowTable) snapshot() []*window.Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*window.Window, 0, t.order.Len())
	for e := t.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*tableEntry).window)
	}
	return out
}
