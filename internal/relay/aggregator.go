package relay

import (
	"sync"
	"time"
)

// Assembled is the output of the Aggregator: every item of one album (or a
// single ungrouped item) in arrival order.
type Assembled struct {
	GroupID string
	Items   []MediaItem
	Caption string
	// Partial is set when the group was closed by the idle timer rather than
	// by the source marking its final item.
	Partial bool
}

// Aggregator coalesces items that share a group id.
//
// Groups are independent: each has its own lock, and the map lock is only held
// to look a group up or remove it. A group is emitted exactly once, either
// from Ingest (final item) or from its idle timer through the emit callback.
type Aggregator struct {
	mu     sync.Mutex
	groups map[string]*group
	idle   time.Duration
	emit   func(Assembled)
}

type group struct {
	mu      sync.Mutex
	id      string
	items   []MediaItem
	caption string
	gen     uint64
	timer   *time.Timer
	done    bool
}

func NewAggregator(idle time.Duration, emit func(Assembled)) *Aggregator {
	if idle <= 0 {
		idle = 1500 * time.Millisecond
	}
	if emit == nil {
		emit = func(Assembled) {}
	}
	return &Aggregator{groups: map[string]*group{}, idle: idle, emit: emit}
}

func (a *Aggregator) SetIdle(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	a.idle = d
	a.mu.Unlock()
}

// Ingest adds item with its caption. Ungrouped items come back immediately.
// Grouped items come back only when final is set; otherwise the group waits
// for more items or for its idle timer.
func (a *Aggregator) Ingest(item MediaItem, caption string, final bool) (Assembled, bool) {
	if item.GroupID == "" {
		return Assembled{Items: []MediaItem{item}, Caption: caption}, true
	}

	for {
		a.mu.Lock()
		g := a.groups[item.GroupID]
		if g == nil {
			g = &group{id: item.GroupID}
			a.groups[item.GroupID] = g
		}
		idle := a.idle
		a.mu.Unlock()

		g.mu.Lock()
		if g.done {
			// Lost the race against the idle timer; that group is gone, start a new one.
			g.mu.Unlock()
			continue
		}
		if len(g.items) == 0 {
			g.caption = caption
		}
		g.items = append(g.items, item)
		g.gen++

		if final {
			res := a.closeLocked(g, false)
			g.mu.Unlock()
			return res, true
		}

		gen := g.gen
		if g.timer != nil {
			g.timer.Stop()
		}
		g.timer = time.AfterFunc(idle, func() { a.expire(g, gen) })
		g.mu.Unlock()
		return Assembled{}, false
	}
}

func (a *Aggregator) expire(g *group, gen uint64) {
	g.mu.Lock()
	if g.done || g.gen != gen {
		g.mu.Unlock()
		return
	}
	res := a.closeLocked(g, true)
	g.mu.Unlock()
	a.emit(res)
}

// closeLocked marks g consumed and detaches it from the map. g.mu must be held.
func (a *Aggregator) closeLocked(g *group, partial bool) Assembled {
	g.done = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	a.mu.Lock()
	if a.groups[g.id] == g {
		delete(a.groups, g.id)
	}
	a.mu.Unlock()

	items := make([]MediaItem, len(g.items))
	copy(items, g.items)
	return Assembled{GroupID: g.id, Items: items, Caption: g.caption, Partial: partial}
}

// Flush emits every buffered group as partial. Used on shutdown.
func (a *Aggregator) Flush() int {
	a.mu.Lock()
	pending := make([]*group, 0, len(a.groups))
	for _, g := range a.groups {
		pending = append(pending, g)
	}
	a.mu.Unlock()

	n := 0
	for _, g := range pending {
		g.mu.Lock()
		if g.done {
			g.mu.Unlock()
			continue
		}
		res := a.closeLocked(g, true)
		g.mu.Unlock()
		a.emit(res)
		n++
	}
	return n
}

// Len reports the number of groups still buffering.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// Payloads lists the payloads of every buffered item.
func (a *Aggregator) Payloads() []string {
	a.mu.Lock()
	groups := make([]*group, 0, len(a.groups))
	for _, g := range a.groups {
		groups = append(groups, g)
	}
	a.mu.Unlock()

	var out []string
	for _, g := range groups {
		g.mu.Lock()
		for _, it := range g.items {
			out = append(out, it.Payload)
		}
		g.mu.Unlock()
	}
	return out
}
