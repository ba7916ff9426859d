// Package reconcile maintains a client-local view of a brainstorm board and
// applies upstream events to it idempotently. With at-least-once delivery
// upstream, applying the same event twice leaves the board unchanged.
package reconcile

import "sync"

// Position is an item's placement on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Item is one reconciled board entity. The board owns its items; callers get
// copies.
type Item struct {
	ID       string   `json:"id"`
	Content  string   `json:"content,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	Color    string   `json:"color,omitempty"`
	Position Position `json:"position"`
}

// ItemPatch is a partial update to an item. Nil fields are left untouched.
type ItemPatch struct {
	ID       string    `json:"id"`
	Content  *string   `json:"content,omitempty"`
	Kind     *string   `json:"kind,omitempty"`
	Color    *string   `json:"color,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// Board is an item collection keyed by id, preserving insertion order.
// Methods are safe for concurrent use: the relay applies events from its own
// goroutine while the application reads.
type Board struct {
	mu    sync.RWMutex
	items map[string]*Item
	order []string
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{items: make(map[string]*Item)}
}

// ApplyAdded inserts items not already present by id. An id already on the
// board makes that add a no-op, so redelivered add events change nothing.
func (b *Board) ApplyAdded(items []Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, ok := b.items[it.ID]; ok {
			continue
		}
		copied := it
		b.items[it.ID] = &copied
		b.order = append(b.order, it.ID)
	}
}

// ApplyModified merges each patch into the item with the matching id. A patch
// for an unknown id inserts a partial record: with no ordering guarantee
// across a reconnect, a patch can arrive before its add, and dropping it
// would lose the data permanently. The partial converges once the add
// arrives (adds never overwrite).
func (b *Board) ApplyModified(patches []ItemPatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range patches {
		if p.ID == "" {
			continue
		}
		it, ok := b.items[p.ID]
		if !ok {
			it = &Item{ID: p.ID}
			b.items[p.ID] = it
			b.order = append(b.order, p.ID)
		}
		if p.Content != nil {
			it.Content = *p.Content
		}
		if p.Kind != nil {
			it.Kind = *p.Kind
		}
		if p.Color != nil {
			it.Color = *p.Color
		}
		if p.Position != nil {
			it.Position = *p.Position
		}
	}
}

// ApplyMoved sets the item's position unconditionally; last delivery wins.
// An unknown id inserts a partial record holding only the position, for the
// same reason ApplyModified does.
func (b *Board) ApplyMoved(id string, pos Position) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		it = &Item{ID: id}
		b.items[id] = it
		b.order = append(b.order, id)
	}
	it.Position = pos
}

// Get returns a copy of the item with the given id.
func (b *Board) Get(id string) (Item, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	it, ok := b.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Len returns the number of items on the board.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Items returns copies of all items in insertion order.
func (b *Board) Items() []Item {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Item, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.items[id])
	}
	return out
}
