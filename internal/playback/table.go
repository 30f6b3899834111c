package playback

// Table is the session index the Manager writes through. Iteration order is
// insertion order, which is the order devices were added and the order they
// are displayed in. Implementations need not be safe for concurrent use; the
// Manager serializes access.
type Table interface {
	Get(id string) (*Session, bool)
	// Insert adds s under s.ID(). It reports false if the id is taken.
	Insert(s *Session) bool
	// Delete removes id only if it still maps to s.
	Delete(id string, s *Session) bool
	List() []*Session
	Len() int
}

// OrderedTable is the in-memory Table.
type OrderedTable struct {
	byID  map[string]*Session
	order []string
}

// NewOrderedTable returns an empty table.
func NewOrderedTable() *OrderedTable {
	return &OrderedTable{byID: make(map[string]*Session)}
}

// Get implements Table.Get.
func (t *OrderedTable) Get(id string) (*Session, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// Insert implements Table.Insert.
func (t *OrderedTable) Insert(s *Session) bool {
	id := s.ID()
	if _, exists := t.byID[id]; exists {
		return false
	}
	t.byID[id] = s
	t.order = append(t.order, id)
	return true
}

// Delete implements Table.Delete.
func (t *OrderedTable) Delete(id string, s *Session) bool {
	cur, ok := t.byID[id]
	if !ok || cur != s {
		return false
	}
	delete(t.byID, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// List implements Table.List.
func (t *OrderedTable) List() []*Session {
	out := make([]*Session, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Len implements Table.Len.
func (t *OrderedTable) Len() int {
	return len(t.order)
}
