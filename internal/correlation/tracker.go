package correlation

import (
	"sync"

	"github.com/google/uuid"
)

// Tracker issues request ids per field and remembers the newest one, so a
// reply can be flagged stale when the field has been observed again since.
type Tracker struct {
	mu      sync.Mutex
	latest  map[string]string // field -> newest request id
	owner   map[string]string // request id -> field
	limit   int
	ordered []string
}

// NewTracker keeps at most limit outstanding request ids.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = 256
	}
	return &Tracker{
		latest: make(map[string]string),
		owner:  make(map[string]string),
		limit:  limit,
	}
}

// Issue returns a fresh request id for field and makes it the newest.
func (t *Tracker) Issue(field string) string {
	id := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest[field] = id
	t.owner[id] = field
	t.ordered = append(t.ordered, id)
	for len(t.ordered) > t.limit {
		old := t.ordered[0]
		t.ordered = t.ordered[1:]
		delete(t.owner, old)
	}
	return id
}

// Resolve returns the field a request id was issued for and whether a newer
// request for that field exists. Unknown ids return ("", false, false).
func (t *Tracker) Resolve(id string) (field string, stale bool, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	field, known = t.owner[id]
	if !known {
		return "", false, false
	}
	return field, t.latest[field] != id, true
}
