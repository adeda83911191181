package bus

import (
	"sync"
	"time"
)

// InputSnapshot is the latest distilled state of the field being typed in.
type InputSnapshot struct {
	FieldID   string    `json:"field_id,omitempty"`
	Field     string    `json:"field,omitempty"`
	Value     string    `json:"value,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// State is the shared record. Readers receive copies; the store replaces the
// whole record on every update.
type State struct {
	LayoutOpen bool                   `json:"layout_open"`
	IndexReady bool                   `json:"index_ready"`
	Busy       bool                   `json:"busy"`
	Input      InputSnapshot          `json:"input"`
	Values     map[string]interface{} `json:"values,omitempty"`
}

func (s State) clone() State {
	out := s
	if s.Values != nil {
		out.Values = make(map[string]interface{}, len(s.Values))
		for k, v := range s.Values {
			out.Values[k] = v
		}
	}
	return out
}

// Patch is a shallow partial update. Nil fields are left untouched.
type Patch struct {
	LayoutOpen *bool                  `json:"layout_open,omitempty"`
	IndexReady *bool                  `json:"index_ready,omitempty"`
	Busy       *bool                  `json:"busy,omitempty"`
	Input      *InputSnapshot         `json:"input,omitempty"`
	Values     map[string]interface{} `json:"values,omitempty"`
}

// StateChange is the payload of state:changed.
type StateChange struct {
	Old   State `json:"old"`
	New   State `json:"new"`
	Delta Patch `json:"delta"`
}

// Bool returns a pointer to v for use in a Patch.
func Bool(v bool) *bool { return &v }

// Store holds the shared state and broadcasts every change on its bus.
type Store struct {
	bus *Bus

	mu    sync.RWMutex
	state State
}

func newStore(b *Bus) *Store {
	return &Store{bus: b}
}

// State returns a defensive copy of the current record.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Update merges p into a copy of the current record, swaps it in and emits
// state:changed with the old record, the new one and the delta.
func (s *Store) Update(p Patch) State {
	s.mu.Lock()
	old := s.state
	next := old.clone()
	if p.LayoutOpen != nil {
		next.LayoutOpen = *p.LayoutOpen
	}
	if p.IndexReady != nil {
		next.IndexReady = *p.IndexReady
	}
	if p.Busy != nil {
		next.Busy = *p.Busy
	}
	if p.Input != nil {
		next.Input = *p.Input
	}
	if len(p.Values) > 0 {
		if next.Values == nil {
			next.Values = make(map[string]interface{}, len(p.Values))
		}
		for k, v := range p.Values {
			next.Values[k] = v
		}
	}
	s.state = next
	s.mu.Unlock()

	change := StateChange{Old: old.clone(), New: next.clone(), Delta: p}
	s.bus.Emit(TopicStateChanged, change)
	return change.New
}
