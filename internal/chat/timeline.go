package chat

import (
	"sort"
	"sync"

	"agentchat/internal/domain"
)

// Timeline is one conversation's displayed messages: a map keyed by id plus
// an index kept sorted by (CreatedAt, ID). Safe for concurrent use.
type Timeline struct {
	mu    sync.RWMutex
	byID  map[string]domain.Message
	order []string
}

func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]domain.Message)}
}

// Upsert inserts msg or replaces the entry with the same id, moving it if
// its timestamp changed. It reports whether the id was new.
func (t *Timeline) Upsert(msg domain.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.byID[msg.ID]
	if existed {
		t.removeLocked(msg.ID)
	}
	t.insertLocked(msg)
	return !existed
}

// Replace swaps the entry oldID for msg. If msg's id is already present
// (a realtime insert won the race) the old entry is simply dropped.
func (t *Timeline) Replace(oldID string, msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[oldID]; ok {
		t.removeLocked(oldID)
	}
	if _, ok := t.byID[msg.ID]; ok {
		t.removeLocked(msg.ID)
	}
	t.insertLocked(msg)
}

// SetStatus updates the delivery status of an entry in place.
func (t *Timeline) SetStatus(id string, status domain.MessageStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		return false
	}
	m.Status = status
	t.byID[id] = m
	return true
}

func (t *Timeline) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; ok {
		t.removeLocked(id)
	}
}

func (t *Timeline) Get(id string) (domain.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byID[id]
	return m, ok
}

func (t *Timeline) Has(id string) bool {
	_, ok := t.Get(id)
	return ok
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Messages returns a copy of the entries in display order.
func (t *Timeline) Messages() []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Message, len(t.order))
	for i, id := range t.order {
		out[i] = t.byID[id]
	}
	return out
}

// Last returns the newest entry.
func (t *Timeline) Last() (domain.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.order) == 0 {
		return domain.Message{}, false
	}
	return t.byID[t.order[len(t.order)-1]], true
}

func (t *Timeline) insertLocked(msg domain.Message) {
	i := sort.Search(len(t.order), func(i int) bool {
		return msg.Before(t.byID[t.order[i]])
	})
	t.order = append(t.order, "")
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = msg.ID
	t.byID[msg.ID] = msg
}

func (t *Timeline) removeLocked(id string) {
	old := t.byID[id]
	i := sort.Search(len(t.order), func(i int) bool {
		return !t.byID[t.order[i]].Before(old)
	})
	for ; i < len(t.order); i++ {
		if t.order[i] == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	delete(t.byID, id)
}
