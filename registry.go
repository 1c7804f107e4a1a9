package echochat

import (
	"sync"
	"unicode/utf8"
)

// PreviewLimit is the number of runes a conversation preview keeps.
const PreviewLimit = 80

// Registry is the ordered conversation list plus the selected id. Order is
// newest-first for entries created locally; hydration keeps server order.
type Registry struct {
	mu       sync.RWMutex
	items    []Conversation
	selected string
}

func NewRegistry() *Registry {
	return &Registry{}
}

// ReplaceAll overwrites the list. Duplicate ids keep their first occurrence.
// The selection is cleared when the selected id is gone.
func (r *Registry) ReplaceAll(convs []Conversation) {
	seen := make(map[string]bool, len(convs))
	items := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		items = append(items, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = items
	if r.selected != "" && !seen[r.selected] {
		r.selected = ""
	}
}

// Upsert inserts conv at the front, or updates the existing entry in place.
// An empty incoming preview keeps the existing one.
func (r *Registry) Upsert(conv Conversation) {
	if conv.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexOf(conv.ID); i >= 0 {
		cur := &r.items[i]
		if conv.Title != "" {
			cur.Title = conv.Title
		}
		if conv.AvatarURL != "" {
			cur.AvatarURL = conv.AvatarURL
		}
		if conv.LatestMessagePreview != "" {
			cur.LatestMessagePreview = truncatePreview(conv.LatestMessagePreview)
		}
		return
	}
	conv.LatestMessagePreview = truncatePreview(conv.LatestMessagePreview)
	r.items = append([]Conversation{conv}, r.items...)
}

// Select marks id as selected. Unknown ids leave the selection unchanged.
func (r *Registry) Select(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(id) < 0 {
		return false
	}
	r.selected = id
	return true
}

func (r *Registry) UpdatePreview(id, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(id); i >= 0 {
		r.items[i].LatestMessagePreview = truncatePreview(text)
	}
}

func (r *Registry) List() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Conversation(nil), r.items...)
}

func (r *Registry) Get(id string) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(id); i >= 0 {
		return r.items[i], true
	}
	return Conversation{}, false
}

func (r *Registry) Selected() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Registry) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}

func truncatePreview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLimit-1]) + "…"
}
