package household

import (
	"slices"
	"strings"
	"sync"
)

const defaultSuggestionLimit = 200

// suggestions is the process-local autocomplete history for list entries.
type suggestions struct {
	mu    sync.Mutex
	items []string
	limit int
}

func newSuggestions(limit int) *suggestions {
	return &suggestions{limit: limit}
}

func (s *suggestions) remember(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = slices.DeleteFunc(s.items, func(item string) bool {
		return strings.EqualFold(item, text)
	})
	s.items = slices.Insert(s.items, 0, text)
	if len(s.items) > s.limit {
		s.items = s.items[:s.limit]
	}
}

func (s *suggestions) match(prefix string, limit int) []string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, item := range s.items {
		if !strings.HasPrefix(strings.ToLower(item), prefix) {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
