package store

import (
	"context"
	"strings"

	"threadcast/internal/model"
)

// SearchThreads is a naive case-insensitive substring scan over the
// messages of threads visible to userID. Full-text search proper is an
// external collaborator; this reference implementation exists so the
// engine's async search path runs end to end in tests and single-node
// deployments. It satisfies engine.Searcher.
func (s *Memory) SearchThreads(ctx context.Context, userID, query string) ([]model.Thread, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	visible, err := s.VisibleThreads(ctx, userID)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return nil, nil
	}

	var out []model.Thread
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range visible {
		for _, m := range s.messages[t.ID] {
			if strings.Contains(strings.ToLower(m.Content), query) {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}
