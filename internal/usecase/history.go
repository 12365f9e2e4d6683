package usecase

import (
	"sync"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// HistoryCache keeps a rolling window of recent messages per session, loaded
// lazily from the conversation repository. Each session has its own lock so
// independent sessions never contend.
type HistoryCache struct {
	mu       sync.Mutex
	sessions map[string]*sessionHistory
	repo     domain.ConversationRepository
	window   int
}

type sessionHistory struct {
	mu       sync.Mutex
	loaded   bool
	messages []domain.Message
}

// NewHistoryCache constructs a HistoryCache with the given window size.
func NewHistoryCache(repo domain.ConversationRepository, window int) *HistoryCache {
	if window <= 0 {
		window = 20
	}
	return &HistoryCache{
		sessions: make(map[string]*sessionHistory),
		repo:     repo,
		window:   window,
	}
}

func (h *HistoryCache) session(id string) *sessionHistory {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		s = &sessionHistory{}
		h.sessions[id] = s
	}
	return s
}

// Recent returns up to n most recent messages for the session, oldest first.
// Empty-content entries are dropped. The first call per session hydrates the
// cache from storage; later calls are memory-only.
func (h *HistoryCache) Recent(ctx domain.Context, sessionID string, n int) []domain.Message {
	s := h.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if recs, err := h.repo.ListRecent(ctx, sessionID, h.window); err == nil {
			for _, rec := range recs {
				if rec.Content == "" {
					continue
				}
				s.messages = append(s.messages, domain.Message{Role: rec.Role, Content: rec.Content})
			}
		}
		s.loaded = true
	}

	if n <= 0 || n > len(s.messages) {
		n = len(s.messages)
	}
	out := make([]domain.Message, n)
	copy(out, s.messages[len(s.messages)-n:])
	return out
}

// Append records an exchange in the window, trimming from the front.
func (h *HistoryCache) Append(sessionID string, msgs ...domain.Message) {
	s := h.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		s.messages = append(s.messages, m)
	}
	if over := len(s.messages) - h.window; over > 0 {
		s.messages = append([]domain.Message(nil), s.messages[over:]...)
	}
}

// Forget drops a session's window, e.g. when the session closes.
func (h *HistoryCache) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
}
