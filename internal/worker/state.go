package worker

import (
	"sync"

	"soulchat/internal/models"
)

// userState caches thread transcripts per user so repeated turns in the
// same conversation skip the history reload.
type userState struct {
	mu      sync.RWMutex
	ready   map[string]bool
	history map[string][]*models.Message
}

func newUserState() *userState {
	return &userState{
		ready:   make(map[string]bool),
		history: make(map[string][]*models.Message),
	}
}

func (s *userState) isReady(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready[conversationID]
}

func (s *userState) markReady(conversationID string) {
	s.mu.Lock()
	s.ready[conversationID] = true
	s.mu.Unlock()
}

func (s *userState) setHistory(conversationID string, history []*models.Message) {
	s.mu.Lock()
	s.history[conversationID] = history
	s.mu.Unlock()
}

func (s *userState) appendHistory(conversationID string, msgs ...*models.Message) {
	s.mu.Lock()
	s.history[conversationID] = append(s.history[conversationID], msgs...)
	s.mu.Unlock()
}

func (s *userState) getHistory(conversationID string) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history[conversationID]
}

func (s *userState) purgeCache(conversationID string) {
	s.mu.Lock()
	delete(s.ready, conversationID)
	delete(s.history, conversationID)
	s.mu.Unlock()
}

func (s *userState) reset() {
	s.mu.Lock()
	s.ready = make(map[string]bool)
	s.history = make(map[string][]*models.Message)
	s.mu.Unlock()
}
