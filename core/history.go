/*
Package core provides the conversation history store of the console.

Every finished turn (done, failed or aborted) is recorded together with the
final session and task snapshots, grouped by conversation. Storage is in
memory only; conversations idle for longer than the configured age are
purged by a background cleanup loop.
*/
package core

import (
	"sort"
	"sync"
	"time"

	"skyconsole/phase"
	"skyconsole/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TurnRecord is one finished turn.
type TurnRecord struct {
	TurnID     string             `json:"turnId"`
	Content    string             `json:"content"`
	Outcome    session.Outcome    `json:"outcome"`
	Session    session.Snapshot   `json:"session"`
	Task       phase.TaskSnapshot `json:"task"`
	FinishedAt time.Time          `json:"finishedAt"`
}

// Conversation groups the turns sent under one conversation id.
type Conversation struct {
	ID      string       `json:"id"`
	Turns   []TurnRecord `json:"turns"`
	Created time.Time    `json:"created"`
	Updated time.Time    `json:"updated"`
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID        string    `json:"id"`
	TurnCount int       `json:"turnCount"`
	LastTurn  string    `json:"lastTurn,omitempty"` // Content of the most recent turn
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// HistoryStore keeps finished turns per conversation with automatic expiry.
type HistoryStore struct {
	conversations   map[string]*Conversation
	mutex           sync.RWMutex
	maxAge          time.Duration
	cleanupInterval time.Duration
	logger          *logrus.Entry
	now             func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHistoryStore creates a store and starts its cleanup loop.
//
// Parameters:
//   - maxAge: Idle time after which a conversation is purged
//   - cleanupInterval: How often to run the cleanup
//   - logger: Logger for operational monitoring
//
// Returns:
//   - *HistoryStore: Store ready for use; call Close to stop the cleanup loop
func NewHistoryStore(maxAge, cleanupInterval time.Duration, logger *logrus.Logger) *HistoryStore {
	store := &HistoryStore{
		conversations:   make(map[string]*Conversation),
		maxAge:          maxAge,
		cleanupInterval: cleanupInterval,
		logger:          logger.WithField("component", "history"),
		now:             time.Now,
		stop:            make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go store.cleanupLoop()
	}
	return store
}

// NewConversationID returns an id for a conversation the backend has not
// named yet.
func NewConversationID() string {
	return "local_" + uuid.NewString()
}

// Append records a finished turn under conversationID, creating the
// conversation when needed.
func (h *HistoryStore) Append(conversationID string, record TurnRecord) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	now := h.now()
	conv, exists := h.conversations[conversationID]
	if !exists {
		conv = &Conversation{ID: conversationID, Created: now}
		h.conversations[conversationID] = conv
		h.logger.WithField("conversationId", conversationID).Info("Created conversation")
	}
	if record.FinishedAt.IsZero() {
		record.FinishedAt = now
	}
	conv.Turns = append(conv.Turns, record)
	conv.Updated = now

	h.logger.WithFields(logrus.Fields{
		"conversationId": conversationID,
		"turnId":         record.TurnID,
		"outcome":        record.Outcome,
		"turnCount":      len(conv.Turns),
	}).Debug("Turn recorded")
}

// Get returns a copy of a conversation.
func (h *HistoryStore) Get(conversationID string) (Conversation, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	conv, exists := h.conversations[conversationID]
	if !exists {
		return Conversation{}, false
	}
	out := *conv
	out.Turns = append([]TurnRecord(nil), conv.Turns...)
	return out, true
}

// Delete removes a conversation and reports whether it existed.
func (h *HistoryStore) Delete(conversationID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	_, exists := h.conversations[conversationID]
	if exists {
		delete(h.conversations, conversationID)
		h.logger.WithField("conversationId", conversationID).Info("Conversation deleted")
	}
	return exists
}

// List returns a summary of every conversation, most recently updated first.
func (h *HistoryStore) List() []ConversationSummary {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]ConversationSummary, 0, len(h.conversations))
	for _, conv := range h.conversations {
		summary := ConversationSummary{
			ID:        conv.ID,
			TurnCount: len(conv.Turns),
			Created:   conv.Created,
			Updated:   conv.Updated,
		}
		if n := len(conv.Turns); n > 0 {
			summary.LastTurn = conv.Turns[n-1].Content
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Updated.Equal(out[j].Updated) {
			return out[i].ID < out[j].ID
		}
		return out[i].Updated.After(out[j].Updated)
	})
	return out
}

// Stats returns counts for the status endpoint.
func (h *HistoryStore) Stats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	turns := 0
	for _, conv := range h.conversations {
		turns += len(conv.Turns)
	}
	return map[string]interface{}{
		"conversations": len(h.conversations),
		"turns":         turns,
	}
}

// Purge removes conversations idle for longer than the maximum age and
// returns how many were removed.
func (h *HistoryStore) Purge() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	now := h.now()
	expired := 0
	for id, conv := range h.conversations {
		if now.Sub(conv.Updated) > h.maxAge {
			delete(h.conversations, id)
			expired++
		}
	}

	if expired > 0 {
		h.logger.WithFields(logrus.Fields{
			"expiredConversations":   expired,
			"remainingConversations": len(h.conversations),
		}).Info("Cleaned up expired conversations")
	}
	return expired
}

// Close stops the cleanup loop. Safe to call more than once.
func (h *HistoryStore) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *HistoryStore) cleanupLoop() {
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.Purge()
		}
	}
}
