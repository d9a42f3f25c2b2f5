/*
Package core provides turn cancellation tracking for the console.

The CancelManager keeps, for every turn whose stream is still being pumped,
the function that tears its transport down. Stop intents, turn replacement
and shutdown all go through it, so a turn is cancelled at most once and
the status endpoint can report which turns are still live.
*/
package core

import (
	"sort"
	"sync"
)

// CancelManager tracks live turns and the functions that cancel them.
type CancelManager struct {
	turns map[string]func() // Turn id to cancellation function
	mutex sync.RWMutex
}

// NewCancelManager creates an empty manager.
//
// Returns:
//   - *CancelManager: Initialized cancel manager ready for use
func NewCancelManager() *CancelManager {
	return &CancelManager{
		turns: make(map[string]func()),
	}
}

// AddTurn registers a live turn. The cancel function must not block; it is
// called at most once.
//
// Parameters:
//   - turnID: Identity of the turn
//   - cancel: Tears the turn's transport down
func (cm *CancelManager) AddTurn(turnID string, cancel func()) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.turns[turnID] = cancel
}

// RemoveTurn forgets a turn whose stream ended on its own.
func (cm *CancelManager) RemoveTurn(turnID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	delete(cm.turns, turnID)
}

// CancelTurn cancels a live turn and forgets it.
//
// Parameters:
//   - turnID: Identity of the turn to cancel
//
// Returns:
//   - bool: true if the turn was live and has been cancelled
func (cm *CancelManager) CancelTurn(turnID string) bool {
	cm.mutex.Lock()
	cancel, exists := cm.turns[turnID]
	delete(cm.turns, turnID)
	cm.mutex.Unlock()

	if !exists {
		return false
	}
	cancel()
	return true
}

// CancelAll cancels every live turn. Used on shutdown.
func (cm *CancelManager) CancelAll() int {
	cm.mutex.Lock()
	turns := cm.turns
	cm.turns = make(map[string]func())
	cm.mutex.Unlock()

	for _, cancel := range turns {
		cancel()
	}
	return len(turns)
}

// ActiveTurns returns the ids of live turns, sorted.
func (cm *CancelManager) ActiveTurns() []string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	ids := make([]string, 0, len(cm.turns))
	for id := range cm.turns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
