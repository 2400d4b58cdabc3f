package sip

import (
	"log/slog"
	"sync"
)

// PendingCallManager tracks inbound INVITEs that have not been answered
// yet, so the CANCEL handler can find and abort them.
type PendingCallManager struct {
	mu      sync.RWMutex
	pending map[string]*inboundCall // keyed by Call-ID
	logger  *slog.Logger
}

// NewPendingCallManager creates a pending call tracker.
func NewPendingCallManager(logger *slog.Logger) *PendingCallManager {
	return &PendingCallManager{
		pending: make(map[string]*inboundCall),
		logger:  logger.With("subsystem", "pending-calls"),
	}
}

// Add registers a pending call. It returns false if a call with the same
// Call-ID is already pending.
func (pm *PendingCallManager) Add(c *inboundCall) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.pending[c.callID]; ok {
		return false
	}
	pm.pending[c.callID] = c
	pm.logger.Debug("pending call added", "call_id", c.callID)
	return true
}

// Remove drops a pending call if it is still the registered one.
func (pm *PendingCallManager) Remove(c *inboundCall) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.pending[c.callID] == c {
		delete(pm.pending, c.callID)
		pm.logger.Debug("pending call removed", "call_id", c.callID)
	}
}

// Get retrieves a pending call by Call-ID.
func (pm *PendingCallManager) Get(callID string) *inboundCall {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pending[callID]
}

// Count returns the number of pending calls.
func (pm *PendingCallManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pending)
}

// Cancel aborts a pending call: any outbound attempt is cancelled and the
// caller receives 487 Request Terminated. It returns false if no call with
// that Call-ID is pending.
func (pm *PendingCallManager) Cancel(callID string) bool {
	pm.mu.Lock()
	c, ok := pm.pending[callID]
	if ok {
		delete(pm.pending, callID)
	}
	pm.mu.Unlock()

	if !ok {
		return false
	}

	c.cancel()
	c.Respond(487, "Request Terminated")
	pm.logger.Info("pending call cancelled by caller", "call_id", callID)
	return true
}
