// Package broadcaster keeps a process-local registry of connected
// clients keyed by client ID, so a strategy fan-out event can be
// delivered straight to any of that process's own open connections.
// cmd/server calls SendTo directly when it publishes an annotation event;
// the process does not subscribe to Redis to receive events.
//
// Adapted from a single undifferentiated client set that broadcast every
// message to every connection into a registry that targets one client ID
// at a time, matching spec.md §5's "every currently-connected client
// whose ID is in the strategy's subscribers list" delivery rule.
package broadcaster

import (
	"sync"

	"go.uber.org/zap"
)

// Conn is the minimal outbound surface a registered connection needs.
// cmd/server's wsConn websocket wrapper satisfies this.
type Conn interface {
	WriteMessage(data []byte) error
}

// Registry maps client IDs to their locally-held connection. A client ID
// may have at most one live connection per process; registering a new
// one for an ID already present replaces it.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("broadcaster"),
		clients: make(map[string]Conn),
	}
}

// Register binds clientID to conn for this process.
func (r *Registry) Register(clientID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = conn
	r.logger.Debug("client registered", zap.String("client_id", clientID))
}

// Unregister removes clientID, if conn is still the one on file for it.
// A stale Unregister from a connection that has already been replaced by
// a newer one for the same client ID is a no-op.
func (r *Registry) Unregister(clientID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.clients[clientID]; ok && current == conn {
		delete(r.clients, clientID)
		r.logger.Debug("client unregistered", zap.String("client_id", clientID))
	}
}

// SendTo writes message to clientID's connection if it is held by this
// process. It reports whether the message was written to a local
// connection: false when no connection is registered for clientID or
// when the write fails.
func (r *Registry) SendTo(clientID string, message []byte) bool {
	r.mu.RLock()
	conn, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.WriteMessage(message); err != nil {
		r.logger.Warn("local delivery failed", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	return true
}

// Count returns the number of locally-registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
