package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
)

var (
	// ErrAuth marks a connection whose credential was rejected.
	ErrAuth = errors.New("realtime: authentication failed")

	errMissingRoomRegistry = errors.New("realtime: room registry required")
	errMissingVerifier     = errors.New("realtime: verifier required")
)

// Transport is the write side of one live client connection.
type Transport interface {
	// Send queues an encoded frame; it must not block on the network.
	Send(payload []byte) error
	// Close terminates the connection with a websocket close code.
	Close(code int, reason string) error
}

// Verifier resolves an opaque credential into a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

// Connection is a registry entry snapshot.
type Connection struct {
	Principal    auth.Principal
	Transport    Transport
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ConnectionRegistryConfig describes the collaborators of a ConnectionRegistry.
type ConnectionRegistryConfig struct {
	Rooms    *RoomRegistry
	Verifier Verifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// ConnectionRegistry tracks one live connection per principal.
type ConnectionRegistry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       *RoomRegistry
	verifier    Verifier
	clock       func() time.Time
	logger      *zap.Logger
}

// NewConnectionRegistry constructs a registry bound to a room registry.
func NewConnectionRegistry(cfg ConnectionRegistryConfig) (*ConnectionRegistry, error) {
	if cfg.Rooms == nil {
		return nil, errMissingRoomRegistry
	}
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ConnectionRegistry{
		connections: make(map[string]*Connection),
		rooms:       cfg.Rooms,
		verifier:    cfg.Verifier,
		clock:       clock,
		logger:      logging.OrNop(cfg.Logger),
	}, nil
}

// AuthenticateAndRegister verifies token and registers transport for the resulting principal.
// Verification failures wrap ErrAuth and leave the registry untouched.
func (r *ConnectionRegistry) AuthenticateAndRegister(ctx context.Context, token string, transport Transport) (auth.Principal, error) {
	principal, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if principal.ID == "" {
		return auth.Principal{}, fmt.Errorf("%w: principal id missing", ErrAuth)
	}
	r.Register(principal, transport)
	return principal, nil
}

// Register stores transport for principal. An existing entry is replaced without closing
// its transport.
func (r *ConnectionRegistry) Register(principal auth.Principal, transport Transport) {
	now := r.clock()
	r.mu.Lock()
	_, replaced := r.connections[principal.ID]
	r.connections[principal.ID] = &Connection{
		Principal:    principal,
		Transport:    transport,
		ConnectedAt:  now,
		LastActivity: now,
	}
	total := len(r.connections)
	r.mu.Unlock()

	r.logger.Info("realtime connection registered",
		zap.String("principal_id", principal.ID),
		zap.Bool("replaced", replaced),
		zap.Int("total_connections", total))
}

// Touch refreshes the principal's last activity while transport still owns the entry. It
// reports false for unknown principals and for transports replaced by a newer connection.
func (r *ConnectionRegistry) Touch(principalID string, transport Transport) bool {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	connection, ok := r.connections[principalID]
	if !ok || connection.Transport != transport {
		return false
	}
	connection.LastActivity = now
	return true
}

// Owns reports whether transport is the principal's registered transport.
func (r *ConnectionRegistry) Owns(principalID string, transport Transport) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connection, ok := r.connections[principalID]
	return ok && connection.Transport == transport
}

// Unregister removes the principal's entry and all of its room memberships.
func (r *ConnectionRegistry) Unregister(principalID string) {
	r.mu.Lock()
	_, existed := r.connections[principalID]
	delete(r.connections, principalID)
	total := len(r.connections)
	r.mu.Unlock()

	rooms := r.rooms.LeaveAll(principalID)
	if existed {
		r.logger.Info("realtime connection unregistered",
			zap.String("principal_id", principalID),
			zap.Int("rooms_left", len(rooms)),
			zap.Int("total_connections", total))
	}
}

// Release unregisters the principal only while transport still owns the entry, so a session
// tearing down after being replaced does not evict its successor.
func (r *ConnectionRegistry) Release(principalID string, transport Transport) bool {
	return r.releaseWhere(principalID, transport, "realtime connection released", func(*Connection) bool {
		return true
	})
}

// ReleaseIfIdle is Release restricted to an entry whose last activity is still before cutoff,
// checked under the registry lock.
func (r *ConnectionRegistry) ReleaseIfIdle(principalID string, transport Transport, cutoff time.Time) bool {
	return r.releaseWhere(principalID, transport, "idle realtime connection released", func(connection *Connection) bool {
		return connection.LastActivity.Before(cutoff)
	})
}

func (r *ConnectionRegistry) releaseWhere(principalID string, transport Transport, message string, eligible func(*Connection) bool) bool {
	r.mu.Lock()
	connection, ok := r.connections[principalID]
	if !ok || connection.Transport != transport || !eligible(connection) {
		r.mu.Unlock()
		return false
	}
	delete(r.connections, principalID)
	total := len(r.connections)
	r.mu.Unlock()

	rooms := r.rooms.LeaveAll(principalID)
	r.logger.Info(message,
		zap.String("principal_id", principalID),
		zap.Int("rooms_left", len(rooms)),
		zap.Int("total_connections", total))
	return true
}

// IsOnline reports whether the principal has a registered connection.
func (r *ConnectionRegistry) IsOnline(principalID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connections[principalID]
	return ok
}

// Lookup returns the principal's transport.
func (r *ConnectionRegistry) Lookup(principalID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connection, ok := r.connections[principalID]
	if !ok {
		return nil, false
	}
	return connection.Transport, true
}

// Get returns a snapshot of the principal's entry.
func (r *ConnectionRegistry) Get(principalID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connection, ok := r.connections[principalID]
	if !ok {
		return Connection{}, false
	}
	return *connection, true
}

// Snapshot returns every entry ordered by principal id.
func (r *ConnectionRegistry) Snapshot() []Connection {
	r.mu.RLock()
	connections := make([]Connection, 0, len(r.connections))
	for _, connection := range r.connections {
		connections = append(connections, *connection)
	}
	r.mu.RUnlock()
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].Principal.ID < connections[j].Principal.ID
	})
	return connections
}

// IdleSince returns entries whose last activity is strictly before cutoff.
func (r *ConnectionRegistry) IdleSince(cutoff time.Time) []Connection {
	all := r.Snapshot()
	idle := all[:0]
	for _, connection := range all {
		if connection.LastActivity.Before(cutoff) {
			idle = append(idle, connection)
		}
	}
	return idle
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
