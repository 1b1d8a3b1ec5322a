package websocket

import (
	"log"
	"sync"

	"examwatch/pkg/types"
)

// Registry tracks live connections. Students are indexed by attempt so a
// reconnect can displace the previous socket; supervisors are indexed by
// connection since one exam may have many dashboards open.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connID -> Connection
	students    map[string]*Connection            // attemptID -> Connection
	supervisors map[string]map[string]*Connection // examID -> connID -> Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		students:    make(map[string]*Connection),
		supervisors: make(map[string]map[string]*Connection),
	}
}

// Register adds an authenticated connection. A student reconnecting to
// an attempt displaces the old socket, which is closed asynchronously to
// keep the registry lock short.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID()] = conn

	switch conn.Role() {
	case types.RoleStudent:
		attemptID := conn.AttemptID()
		if existing, ok := r.students[attemptID]; ok && existing != conn {
			go func() {
				if err := existing.Close(); err != nil {
					log.Printf("Failed to close displaced connection for attempt %s: %v", attemptID, err)
				}
			}()
			delete(r.connections, existing.ID())
		}
		r.students[attemptID] = conn
	case types.RoleSupervisor:
		examID := conn.ExamID()
		if r.supervisors[examID] == nil {
			r.supervisors[examID] = make(map[string]*Connection)
		}
		r.supervisors[examID][conn.ID()] = conn
	}

	return nil
}

// Unregister removes a connection. Idempotent, and a stale student
// socket cannot unregister the connection that displaced it.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[conn.ID()]; !ok {
		return
	}
	delete(r.connections, conn.ID())

	switch conn.Role() {
	case types.RoleStudent:
		attemptID := conn.AttemptID()
		if current, ok := r.students[attemptID]; ok && current == conn {
			delete(r.students, attemptID)
		}
	case types.RoleSupervisor:
		examID := conn.ExamID()
		if subs, ok := r.supervisors[examID]; ok {
			delete(subs, conn.ID())
			if len(subs) == 0 {
				delete(r.supervisors, examID)
			}
		}
	}
}

// StudentConnection returns the live connection for an attempt.
func (r *Registry) StudentConnection(attemptID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.students[attemptID]
	return conn, ok
}

// IsCurrentStudentConnection reports whether conn is still the
// registered socket for its attempt.
func (r *Registry) IsCurrentStudentConnection(conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.students[conn.AttemptID()]
	return ok && current == conn
}

// Stats reports connection counts for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	supervisorCount := 0
	for _, subs := range r.supervisors {
		supervisorCount += len(subs)
	}

	return map[string]int{
		"total_connections":      len(r.connections),
		"student_connections":    len(r.students),
		"supervisor_connections": supervisorCount,
	}
}
