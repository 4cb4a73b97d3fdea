package presence

import (
	"time"

	"github.com/google/uuid"
)

// User is a participant tracked by the registry. The logical ID survives
// reconnects; ConnectionID points at the current live transport connection
// and is empty while the user is offline.
type User struct {
	ID           string
	Name         string
	ConnectionID string
	Online       bool
	LastSeen     time.Time
}

// Info is the snapshot projection of a user, as broadcast in user-list events.
type Info struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// Displaced identifies a connection binding that a registration pushed
// out: the connection is no longer mapped to that logical user id. The
// broker uses it to tear down room memberships the binding had accumulated.
type Displaced struct {
	ConnectionID string
	UserID       string
}

// Registry is a connection-keyed directory of users with a reverse lookup
// by logical user id. It is not safe for concurrent use: the broker owns
// the single lock under which every handler touches it.
type Registry struct {
	byID   map[string]*User
	byConn map[string]string
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*User),
		byConn: make(map[string]string),
	}
}

// Register binds a logical user to a live connection and marks it online.
// A missing userID gets a generated one; a missing name defaults from the
// connection id. Registering an id that is already bound elsewhere
// supersedes the earlier connection mapping; every binding this pushes out
// is returned so the caller can clean up after it. Register never fails.
func (r *Registry) Register(connID, userID, name string) (*User, []Displaced) {
	if userID == "" {
		userID = uuid.NewString()
	}
	var displaced []Displaced

	// If this connection was previously registered under a different
	// identity, unbind the old record so at most one entry exists per
	// live connection.
	if current, ok := r.byConn[connID]; ok && current != userID {
		if old := r.byID[current]; old != nil && old.ConnectionID == connID {
			old.ConnectionID = ""
			old.Online = false
			old.LastSeen = time.Now()
		}
		delete(r.byConn, connID)
		displaced = append(displaced, Displaced{ConnectionID: connID, UserID: current})
	}

	u, ok := r.byID[userID]
	if !ok {
		u = &User{ID: userID}
		r.byID[userID] = u
		r.order = append(r.order, userID)
	} else if u.ConnectionID != "" && u.ConnectionID != connID {
		// A later registration for the same id wins over the earlier
		// connection mapping.
		delete(r.byConn, u.ConnectionID)
		displaced = append(displaced, Displaced{ConnectionID: u.ConnectionID, UserID: userID})
	}

	if name != "" {
		u.Name = name
	} else if u.Name == "" {
		u.Name = defaultName(connID)
	}
	u.ConnectionID = connID
	u.Online = true
	u.LastSeen = time.Now()
	r.byConn[connID] = userID

	return u, displaced
}

// ByConnection returns the user bound to the given connection, or nil.
func (r *Registry) ByConnection(connID string) *User {
	id, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	return r.byID[id]
}

// ByUserID returns the user with the given logical id, or nil.
func (r *Registry) ByUserID(userID string) *User {
	return r.byID[userID]
}

// MarkOffline flips the user owning the connection to offline and stamps
// LastSeen. The record stays in place so a fast reconnect can reclaim the
// same logical id. Returns the affected user, or nil if the connection is
// unknown.
func (r *Registry) MarkOffline(connID string) *User {
	id, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	u := r.byID[id]
	u.ConnectionID = ""
	u.Online = false
	u.LastSeen = time.Now()
	return u
}

// Remove deletes the user record entirely. Returns false if the id is unknown.
func (r *Registry) Remove(userID string) bool {
	u, ok := r.byID[userID]
	if !ok {
		return false
	}
	if u.ConnectionID != "" {
		delete(r.byConn, u.ConnectionID)
	}
	delete(r.byID, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns all tracked users in registration order.
func (r *Registry) Snapshot() []Info {
	result := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		u := r.byID[id]
		result = append(result, Info{
			ID:       u.ID,
			Name:     u.Name,
			Online:   u.Online,
			LastSeen: u.LastSeen,
		})
	}
	return result
}

// Expired returns the ids of users that are offline and whose LastSeen is
// older than ttl.
func (r *Registry) Expired(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)
	var stale []string
	for _, id := range r.order {
		u := r.byID[id]
		if !u.Online && u.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// Count returns the number of tracked users, online and offline.
func (r *Registry) Count() int {
	return len(r.byID)
}

// defaultName derives a display name from the connection id.
func defaultName(connID string) string {
	if len(connID) > 6 {
		connID = connID[:6]
	}
	return "user-" + connID
}
