package api

// SessionBehavior controls what happens to keys held by a session when the
// session is invalidated.
type SessionBehavior string

const (
	// SessionBehaviorRelease releases held keys, leaving their values in place.
	SessionBehaviorRelease SessionBehavior = "release"
	// SessionBehaviorDelete deletes held keys.
	SessionBehaviorDelete SessionBehavior = "delete"
)

// SessionEntry describes a session as stored by the server. TTL is a Go
// duration string ("15s") and LockDelay is expressed in nanoseconds, matching
// the server's wire format.
type SessionEntry struct {
	// CreateIndex is the Raft index at which the session was created.
	CreateIndex uint64 `json:"CreateIndex,omitempty"`
	// ID is assigned by the server on create.
	ID string `json:"ID,omitempty"`
	// Name is a human readable label.
	Name string `json:"Name,omitempty"`
	// Node binds the session to a node's health. Empty uses the agent's node.
	Node string `json:"Node,omitempty"`
	// Checks lists health check IDs the session depends on.
	Checks []string `json:"Checks,omitempty"`
	// LockDelay is the post-invalidation quiet period in nanoseconds.
	LockDelay int64 `json:"LockDelay,omitempty"`
	// Behavior is release or delete.
	Behavior SessionBehavior `json:"Behavior,omitempty"`
	// TTL is the session time-to-live as a duration string.
	TTL string `json:"TTL,omitempty"`
}

// SessionCreateResponse is returned by PUT /v1/session/create.
type SessionCreateResponse struct {
	ID string `json:"ID"`
}
