package session

import "time"

// State is the lifecycle state of a client connection.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Conn is a snapshot of one client connection.
type Conn struct {
	ID             string    `json:"connection_id"`
	Service        string    `json:"service"`
	RemoteAddr     string    `json:"remote_addr"`
	State          State     `json:"state"`
	Provider       string    `json:"provider,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ClosedAt       time.Time `json:"closed_at,omitzero"`
}

// ListResponse is the body of GET /v1/connections.
type ListResponse struct {
	Active      map[string]int `json:"active"`
	Connections []*Conn        `json:"connections"`
}
