// Package types holds the data shapes shared between the registry, the
// server binaries, and the HTTP API.
package types

import "time"

// Session is the identity bound to one live connection. Room is empty while
// the user is registered but not in a room.
type Session struct {
	Username string `json:"username"`
	Room     string `json:"room,omitempty"`
}

// RoomInfo is a read-only snapshot of a room for the API surface.
type RoomInfo struct {
	ID          string    `json:"id"`
	Users       []string  `json:"users"`
	HasPassword bool      `json:"has_password"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServerStats is the counters snapshot served by /api/stats.
type ServerStats struct {
	Connections    int    `json:"connections"`
	Sessions       int    `json:"sessions"`
	Rooms          int    `json:"rooms"`
	RelayedFrames  uint64 `json:"relayed_frames"`
	DroppedSends   uint64 `json:"dropped_sends"`
	EvictedClients uint64 `json:"evicted_clients"`
}
