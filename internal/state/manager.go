// Package state owns the connection/session/room registry. Every operation
// takes the manager's single mutex for the duration of the call and returns
// plain snapshots; no network send ever happens under the lock, so one slow
// peer cannot stall registry mutations for anyone else.
package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"voicelink/internal/types"
)

// Conn is the transport handle the registry tracks. Both the TCP worker and
// the websocket gateway adapter implement it.
type Conn interface {
	ID() string
	Send(p []byte) error
	Close() error
}

type session struct {
	username string
	room     string // empty while not in a room
}

// room keeps conns and users as parallel sequences: index i of one
// corresponds to index i of the other, insertion order is join order.
type room struct {
	id        string
	password  string
	conns     []Conn
	users     []string
	createdAt time.Time
}

// Departure describes a completed room exit: who left which room, the user
// list after removal, and the members that should receive USER_LEFT.
type Departure struct {
	RoomID    string
	Username  string
	Users     []string
	Remaining []Conn
}

type Manager struct {
	mu       sync.Mutex
	conns    map[string]Conn
	sessions map[string]*session
	lastSeen map[string]time.Time
	rooms    map[string]*room
	roomSeq  int
}

func NewManager() *Manager {
	return &Manager{
		conns:    make(map[string]Conn),
		sessions: make(map[string]*session),
		lastSeen: make(map[string]time.Time),
		rooms:    make(map[string]*room),
	}
}

// AddConn starts tracking a freshly accepted connection as anonymous.
func (m *Manager) AddConn(c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID()] = c
	m.lastSeen[c.ID()] = time.Now()
}

// Touch stamps last-activity for a connection. Called on every successful read.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; ok {
		m.lastSeen[id] = time.Now()
	}
}

// IdleConns returns every tracked connection whose last-activity age exceeds
// maxIdle. The caller evicts them through the normal teardown path.
func (m *Manager) IdleConns(maxIdle time.Duration) []Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var idle []Conn
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > maxIdle {
			if c, ok := m.conns[id]; ok {
				idle = append(idle, c)
			}
		}
	}
	return idle
}

// Register binds a username to a connection. Usernames are unique among live
// sessions (case-sensitive); a rejected connection stays anonymous and may
// retry.
func (m *Manager) Register(id, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[id]; !ok {
		return ErrUnknownConn
	}
	if _, ok := m.sessions[id]; ok {
		return ErrAlreadyRegistered
	}
	if strings.TrimSpace(username) == "" {
		return ErrUsernameTaken
	}
	for _, s := range m.sessions {
		if s.username == username {
			return ErrUsernameTaken
		}
	}
	m.sessions[id] = &session{username: username}
	return nil
}

// CreateRoom allocates a fresh room with the caller as sole member. The id
// combines creation time with a process-lifetime sequence number, so ids
// never repeat even when rooms are created and deleted within one second.
func (m *Manager) CreateRoom(id, password string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return "", ErrNotRegistered
	}
	if s.room != "" {
		return "", ErrAlreadyInRoom
	}
	c, ok := m.conns[id]
	if !ok {
		return "", ErrUnknownConn
	}

	roomID := fmt.Sprintf("room_%d_%d", time.Now().Unix(), m.roomSeq)
	m.roomSeq++

	m.rooms[roomID] = &room{
		id:        roomID,
		password:  password,
		conns:     []Conn{c},
		users:     []string{s.username},
		createdAt: time.Now(),
	}
	s.room = roomID
	return roomID, nil
}

// JoinRoom appends the caller to an existing room. On success it returns the
// user list at this instant and the peers that should receive USER_JOINED.
func (m *Manager) JoinRoom(id, roomID, password string) (users []string, peers []Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil, ErrNotRegistered
	}
	c, ok := m.conns[id]
	if !ok {
		return nil, nil, ErrUnknownConn
	}
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	if r.password != password {
		return nil, nil, ErrWrongPassword
	}
	if s.room != "" {
		return nil, nil, ErrAlreadyInRoom
	}

	peers = append(peers, r.conns...)
	r.conns = append(r.conns, c)
	r.users = append(r.users, s.username)
	s.room = roomID

	users = append(users, r.users...)
	return users, peers, nil
}

// LeaveRoom removes the caller from its room, deleting the room when it
// becomes empty. The second return is false when the caller was not in a
// room, which is not an error.
func (m *Manager) LeaveRoom(id string) (Departure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(id)
}

func (m *Manager) leaveLocked(id string) (Departure, bool) {
	s, ok := m.sessions[id]
	if !ok || s.room == "" {
		return Departure{}, false
	}
	r, ok := m.rooms[s.room]
	if !ok {
		s.room = ""
		return Departure{}, false
	}

	for i, c := range r.conns {
		if c.ID() == id {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			break
		}
	}
	// Username removal is by value. This relies on registration-time global
	// uniqueness; if duplicate usernames were ever allowed, the parallel
	// conns/users sequences could desynchronize here.
	for i, u := range r.users {
		if u == s.username {
			r.users = append(r.users[:i], r.users[i+1:]...)
			break
		}
	}

	dep := Departure{
		RoomID:    r.id,
		Username:  s.username,
		Users:     append([]string(nil), r.users...),
		Remaining: append([]Conn(nil), r.conns...),
	}
	if len(r.conns) == 0 {
		delete(m.rooms, r.id)
	}
	s.room = ""
	return dep, true
}

// RemoveConn is the single teardown path shared by GOODBYE, transport errors,
// and timeout eviction: leave the room, drop the session, stop activity
// tracking. The caller closes the transport.
func (m *Manager) RemoveConn(id string) (Departure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, left := m.leaveLocked(id)
	delete(m.sessions, id)
	delete(m.conns, id)
	delete(m.lastSeen, id)
	return dep, left
}

// RoomPeers resolves the sender's identity and the other members of its room
// for the audio relay. ok is false when the sender has no room.
func (m *Manager) RoomPeers(id string) (username string, peers []Conn, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, found := m.sessions[id]
	if !found || s.room == "" {
		return "", nil, false
	}
	r, found := m.rooms[s.room]
	if !found {
		return "", nil, false
	}
	for _, c := range r.conns {
		if c.ID() != id {
			peers = append(peers, c)
		}
	}
	return s.username, peers, true
}

// Session returns a snapshot of the session bound to a connection.
func (m *Manager) Session(id string) (types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return types.Session{}, false
	}
	return types.Session{Username: s.username, Room: s.room}, true
}

// Rooms returns room snapshots sorted by id for consistent ordering.
func (m *Manager) Rooms() []types.RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := make([]types.RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, types.RoomInfo{
			ID:          r.id,
			Users:       append([]string(nil), r.users...),
			HasPassword: r.password != "",
			CreatedAt:   r.createdAt,
		})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Users returns all registered sessions sorted by username for consistent
// ordering.
func (m *Manager) Users() []types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		users = append(users, types.Session{Username: s.username, Room: s.room})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// Counts returns the live connection/session/room totals.
func (m *Manager) Counts() (conns, sessions, rooms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns), len(m.sessions), len(m.rooms)
}

// Conns returns a snapshot of every tracked connection. Used at shutdown to
// tear everything down outside the registry lock.
func (m *Manager) Conns() []Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}
