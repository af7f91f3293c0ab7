package matrix

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// Room keeps what the sync stream told us about a room that the server
// doesn't hand out cheaply: pending invites.
type Room struct {
	ID      id.RoomID
	Invited map[id.UserID]bool
	sync.RWMutex
}

func newRoom(roomID id.RoomID) *Room {
	return &Room{
		ID:      roomID,
		Invited: make(map[id.UserID]bool),
	}
}

func (r *Room) invite(userIDs ...id.UserID) {
	r.Lock()
	defer r.Unlock()

	for _, userID := range userIDs {
		r.Invited[userID] = true
	}
}

func (r *Room) forget(userID id.UserID) {
	r.Lock()
	defer r.Unlock()

	delete(r.Invited, userID)
}

func (r *Room) invited() []id.UserID {
	r.RLock()
	defer r.RUnlock()

	users := make([]id.UserID, 0, len(r.Invited))
	for userID := range r.Invited {
		users = append(users, userID)
	}

	return users
}

func (m *Matrix) room(roomID id.RoomID) *Room {
	m.Lock()
	defer m.Unlock()

	if r, ok := m.rooms[roomID]; ok {
		return r
	}

	r := newRoom(roomID)
	m.rooms[roomID] = r

	return r
}
