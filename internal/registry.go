package internal

import "sync"

type Role int

const (
	RoleMember Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "member"
}

// RoomSocket is what the registry needs from a connection: a stable id and
// a non-blocking send. Send reports false when the socket's buffer is full
// and the payload was dropped.
type RoomSocket interface {
	SocketID() string
	Send(payload []byte) bool
}

type roomEntry struct {
	host    RoomSocket
	members map[string]RoomSocket
}

func (e *roomEntry) empty() bool {
	return e.host == nil && len(e.members) == 0
}

type binding struct {
	roomCode string
	role     Role
}

// Registry maps live sockets to room codes. One host slot per room, any
// number of member slots. It knows nothing about rows in the store; the
// store stays authoritative for membership, the registry only routes frames.
type Registry struct {
	mutex   sync.RWMutex
	rooms   map[string]*roomEntry
	sockets map[string]binding
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*roomEntry),
		sockets: make(map[string]binding),
	}
}

// Bind attaches a socket to a room under the given role. A second host
// binding supersedes the first; the superseded socket is returned so the
// caller can close it.
func (reg *Registry) Bind(roomCode string, socket RoomSocket, role Role) RoomSocket {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	entry, exists := reg.rooms[roomCode]
	if !exists {
		entry = &roomEntry{members: make(map[string]RoomSocket)}
		reg.rooms[roomCode] = entry
	}

	var superseded RoomSocket
	if role == RoleHost {
		if entry.host != nil && entry.host.SocketID() != socket.SocketID() {
			superseded = entry.host
			delete(reg.sockets, superseded.SocketID())
		}
		entry.host = socket
	} else {
		entry.members[socket.SocketID()] = socket
	}
	reg.sockets[socket.SocketID()] = binding{roomCode: roomCode, role: role}
	return superseded
}

// Unbind detaches a socket and reports where it was bound. The second pair
// of returns is zero-valued when the socket was not bound at all, which is
// normal for connections that never completed a join.
func (reg *Registry) Unbind(socketID string) (string, Role, bool) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	bound, exists := reg.sockets[socketID]
	if !exists {
		return "", RoleMember, false
	}
	delete(reg.sockets, socketID)

	entry, exists := reg.rooms[bound.roomCode]
	if exists {
		if entry.host != nil && entry.host.SocketID() == socketID {
			entry.host = nil
		}
		delete(entry.members, socketID)
		if entry.empty() {
			delete(reg.rooms, bound.roomCode)
		}
	}
	return bound.roomCode, bound.role, true
}

// Evict removes every socket bound to the room and returns them so the
// caller can notify and close each one.
func (reg *Registry) Evict(roomCode string) []RoomSocket {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	entry, exists := reg.rooms[roomCode]
	if !exists {
		return nil
	}
	delete(reg.rooms, roomCode)

	var evicted []RoomSocket
	if entry.host != nil {
		evicted = append(evicted, entry.host)
		delete(reg.sockets, entry.host.SocketID())
	}
	for _, socket := range entry.members {
		evicted = append(evicted, socket)
		delete(reg.sockets, socket.SocketID())
	}
	return evicted
}

// Broadcast sends the payload to every socket in the room except the one
// named by excludeSocketID (empty means nobody excluded). Delivery is best
// effort per recipient; the number of successful sends is returned.
func (reg *Registry) Broadcast(roomCode string, payload []byte, excludeSocketID string) int {
	reg.mutex.RLock()
	entry, exists := reg.rooms[roomCode]
	var targets []RoomSocket
	if exists {
		if entry.host != nil {
			targets = append(targets, entry.host)
		}
		for _, socket := range entry.members {
			targets = append(targets, socket)
		}
	}
	reg.mutex.RUnlock()

	delivered := 0
	for _, socket := range targets {
		if socket.SocketID() == excludeSocketID {
			continue
		}
		if socket.Send(payload) {
			delivered++
		}
	}
	return delivered
}

// Count reports how many sockets are bound to the room.
func (reg *Registry) Count(roomCode string) int {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()
	entry, exists := reg.rooms[roomCode]
	if !exists {
		return 0
	}
	n := len(entry.members)
	if entry.host != nil {
		n++
	}
	return n
}

// Host returns the socket currently holding the room's host slot, nil when
// the host is not connected.
func (reg *Registry) Host(roomCode string) RoomSocket {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()
	entry, exists := reg.rooms[roomCode]
	if !exists {
		return nil
	}
	return entry.host
}
