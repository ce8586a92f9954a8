package realtime

import (
	"sort"
	"strings"
	"sync"
)

type memberSet map[string]struct{}

// RoomRegistry maps room identifiers to the principals subscribed to them. Room identifiers are
// opaque; a room exists only while it has at least one member.
type RoomRegistry struct {
	mu          sync.RWMutex
	members     map[string]memberSet
	memberships map[string]memberSet
}

// NewRoomRegistry constructs an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		members:     make(map[string]memberSet),
		memberships: make(map[string]memberSet),
	}
}

// Join adds principalID to roomID. It reports whether the membership is new.
func (r *RoomRegistry) Join(principalID, roomID string) bool {
	principalID = strings.TrimSpace(principalID)
	roomID = strings.TrimSpace(roomID)
	if principalID == "" || roomID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.members[roomID]
	if !ok {
		room = make(memberSet)
		r.members[roomID] = room
	}
	if _, exists := room[principalID]; exists {
		return false
	}
	room[principalID] = struct{}{}

	rooms, ok := r.memberships[principalID]
	if !ok {
		rooms = make(memberSet)
		r.memberships[principalID] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

// Leave removes principalID from roomID. It reports whether a membership was removed.
func (r *RoomRegistry) Leave(principalID, roomID string) bool {
	principalID = strings.TrimSpace(principalID)
	roomID = strings.TrimSpace(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(principalID, roomID)
}

// LeaveAll removes principalID from every room and returns the rooms it left.
func (r *RoomRegistry) LeaveAll(principalID string) []string {
	principalID = strings.TrimSpace(principalID)
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.memberships[principalID]
	if len(rooms) == 0 {
		return nil
	}
	left := make([]string, 0, len(rooms))
	for roomID := range rooms {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		r.removeLocked(principalID, roomID)
	}
	sort.Strings(left)
	return left
}

// MembersOf returns the sorted members of roomID; unknown rooms yield an empty slice.
func (r *RoomRegistry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.members[roomID])
}

// RoomsOf returns the sorted rooms principalID belongs to.
func (r *RoomRegistry) RoomsOf(principalID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.memberships[principalID])
}

// Rooms enumerates every non-empty room.
func (r *RoomRegistry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]string, 0, len(r.members))
	for roomID := range r.members {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// IsMember reports whether principalID is subscribed to roomID.
func (r *RoomRegistry) IsMember(principalID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[roomID][principalID]
	return ok
}

func (r *RoomRegistry) removeLocked(principalID, roomID string) bool {
	room, ok := r.members[roomID]
	if !ok {
		return false
	}
	if _, exists := room[principalID]; !exists {
		return false
	}
	delete(room, principalID)
	if len(room) == 0 {
		delete(r.members, roomID)
	}
	if rooms, ok := r.memberships[principalID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.memberships, principalID)
		}
	}
	return true
}

func sortedKeys(set memberSet) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
