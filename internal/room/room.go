package room

import "sort"

// Index tracks room membership in both directions: room name to member
// connection ids, and logical user id to joined room names. A room exists
// exactly while its member set is non-empty; empty rooms are pruned on the
// spot. It is not safe for concurrent use: the broker owns the single lock
// under which every handler touches it.
type Index struct {
	members map[string]map[string]struct{}
	byUser  map[string]map[string]struct{}
}

// NewIndex creates an empty membership index.
func NewIndex() *Index {
	return &Index{
		members: make(map[string]map[string]struct{}),
		byUser:  make(map[string]map[string]struct{}),
	}
}

// Join adds the connection to the room and the room to the user's set.
// Returns false if the connection was already a member (the call is still
// a success, there is just nothing to report).
func (x *Index) Join(roomID, connID, userID string) bool {
	if x.members[roomID] == nil {
		x.members[roomID] = make(map[string]struct{})
	}
	if _, ok := x.members[roomID][connID]; ok {
		return false
	}
	x.members[roomID][connID] = struct{}{}

	if x.byUser[userID] == nil {
		x.byUser[userID] = make(map[string]struct{})
	}
	x.byUser[userID][roomID] = struct{}{}
	return true
}

// Leave removes the connection from the room, pruning the room if it
// empties, and removes the room from the user's set. Returns false if the
// connection was not a member.
func (x *Index) Leave(roomID, connID, userID string) bool {
	conns, ok := x.members[roomID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(x.members, roomID)
	}

	if rooms, ok := x.byUser[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(x.byUser, userID)
		}
	}
	return true
}

// RoomsForUser returns the sorted room names the user has joined.
func (x *Index) RoomsForUser(userID string) []string {
	rooms := x.byUser[userID]
	result := make([]string, 0, len(rooms))
	for r := range rooms {
		result = append(result, r)
	}
	sort.Strings(result)
	return result
}

// MembersOf returns the sorted connection ids in the room.
func (x *Index) MembersOf(roomID string) []string {
	conns := x.members[roomID]
	result := make([]string, 0, len(conns))
	for c := range conns {
		result = append(result, c)
	}
	sort.Strings(result)
	return result
}

// Has reports whether the connection is a member of the room.
func (x *Index) Has(roomID, connID string) bool {
	_, ok := x.members[roomID][connID]
	return ok
}

// ClearUser drops the user's reverse-index entry. Rooms the user was still
// a member of were already pruned at disconnect time; this is the safety
// net against partial cleanup.
func (x *Index) ClearUser(userID string) {
	delete(x.byUser, userID)
}

// Count returns the number of rooms with at least one member.
func (x *Index) Count() int {
	return len(x.members)
}
