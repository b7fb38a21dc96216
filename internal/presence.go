package internal

import (
	"sort"
	"sync"
)

// PresenceStore keeps the live connection maps and the in-memory membership
// sets behind a single lock. It holds no business logic: all delivery and
// cleanup decisions live in the Manager, which is the only caller of the
// mutating methods.
//
// Four maps, kept consistent under one mutex:
//
//	global:    userID -> global sink (at most one per user)
//	rooms:     roomID -> userID -> room sink
//	members:   roomID -> durable member set, independent of connectivity
//	userRooms: userID -> rooms the user currently holds a live room sink for
type PresenceStore struct {
	mu        sync.RWMutex
	global    map[string]Sink
	rooms     map[string]map[string]Sink
	members   map[string]map[string]struct{}
	userRooms map[string]map[string]struct{}
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		global:    make(map[string]Sink),
		rooms:     make(map[string]map[string]Sink),
		members:   make(map[string]map[string]struct{}),
		userRooms: make(map[string]map[string]struct{}),
	}
}

// AttachGlobal registers a global sink for the user, replacing any prior one.
// The displaced sink is returned so the caller can close it; this store never
// closes connections.
func (p *PresenceStore) AttachGlobal(userID string, sink Sink) Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.global[userID]
	p.global[userID] = sink
	return old
}

// AttachRoom registers a room sink for the (user, room) pair and records the
// user as a member of the room. The membership add mirrors durable state the
// gateway has already verified against the store; it makes first-connection
// behave like an observed join and is idempotent.
func (p *PresenceStore) AttachRoom(userID, roomID string, sink Sink) Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.rooms[roomID]
	if conns == nil {
		conns = make(map[string]Sink)
		p.rooms[roomID] = conns
	}
	old := conns[userID]
	conns[userID] = sink

	p.addMemberLocked(roomID, userID)

	connected := p.userRooms[userID]
	if connected == nil {
		connected = make(map[string]struct{})
		p.userRooms[userID] = connected
	}
	connected[roomID] = struct{}{}
	return old
}

// DetachGlobal removes the user's global sink, if any, and returns it.
// Membership is untouched.
func (p *PresenceStore) DetachGlobal(userID string) Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.global[userID]
	delete(p.global, userID)
	return old
}

// DetachGlobalIf removes the user's global sink only when it is still the
// given one. A connection that was displaced by a reconnect finds the slot
// occupied by its replacement and must not deregister it.
func (p *PresenceStore) DetachGlobalIf(userID string, sink Sink) Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.global[userID] != sink {
		return nil
	}
	delete(p.global, userID)
	return sink
}

// DetachRoom removes the (user, room) sink, if any, and returns it.
// Membership is untouched: disconnecting is not leaving.
func (p *PresenceStore) DetachRoom(userID, roomID string) Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detachRoomLocked(userID, roomID)
}

// DetachRoomIf removes the (user, room) sink only when it is still the given
// one, for the same displaced-connection reason as DetachGlobalIf.
func (p *PresenceStore) DetachRoomIf(userID, roomID string, sink Sink) Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[roomID][userID] != sink {
		return nil
	}
	return p.detachRoomLocked(userID, roomID)
}

func (p *PresenceStore) detachRoomLocked(userID, roomID string) Sink {
	conns, ok := p.rooms[roomID]
	if !ok {
		return nil
	}
	old, ok := conns[userID]
	if !ok {
		return nil
	}
	delete(conns, userID)
	if len(conns) == 0 {
		delete(p.rooms, roomID)
	}
	if connected := p.userRooms[userID]; connected != nil {
		delete(connected, roomID)
		if len(connected) == 0 {
			delete(p.userRooms, userID)
		}
	}
	return old
}

// DetachAllRooms removes every room sink the user holds and returns them,
// keyed by room. Used on global disconnect.
func (p *PresenceStore) DetachAllRooms(userID string) map[string]Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	detached := make(map[string]Sink)
	for roomID := range p.userRooms[userID] {
		if sink := p.detachRoomLocked(userID, roomID); sink != nil {
			detached[roomID] = sink
		}
	}
	return detached
}

// AddMember records durable membership without touching any connection state.
func (p *PresenceStore) AddMember(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addMemberLocked(roomID, userID)
}

func (p *PresenceStore) addMemberLocked(roomID, userID string) {
	set := p.members[roomID]
	if set == nil {
		set = make(map[string]struct{})
		p.members[roomID] = set
	}
	set[userID] = struct{}{}
}

// RemoveMember deletes the membership entry. Empty sets are dropped purely to
// reclaim memory. Live connections are not touched here.
func (p *PresenceStore) RemoveMember(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.members[roomID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(p.members, roomID)
		}
	}
}

// MembersOf returns a sorted copy of the room's membership set.
func (p *PresenceStore) MembersOf(roomID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.members[roomID])
}

// RoomsConnectedBy returns the rooms the user currently holds live room
// sinks for, sorted.
func (p *PresenceStore) RoomsConnectedBy(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.userRooms[userID])
}

// MembershipsOf returns every room the user is a member of, connected or not.
func (p *PresenceStore) MembershipsOf(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var rooms []string
	for roomID, set := range p.members {
		if _, ok := set[userID]; ok {
			rooms = append(rooms, roomID)
		}
	}
	sort.Strings(rooms)
	return rooms
}

func (p *PresenceStore) IsGloballyConnected(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.global[userID]
	return ok
}

func (p *PresenceStore) IsRoomConnected(userID, roomID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.rooms[roomID][userID]
	return ok
}

func (p *PresenceStore) globalSink(userID string) (Sink, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sink, ok := p.global[userID]
	return sink, ok
}

func (p *PresenceStore) roomSink(roomID, userID string) (Sink, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sink, ok := p.rooms[roomID][userID]
	return sink, ok
}

// RoomConnectedUsers returns the users with a live sink in the room, sorted.
func (p *PresenceStore) RoomConnectedUsers(roomID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make(map[string]struct{}, len(p.rooms[roomID]))
	for userID := range p.rooms[roomID] {
		users[userID] = struct{}{}
	}
	return sortedKeys(users)
}

// OnlineUserCount reports how many users hold a global connection.
func (p *PresenceStore) OnlineUserCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.global)
}

// ActiveConversationCount reports how many rooms have at least one member.
func (p *PresenceStore) ActiveConversationCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
