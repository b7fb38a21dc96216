package internal

import (
	"context"

	"go.uber.org/zap"
)

// DeliveryLayer identifies which connection tier a message was delivered on.
type DeliveryLayer int

const (
	// LayerRoom is the sink scoped to the message's own room.
	LayerRoom DeliveryLayer = iota
	// LayerOtherRoom is any other room sink the user currently holds.
	LayerOtherRoom
	// LayerGlobal is the user's global sink, the last resort.
	LayerGlobal
	// LayerNone means no layer could deliver; the user is offline for this
	// message.
	LayerNone
)

func (l DeliveryLayer) String() string {
	switch l {
	case LayerRoom:
		return "room"
	case LayerOtherRoom:
		return "other_room"
	case LayerGlobal:
		return "global"
	default:
		return "none"
	}
}

// deliveryOrder is the layered fallback evaluated per recipient. Declared as
// data so the cascade stays in one place and tests can reason about it.
var deliveryOrder = [...]DeliveryLayer{LayerRoom, LayerOtherRoom, LayerGlobal}

// DeliveryReport aggregates per-user outcomes of a room broadcast.
type DeliveryReport struct {
	SuccessCount int      `json:"success_count"`
	FailedUsers  []string `json:"failed_users"`
}

// Manager orchestrates the PresenceStore and implements layered delivery.
// It is the only component that mutates presence state; the gateway and the
// HTTP surface go through it. Every write failure is treated as a dead
// connection: the entry is detached before delivery falls through to the
// next layer.
type Manager struct {
	presence *PresenceStore
	unread   *UnreadCounter
	metrics  *Metrics
	log      *zap.Logger
}

func NewManager(presence *PresenceStore, unread *UnreadCounter, metrics *Metrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{presence: presence, unread: unread, metrics: metrics, log: log}
}

func (m *Manager) Presence() *PresenceStore { return m.presence }

// Connect registers a global connection. Any displaced sink for the same user
// is returned so the caller can close it. Never fails.
func (m *Manager) Connect(userID string, sink Sink) Sink {
	old := m.presence.AttachGlobal(userID, sink)
	if old == nil {
		m.metrics.IncGlobalConn()
	}
	m.log.Info("global connection attached", zap.String("user", userID))
	return old
}

// Welcome mirrors the user's durable memberships into the presence store and
// pushes their current unread tallies over the global connection. Called
// after Connect, typically from a goroutine so the read loop is not delayed.
func (m *Manager) Welcome(ctx context.Context, userID string) {
	counts, err := m.unread.ComputeUnread(ctx, userID)
	if err != nil {
		m.log.Warn("unread tally on connect failed", zap.String("user", userID), zap.Error(err))
		return
	}
	for conversationID := range counts {
		m.presence.AddMember(conversationID, userID)
	}
	m.SendGlobal(userID, NewUnreadCounts(FrameUnreadCounts, userID, counts))
}

// JoinRoom registers a room-scoped connection and announces the join to the
// other members currently connected to that room. Any displaced sink for the
// same (user, room) pair is returned for the caller to close.
func (m *Manager) JoinRoom(userID, roomID string, sink Sink) Sink {
	old := m.presence.AttachRoom(userID, roomID, sink)
	if old == nil {
		m.metrics.IncRoomConn()
	}
	m.log.Info("room connection attached", zap.String("user", userID), zap.String("room", roomID))

	payload := NewRoomEvent(FrameUserJoinedRoom, roomID, userID)
	for _, member := range m.presence.RoomConnectedUsers(roomID) {
		if member == userID {
			continue
		}
		m.SendToUser(member, roomID, payload)
	}
	return old
}

// Leave tears down the user's room connection. Membership is never touched.
// Idempotent: leaving a room without a live connection is a no-op.
func (m *Manager) Leave(userID, roomID string) {
	old := m.presence.DetachRoom(userID, roomID)
	if old == nil {
		return
	}
	closeQuiet(old)
	m.metrics.DecRoomConn()
	m.log.Info("room connection detached", zap.String("user", userID), zap.String("room", roomID))
	m.SendRoomOnly(roomID, NewUserStatus(roomID, userID, "offline"), userID)
}

// LeaveConn is Leave scoped to one connection: the room entry is torn down
// only if it still belongs to the given sink. A read loop whose connection
// was displaced by a reconnect must not deregister the replacement.
func (m *Manager) LeaveConn(userID, roomID string, sink Sink) {
	old := m.presence.DetachRoomIf(userID, roomID, sink)
	if old == nil {
		closeQuiet(sink)
		return
	}
	closeQuiet(old)
	m.metrics.DecRoomConn()
	m.log.Info("room connection detached", zap.String("user", userID), zap.String("room", roomID))
	m.SendRoomOnly(roomID, NewUserStatus(roomID, userID, "offline"), userID)
}

// Disconnect tears down the user's global connection and every room
// connection they hold, broadcasting a presence change to each affected room.
// Membership survives. Idempotent.
func (m *Manager) Disconnect(userID string) {
	if old := m.presence.DetachGlobal(userID); old != nil {
		closeQuiet(old)
		m.metrics.DecGlobalConn()
		m.log.Info("global connection detached", zap.String("user", userID))
	}
	for roomID, sink := range m.presence.DetachAllRooms(userID) {
		closeQuiet(sink)
		m.metrics.DecRoomConn()
		m.SendRoomOnly(roomID, NewUserStatus(roomID, userID, "offline"), userID)
	}
}

// DisconnectConn is Disconnect scoped to one connection. When the given sink
// no longer holds the global slot the user has reconnected: nothing is torn
// down, because the room sinks now ride on the replacement's lifetime.
func (m *Manager) DisconnectConn(userID string, sink Sink) {
	if m.presence.DetachGlobalIf(userID, sink) == nil {
		closeQuiet(sink)
		return
	}
	closeQuiet(sink)
	m.metrics.DecGlobalConn()
	m.log.Info("global connection detached", zap.String("user", userID))
	for roomID, roomSink := range m.presence.DetachAllRooms(userID) {
		closeQuiet(roomSink)
		m.metrics.DecRoomConn()
		m.SendRoomOnly(roomID, NewUserStatus(roomID, userID, "offline"), userID)
	}
}

// SendToUser attempts delivery to one user through the layered fallback:
// the room's own sink, then any other room sink the user holds, then the
// global sink. Each dead sink encountered is detached before falling
// through. Returns the layer that accepted the frame, or LayerNone.
func (m *Manager) SendToUser(userID, roomID string, payload []byte) (DeliveryLayer, bool) {
	for _, layer := range deliveryOrder {
		switch layer {
		case LayerRoom:
			if roomID == "" {
				continue
			}
			sink, ok := m.presence.roomSink(roomID, userID)
			if !ok {
				continue
			}
			if m.trySend(sink, payload) {
				return LayerRoom, true
			}
			m.dropRoomConn(userID, roomID, sink)
		case LayerOtherRoom:
			for _, other := range m.presence.RoomsConnectedBy(userID) {
				if other == roomID {
					continue
				}
				sink, ok := m.presence.roomSink(other, userID)
				if !ok {
					continue
				}
				if m.trySend(sink, payload) {
					return LayerOtherRoom, true
				}
				m.dropRoomConn(userID, other, sink)
			}
		case LayerGlobal:
			sink, ok := m.presence.globalSink(userID)
			if !ok {
				continue
			}
			if m.trySend(sink, payload) {
				return LayerGlobal, true
			}
			m.dropGlobalConn(userID, sink)
		}
	}
	return LayerNone, false
}

// BroadcastToRoom fans a frame out to every member of the room except the
// excluded user, each via the layered fallback. One slow or dead recipient
// only affects its own entry in the report.
func (m *Manager) BroadcastToRoom(roomID string, payload []byte, excludeUser string) DeliveryReport {
	var report DeliveryReport
	for _, member := range m.presence.MembersOf(roomID) {
		if excludeUser != "" && member == excludeUser {
			continue
		}
		if _, ok := m.SendToUser(member, roomID, payload); ok {
			report.SuccessCount++
		} else {
			report.FailedUsers = append(report.FailedUsers, member)
		}
	}
	return report
}

// SendRoomOnly delivers only to users holding a live sink in this exact room.
// No fallback: room-local ephemera such as typing indicators are meaningless
// anywhere else, and members without a room connection are silently skipped.
func (m *Manager) SendRoomOnly(roomID string, payload []byte, excludeUser string) {
	for _, userID := range m.presence.RoomConnectedUsers(roomID) {
		if excludeUser != "" && userID == excludeUser {
			continue
		}
		sink, ok := m.presence.roomSink(roomID, userID)
		if !ok {
			continue
		}
		if !m.trySend(sink, payload) {
			m.dropRoomConn(userID, roomID, sink)
		}
	}
}

// SendRoomPersonal delivers to one user's sink in one specific room, used for
// confirmations addressed to the connection a frame arrived on.
func (m *Manager) SendRoomPersonal(roomID, userID string, payload []byte) bool {
	sink, ok := m.presence.roomSink(roomID, userID)
	if !ok {
		return false
	}
	if m.trySend(sink, payload) {
		return true
	}
	m.dropRoomConn(userID, roomID, sink)
	return false
}

// SendGlobal delivers over the user's global sink only.
func (m *Manager) SendGlobal(userID string, payload []byte) bool {
	sink, ok := m.presence.globalSink(userID)
	if !ok {
		return false
	}
	if m.trySend(sink, payload) {
		return true
	}
	m.dropGlobalConn(userID, sink)
	return false
}

// BroadcastConversationUpdate notifies members about membership or metadata
// changes driven by the admin surface, via layered delivery.
func (m *Manager) BroadcastConversationUpdate(roomID, updateType string, data map[string]any, excludeUser string) DeliveryReport {
	return m.BroadcastToRoom(roomID, NewConversationUpdate(roomID, updateType, data), excludeUser)
}

func (m *Manager) trySend(sink Sink, payload []byte) bool {
	return sink.Send(payload) == nil
}

func (m *Manager) dropRoomConn(userID, roomID string, sink Sink) {
	if old := m.presence.DetachRoomIf(userID, roomID, sink); old != nil {
		closeQuiet(old)
		m.metrics.DecRoomConn()
		m.metrics.IncDeliveryFailure()
		m.log.Warn("room connection dropped after write failure",
			zap.String("user", userID), zap.String("room", roomID))
	}
}

func (m *Manager) dropGlobalConn(userID string, sink Sink) {
	if old := m.presence.DetachGlobalIf(userID, sink); old != nil {
		closeQuiet(old)
		m.metrics.DecGlobalConn()
		m.metrics.IncDeliveryFailure()
		m.log.Warn("global connection dropped after write failure", zap.String("user", userID))
	}
}
