package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carechat/internal/storage"
)

// Close codes sent during the websocket handshake. Connections are upgraded
// first and then authenticated, so a rejected client still receives a close
// frame explaining why.
const (
	closeAuthFailed       = 4001
	closeNotMember        = 4003
	closeMembershipFailed = 4004
)

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// HandleGlobalWS serves the account-wide websocket at /ws/chat. The socket is
// upgraded first, then the token is verified; authentication failures close
// with 4001 before any presence state is touched.
func (s *Server) HandleGlobalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID, err := s.auth.Verify(tokenFromRequest(r))
	if err != nil {
		closeWithCode(conn, closeAuthFailed, "authentication failed")
		return
	}

	sink := newWSSink(conn, s.sendBuffer)
	if old := s.manager.Connect(userID, sink); old != nil {
		closeQuiet(old)
	}

	_ = sink.Send(NewConnectionEstablished(userID))
	go s.manager.Welcome(context.Background(), userID)

	// Teardown is scoped to this sink: if the user reconnected meanwhile,
	// the replacement owns the slot and must stay registered.
	defer s.manager.DisconnectConn(userID, sink)

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatchGlobal(r.Context(), userID, sink, raw)
	}
}

// HandleRoomWS serves the room-scoped websocket at /ws/chat/{conversation}.
// After authentication the durable membership is checked against the store:
// non-members close with 4003, a failed check with 4004.
func (s *Server) HandleRoomWS(w http.ResponseWriter, r *http.Request, conversationID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID, err := s.auth.Verify(tokenFromRequest(r))
	if err != nil {
		closeWithCode(conn, closeAuthFailed, "authentication failed")
		return
	}

	member, err := s.store.IsMember(r.Context(), conversationID, userID)
	if err != nil {
		s.log.Error("membership check failed",
			zap.String("user", userID), zap.String("conversation", conversationID), zap.Error(err))
		closeWithCode(conn, closeMembershipFailed, "membership check failed")
		return
	}
	if !member {
		closeWithCode(conn, closeNotMember, "not a member of this conversation")
		return
	}

	sink := newWSSink(conn, s.sendBuffer)
	if old := s.manager.JoinRoom(userID, conversationID, sink); old != nil {
		closeQuiet(old)
	}

	_ = sink.Send(NewRoomConnectionEstablished(conversationID, userID))
	go s.sendUnreadSnapshot(userID, FrameUnreadCounts, sink)

	defer s.manager.LeaveConn(userID, conversationID, sink)

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatchRoom(r.Context(), userID, conversationID, sink, raw)
	}
}

// dispatchGlobal processes one inbound frame on the account-wide socket. A
// malformed or failing frame answers with an error frame and leaves the
// connection open.
func (s *Server) dispatchGlobal(ctx context.Context, userID string, sink Sink, raw []byte) {
	defer s.recoverFrame(userID, sink)

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		_ = sink.Send(NewErrorFrame("invalid frame"))
		return
	}

	switch frame.Type {
	case InboundJoinConversation:
		if frame.ConversationID == "" {
			_ = sink.Send(NewErrorFrame("conversation_id is required"))
			return
		}
		s.manager.Presence().AddMember(frame.ConversationID, userID)
		_ = sink.Send(NewRoomEvent(FrameConversationJoined, frame.ConversationID, userID))
	case InboundLeaveConversation:
		if frame.ConversationID == "" {
			_ = sink.Send(NewErrorFrame("conversation_id is required"))
			return
		}
		s.manager.Presence().RemoveMember(frame.ConversationID, userID)
		_ = sink.Send(NewRoomEvent(FrameConversationLeft, frame.ConversationID, userID))
	case InboundSendMessage:
		_ = sink.Send(NewErrorFrame("send_message requires a conversation connection"))
	case InboundTypingStart, InboundTypingStop:
		if frame.ConversationID == "" {
			_ = sink.Send(NewErrorFrame("conversation_id is required"))
			return
		}
		s.manager.SendRoomOnly(frame.ConversationID, NewRoomEvent(frame.Type, frame.ConversationID, userID), userID)
	default:
		_ = sink.Send(NewErrorFrame("unknown frame type: " + frame.Type))
	}
}

// dispatchRoom processes one inbound frame on a conversation socket.
func (s *Server) dispatchRoom(ctx context.Context, userID, conversationID string, sink Sink, raw []byte) {
	defer s.recoverFrame(userID, sink)

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		_ = sink.Send(NewErrorFrame("invalid frame"))
		return
	}

	switch frame.Type {
	case InboundSendMessage:
		s.handleSendMessage(ctx, userID, conversationID, sink, frame)
	case InboundEditMessage:
		s.handleEditMessage(ctx, userID, conversationID, sink, frame)
	case InboundDeleteMessage:
		s.handleDeleteMessage(ctx, userID, conversationID, sink, frame)
	case InboundTypingStart, InboundTypingStop:
		s.manager.SendRoomOnly(conversationID, NewRoomEvent(frame.Type, conversationID, userID), userID)
	case InboundMarkAsRead:
		s.handleMarkAsRead(ctx, userID, conversationID, sink)
	default:
		_ = sink.Send(NewErrorFrame("unknown frame type: " + frame.Type))
	}
}

// handleSendMessage persists the message, then fans it out to the other
// members through the layered fallback, confirms to the sender on the room
// connection, and hands unreachable recipients to the push dispatcher.
// Persistence strictly precedes fan-out.
func (s *Server) handleSendMessage(ctx context.Context, userID, conversationID string, sink Sink, frame InboundFrame) {
	if strings.TrimSpace(frame.Body) == "" && len(frame.Attachments) == 0 {
		_ = sink.Send(NewErrorFrame("message body is empty"))
		return
	}
	if !s.msgLimiter.Allow(userID) {
		_ = sink.Send(NewErrorFrame("sending too fast, slow down"))
		return
	}

	attachments := make([]storage.Attachment, 0, len(frame.Attachments))
	for _, ref := range frame.Attachments {
		attachments = append(attachments, storage.Attachment{
			Bucket:    ref.Bucket,
			Path:      ref.Path,
			MimeType:  ref.MimeType,
			SizeBytes: ref.SizeBytes,
		})
	}

	message, err := s.store.SaveMessage(ctx, conversationID, userID, frame.Body, frame.ParentID, attachments)
	if err != nil {
		s.log.Error("message persist failed",
			zap.String("user", userID), zap.String("conversation", conversationID), zap.Error(err))
		_ = sink.Send(NewErrorFrame("failed to save message"))
		return
	}
	s.metrics.IncMessageSent()

	view := MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Body:           message.Body,
		ParentID:       message.ParentID,
		CreatedAt:      message.CreatedAt,
		Attachments:    frame.Attachments,
	}

	report := s.manager.BroadcastToRoom(conversationID, NewMessageFrame(FrameNewMessage, view), userID)

	own := view
	own.IsOwnMessage = true
	if !s.manager.SendRoomPersonal(conversationID, userID, NewMessageFrame(FrameMessageSent, own)) {
		_ = sink.Send(NewMessageFrame(FrameMessageSent, own))
	}

	if len(report.FailedUsers) > 0 {
		go s.push.Notify(report.FailedUsers, conversationID, message.Body)
	}
	go s.fanOutUnread(conversationID, userID)
}

// handleEditMessage rewrites the body of the sender's own message and
// broadcasts the updated copy to every member, sender included, so all views
// converge on the new text.
func (s *Server) handleEditMessage(ctx context.Context, userID, conversationID string, sink Sink, frame InboundFrame) {
	if frame.MessageID == "" || strings.TrimSpace(frame.Body) == "" {
		_ = sink.Send(NewErrorFrame("message_id and body are required"))
		return
	}
	message, err := s.store.UpdateMessage(ctx, conversationID, frame.MessageID, userID, frame.Body)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			_ = sink.Send(NewErrorFrame("message not found or not yours"))
			return
		}
		s.log.Error("message update failed",
			zap.String("user", userID), zap.String("message", frame.MessageID), zap.Error(err))
		_ = sink.Send(NewErrorFrame("failed to update message"))
		return
	}
	view := MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Body:           message.Body,
		ParentID:       message.ParentID,
		CreatedAt:      message.CreatedAt,
	}
	s.manager.BroadcastToRoom(conversationID, NewMessageFrame(FrameMessageUpdated, view), "")
}

// handleDeleteMessage soft-deletes the sender's own message, tells the room,
// and refreshes unread tallies since the deleted message no longer counts.
func (s *Server) handleDeleteMessage(ctx context.Context, userID, conversationID string, sink Sink, frame InboundFrame) {
	if frame.MessageID == "" {
		_ = sink.Send(NewErrorFrame("message_id is required"))
		return
	}
	if err := s.store.SoftDeleteMessage(ctx, conversationID, frame.MessageID, userID); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			_ = sink.Send(NewErrorFrame("message not found or not yours"))
			return
		}
		s.log.Error("message delete failed",
			zap.String("user", userID), zap.String("message", frame.MessageID), zap.Error(err))
		_ = sink.Send(NewErrorFrame("failed to delete message"))
		return
	}
	s.manager.BroadcastToRoom(conversationID, NewMessageDeleted(conversationID, frame.MessageID, userID), "")
	go s.fanOutUnread(conversationID, userID)
}

// handleMarkAsRead records read receipts, confirms to the reader, tells the
// room, and refreshes the reader's unread tallies on their global connection.
func (s *Server) handleMarkAsRead(ctx context.Context, userID, conversationID string, sink Sink) {
	marked, err := s.store.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		s.log.Error("mark as read failed",
			zap.String("user", userID), zap.String("conversation", conversationID), zap.Error(err))
		_ = sink.Send(NewErrorFrame("failed to mark messages as read"))
		return
	}
	_ = sink.Send(NewRoomEvent(FrameMarkedAsRead, conversationID, userID))
	if marked > 0 {
		s.manager.SendRoomOnly(conversationID, NewRoomEvent(FrameMessageRead, conversationID, userID), userID)
	}
	go s.sendUnreadUpdate(userID)
}

// fanOutUnread recomputes unread tallies for every member of the conversation
// except the sender and pushes them over each member's global connection.
func (s *Server) fanOutUnread(conversationID, senderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	members, err := s.store.ListMembers(ctx, conversationID)
	if err != nil {
		s.log.Warn("unread fan-out member lookup failed",
			zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	for _, member := range members {
		if member == senderID {
			continue
		}
		if !s.manager.Presence().IsGloballyConnected(member) {
			continue
		}
		counts, err := s.unread.ComputeUnread(ctx, member)
		if err != nil {
			s.log.Warn("unread recompute failed", zap.String("user", member), zap.Error(err))
			continue
		}
		s.manager.SendGlobal(member, NewUnreadCounts(FrameUnreadCountsUpdated, member, counts))
	}
}

func (s *Server) sendUnreadUpdate(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	counts, err := s.unread.ComputeUnread(ctx, userID)
	if err != nil {
		s.log.Warn("unread recompute failed", zap.String("user", userID), zap.Error(err))
		return
	}
	s.manager.SendGlobal(userID, NewUnreadCounts(FrameUnreadCountsUpdated, userID, counts))
}

func (s *Server) sendUnreadSnapshot(userID, frameType string, sink Sink) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	counts, err := s.unread.ComputeUnread(ctx, userID)
	if err != nil {
		s.log.Warn("unread tally failed", zap.String("user", userID), zap.Error(err))
		return
	}
	_ = sink.Send(NewUnreadCounts(frameType, userID, counts))
}

// recoverFrame keeps one bad frame from killing the whole connection.
func (s *Server) recoverFrame(userID string, sink Sink) {
	if rec := recover(); rec != nil {
		s.log.Error("panic while handling frame",
			zap.String("user", userID), zap.Any("panic", rec))
		_ = sink.Send(NewErrorFrame("internal error"))
	}
}
