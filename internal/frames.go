package internal

import (
	"encoding/json"
	"time"
)

// Outbound frame types. Every frame the server writes carries "type" and
// "timestamp"; the remaining fields depend on the type.
const (
	FrameConnectionEstablished     = "connection_established"
	FrameRoomConnectionEstablished = "room_connection_established"
	FrameUnreadCounts              = "unread_counts"
	FrameUnreadCountsUpdated       = "unread_counts_updated"
	FrameNewMessage                = "new_message"
	FrameMessageSent               = "message_sent"
	FrameMessageUpdated            = "message_updated"
	FrameMessageDeleted            = "message_deleted"
	FrameUserJoinedRoom            = "user_joined_room"
	FrameUserStatusUpdate          = "user_status_update"
	FrameTypingStart               = "typing_start"
	FrameTypingStop                = "typing_stop"
	FrameMarkedAsRead              = "messages_marked_as_read"
	FrameMessageRead               = "message_read"
	FrameConversationUpdate        = "conversation_update"
	FrameConversationJoined        = "conversation_joined"
	FrameConversationLeft          = "conversation_left"
	FrameError                     = "error"
)

// Inbound frame types accepted on the room-scoped endpoint.
const (
	InboundSendMessage   = "send_message"
	InboundEditMessage   = "edit_message"
	InboundDeleteMessage = "delete_message"
	InboundTypingStart   = "typing_start"
	InboundTypingStop    = "typing_stop"
	InboundMarkAsRead    = "mark_as_read"
)

// Inbound frame types accepted on the global endpoint.
const (
	InboundJoinConversation  = "join_conversation"
	InboundLeaveConversation = "leave_conversation"
)

// conversation_update update_type values.
const (
	UpdateMemberAdded   = "member_added"
	UpdateMemberRemoved = "member_removed"
)

// frameHeader is embedded in every outbound frame.
type frameHeader struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func header(frameType string) frameHeader {
	return frameHeader{Type: frameType, Timestamp: time.Now().UTC()}
}

// AttachmentRef identifies a stored attachment without carrying its bytes.
type AttachmentRef struct {
	Bucket    string `json:"bucket,omitempty"`
	Path      string `json:"path"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// MessageView is the message payload shipped inside new_message and
// message_sent frames. IsOwnMessage distinguishes the sender's confirmation
// copy from the fan-out copy.
type MessageView struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Body           string          `json:"body"`
	ParentID       string          `json:"parent_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	IsOwnMessage   bool            `json:"is_own_message"`
	Attachments    []AttachmentRef `json:"attachments,omitempty"`
}

// InboundFrame is the envelope decoded from every client text frame. The Type
// tag selects which of the optional fields are meaningful.
type InboundFrame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Body           string          `json:"body,omitempty"`
	ParentID       string          `json:"parent_id,omitempty"`
	Attachments    []AttachmentRef `json:"attachments,omitempty"`
}

type connectionEstablishedFrame struct {
	frameHeader
	UserID string `json:"user_id"`
}

type roomConnectionEstablishedFrame struct {
	frameHeader
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// UnreadSummary carries per-conversation unread tallies plus the total.
type UnreadSummary struct {
	Messages map[string]int `json:"messages"`
	Total    int            `json:"total_unread_messages"`
}

type unreadCountsFrame struct {
	frameHeader
	UserID string        `json:"user_id"`
	Data   UnreadSummary `json:"data"`
}

type messageFrame struct {
	frameHeader
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Message        MessageView `json:"message"`
}

type roomEventFrame struct {
	frameHeader
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type userStatusFrame struct {
	frameHeader
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
}

type conversationUpdateFrame struct {
	frameHeader
	ConversationID string         `json:"conversation_id"`
	UpdateType     string         `json:"update_type"`
	UpdateData     map[string]any `json:"update_data,omitempty"`
}

type messageDeletedFrame struct {
	frameHeader
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
}

type errorFrame struct {
	frameHeader
	Message string `json:"message"`
}

// encodeFrame marshals a frame for the wire. Frames are built from plain
// structs, so marshalling cannot realistically fail; a nil return would only
// come from a programming error and is handled by the caller dropping the
// frame.
func encodeFrame(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}

func NewConnectionEstablished(userID string) []byte {
	return encodeFrame(connectionEstablishedFrame{frameHeader: header(FrameConnectionEstablished), UserID: userID})
}

func NewRoomConnectionEstablished(conversationID, userID string) []byte {
	return encodeFrame(roomConnectionEstablishedFrame{
		frameHeader:    header(FrameRoomConnectionEstablished),
		ConversationID: conversationID,
		UserID:         userID,
	})
}

func NewUnreadCounts(frameType, userID string, counts map[string]int) []byte {
	total := 0
	for _, n := range counts {
		total += n
	}
	if counts == nil {
		counts = map[string]int{}
	}
	return encodeFrame(unreadCountsFrame{
		frameHeader: header(frameType),
		UserID:      userID,
		Data:        UnreadSummary{Messages: counts, Total: total},
	})
}

func NewMessageFrame(frameType string, view MessageView) []byte {
	return encodeFrame(messageFrame{
		frameHeader:    header(frameType),
		ConversationID: view.ConversationID,
		SenderID:       view.SenderID,
		Message:        view,
	})
}

// NewRoomEvent covers the frames that only name a user and a conversation:
// user_joined_room, typing_start, typing_stop, message_read,
// messages_marked_as_read, conversation_joined and conversation_left.
func NewRoomEvent(frameType, conversationID, userID string) []byte {
	return encodeFrame(roomEventFrame{
		frameHeader:    header(frameType),
		ConversationID: conversationID,
		UserID:         userID,
	})
}

func NewMessageDeleted(conversationID, messageID, userID string) []byte {
	return encodeFrame(messageDeletedFrame{
		frameHeader:    header(FrameMessageDeleted),
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         userID,
	})
}

func NewUserStatus(conversationID, userID, status string) []byte {
	return encodeFrame(userStatusFrame{
		frameHeader:    header(FrameUserStatusUpdate),
		ConversationID: conversationID,
		UserID:         userID,
		Status:         status,
	})
}

func NewConversationUpdate(conversationID, updateType string, data map[string]any) []byte {
	return encodeFrame(conversationUpdateFrame{
		frameHeader:    header(FrameConversationUpdate),
		ConversationID: conversationID,
		UpdateType:     updateType,
		UpdateData:     data,
	})
}

func NewErrorFrame(message string) []byte {
	return encodeFrame(errorFrame{frameHeader: header(FrameError), Message: message})
}
