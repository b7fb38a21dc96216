package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"carechat/internal/storage"
)

func newGatewayTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	server := NewServer(store, ServerOptions{
		JWTSecret:     "test-secret",
		TokenTTL:      time.Hour,
		MsgsPerWindow: 100,
		MsgWindow:     time.Minute,
	}, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", server.HandleGlobalWS)
	mux.HandleFunc("/ws/chat/", func(w http.ResponseWriter, r *http.Request) {
		server.HandleRoomWS(w, r, strings.TrimPrefix(r.URL.Path, "/ws/chat/"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return server, ts
}

func issueToken(t *testing.T, server *Server, userID string) string {
	t.Helper()
	token, _, err := server.auth.Issue(userID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func dialWS(t *testing.T, baseURL, path, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + path + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

// readUntil drains frames until one of the wanted type arrives. Frames of
// other types (presence notices, unread snapshots) are skipped, since their
// arrival order depends on goroutine scheduling.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("never received frame of type %q", wantType)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame InboundFrame) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestRoomMessageFlow(t *testing.T) {
	server, ts := newGatewayTestServer(t)
	ctx := context.Background()

	convID, err := server.store.CreateConversation(ctx, "floor 2", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	aliceConn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "alice"))
	readUntil(t, aliceConn, FrameRoomConnectionEstablished)

	bobConn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "bob"))
	readUntil(t, bobConn, FrameRoomConnectionEstablished)
	readUntil(t, aliceConn, FrameUserJoinedRoom)

	sendFrame(t, aliceConn, InboundFrame{Type: InboundSendMessage, Body: "hello bob"})

	newMsg := readUntil(t, bobConn, FrameNewMessage)
	message, ok := newMsg["message"].(map[string]any)
	if !ok {
		t.Fatalf("new_message missing message payload: %v", newMsg)
	}
	if message["sender_id"] != "alice" || message["body"] != "hello bob" {
		t.Fatalf("unexpected message: %v", message)
	}
	if message["is_own_message"] != false {
		t.Fatalf("fan-out copy must have is_own_message=false: %v", message)
	}

	confirm := readUntil(t, aliceConn, FrameMessageSent)
	confirmMsg := confirm["message"].(map[string]any)
	if confirmMsg["is_own_message"] != true {
		t.Fatalf("sender confirmation must have is_own_message=true: %v", confirmMsg)
	}

	count, err := server.store.CountUnread(ctx, convID, "bob")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 unread for bob, got %d/%v", count, err)
	}

	sendFrame(t, bobConn, InboundFrame{Type: InboundMarkAsRead})
	readUntil(t, bobConn, FrameMarkedAsRead)
	readUntil(t, aliceConn, FrameMessageRead)

	count, err = server.store.CountUnread(ctx, convID, "bob")
	if err != nil || count != 0 {
		t.Fatalf("expected 0 unread after mark_as_read, got %d/%v", count, err)
	}
}

func TestGlobalFallbackDelivery(t *testing.T) {
	server, ts := newGatewayTestServer(t)
	ctx := context.Background()

	convID, err := server.store.CreateConversation(ctx, "", []string{"alice", "carol"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	carolConn := dialWS(t, ts.URL, "/ws/chat", issueToken(t, server, "carol"))
	readUntil(t, carolConn, FrameConnectionEstablished)
	// unread_counts marks the end of the welcome flow, at which point carol's
	// durable memberships are mirrored into the presence store
	readUntil(t, carolConn, FrameUnreadCounts)

	aliceConn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "alice"))
	readUntil(t, aliceConn, FrameRoomConnectionEstablished)

	sendFrame(t, aliceConn, InboundFrame{Type: InboundSendMessage, Body: "anyone home?"})

	newMsg := readUntil(t, carolConn, FrameNewMessage)
	message := newMsg["message"].(map[string]any)
	if message["body"] != "anyone home?" {
		t.Fatalf("unexpected body via global fallback: %v", message)
	}
}

func TestReconnectKeepsGlobalSlot(t *testing.T) {
	server, ts := newGatewayTestServer(t)
	token := issueToken(t, server, "alice")

	first := dialWS(t, ts.URL, "/ws/chat", token)
	readUntil(t, first, FrameConnectionEstablished)

	second := dialWS(t, ts.URL, "/ws/chat", token)
	readUntil(t, second, FrameConnectionEstablished)

	// displacement closes the first connection; drain it until the close
	// arrives so its server-side read loop has run its teardown
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(300 * time.Millisecond)

	if !server.manager.Presence().IsGloballyConnected("alice") {
		t.Fatalf("stale teardown deregistered the replacement connection")
	}
	if ok := server.manager.SendGlobal("alice", NewErrorFrame("still with us")); !ok {
		t.Fatalf("replacement connection must accept frames")
	}
	readUntil(t, second, FrameError)
}

func TestEditAndDeleteMessageFlow(t *testing.T) {
	server, ts := newGatewayTestServer(t)
	ctx := context.Background()

	convID, err := server.store.CreateConversation(ctx, "", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	aliceConn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "alice"))
	readUntil(t, aliceConn, FrameRoomConnectionEstablished)
	bobConn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "bob"))
	readUntil(t, bobConn, FrameRoomConnectionEstablished)
	readUntil(t, aliceConn, FrameUserJoinedRoom)

	sendFrame(t, aliceConn, InboundFrame{Type: InboundSendMessage, Body: "helo"})
	confirm := readUntil(t, aliceConn, FrameMessageSent)
	messageID := confirm["message"].(map[string]any)["id"].(string)
	readUntil(t, bobConn, FrameNewMessage)

	// bob may not edit alice's message
	sendFrame(t, bobConn, InboundFrame{Type: InboundEditMessage, MessageID: messageID, Body: "hacked"})
	readUntil(t, bobConn, FrameError)

	sendFrame(t, aliceConn, InboundFrame{Type: InboundEditMessage, MessageID: messageID, Body: "hello"})
	updated := readUntil(t, bobConn, FrameMessageUpdated)
	if updated["message"].(map[string]any)["body"] != "hello" {
		t.Fatalf("unexpected edited body: %v", updated)
	}
	// the sender's views converge on the same frame
	readUntil(t, aliceConn, FrameMessageUpdated)

	sendFrame(t, aliceConn, InboundFrame{Type: InboundDeleteMessage, MessageID: messageID})
	deleted := readUntil(t, bobConn, FrameMessageDeleted)
	if deleted["message_id"] != messageID || deleted["user_id"] != "alice" {
		t.Fatalf("unexpected delete notice: %v", deleted)
	}

	count, err := server.store.CountUnread(ctx, convID, "bob")
	if err != nil || count != 0 {
		t.Fatalf("deleted message must not count as unread, got %d/%v", count, err)
	}
}

func TestTypingStaysRoomScoped(t *testing.T) {
	server, ts := newGatewayTestServer(t)
	ctx := context.Background()

	convID, err := server.store.CreateConversation(ctx, "", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	aliceConn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "alice"))
	readUntil(t, aliceConn, FrameRoomConnectionEstablished)
	bobConn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "bob"))
	readUntil(t, bobConn, FrameRoomConnectionEstablished)

	sendFrame(t, bobConn, InboundFrame{Type: InboundTypingStart})
	frame := readUntil(t, aliceConn, FrameTypingStart)
	if frame["user_id"] != "bob" || frame["conversation_id"] != convID {
		t.Fatalf("unexpected typing frame: %v", frame)
	}
}

func TestAuthFailureClosesWith4001(t *testing.T) {
	_, ts := newGatewayTestServer(t)

	conn := dialWS(t, ts.URL, "/ws/chat", "garbage-token")
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, closeAuthFailed) {
		t.Fatalf("expected close %d, got %v", closeAuthFailed, err)
	}
}

func TestNonMemberClosesWith4003(t *testing.T) {
	server, ts := newGatewayTestServer(t)
	ctx := context.Background()

	convID, err := server.store.CreateConversation(ctx, "", []string{"alice"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	conn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "stranger"))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, closeNotMember) {
		t.Fatalf("expected close %d, got %v", closeNotMember, err)
	}
}

func TestUnknownFrameKeepsConnectionOpen(t *testing.T) {
	server, ts := newGatewayTestServer(t)
	ctx := context.Background()

	convID, err := server.store.CreateConversation(ctx, "", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	conn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "alice"))
	readUntil(t, conn, FrameRoomConnectionEstablished)

	sendFrame(t, conn, InboundFrame{Type: "bogus"})
	errFrame := readUntil(t, conn, FrameError)
	if !strings.Contains(errFrame["message"].(string), "bogus") {
		t.Fatalf("error frame should name the bad type: %v", errFrame)
	}

	// the connection is still usable afterwards
	sendFrame(t, conn, InboundFrame{Type: InboundSendMessage, Body: "still here"})
	readUntil(t, conn, FrameMessageSent)
}

func TestEmptyMessageRejected(t *testing.T) {
	server, ts := newGatewayTestServer(t)
	ctx := context.Background()

	convID, err := server.store.CreateConversation(ctx, "", []string{"alice"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	conn := dialWS(t, ts.URL, "/ws/chat/"+convID, issueToken(t, server, "alice"))
	readUntil(t, conn, FrameRoomConnectionEstablished)

	sendFrame(t, conn, InboundFrame{Type: InboundSendMessage, Body: "   "})
	readUntil(t, conn, FrameError)
}
