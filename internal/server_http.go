package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"carechat/internal/storage"
)

type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type createConversationRequest struct {
	Title     string   `json:"title"`
	MemberIDs []string `json:"member_ids"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	userID, err := s.store.CreateUser(r.Context(), username, hash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID, "username": username})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	token, expiresAt, err := s.auth.Issue(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: expiresAt,
	})
}

func (s *Server) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	userID, err := s.auth.Verify(tokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
		return
	}
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	memberIDs := req.MemberIDs
	found := false
	for _, id := range memberIDs {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		memberIDs = append(memberIDs, userID)
	}
	conversationID, err := s.store.CreateConversation(r.Context(), strings.TrimSpace(req.Title), memberIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, member := range memberIDs {
		s.manager.Presence().AddMember(conversationID, member)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"conversation_id": conversationID})
}

// HandleConversationMembers routes POST and DELETE for
// /conversations/{id}/members/{user}. Membership changes are persisted first,
// then mirrored into the presence store and announced to the room with a
// conversation_update frame.
func (s *Server) HandleConversationMembers(w http.ResponseWriter, r *http.Request, conversationID, memberID string) {
	actorID, err := s.auth.Verify(tokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
		return
	}
	isMember, err := s.store.IsMember(r.Context(), conversationID, actorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, errors.New("not a member of this conversation"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := s.store.AddMember(r.Context(), conversationID, memberID); err != nil {
			if errors.Is(err, storage.ErrConversationNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.manager.Presence().AddMember(conversationID, memberID)
		s.manager.BroadcastConversationUpdate(conversationID, UpdateMemberAdded,
			map[string]any{"user_id": memberID, "added_by": actorID}, "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
	case http.MethodDelete:
		if err := s.store.RemoveMember(r.Context(), conversationID, memberID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.manager.Presence().RemoveMember(conversationID, memberID)
		// A removed member loses their live room connection immediately.
		if sink := s.manager.Presence().DetachRoom(memberID, conversationID); sink != nil {
			closeQuiet(sink)
			s.metrics.DecRoomConn()
		}
		s.manager.BroadcastConversationUpdate(conversationID, UpdateMemberRemoved,
			map[string]any{"user_id": memberID, "removed_by": actorID}, "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		methodNotAllowed(w, "POST, DELETE")
	}
}

// HandleStatus reports aggregate realtime stats.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	presence := s.manager.Presence()
	writeJSON(w, http.StatusOK, map[string]any{
		"online_users":         presence.OnlineUserCount(),
		"active_conversations": presence.ActiveConversationCount(),
	})
}

// HandleUserStatus reports whether one user currently holds a global
// connection and which conversations they hold room connections for.
func (s *Server) HandleUserStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	presence := s.manager.Presence()
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         userID,
		"online":          presence.IsGloballyConnected(userID),
		"connected_rooms": presence.RoomsConnectedBy(userID),
	})
}

// HandleConversationOnline lists which members of a conversation are online,
// distinguishing room-connected from merely globally connected.
func (s *Server) HandleConversationOnline(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	presence := s.manager.Presence()
	type memberStatus struct {
		UserID        string `json:"user_id"`
		Online        bool   `json:"online"`
		RoomConnected bool   `json:"room_connected"`
	}
	members, err := s.store.ListMembers(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	statuses := make([]memberStatus, 0, len(members))
	for _, member := range members {
		statuses = append(statuses, memberStatus{
			UserID:        member,
			Online:        presence.IsGloballyConnected(member),
			RoomConnected: presence.IsRoomConnected(member, conversationID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"members":         statuses,
	})
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
