package internal

import (
	"encoding/json"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

type (
	connectedMsg     struct{}
	frameMsg         wireFrame
	errorMsg         error
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	authResultMsg    struct {
		resp *loginResponse
		err  error
	}
	signupResultMsg struct{ err error }
)

// wireFrame is the loose decoding of any server frame. Message stays raw
// because new_message carries an object there while error frames carry a
// string.
type wireFrame struct {
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	SenderID       string          `json:"sender_id"`
	Message        json.RawMessage `json:"message"`
	Data           *UnreadSummary  `json:"data"`
}

func (model *TUIModel) loginCmd(username, password string) tea.Cmd {
	baseURL := model.serverURL
	return func() tea.Msg {
		resp, err := apiLogin(baseURL, username, password)
		return authResultMsg{resp: resp, err: err}
	}
}

func (model *TUIModel) signupCmd(username, password string) tea.Cmd {
	baseURL := model.serverURL
	return func() tea.Msg {
		return signupResultMsg{err: apiSignup(baseURL, username, password)}
	}
}

func (model *TUIModel) connectCmd() tea.Cmd {
	baseURL := model.serverURL
	conversation := model.conversation
	token := model.token
	return func() tea.Msg {
		wsURL, err := wsURLFromBase(baseURL, conversation, token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return connectedMsg{}
	}
}

// readOnceCmd reads a single frame; Update re-issues it after every message so
// the read loop lives inside the Bubble Tea event cycle.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return errorMsg(errUnauthorized)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errorMsg(err)
		}
		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return errorMsg(err)
		}
		return frameMsg(frame)
	}
}

func (model *TUIModel) sendFrameCmd(frame InboundFrame) tea.Cmd {
	return func() tea.Msg {
		model.writeMutex.Lock()
		defer model.writeMutex.Unlock()
		if model.websocketConn == nil {
			return nil
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return errorMsg(err)
		}
		if err := model.websocketConn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return errorMsg(err)
		}
		return nil
	}
}

func (model *TUIModel) sendMessageCmd(body string) tea.Cmd {
	return model.sendFrameCmd(InboundFrame{
		Type:           InboundSendMessage,
		ConversationID: model.conversation,
		Body:           body,
	})
}

func (model *TUIModel) markReadCmd() tea.Cmd {
	return model.sendFrameCmd(InboundFrame{
		Type:           InboundMarkAsRead,
		ConversationID: model.conversation,
	})
}

func (model *TUIModel) typingCmd(frameType string) tea.Cmd {
	return model.sendFrameCmd(InboundFrame{
		Type:           frameType,
		ConversationID: model.conversation,
	})
}

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	return tea.Tick(3*time.Second, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}
