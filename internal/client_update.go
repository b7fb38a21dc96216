package internal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Any mode should respect Ctrl+C so the user can bail out quickly.
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeConn()
			return model, tea.Quit
		}
		return model.handleKey(typedMessage)

	case authResultMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notice = fmt.Sprintf("Login failed: %v", typedMessage.err)
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}
		model.token = typedMessage.resp.Token
		model.userID = typedMessage.resp.UserID
		model.username = typedMessage.resp.Username
		model.notice = ""
		if model.conversation != "" {
			model.mode = modeChat
			model.resetInput("Type a message…", "> ")
			return model, model.connectCmd()
		}
		model.mode = modeRoomPrompt
		model.resetInput("Enter a conversation id…", "room> ")
		return model, model.textInput.Focus()

	case signupResultMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notice = fmt.Sprintf("Signup failed: %v", typedMessage.err)
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}
		model.notice = "Account created. Log in to continue."
		model.mode = modeAuthMenu
		model.textInput.Blur()
		return model, nil

	case connectedMsg:
		model.isConnected = true
		model.connError = nil
		return model, tea.Batch(model.readOnceCmd(), model.markReadCmd())

	case frameMsg:
		model.applyFrame(wireFrame(typedMessage))
		return model, model.readOnceCmd()

	case errorMsg:
		model.isConnected = false
		model.connError = typedMessage
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case connectFailedMsg:
		model.isConnected = false
		model.connError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch model.mode {
	case modeAuthMenu:
		switch key.String() {
		case "1", "l", "L":
			model.authIntent = authIntentLogin
			model.mode = modeAuthUsername
			model.textInput.SetValue(model.username)
			model.resetInput("Enter your username…", "user> ")
			return model, model.textInput.Focus()
		case "2", "s", "S":
			model.authIntent = authIntentSignup
			model.mode = modeAuthUsername
			model.textInput.SetValue(model.username)
			model.resetInput("Choose a username…", "user> ")
			return model, model.textInput.Focus()
		case "q", "Q":
			return model, tea.Quit
		}
		return model, nil

	case modeAuthUsername:
		switch key.Type {
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if trimmed == "" {
				return model, nil
			}
			model.username = trimmed
			model.mode = modeAuthPassword
			model.textInput.SetValue("")
			model.resetInput("Enter your password…", "pass> ")
			model.textInput.EchoMode = textinput.EchoPassword
			return model, model.textInput.Focus()
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}

	case modeAuthPassword:
		switch key.Type {
		case tea.KeyEnter:
			password := model.textInput.Value()
			if password == "" {
				return model, nil
			}
			model.textInput.SetValue("")
			model.textInput.EchoMode = textinput.EchoNormal
			model.loading = true
			if model.authIntent == authIntentSignup {
				return model, model.signupCmd(model.username, password)
			}
			return model, model.loginCmd(model.username, password)
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.textInput.EchoMode = textinput.EchoNormal
			model.textInput.Blur()
			return model, nil
		}

	case modeRoomPrompt:
		switch key.Type {
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if trimmed == "" {
				return model, nil
			}
			model.conversation = trimmed
			model.mode = modeChat
			model.resetInput("Type a message…", "> ")
			return model, tea.Batch(model.textInput.Focus(), model.connectCmd())
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}

	case modeChat:
		switch key.Type {
		case tea.KeyEsc:
			model.closeConn()
			return model, tea.Quit
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if strings.EqualFold(trimmed, "/quit") || strings.EqualFold(trimmed, "/exit") {
				model.closeConn()
				return model, tea.Quit
			}
			if trimmed != "" && model.isConnected {
				model.textInput.SetValue("")
				return model, tea.Batch(
					model.sendMessageCmd(trimmed),
					model.typingCmd(InboundTypingStop),
				)
			}
			return model, nil
		default:
			wasEmpty := model.textInput.Value() == ""
			var cmd tea.Cmd
			model.textInput, cmd = model.textInput.Update(key)
			if wasEmpty && model.textInput.Value() != "" && model.isConnected {
				return model, tea.Batch(cmd, model.typingCmd(InboundTypingStart))
			}
			return model, cmd
		}
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

// applyFrame folds one server frame into the transcript and presence state.
func (model *TUIModel) applyFrame(frame wireFrame) {
	switch frame.Type {
	case FrameRoomConnectionEstablished:
		model.addSystemLine("Connected to conversation " + frame.ConversationID)
	case FrameNewMessage, FrameMessageSent:
		var view MessageView
		if err := json.Unmarshal(frame.Message, &view); err != nil {
			return
		}
		delete(model.typingUsers, view.SenderID)
		model.lines = append(model.lines, chatLine{
			User: view.SenderID,
			Body: view.Body,
			Ts:   view.CreatedAt,
			Own:  view.IsOwnMessage || view.SenderID == model.userID,
		})
	case FrameMessageUpdated:
		var view MessageView
		if err := json.Unmarshal(frame.Message, &view); err != nil {
			return
		}
		model.lines = append(model.lines, chatLine{
			User: view.SenderID,
			Body: view.Body + " (edited)",
			Ts:   view.CreatedAt,
			Own:  view.SenderID == model.userID,
		})
	case FrameMessageDeleted:
		model.addSystemLine(frame.UserID + " deleted a message")
	case FrameUserJoinedRoom:
		if frame.UserID != model.userID {
			model.addSystemLine(frame.UserID + " joined")
		}
	case FrameUserStatusUpdate:
		if frame.UserID != model.userID {
			model.addSystemLine(frame.UserID + " went offline")
		}
	case FrameTypingStart:
		model.typingUsers[frame.UserID] = time.Now()
	case FrameTypingStop:
		delete(model.typingUsers, frame.UserID)
	case FrameUnreadCounts, FrameUnreadCountsUpdated:
		if frame.Data != nil {
			model.totalUnread = frame.Data.Total
		}
	case FrameConversationUpdate:
		model.addSystemLine("Conversation membership changed")
	case FrameError:
		var msg string
		if err := json.Unmarshal(frame.Message, &msg); err == nil && msg != "" {
			model.addSystemLine("Server: " + msg)
		}
	}
}

func (model *TUIModel) resetInput(placeholder, prompt string) {
	model.textInput.Placeholder = placeholder
	model.textInput.Prompt = prompt
}

func (model *TUIModel) closeConn() {
	if model.websocketConn != nil {
		model.writeMutex.Lock()
		_ = model.websocketConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = model.websocketConn.Close()
		model.writeMutex.Unlock()
	}
}
