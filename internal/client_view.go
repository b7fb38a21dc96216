package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	ownUserStyle       = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	otherUserStyle     = usernameStyle.Copy().Foreground(lipgloss.Color("45"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	unreadBadgeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Bold(true)
)

func (model *TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthPassword:
		return model.renderPromptView()
	case modeRoomPrompt:
		return model.renderPromptView()
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("CareChat")
	subtitle := subtitleStyle.Render("Stay close to your residents and caregivers")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	sections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Working…"))
	}
	if model.notice != "" {
		sections = append(sections, systemMessageStyle.Render(model.notice))
	}
	sections = append(sections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey, label string) string {
	return menuItemStyle.Render(menuHotkeyStyle.Render(hotkey) + ") " + label)
}

func (model *TUIModel) renderPromptView() string {
	title := "Log in"
	if model.authIntent == authIntentSignup {
		title = "Create an account"
	}
	hint := "Enter your username"
	switch model.mode {
	case modeAuthPassword:
		hint = "Enter your password"
	case modeRoomPrompt:
		title = "Join a conversation"
		hint = "Enter the conversation id and press Enter."
	}

	sections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Working…"))
	}
	if model.notice != "" {
		sections = append(sections, systemMessageStyle.Render(model.notice))
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	sections = append(sections, menuHintStyle.Render("Enter to confirm  •  Esc to go back"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderChatView() string {
	header := chatHeaderStyle.Render(fmt.Sprintf("CareChat  •  %s  •  %s", model.conversation, model.username))

	var rendered []string
	start := 0
	if len(model.lines) > 40 {
		start = len(model.lines) - 40
	}
	for _, line := range model.lines[start:] {
		rendered = append(rendered, renderChatLine(line, model.userID))
	}
	if len(rendered) == 0 {
		rendered = append(rendered, systemMessageStyle.Render("No messages yet. Say hello!"))
	}

	sections := []string{
		header,
		messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rendered...)),
	}

	if typing := model.renderTyping(); typing != "" {
		sections = append(sections, connectingStyle.Render(typing))
	}

	switch {
	case model.connError != nil && !model.isConnected:
		sections = append(sections, errorStyle.Render(fmt.Sprintf("Disconnected: %v (retrying…)", model.connError)))
	case model.isConnected:
		status := "Connected"
		if model.totalUnread > 0 {
			status += "  " + unreadBadgeStyle.Render(fmt.Sprintf("· %d unread elsewhere", model.totalUnread))
		}
		sections = append(sections, connectedStyle.Render(status))
	default:
		sections = append(sections, connectingStyle.Render("Connecting…"))
	}

	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	sections = append(sections, menuHintStyle.Render("Enter to send  •  /quit or Esc to leave"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderChatLine(line chatLine, selfID string) string {
	ts := timestampStyle.Render(line.Ts.Local().Format("15:04"))
	if line.System {
		return ts + " " + systemMessageStyle.Render(line.Body)
	}
	nameStyle := otherUserStyle
	if line.Own || line.User == selfID {
		nameStyle = ownUserStyle
	}
	return ts + " " + nameStyle.Render(line.User) + " " + line.Body
}

func (model *TUIModel) renderTyping() string {
	cutoff := time.Now().Add(-5 * time.Second)
	var names []string
	for user, seen := range model.typingUsers {
		if seen.After(cutoff) && user != model.userID {
			names = append(names, user)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return strings.Join(names, ", ") + " typing…"
}
