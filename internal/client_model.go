package internal

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// chatLine is one rendered row in the chat transcript.
type chatLine struct {
	User   string
	Body   string
	Ts     time.Time
	System bool
	Own    bool
}

// TUIModel holds all the state for the terminal client.
type TUIModel struct {
	textInput     textinput.Model
	lines         []chatLine
	serverURL     string
	conversation  string
	username      string
	userID        string
	token         string
	websocketConn *websocket.Conn
	writeMutex    sync.Mutex
	isConnected   bool
	connError     error
	mode          appMode
	authIntent    authIntent
	typingUsers   map[string]time.Time
	totalUnread   int
	loading       bool
	notice        string
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthPassword
	modeRoomPrompt
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

func NewTUIModel(serverURL, conversation, username string) *TUIModel {
	input := textinput.New()
	input.Placeholder = ""
	input.CharLimit = 0

	if username == "" {
		username = defaultUsername()
	}

	return &TUIModel{
		textInput:    input,
		lines:        make([]chatLine, 0, 64),
		serverURL:    serverURL,
		conversation: conversation,
		username:     username,
		typingUsers:  make(map[string]time.Time),
		mode:         modeAuthMenu,
	}
}

func defaultUsername() string {
	if user := os.Getenv("CARECHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *TUIModel) Init() tea.Cmd {
	return nil
}

// RunClient launches the terminal client against the given server base URL.
func RunClient(serverURL, conversation, username string) error {
	program := tea.NewProgram(NewTUIModel(serverURL, conversation, username), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func (model *TUIModel) addSystemLine(body string) {
	model.lines = append(model.lines, chatLine{User: "system", Body: body, Ts: time.Now(), System: true})
}
