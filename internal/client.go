package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"jamroom/internal/spotify"
	"jamroom/internal/storage"
)

// TUIModel holds the bubbletea state for the room client: the input, the
// live room view, and the websocket connection.
type TUIModel struct {
	textInput       textinput.Model
	serverURL       string
	userID          string
	displayName     string
	roomCode        string
	isHost          bool
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error
	mode            appMode
	pendingAction   actionType

	members       []MemberInfo
	queue         []storage.QueueItem
	playback      SyncPlaybackPayload
	searchResults []spotify.Track
	notices       []string
}

// bubbletea messages for asynchronous events.
type (
	connectedMsg     struct{}
	incomingMsg      Envelope
	errorMsg         error
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	heartbeatMsg     struct{}
	roomCreatedMsg   struct {
		code string
		err  error
	}
)

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeJoinPrompt
	modeRoom
)

type actionType int

const (
	actionNone actionType = iota
	actionJoin
	actionCreate
)

const clientHeartbeatPeriod = 5 * time.Second

var (
	appTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	headerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle  = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle      = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	boxStyle        = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	nowPlayingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	trackStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	positionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	hostBadgeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	memberStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	systemStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	dividerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
)

func NewTUIModel(serverURL, roomCode, userID, displayName string) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Search for a track…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	if userID == "" {
		userID = defaultUserID()
	}
	if displayName == "" {
		displayName = userID
	}

	model := &TUIModel{
		textInput:   input,
		serverURL:   serverURL,
		roomCode:    roomCode,
		userID:      userID,
		displayName: displayName,
	}
	if roomCode == "" {
		model.mode = modeMenu
		model.textInput.Blur()
		model.textInput.Prompt = ""
		model.textInput.Placeholder = ""
	} else {
		model.mode = modeRoom
	}
	return model
}

func defaultUserID() string {
	if user := os.Getenv("JAMROOM_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeRoom {
		return model.connectCmd()
	}
	return nil
}

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// global quit
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeConn()
			return model, tea.Quit
		}
		switch model.mode {
		case modeMenu:
			return model.updateMenu(typedMessage)
		case modeNamePrompt:
			return model.updateNamePrompt(typedMessage)
		case modeJoinPrompt:
			return model.updateJoinPrompt(typedMessage)
		case modeRoom:
			return model.updateRoom(typedMessage)
		}

	case connectedMsg:
		model.isConnected = true
		model.connectionError = nil
		return model, tea.Batch(
			model.sendCmd(MsgJoinRoom, JoinRoomPayload{RoomCode: model.roomCode, UserID: model.userID, DisplayName: model.displayName}),
			model.readOnceCmd(),
		)

	case incomingMsg:
		cmd := model.handleIncoming(Envelope(typedMessage))
		return model, tea.Batch(cmd, model.readOnceCmd())

	case heartbeatMsg:
		if model.mode == modeRoom && model.isConnected && model.isHost {
			return model, tea.Batch(
				model.sendCmd(MsgHeartbeat, struct{}{}),
				model.scheduleHeartbeat(),
			)
		}
		return model, nil

	case errorMsg:
		model.connectionError = typedMessage
		return model, tea.Quit

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		if model.mode == modeRoom {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeRoom && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case roomCreatedMsg:
		if typedMessage.err != nil {
			model.addNotice(fmt.Sprintf("Could not create room: %v", typedMessage.err))
			model.mode = modeMenu
			return model, nil
		}
		model.roomCode = typedMessage.code
		model.addNotice(fmt.Sprintf("Room created. Invite others with code %s", typedMessage.code))
		model.enterRoomMode()
		return model, model.connectCmd()
	}
	return model, nil
}

func (model *TUIModel) updateMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "j", "J":
		model.pendingAction = actionJoin
		return model.enterNamePrompt()
	case "2", "c", "C":
		model.pendingAction = actionCreate
		return model.enterNamePrompt()
	case "q", "Q", "3", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) enterNamePrompt() (tea.Model, tea.Cmd) {
	model.mode = modeNamePrompt
	model.textInput.SetValue(model.displayName)
	model.textInput.Placeholder = "Enter display name…"
	model.textInput.Prompt = "name> "
	return model, model.textInput.Focus()
}

func (model *TUIModel) updateNamePrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			model.addNotice("Display name cannot be empty.")
			return model, nil
		}
		model.displayName = trimmed
		model.textInput.SetValue("")
		nextAction := model.pendingAction
		model.pendingAction = actionNone
		switch nextAction {
		case actionJoin:
			model.mode = modeJoinPrompt
			model.textInput.Placeholder = "Enter room code…"
			model.textInput.Prompt = "room> "
			return model, model.textInput.Focus()
		case actionCreate:
			model.addNotice("Creating room…")
			return model, model.createRoomCmd()
		default:
			model.resetToMenu()
			return model, nil
		}
	case tea.KeyEsc:
		model.pendingAction = actionNone
		model.resetToMenu()
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateJoinPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.resetToMenu()
		return model, nil
	case tea.KeyEnter:
		trimmed := strings.ToUpper(strings.TrimSpace(model.textInput.Value()))
		if trimmed == "" {
			return model, nil
		}
		model.roomCode = trimmed
		model.enterRoomMode()
		return model, model.connectCmd()
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateRoom(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type != tea.KeyEnter {
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd
	}
	trimmed := strings.TrimSpace(model.textInput.Value())
	if trimmed == "" {
		return model, nil
	}
	model.textInput.SetValue("")

	if strings.HasPrefix(trimmed, "/") {
		return model.runSlashCommand(trimmed)
	}
	if !model.isConnected {
		model.addNotice("Not connected yet.")
		return model, nil
	}
	// plain text searches the provider catalog
	return model, model.sendCmd(MsgSearchTracks, SearchTracksPayload{Query: trimmed, Limit: 10})
}

// runSlashCommand handles the in-room commands. Playback commands are sent
// regardless of the local host flag; a non-host gets the server's error
// frame back, which shows up as a notice.
func (model *TUIModel) runSlashCommand(input string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(strings.ToLower(input))
	command := fields[0]
	switch command {
	case "/quit", "/exit":
		model.closeConn()
		return model, tea.Quit
	case "/leave":
		cmd := model.sendCmd(MsgLeaveRoom, struct{}{})
		model.resetToMenu()
		return model, cmd
	case "/add":
		if len(fields) < 2 {
			model.addNotice("Usage: /add <result number>")
			return model, nil
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil || index < 1 || index > len(model.searchResults) {
			model.addNotice("No such search result.")
			return model, nil
		}
		track := model.searchResults[index-1]
		return model, model.sendCmd(MsgAddToQueue, AddToQueuePayload{
			TrackURI:   track.URI,
			TrackName:  track.Name,
			ArtistName: strings.Join(track.Artists, ", "),
			AlbumName:  track.AlbumName,
			DurationMs: track.DurationMs,
		})
	case "/remove":
		if len(fields) < 2 {
			model.addNotice("Usage: /remove <queue item id>")
			return model, nil
		}
		itemID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			model.addNotice("Queue item id must be numeric.")
			return model, nil
		}
		return model, model.sendCmd(MsgRemoveFromQueue, RemoveFromQueuePayload{ItemID: itemID})
	case "/play":
		return model, model.sendCmd(MsgPlaybackControl, PlaybackControlPayload{Action: ActionPlay, UseQueue: true})
	case "/pause":
		return model, model.sendCmd(MsgPlaybackControl, PlaybackControlPayload{Action: ActionPause})
	case "/next":
		return model, model.sendCmd(MsgPlaybackControl, PlaybackControlPayload{Action: ActionNext, UseQueue: true})
	case "/prev", "/previous":
		return model, model.sendCmd(MsgPlaybackControl, PlaybackControlPayload{Action: ActionPrevious})
	case "/seek":
		if len(fields) < 2 {
			model.addNotice("Usage: /seek <seconds>")
			return model, nil
		}
		seconds, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || seconds < 0 {
			model.addNotice("Seek position must be a non-negative number of seconds.")
			return model, nil
		}
		return model, model.sendCmd(MsgPlaybackControl, PlaybackControlPayload{Action: ActionSeek, PositionMs: seconds * 1000})
	default:
		model.addNotice("Unknown command: " + command)
		return model, nil
	}
}

// handleIncoming folds one server event into the model.
func (model *TUIModel) handleIncoming(envelope Envelope) tea.Cmd {
	switch envelope.Type {
	case MsgRoomJoined:
		var payload RoomJoinedPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		model.roomCode = payload.RoomCode
		model.isHost = payload.IsHost
		model.members = payload.Members
		model.queue = payload.Queue
		model.playback = payload.Playback
		if model.isHost {
			return model.scheduleHeartbeat()
		}
	case MsgMemberJoined:
		var payload MemberJoinedPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		model.members = append(model.members, payload.Member)
		model.addNotice(payload.Member.DisplayName + " joined.")
	case MsgMemberLeft:
		var payload MemberLeftPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		kept := model.members[:0]
		for _, member := range model.members {
			if member.UserID != payload.UserID {
				kept = append(kept, member)
			}
		}
		model.members = kept
		model.addNotice(payload.UserID + " left.")
	case MsgRoomClosed:
		var payload RoomClosedPayload
		_ = json.Unmarshal(envelope.Payload, &payload)
		model.addNotice("Room closed: " + payload.Reason)
		model.closeConn()
		model.resetToMenu()
	case MsgQueueUpdated:
		var payload QueueUpdatedPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		model.queue = payload.Queue
	case MsgPlaybackChanged:
		var payload PlaybackChangedPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		switch payload.Action {
		case ActionPause:
			model.playback.IsPlaying = false
		case ActionSeek:
			model.playback.PositionMs = payload.PositionMs
		default:
			model.playback.IsPlaying = true
			if payload.TrackURI != "" {
				model.playback.TrackURI = payload.TrackURI
				model.playback.PositionMs = 0
			}
		}
	case MsgPlaybackState:
		var payload SyncPlaybackPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		model.playback = payload
	case MsgSearchResults:
		var payload SearchResultsPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil
		}
		model.searchResults = payload.Tracks
	case MsgDeviceTransferred:
		var payload DeviceTransferredPayload
		_ = json.Unmarshal(envelope.Payload, &payload)
		model.addNotice("Playback moved to device " + payload.DeviceID)
	case MsgError:
		var payload ErrorPayload
		_ = json.Unmarshal(envelope.Payload, &payload)
		model.addNotice("Server: " + payload.Message)
	}
	return nil
}

func (model *TUIModel) enterRoomMode() {
	model.mode = modeRoom
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Search for a track…"
	model.textInput.Prompt = "> "
	model.textInput.Focus()
}

func (model *TUIModel) resetToMenu() {
	model.mode = modeMenu
	model.roomCode = ""
	model.isHost = false
	model.isConnected = false
	model.members = nil
	model.queue = nil
	model.searchResults = nil
	model.playback = SyncPlaybackPayload{}
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.Placeholder = ""
	model.textInput.Prompt = ""
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 6 {
		model.notices = model.notices[len(model.notices)-6:]
	}
}

func (model *TUIModel) closeConn() {
	if model.websocketConn != nil {
		_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = model.websocketConn.Close()
		model.websocketConn = nil
	}
	model.isConnected = false
}

func (model *TUIModel) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt:
		return model.renderPromptView("Choose a display name", "Enter the name others will see, then press Enter.")
	case modeJoinPrompt:
		return model.renderPromptView("Join a room", "Enter the room code and press Enter to connect.")
	default:
		return model.renderRoomView()
	}
}

func (model *TUIModel) renderMenuView() string {
	title := appTitleStyle.Render("Jamroom")
	subtitle := subtitleStyle.Render("Shared listening rooms in your terminal")

	options := []string{
		renderMenuOption("1", "Join a room"),
		renderMenuOption("2", "Host a new room"),
		renderMenuOption("3", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("Press 1, 2, or 3 to choose an option."))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderPromptView(title, hint string) string {
	viewSections := []string{
		appTitleStyle.Render(title),
		menuHintStyle.Render(hint),
	}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderRoomView() string {
	headerSegments := []string{
		"Jamroom",
		fmt.Sprintf("Room %s", model.roomCode),
		fmt.Sprintf("User %s", model.displayName),
	}
	if model.isHost {
		headerSegments = append(headerSegments, hostBadgeStyle.Render("HOST"))
	}
	header := headerStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connectionError != nil:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	sections := []string{header, statusLine}
	sections = append(sections, boxStyle.Render(model.renderNowPlaying()))
	sections = append(sections, boxStyle.Render(model.renderQueue()))
	if len(model.searchResults) > 0 {
		sections = append(sections, boxStyle.Render(model.renderSearchResults()))
	}
	sections = append(sections, statusStyle.Render(model.renderMembers()))
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	hint := "Type to search. /add N adds a result"
	if model.isHost {
		hint += " | /play /pause /next /prev /seek s /remove id"
	}
	hint += " | /leave /quit"
	sections = append(sections, menuHintStyle.Render(hint))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderNowPlaying() string {
	title := nowPlayingStyle.Render("Now playing")
	if model.playback.TrackURI == "" {
		return lipgloss.JoinVertical(lipgloss.Left, title, systemStyle.Render("Nothing yet."))
	}
	state := "paused"
	if model.playback.IsPlaying {
		state = "playing"
	}
	line := trackStyle.Render(model.playback.TrackURI) +
		positionStyle.Render(fmt.Sprintf("  %s at %ds", state, model.playback.PositionMs/1000))
	return lipgloss.JoinVertical(lipgloss.Left, title, line)
}

func (model *TUIModel) renderQueue() string {
	title := nowPlayingStyle.Render(fmt.Sprintf("Queue (%d)", len(model.queue)))
	if len(model.queue) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, systemStyle.Render("Queue is empty. Search and /add something."))
	}
	lines := []string{title}
	for _, item := range model.queue {
		label := item.TrackName
		if item.ArtistName != "" {
			label += " - " + item.ArtistName
		}
		lines = append(lines, trackStyle.Render(fmt.Sprintf("%2d. %s", item.Position+1, label))+
			positionStyle.Render(fmt.Sprintf("  (id %d, by %s)", item.ID, item.AddedBy)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (model *TUIModel) renderSearchResults() string {
	lines := []string{nowPlayingStyle.Render("Search results")}
	for i, track := range model.searchResults {
		label := track.Name
		if len(track.Artists) > 0 {
			label += " - " + strings.Join(track.Artists, ", ")
		}
		lines = append(lines, trackStyle.Render(fmt.Sprintf("%2d. %s", i+1, label)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (model *TUIModel) renderMembers() string {
	if len(model.members) == 0 {
		return ""
	}
	names := make([]string, 0, len(model.members))
	for _, member := range model.members {
		name := member.DisplayName
		if member.IsHost {
			name = hostBadgeStyle.Render(name + "*")
		} else {
			name = memberStyle.Render(name)
		}
		names = append(names, name)
	}
	return "In the room: " + strings.Join(names, ", ")
}

func (model *TUIModel) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, notice := range model.notices {
		lines = append(lines, systemStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *TUIModel) scheduleHeartbeat() tea.Cmd {
	return tea.Tick(clientHeartbeatPeriod, func(time.Time) tea.Msg {
		return heartbeatMsg{}
	})
}

// connectCmd dials the websocket endpoint and reports the outcome.
func (model *TUIModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		parsed, err := url.Parse(model.serverURL)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return connectFailedMsg{err: fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)}
		}
		conn, _, err := websocket.DefaultDialer.Dial(parsed.String(), http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return connectedMsg{}
	}
}

// readOnceCmd reads a single frame and feeds it back into the update loop;
// it is rescheduled after every message to keep reading.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return errorMsg(fmt.Errorf("websocket not connected"))
		}
		messageType, payload, err := model.websocketConn.ReadMessage()
		if err != nil {
			return errorMsg(err)
		}
		if messageType != websocket.TextMessage {
			return nil
		}
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil
		}
		return incomingMsg(envelope)
	}
}

func (model *TUIModel) sendCmd(msgType string, payload any) tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return nil
		}
		frame, err := newEvent(msgType, payload)
		if err != nil {
			return errorMsg(err)
		}
		model.writeMutex.Lock()
		err = model.websocketConn.WriteMessage(websocket.TextMessage, frame)
		model.writeMutex.Unlock()
		if err != nil {
			return errorMsg(err)
		}
		return nil
	}
}

// createRoomCmd creates the room over REST, then the normal websocket join
// flow takes over.
func (model *TUIModel) createRoomCmd() tea.Cmd {
	return func() tea.Msg {
		baseURL, err := httpBaseFromWSURL(model.serverURL)
		if err != nil {
			return roomCreatedMsg{err: err}
		}
		code, err := apiCreateRoom(baseURL, model.userID, model.displayName)
		return roomCreatedMsg{code: code, err: err}
	}
}

// RunClient launches the bubbletea program so the user can join or host a
// room from the terminal.
func RunClient(serverURL, roomCode, userID, displayName string) error {
	program := tea.NewProgram(NewTUIModel(serverURL, roomCode, userID, displayName))
	_, err := program.Run()
	return err
}
