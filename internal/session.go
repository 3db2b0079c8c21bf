package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jamroom/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient wraps one websocket connection and its buffered send queue. A
// connection joins at most one room at a time; the zero roomCode means it
// has not joined yet.
type wsClient struct {
	srv      *Server
	conn     *websocket.Conn
	send     chan []byte
	socketID string

	userID      string
	displayName string
	roomCode    string
	isHost      bool

	mu     sync.Mutex
	closed bool
}

func newWSClient(srv *Server, conn *websocket.Conn) *wsClient {
	return &wsClient{
		srv:      srv,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		socketID: uuid.NewString(),
	}
}

func (c *wsClient) SocketID() string { return c.socketID }

// Send queues a frame without blocking. A full buffer means the consumer
// is too slow and the frame is dropped for this socket only.
func (c *wsClient) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// CloseSoon ends the write pump after the queued frames flush, which closes
// the underlying connection.
func (c *wsClient) CloseSoon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ServeWS upgrades the request and runs the connection until it drops.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade error: %v", err)
		return
	}
	client := newWSClient(s, conn)
	s.metrics.IncConn()
	go client.writePump()
	client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		// cleanup runs even when the read loop exits on an error, so a
		// dropped host still cascades the room close.
		c.handleDisconnect()
		c.CloseSoon()
		c.conn.Close()
		c.srv.metrics.DecConn()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.srv.metrics.IncMessage()
		c.handleEnvelope(context.Background(), envelope)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEnvelope processes one inbound message to completion before the
// read loop fetches the next, so per-connection ordering holds.
func (c *wsClient) handleEnvelope(ctx context.Context, envelope Envelope) {
	switch envelope.Type {
	case MsgJoinRoom:
		c.handleJoin(ctx, envelope.Payload)
	case MsgLeaveRoom:
		c.handleLeave(ctx)
	case MsgHeartbeat:
		c.handleHeartbeat(ctx)
	case MsgSearchTracks:
		c.handleSearch(ctx, envelope.Payload)
	case MsgAddToQueue:
		c.handleAddToQueue(ctx, envelope.Payload)
	case MsgRemoveFromQueue:
		c.handleRemoveFromQueue(ctx, envelope.Payload)
	case MsgPlaybackControl:
		c.handlePlaybackControl(ctx, envelope.Payload)
	case MsgSyncPlayback:
		c.handleSyncPlayback(ctx, envelope.Payload)
	case MsgTransferDevice:
		c.handleTransferDevice(ctx, envelope.Payload)
	case MsgRequestToken:
		c.handleRequestToken(ctx)
	default:
		c.sendError("unknown message type: " + envelope.Type)
	}
}

func (c *wsClient) handleJoin(ctx context.Context, payload json.RawMessage) {
	if c.roomCode != "" {
		c.sendError("already in a room, leave it first")
		return
	}
	var req JoinRoomPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("malformed join_room payload")
		return
	}
	room, snapshot, err := c.srv.joinRoom(ctx, req.RoomCode, req.UserID, req.DisplayName)
	if err != nil {
		c.sendDomainError(err)
		return
	}

	c.userID = req.UserID
	c.displayName = req.DisplayName
	c.roomCode = room.Code
	c.isHost = snapshot.IsHost

	role := RoleMember
	if c.isHost {
		role = RoleHost
	}
	if superseded := c.srv.registry.Bind(room.Code, c, role); superseded != nil {
		// a reconnecting host quietly replaces its stale socket
		if closer, ok := superseded.(interface{ CloseSoon() }); ok {
			closer.CloseSoon()
		}
	}

	c.sendEvent(MsgRoomJoined, snapshot)
	c.srv.broadcast(room.Code, mustEvent(MsgMemberJoined, MemberJoinedPayload{
		Member: MemberInfo{UserID: c.userID, DisplayName: c.displayName, IsHost: c.isHost},
	}), c.socketID)
	log.Printf("user %s joined room %s as %s", c.userID, room.Code, role)
}

func (c *wsClient) handleLeave(ctx context.Context) {
	if c.roomCode == "" {
		c.sendError("not in a room")
		return
	}
	c.departRoom(ctx)
}

// handleDisconnect is the read loop's deferred cleanup. Unlike an explicit
// leave it never writes an error back; the socket is already gone.
func (c *wsClient) handleDisconnect() {
	if c.roomCode == "" {
		return
	}
	c.departRoom(context.Background())
}

// departRoom implements both voluntary leave and disconnect: the host
// leaving closes the room for everyone, a member leaving is announced.
func (c *wsClient) departRoom(ctx context.Context) {
	roomCode := c.roomCode
	userID := c.userID
	wasHost := c.isHost
	c.roomCode = ""
	c.isHost = false

	if wasHost {
		if host := c.srv.registry.Host(roomCode); host != nil && host.SocketID() != c.socketID {
			// this socket was superseded by a reconnecting host; the room
			// lives on under the new socket
			return
		}
		if err := c.srv.closeRoom(ctx, roomCode, "host left"); err != nil {
			log.Printf("close room %s: %v", roomCode, err)
		}
		return
	}
	c.srv.registry.Unbind(c.socketID)
	if err := c.removeMembership(ctx, roomCode, userID); err != nil {
		log.Printf("remove member %s from %s: %v", userID, roomCode, err)
	}
	c.srv.broadcast(roomCode, mustEvent(MsgMemberLeft, MemberLeftPayload{UserID: userID}), c.socketID)
}

func (c *wsClient) removeMembership(ctx context.Context, roomCode, userID string) error {
	room, err := c.srv.store.GetRoomByCode(ctx, roomCode)
	if err != nil || room == nil {
		return err
	}
	return c.srv.store.RemoveMember(ctx, room.ID, userID)
}

func (c *wsClient) handleHeartbeat(ctx context.Context) {
	if !c.requireHost() {
		return
	}
	if err := c.srv.store.UpdateHeartbeat(ctx, c.roomCode); err != nil {
		log.Printf("heartbeat for %s: %v", c.roomCode, err)
	}
}

func (c *wsClient) handleSearch(ctx context.Context, payload json.RawMessage) {
	if !c.requireJoined() {
		return
	}
	var req SearchTracksPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Query == "" {
		c.sendError("malformed search_tracks payload")
		return
	}
	tracks, err := c.srv.provider.SearchTracks(ctx, c.userID, req.Query, req.Limit)
	if err != nil {
		c.sendError("search failed")
		return
	}
	c.sendEvent(MsgSearchResults, SearchResultsPayload{Tracks: tracks})
}

func (c *wsClient) handleAddToQueue(ctx context.Context, payload json.RawMessage) {
	if !c.requireJoined() {
		return
	}
	var req AddToQueuePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("malformed add_to_queue payload")
		return
	}
	room, err := c.srv.activeRoom(ctx, c.roomCode)
	if err != nil {
		c.sendDomainError(err)
		return
	}
	queue, err := c.srv.addToQueue(ctx, room, c.userID, req)
	if err != nil {
		c.sendDomainError(err)
		return
	}
	c.srv.broadcast(c.roomCode, mustEvent(MsgQueueUpdated, QueueUpdatedPayload{Queue: queue}), "")
}

func (c *wsClient) handleRemoveFromQueue(ctx context.Context, payload json.RawMessage) {
	if !c.requireHost() {
		return
	}
	var req RemoveFromQueuePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("malformed remove_from_queue payload")
		return
	}
	room, err := c.srv.activeRoom(ctx, c.roomCode)
	if err != nil {
		c.sendDomainError(err)
		return
	}
	queue, err := c.srv.removeFromQueue(ctx, room, req.ItemID)
	if err != nil {
		c.sendDomainError(err)
		return
	}
	c.srv.broadcast(c.roomCode, mustEvent(MsgQueueUpdated, QueueUpdatedPayload{Queue: queue}), "")
}

func (c *wsClient) handlePlaybackControl(ctx context.Context, payload json.RawMessage) {
	if !c.requireHost() {
		return
	}
	var req PlaybackControlPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("malformed playback_control payload")
		return
	}
	room, err := c.srv.activeRoom(ctx, c.roomCode)
	if err != nil {
		c.sendDomainError(err)
		return
	}
	result, err := c.srv.controlPlayback(ctx, room, req)
	if err != nil {
		c.sendDomainError(err)
		return
	}
	c.srv.broadcast(c.roomCode, mustEvent(MsgPlaybackChanged, PlaybackChangedPayload{
		Action:     result.Action,
		TrackURI:   result.TrackURI,
		PositionMs: result.PositionMs,
		ByUserID:   c.userID,
	}), "")
	if result.QueueChanged {
		c.srv.broadcast(c.roomCode, mustEvent(MsgQueueUpdated, QueueUpdatedPayload{Queue: result.Queue}), "")
	}
}

func (c *wsClient) handleSyncPlayback(ctx context.Context, payload json.RawMessage) {
	if !c.requireHost() {
		return
	}
	var req SyncPlaybackPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("malformed sync_playback payload")
		return
	}
	room, err := c.srv.activeRoom(ctx, c.roomCode)
	if err != nil {
		c.sendDomainError(err)
		return
	}
	if err := c.srv.syncPlayback(ctx, room, req); err != nil {
		c.sendDomainError(err)
		return
	}
	// the host already knows its own player state
	c.srv.broadcast(c.roomCode, mustEvent(MsgPlaybackState, req), c.socketID)
}

func (c *wsClient) handleTransferDevice(ctx context.Context, payload json.RawMessage) {
	if !c.requireHost() {
		return
	}
	var req TransferDevicePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("malformed transfer_device payload")
		return
	}
	room, err := c.srv.activeRoom(ctx, c.roomCode)
	if err != nil {
		c.sendDomainError(err)
		return
	}
	if err := c.srv.transferDevice(ctx, room, req); err != nil {
		c.sendDomainError(err)
		return
	}
	c.sendEvent(MsgDeviceTransferred, DeviceTransferredPayload{DeviceID: req.DeviceID})
}

// handleRequestToken hands the host its own access token so a browser-side
// player SDK can be initialized from the terminal flow.
func (c *wsClient) handleRequestToken(ctx context.Context) {
	if !c.requireHost() {
		return
	}
	token, err := c.srv.tokens.AccessToken(ctx, c.userID)
	if err != nil {
		c.sendError("no provider token available")
		return
	}
	c.sendEvent(MsgTokenResponse, TokenResponsePayload{
		AccessToken: token,
		ExpiresAt:   time.Now().Add(refreshLeeway).Unix(),
	})
}

// refreshLeeway is how long a token handed to the player SDK is assumed
// usable before the client should ask again.
const refreshLeeway = 30 * time.Minute

func (c *wsClient) requireJoined() bool {
	if c.roomCode == "" {
		c.sendError("join a room first")
		return false
	}
	return true
}

func (c *wsClient) requireHost() bool {
	if !c.requireJoined() {
		return false
	}
	if !c.isHost {
		c.sendError(errNotHost.Error())
		return false
	}
	return true
}

func (c *wsClient) sendEvent(msgType string, payload any) {
	frame, err := newEvent(msgType, payload)
	if err != nil {
		log.Printf("encode %s: %v", msgType, err)
		return
	}
	c.Send(frame)
}

func (c *wsClient) sendError(message string) {
	c.sendEvent(MsgError, ErrorPayload{Message: message})
}

// sendDomainError translates sentinel errors into client-facing messages
// and hides everything else behind a generic failure.
func (c *wsClient) sendDomainError(err error) {
	switch {
	case errors.Is(err, errRoomNotFound),
		errors.Is(err, errRoomClosed),
		errors.Is(err, errNotHost),
		errors.Is(err, errValidation):
		c.sendError(err.Error())
	case errors.Is(err, storage.ErrQueueItemNotFound):
		c.sendError("queue item not found")
	default:
		log.Printf("room %s: %v", c.roomCode, err)
		c.sendError("action failed")
	}
}
