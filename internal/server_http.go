package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jamroom/internal/spotify"
	"jamroom/internal/storage"
)

type createRoomRequest struct {
	HostID      string `json:"hostId"`
	DisplayName string `json:"displayName"`
}

type joinRoomRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type addQueueRequest struct {
	UserID     string `json:"userId"`
	TrackURI   string `json:"trackUri"`
	TrackName  string `json:"trackName"`
	ArtistName string `json:"artistName"`
	AlbumName  string `json:"albumName"`
	DurationMs int64  `json:"durationMs"`
}

type hostActionRequest struct {
	HostID     string `json:"hostId"`
	TrackURI   string `json:"trackUri,omitempty"`
	PositionMs int64  `json:"positionMs,omitempty"`
	UseQueue   bool   `json:"useQueue,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	ForcePlay  bool   `json:"forcePlay,omitempty"`
}

type saveTokenRequest struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type roomResponse struct {
	RoomCode string              `json:"roomCode"`
	HostID   string              `json:"hostId"`
	IsActive bool                `json:"isActive"`
	Members  []MemberInfo        `json:"members,omitempty"`
	Queue    []storage.QueueItem `json:"queue,omitempty"`
	Playback SyncPlaybackPayload `json:"playback"`
}

type queueResponse struct {
	Queue []storage.QueueItem `json:"queue"`
}

func (s *Server) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.createLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	room, err := s.createRoom(r.Context(), strings.TrimSpace(req.HostID), strings.TrimSpace(req.DisplayName))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomResponse{
		RoomCode: room.Code,
		HostID:   room.HostID,
		IsActive: room.IsActive,
	})
}

// HandleRoomPath routes everything under /rooms/{code}/... by hand, the
// same way the mux is kept plain elsewhere.
func (s *Server) HandleRoomPath(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rooms/"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	roomCode := strings.ToUpper(parts[0])
	rest := parts[1:]

	switch {
	case len(rest) == 0:
		s.handleRoomSnapshot(w, r, roomCode)
	case rest[0] == "join" && len(rest) == 1:
		s.handleJoinRoom(w, r, roomCode)
	case rest[0] == "close" && len(rest) == 1:
		s.handleCloseRoom(w, r, roomCode)
	case rest[0] == "queue":
		s.handleQueuePath(w, r, roomCode, rest[1:])
	case rest[0] == "playback":
		s.handlePlaybackPath(w, r, roomCode, rest[1:])
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

func (s *Server) handleRoomSnapshot(w http.ResponseWriter, r *http.Request, roomCode string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	room, err := s.activeRoom(r.Context(), roomCode)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	members, err := s.store.ListMembers(r.Context(), room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	queue, err := s.store.ListQueue(r.Context(), room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{
		RoomCode: room.Code,
		HostID:   room.HostID,
		IsActive: room.IsActive,
		Members:  memberInfos(members),
		Queue:    queue,
		Playback: SyncPlaybackPayload{
			TrackURI:   room.TrackURI,
			PositionMs: room.PositionMs,
			IsPlaying:  room.IsPlaying,
			DeviceID:   room.DeviceID,
		},
	})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request, roomCode string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req joinRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	_, snapshot, err := s.joinRoom(r.Context(), roomCode, strings.TrimSpace(req.UserID), strings.TrimSpace(req.DisplayName))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.broadcast(roomCode, mustEvent(MsgMemberJoined, MemberJoinedPayload{
		Member: MemberInfo{UserID: req.UserID, DisplayName: req.DisplayName, IsHost: snapshot.IsHost},
	}), "")
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCloseRoom(w http.ResponseWriter, r *http.Request, roomCode string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req hostActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	room, err := s.assertHost(r, roomCode, req.HostID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.closeRoom(r.Context(), room.Code, "closed by host"); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueuePath(w http.ResponseWriter, r *http.Request, roomCode string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			s.handleListQueue(w, r, roomCode)
		case http.MethodPost:
			s.handleAddQueue(w, r, roomCode)
		default:
			methodNotAllowed(w, "GET, POST")
		}
	case rest[0] == "clear" && len(rest) == 1:
		s.handleClearQueue(w, r, roomCode)
	case len(rest) == 1:
		s.handleRemoveQueue(w, r, roomCode, rest[0])
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request, roomCode string) {
	room, err := s.activeRoom(r.Context(), roomCode)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	queue, err := s.store.ListQueue(r.Context(), room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{Queue: queue})
}

func (s *Server) handleAddQueue(w http.ResponseWriter, r *http.Request, roomCode string) {
	var req addQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	room, err := s.activeRoom(r.Context(), roomCode)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	queue, err := s.addToQueue(r.Context(), room, strings.TrimSpace(req.UserID), AddToQueuePayload{
		TrackURI:   req.TrackURI,
		TrackName:  req.TrackName,
		ArtistName: req.ArtistName,
		AlbumName:  req.AlbumName,
		DurationMs: req.DurationMs,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.broadcast(roomCode, mustEvent(MsgQueueUpdated, QueueUpdatedPayload{Queue: queue}), "")
	writeJSON(w, http.StatusCreated, queueResponse{Queue: queue})
}

func (s *Server) handleRemoveQueue(w http.ResponseWriter, r *http.Request, roomCode, rawID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, http.MethodDelete)
		return
	}
	itemID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("queue item id must be numeric"))
		return
	}
	hostID := r.URL.Query().Get("hostId")
	room, err := s.assertHost(r, roomCode, hostID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	queue, err := s.removeFromQueue(r.Context(), room, itemID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.broadcast(roomCode, mustEvent(MsgQueueUpdated, QueueUpdatedPayload{Queue: queue}), "")
	writeJSON(w, http.StatusOK, queueResponse{Queue: queue})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request, roomCode string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req hostActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	room, err := s.assertHost(r, roomCode, req.HostID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.ClearQueue(r.Context(), room.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.broadcast(roomCode, mustEvent(MsgQueueUpdated, QueueUpdatedPayload{Queue: nil}), "")
	writeJSON(w, http.StatusOK, queueResponse{})
}

func (s *Server) handlePlaybackPath(w http.ResponseWriter, r *http.Request, roomCode string, rest []string) {
	if len(rest) == 0 {
		s.handlePlaybackState(w, r, roomCode)
		return
	}
	if len(rest) != 1 {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req hostActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	room, err := s.assertHost(r, roomCode, req.HostID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if rest[0] == "transfer" {
		if err := s.transferDevice(r.Context(), room, TransferDevicePayload{DeviceID: req.DeviceID, ForcePlay: req.ForcePlay}); err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.broadcast(roomCode, mustEvent(MsgDeviceTransferred, DeviceTransferredPayload{DeviceID: req.DeviceID}), "")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	result, err := s.controlPlayback(r.Context(), room, PlaybackControlPayload{
		Action:     rest[0],
		TrackURI:   req.TrackURI,
		PositionMs: req.PositionMs,
		UseQueue:   req.UseQueue,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.broadcast(roomCode, mustEvent(MsgPlaybackChanged, PlaybackChangedPayload{
		Action:     result.Action,
		TrackURI:   result.TrackURI,
		PositionMs: result.PositionMs,
		ByUserID:   room.HostID,
	}), "")
	if result.QueueChanged {
		s.broadcast(roomCode, mustEvent(MsgQueueUpdated, QueueUpdatedPayload{Queue: result.Queue}), "")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":     result.Action,
		"trackUri":   result.TrackURI,
		"positionMs": result.PositionMs,
	})
}

// handlePlaybackState asks the provider for the host's live player state,
// falling back on the persisted snapshot when there is no active session.
func (s *Server) handlePlaybackState(w http.ResponseWriter, r *http.Request, roomCode string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	room, err := s.activeRoom(r.Context(), roomCode)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	state, err := s.provider.CurrentPlayback(r.Context(), room.HostID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if state == nil {
		state = &spotify.PlaybackState{
			TrackURI:   room.TrackURI,
			PositionMs: room.PositionMs,
			IsPlaying:  room.IsPlaying,
			DeviceID:   room.DeviceID,
		}
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.searchLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if query == "" || userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("q and userId are required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tracks, err := s.provider.SearchTracks(r.Context(), userID, query, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResultsPayload{Tracks: tracks})
}

// HandleSaveToken is the boundary through which provider tokens enter the
// system; the OAuth dance itself happens elsewhere.
func (s *Server) HandleSaveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	if !s.tokenLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req saveTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId and accessToken are required"))
		return
	}
	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	err := s.store.SaveProviderToken(r.Context(), storage.ProviderToken{
		UserID:       req.UserID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second).UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// assertHost loads the room and checks the caller presented the host id.
func (s *Server) assertHost(r *http.Request, roomCode, hostID string) (*storage.Room, error) {
	room, err := s.activeRoom(r.Context(), roomCode)
	if err != nil {
		return nil, err
	}
	if hostID == "" || hostID != room.HostID {
		return nil, errNotHost
	}
	return room, nil
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var apiErr *spotify.APIError
	switch {
	case errors.Is(err, errValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, errRoomNotFound), errors.Is(err, storage.ErrQueueItemNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, errRoomClosed):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, errNotHost):
		writeError(w, http.StatusForbidden, err)
	case errors.As(err, &apiErr), errors.Is(err, spotify.ErrNoToken):
		writeError(w, http.StatusBadGateway, errors.New("playback action failed"))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
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
