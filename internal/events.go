package internal

import (
	"encoding/json"

	"jamroom/internal/spotify"
	"jamroom/internal/storage"
)

// Inbound message types.
const (
	MsgJoinRoom        = "join_room"
	MsgLeaveRoom       = "leave_room"
	MsgHeartbeat       = "heartbeat"
	MsgSearchTracks    = "search_tracks"
	MsgAddToQueue      = "add_to_queue"
	MsgRemoveFromQueue = "remove_from_queue"
	MsgPlaybackControl = "playback_control"
	MsgSyncPlayback    = "sync_playback"
	MsgTransferDevice  = "transfer_device"
	MsgRequestToken    = "request_token"
)

// Outbound message types.
const (
	MsgRoomJoined        = "room_joined"
	MsgMemberJoined      = "member_joined"
	MsgMemberLeft        = "member_left"
	MsgRoomClosed        = "room_closed"
	MsgQueueUpdated      = "queue_updated"
	MsgPlaybackChanged   = "playback_changed"
	MsgPlaybackState     = "playback_state"
	MsgDeviceTransferred = "device_transferred"
	MsgSearchResults     = "search_results"
	MsgTokenResponse     = "token_response"
	MsgError             = "error"
)

// Playback control actions carried by playback_control payloads.
const (
	ActionPlay     = "play"
	ActionPause    = "pause"
	ActionNext     = "next"
	ActionPrevious = "previous"
	ActionSeek     = "seek"
)

// Every websocket frame, in either direction, is one of these.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinRoomPayload struct {
	RoomCode    string `json:"roomCode"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type SearchTracksPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type AddToQueuePayload struct {
	TrackURI   string `json:"trackUri"`
	TrackName  string `json:"trackName"`
	ArtistName string `json:"artistName"`
	AlbumName  string `json:"albumName"`
	DurationMs int64  `json:"durationMs"`
}

type RemoveFromQueuePayload struct {
	ItemID int64 `json:"itemId"`
}

type PlaybackControlPayload struct {
	Action     string `json:"action"`
	TrackURI   string `json:"trackUri,omitempty"`
	PositionMs int64  `json:"positionMs,omitempty"`
	UseQueue   bool   `json:"useQueue,omitempty"`
}

type SyncPlaybackPayload struct {
	TrackURI   string `json:"trackUri"`
	PositionMs int64  `json:"positionMs"`
	IsPlaying  bool   `json:"isPlaying"`
	DeviceID   string `json:"deviceId,omitempty"`
}

type TransferDevicePayload struct {
	DeviceID  string `json:"deviceId"`
	ForcePlay bool   `json:"forcePlay,omitempty"`
}

type MemberInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsHost      bool   `json:"isHost"`
}

type RoomJoinedPayload struct {
	RoomCode string              `json:"roomCode"`
	HostID   string              `json:"hostId"`
	IsHost   bool                `json:"isHost"`
	Members  []MemberInfo        `json:"members"`
	Queue    []storage.QueueItem `json:"queue"`
	Playback SyncPlaybackPayload `json:"playback"`
}

type MemberJoinedPayload struct {
	Member MemberInfo `json:"member"`
}

type MemberLeftPayload struct {
	UserID string `json:"userId"`
}

type RoomClosedPayload struct {
	RoomCode string `json:"roomCode"`
	Reason   string `json:"reason"`
}

type QueueUpdatedPayload struct {
	Queue []storage.QueueItem `json:"queue"`
}

type PlaybackChangedPayload struct {
	Action     string `json:"action"`
	TrackURI   string `json:"trackUri,omitempty"`
	PositionMs int64  `json:"positionMs,omitempty"`
	ByUserID   string `json:"byUserId"`
}

type DeviceTransferredPayload struct {
	DeviceID string `json:"deviceId"`
}

type SearchResultsPayload struct {
	Tracks []spotify.Track `json:"tracks"`
}

type TokenResponsePayload struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// newEvent marshals a typed payload into a wire-ready envelope. Marshal
// failures are programmer errors (all payloads are plain structs), so the
// error surfaces to the caller instead of being swallowed.
func newEvent(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// mustEvent is newEvent for the broadcast paths where the payload is built
// by this package and cannot fail to marshal.
func mustEvent(msgType string, payload any) []byte {
	raw, err := newEvent(msgType, payload)
	if err != nil {
		panic(err)
	}
	return raw
}

func memberInfos(members []storage.Member) []MemberInfo {
	infos := make([]MemberInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, MemberInfo{UserID: m.UserID, DisplayName: m.DisplayName, IsHost: m.IsHost})
	}
	return infos
}
