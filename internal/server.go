package internal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"jamroom/internal/spotify"
	"jamroom/internal/storage"
)

// Sentinel errors the transport layers translate to status codes and
// websocket error frames.
var (
	errRoomNotFound = errors.New("room not found")
	errRoomClosed   = errors.New("room is no longer active")
	errNotHost      = errors.New("only the host can do that")
	errValidation   = errors.New("invalid request")
)

// Server owns the room registry and mediates every mutation between the
// store, the media provider, and the connected sockets.
type Server struct {
	store    *storage.Store
	registry *Registry
	provider spotify.Client
	tokens   spotify.TokenSource
	metrics  *Metrics

	createLimiter *RateLimiter
	searchLimiter *RateLimiter
	tokenLimiter  *RateLimiter
}

func NewServer(store *storage.Store, provider spotify.Client, tokens spotify.TokenSource) *Server {
	return &Server{
		store:         store,
		registry:      NewRegistry(),
		provider:      provider,
		tokens:        tokens,
		metrics:       NewMetrics(),
		createLimiter: NewRateLimiter(5, time.Minute),
		searchLimiter: NewRateLimiter(30, time.Minute),
		tokenLimiter:  NewRateLimiter(10, time.Minute),
	}
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

// activeRoom loads a room and distinguishes "never existed" from "existed
// and was closed"; clients see different errors for the two.
func (s *Server) activeRoom(ctx context.Context, roomCode string) (*storage.Room, error) {
	room, err := s.store.GetRoomByCode(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, errRoomNotFound
	}
	if !room.IsActive {
		return nil, errRoomClosed
	}
	return room, nil
}

func (s *Server) createRoom(ctx context.Context, hostID, displayName string) (*storage.Room, error) {
	if hostID == "" {
		return nil, fmt.Errorf("%w: hostId is required", errValidation)
	}
	room, err := s.store.CreateRoom(ctx, hostID, displayName)
	if err != nil {
		return nil, err
	}
	s.metrics.IncRoomCreated()
	log.Printf("room %s created by %s", room.Code, hostID)
	return room, nil
}

// joinRoom records the membership and returns the full snapshot a joiner
// needs to render the room. Rejoining is a no-op on the membership row.
func (s *Server) joinRoom(ctx context.Context, roomCode, userID, displayName string) (*storage.Room, *RoomJoinedPayload, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: userId is required", errValidation)
	}
	room, err := s.activeRoom(ctx, roomCode)
	if err != nil {
		return nil, nil, err
	}
	isHost := userID == room.HostID
	if err := s.store.AddMember(ctx, room.ID, userID, displayName, isHost); err != nil {
		return nil, nil, err
	}
	members, err := s.store.ListMembers(ctx, room.ID)
	if err != nil {
		return nil, nil, err
	}
	queue, err := s.store.ListQueue(ctx, room.ID)
	if err != nil {
		return nil, nil, err
	}
	snapshot := &RoomJoinedPayload{
		RoomCode: room.Code,
		HostID:   room.HostID,
		IsHost:   isHost,
		Members:  memberInfos(members),
		Queue:    queue,
		Playback: SyncPlaybackPayload{
			TrackURI:   room.TrackURI,
			PositionMs: room.PositionMs,
			IsPlaying:  room.IsPlaying,
			DeviceID:   room.DeviceID,
		},
	}
	return room, snapshot, nil
}

// closeRoom flips the room inactive, purges its rows, tells everyone still
// connected, and drops their registry entries.
func (s *Server) closeRoom(ctx context.Context, roomCode, reason string) error {
	if err := s.store.CloseRoom(ctx, roomCode); err != nil {
		return err
	}
	s.metrics.IncRoomClosed()
	s.evictRoom(roomCode, reason)
	log.Printf("room %s closed: %s", roomCode, reason)
	return nil
}

// evictRoom notifies and disconnects every socket bound to the room. Used
// after the room row is already inactive, so delivery is best effort.
func (s *Server) evictRoom(roomCode, reason string) {
	frame := mustEvent(MsgRoomClosed, RoomClosedPayload{RoomCode: roomCode, Reason: reason})
	for _, socket := range s.registry.Evict(roomCode) {
		_ = socket.Send(frame)
		if closer, ok := socket.(interface{ CloseSoon() }); ok {
			closer.CloseSoon()
		}
	}
}

func (s *Server) addToQueue(ctx context.Context, room *storage.Room, userID string, req AddToQueuePayload) ([]storage.QueueItem, error) {
	if req.TrackURI == "" {
		return nil, fmt.Errorf("%w: trackUri is required", errValidation)
	}
	_, err := s.store.AppendQueueItem(ctx, room.ID, storage.QueueItem{
		TrackURI:   req.TrackURI,
		TrackName:  req.TrackName,
		ArtistName: req.ArtistName,
		AlbumName:  req.AlbumName,
		DurationMs: req.DurationMs,
		AddedBy:    userID,
	})
	if err != nil {
		return nil, err
	}
	return s.store.ListQueue(ctx, room.ID)
}

func (s *Server) removeFromQueue(ctx context.Context, room *storage.Room, itemID int64) ([]storage.QueueItem, error) {
	if err := s.store.RemoveQueueItem(ctx, room.ID, itemID); err != nil {
		return nil, err
	}
	return s.store.ListQueue(ctx, room.ID)
}

// playbackResult describes what a control request actually did, so both
// transports can broadcast the same facts.
type playbackResult struct {
	Action       string
	TrackURI     string
	PositionMs   int64
	QueueChanged bool
	Queue        []storage.QueueItem
}

// controlPlayback is the one place playback commands are interpreted. The
// queue feeds "next" and queue-preferring "play"; everything else passes
// through to the provider under the host's credentials.
func (s *Server) controlPlayback(ctx context.Context, room *storage.Room, req PlaybackControlPayload) (*playbackResult, error) {
	result := &playbackResult{Action: req.Action}

	switch req.Action {
	case ActionPlay:
		trackURI := req.TrackURI
		if trackURI == "" && req.UseQueue {
			item, err := s.store.PopFrontQueueItem(ctx, room.ID)
			if err != nil {
				return nil, err
			}
			if item != nil {
				trackURI = item.TrackURI
				result.QueueChanged = true
			}
		}
		if err := s.provider.StartPlayback(ctx, room.HostID, room.DeviceID, trackURI, req.PositionMs); err != nil {
			return nil, err
		}
		result.TrackURI = trackURI
		result.PositionMs = req.PositionMs
		snapshot := storage.PlaybackSnapshot{TrackURI: room.TrackURI, PositionMs: req.PositionMs, IsPlaying: true, DeviceID: room.DeviceID}
		if trackURI != "" {
			snapshot.TrackURI = trackURI
		}
		if err := s.store.UpdatePlaybackSnapshot(ctx, room.Code, snapshot); err != nil {
			return nil, err
		}

	case ActionPause:
		if err := s.provider.PausePlayback(ctx, room.HostID, room.DeviceID); err != nil {
			return nil, err
		}
		snapshot := storage.PlaybackSnapshot{TrackURI: room.TrackURI, PositionMs: room.PositionMs, IsPlaying: false, DeviceID: room.DeviceID}
		if err := s.store.UpdatePlaybackSnapshot(ctx, room.Code, snapshot); err != nil {
			return nil, err
		}

	case ActionNext:
		item, err := s.store.PopFrontQueueItem(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			// the shared queue outranks the provider's own queue
			if err := s.provider.StartPlayback(ctx, room.HostID, room.DeviceID, item.TrackURI, 0); err != nil {
				return nil, err
			}
			result.TrackURI = item.TrackURI
			result.QueueChanged = true
			snapshot := storage.PlaybackSnapshot{TrackURI: item.TrackURI, PositionMs: 0, IsPlaying: true, DeviceID: room.DeviceID}
			if err := s.store.UpdatePlaybackSnapshot(ctx, room.Code, snapshot); err != nil {
				return nil, err
			}
		} else if err := s.provider.SkipNext(ctx, room.HostID, room.DeviceID); err != nil {
			return nil, err
		}

	case ActionPrevious:
		if err := s.provider.SkipPrevious(ctx, room.HostID, room.DeviceID); err != nil {
			return nil, err
		}

	case ActionSeek:
		if req.PositionMs < 0 {
			return nil, fmt.Errorf("%w: positionMs must not be negative", errValidation)
		}
		if err := s.provider.Seek(ctx, room.HostID, req.PositionMs, room.DeviceID); err != nil {
			return nil, err
		}
		result.PositionMs = req.PositionMs
		snapshot := storage.PlaybackSnapshot{TrackURI: room.TrackURI, PositionMs: req.PositionMs, IsPlaying: room.IsPlaying, DeviceID: room.DeviceID}
		if err := s.store.UpdatePlaybackSnapshot(ctx, room.Code, snapshot); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown playback action %q", errValidation, req.Action)
	}

	if result.QueueChanged {
		queue, err := s.store.ListQueue(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		result.Queue = queue
	}
	return result, nil
}

func (s *Server) syncPlayback(ctx context.Context, room *storage.Room, req SyncPlaybackPayload) error {
	snapshot := storage.PlaybackSnapshot{
		TrackURI:   req.TrackURI,
		PositionMs: req.PositionMs,
		IsPlaying:  req.IsPlaying,
		DeviceID:   req.DeviceID,
	}
	if snapshot.DeviceID == "" {
		snapshot.DeviceID = room.DeviceID
	}
	return s.store.UpdatePlaybackSnapshot(ctx, room.Code, snapshot)
}

func (s *Server) transferDevice(ctx context.Context, room *storage.Room, req TransferDevicePayload) error {
	if req.DeviceID == "" {
		return fmt.Errorf("%w: deviceId is required", errValidation)
	}
	if err := s.provider.TransferPlayback(ctx, room.HostID, req.DeviceID, req.ForcePlay); err != nil {
		return err
	}
	return s.store.SetRoomDevice(ctx, room.Code, req.DeviceID)
}

// broadcast fans an event out to the whole room.
func (s *Server) broadcast(roomCode string, frame []byte, excludeSocketID string) {
	s.registry.Broadcast(roomCode, frame, excludeSocketID)
	s.metrics.IncBroadcast()
}

func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
