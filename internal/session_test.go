package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"jamroom/internal/spotify"
	"jamroom/internal/storage"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []string
	state *spotify.PlaybackState
	found []spotify.Track
	err   error
}

func (f *fakeProvider) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeProvider) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProvider) TransferPlayback(_ context.Context, _, deviceID string, forcePlay bool) error {
	return f.record(fmt.Sprintf("transfer:%s:%t", deviceID, forcePlay))
}

func (f *fakeProvider) StartPlayback(_ context.Context, _, _, trackURI string, positionMs int64) error {
	return f.record(fmt.Sprintf("start:%s:%d", trackURI, positionMs))
}

func (f *fakeProvider) PausePlayback(_ context.Context, _, _ string) error {
	return f.record("pause")
}

func (f *fakeProvider) SkipNext(_ context.Context, _, _ string) error {
	return f.record("next")
}

func (f *fakeProvider) SkipPrevious(_ context.Context, _, _ string) error {
	return f.record("previous")
}

func (f *fakeProvider) Seek(_ context.Context, _ string, positionMs int64, _ string) error {
	return f.record(fmt.Sprintf("seek:%d", positionMs))
}

func (f *fakeProvider) CurrentPlayback(_ context.Context, _ string) (*spotify.PlaybackState, error) {
	if err := f.record("current"); err != nil {
		return nil, err
	}
	return f.state, nil
}

func (f *fakeProvider) SearchTracks(_ context.Context, _, query string, _ int) ([]spotify.Track, error) {
	if err := f.record("search:" + query); err != nil {
		return nil, err
	}
	return f.found, nil
}

func newTestServer(t *testing.T) (*Server, *fakeProvider) {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	provider := &fakeProvider{}
	return NewServer(store, provider, spotify.StaticSource("test-token")), provider
}

// newTestSession builds a session client wired to the server but with no
// real websocket behind it; frames pile up in the send channel.
func newTestSession(srv *Server, socketID string) *wsClient {
	return &wsClient{
		srv:      srv,
		send:     make(chan []byte, sendBuffer),
		socketID: socketID,
	}
}

func (c *wsClient) deliver(t *testing.T, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	c.handleEnvelope(context.Background(), Envelope{Type: msgType, Payload: raw})
}

func drainFrames(t *testing.T, c *wsClient) []Envelope {
	t.Helper()
	var frames []Envelope
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				// CloseSoon ran; everything queued before it is already read
				return frames
			}
			var envelope Envelope
			if err := json.Unmarshal(raw, &envelope); err != nil {
				t.Fatalf("bad frame %q: %v", raw, err)
			}
			frames = append(frames, envelope)
		default:
			return frames
		}
	}
}

func frameTypes(frames []Envelope) []string {
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		types = append(types, f.Type)
	}
	return types
}

func countType(frames []Envelope, msgType string) int {
	n := 0
	for _, f := range frames {
		if f.Type == msgType {
			n++
		}
	}
	return n
}

func mustRoom(t *testing.T, srv *Server, hostID string) *storage.Room {
	t.Helper()
	room, err := srv.createRoom(context.Background(), hostID, hostID)
	if err != nil {
		t.Fatalf("createRoom: %v", err)
	}
	return room
}

func joinSession(t *testing.T, srv *Server, roomCode, userID, name, socketID string) *wsClient {
	t.Helper()
	c := newTestSession(srv, socketID)
	c.deliver(t, MsgJoinRoom, JoinRoomPayload{RoomCode: roomCode, UserID: userID, DisplayName: name})
	frames := drainFrames(t, c)
	if len(frames) == 0 || frames[0].Type != MsgRoomJoined {
		t.Fatalf("expected room_joined, got %v", frameTypes(frames))
	}
	return c
}

func TestJoinUnknownRoom(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newTestSession(srv, "s-1")
	c.deliver(t, MsgJoinRoom, JoinRoomPayload{RoomCode: "ZZZZZZ", UserID: "u1", DisplayName: "Lee"})

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != MsgError {
		t.Fatalf("expected a single error frame, got %v", frameTypes(frames))
	}
	if c.roomCode != "" {
		t.Fatalf("failed join must not bind the socket")
	}
}

func TestJoinClosedRoomIsDistinguishable(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	if err := srv.closeRoom(context.Background(), room.Code, "test"); err != nil {
		t.Fatalf("closeRoom: %v", err)
	}

	c := newTestSession(srv, "s-1")
	c.deliver(t, MsgJoinRoom, JoinRoomPayload{RoomCode: room.Code, UserID: "u1", DisplayName: "Lee"})
	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != MsgError {
		t.Fatalf("expected a single error frame, got %v", frameTypes(frames))
	}
	var payload ErrorPayload
	_ = json.Unmarshal(frames[0].Payload, &payload)
	if payload.Message != errRoomClosed.Error() {
		t.Fatalf("closed room must not look like a missing room: %q", payload.Message)
	}
}

func TestJoinDeliversSnapshotAndAnnounces(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")

	member := newTestSession(srv, "s-member")
	member.deliver(t, MsgJoinRoom, JoinRoomPayload{RoomCode: room.Code, UserID: "u2", DisplayName: "Lee"})

	frames := drainFrames(t, member)
	if len(frames) != 1 || frames[0].Type != MsgRoomJoined {
		t.Fatalf("expected room_joined only, got %v", frameTypes(frames))
	}
	var snapshot RoomJoinedPayload
	if err := json.Unmarshal(frames[0].Payload, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.IsHost || snapshot.HostID != "host-1" || len(snapshot.Members) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	hostFrames := drainFrames(t, host)
	if countType(hostFrames, MsgMemberJoined) != 1 {
		t.Fatalf("host should see one member_joined, got %v", frameTypes(hostFrames))
	}
}

func TestRejoinDoesNotDuplicateMember(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	joinSession(t, srv, room.Code, "u2", "Lee", "s-1")

	again := newTestSession(srv, "s-2")
	again.deliver(t, MsgJoinRoom, JoinRoomPayload{RoomCode: room.Code, UserID: "u2", DisplayName: "Lee"})
	frames := drainFrames(t, again)
	var snapshot RoomJoinedPayload
	_ = json.Unmarshal(frames[0].Payload, &snapshot)
	if len(snapshot.Members) != 2 {
		t.Fatalf("rejoin must not duplicate the member row: %+v", snapshot.Members)
	}
}

func TestHostOnlyViolation(t *testing.T) {
	srv, provider := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")
	member := joinSession(t, srv, room.Code, "u2", "Lee", "s-member")
	drainFrames(t, host)

	member.deliver(t, MsgPlaybackControl, PlaybackControlPayload{Action: ActionPlay})

	frames := drainFrames(t, member)
	if len(frames) != 1 || frames[0].Type != MsgError {
		t.Fatalf("violator should get exactly one error frame, got %v", frameTypes(frames))
	}
	if len(provider.callLog()) != 0 {
		t.Fatalf("provider must not be called: %v", provider.callLog())
	}
	if hostFrames := drainFrames(t, host); len(hostFrames) != 0 {
		t.Fatalf("violation must not broadcast, host saw %v", frameTypes(hostFrames))
	}
}

func TestAddToQueueBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")
	member := joinSession(t, srv, room.Code, "u2", "Lee", "s-member")
	drainFrames(t, host)

	member.deliver(t, MsgAddToQueue, AddToQueuePayload{TrackURI: "spotify:track:1", TrackName: "One"})

	memberFrames := drainFrames(t, member)
	hostFrames := drainFrames(t, host)
	if countType(memberFrames, MsgQueueUpdated) != 1 || countType(hostFrames, MsgQueueUpdated) != 1 {
		t.Fatalf("both sockets should see queue_updated: member=%v host=%v",
			frameTypes(memberFrames), frameTypes(hostFrames))
	}

	queue, err := srv.store.ListQueue(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(queue) != 1 || queue[0].AddedBy != "u2" {
		t.Fatalf("unexpected queue: %+v", queue)
	}
}

func TestNextPlaysQueueFrontFirst(t *testing.T) {
	srv, provider := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")

	host.deliver(t, MsgAddToQueue, AddToQueuePayload{TrackURI: "spotify:track:queued", TrackName: "Queued"})
	drainFrames(t, host)

	host.deliver(t, MsgPlaybackControl, PlaybackControlPayload{Action: ActionNext})

	calls := provider.callLog()
	if len(calls) != 1 || calls[0] != "start:spotify:track:queued:0" {
		t.Fatalf("queued track should outrank the native skip: %v", calls)
	}
	frames := drainFrames(t, host)
	if countType(frames, MsgPlaybackChanged) != 1 || countType(frames, MsgQueueUpdated) != 1 {
		t.Fatalf("expected playback_changed and queue_updated, got %v", frameTypes(frames))
	}
	queue, _ := srv.store.ListQueue(context.Background(), room.ID)
	if len(queue) != 0 {
		t.Fatalf("queue front should be consumed: %+v", queue)
	}
}

func TestNextFallsBackToNativeSkip(t *testing.T) {
	srv, provider := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")

	host.deliver(t, MsgPlaybackControl, PlaybackControlPayload{Action: ActionNext})

	calls := provider.callLog()
	if len(calls) != 1 || calls[0] != "next" {
		t.Fatalf("empty queue should delegate to the provider: %v", calls)
	}
	frames := drainFrames(t, host)
	if countType(frames, MsgQueueUpdated) != 0 {
		t.Fatalf("no queue change expected, got %v", frameTypes(frames))
	}
}

func TestPlayPrefersQueueWhenAsked(t *testing.T) {
	srv, provider := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")
	host.deliver(t, MsgAddToQueue, AddToQueuePayload{TrackURI: "spotify:track:q1", TrackName: "Q1"})
	drainFrames(t, host)

	host.deliver(t, MsgPlaybackControl, PlaybackControlPayload{Action: ActionPlay, UseQueue: true})

	calls := provider.callLog()
	if len(calls) != 1 || calls[0] != "start:spotify:track:q1:0" {
		t.Fatalf("play with useQueue should pop the front: %v", calls)
	}
	room2, _ := srv.store.GetRoomByCode(context.Background(), room.Code)
	if room2.TrackURI != "spotify:track:q1" || !room2.IsPlaying {
		t.Fatalf("snapshot not updated: %+v", room2)
	}
}

func TestSyncPlaybackPersistsAndExcludesSender(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")
	member := joinSession(t, srv, room.Code, "u2", "Lee", "s-member")
	drainFrames(t, host)

	host.deliver(t, MsgSyncPlayback, SyncPlaybackPayload{TrackURI: "spotify:track:x", PositionMs: 9000, IsPlaying: true})

	if frames := drainFrames(t, host); len(frames) != 0 {
		t.Fatalf("sender must not get its own sync echoed: %v", frameTypes(frames))
	}
	memberFrames := drainFrames(t, member)
	if countType(memberFrames, MsgPlaybackState) != 1 {
		t.Fatalf("member should see playback_state, got %v", frameTypes(memberFrames))
	}
	stored, _ := srv.store.GetRoomByCode(context.Background(), room.Code)
	if stored.TrackURI != "spotify:track:x" || stored.PositionMs != 9000 || !stored.IsPlaying {
		t.Fatalf("snapshot not persisted: %+v", stored)
	}
}

func TestTransferDevice(t *testing.T) {
	srv, provider := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")

	host.deliver(t, MsgTransferDevice, TransferDevicePayload{DeviceID: "device-5"})

	calls := provider.callLog()
	if len(calls) != 1 || calls[0] != "transfer:device-5:false" {
		t.Fatalf("unexpected provider calls: %v", calls)
	}
	frames := drainFrames(t, host)
	if countType(frames, MsgDeviceTransferred) != 1 {
		t.Fatalf("caller should be notified, got %v", frameTypes(frames))
	}
	stored, _ := srv.store.GetRoomByCode(context.Background(), room.Code)
	if stored.DeviceID != "device-5" {
		t.Fatalf("device not persisted: %+v", stored)
	}
}

func TestMemberLeaveAnnounced(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")
	member := joinSession(t, srv, room.Code, "u2", "Lee", "s-member")
	drainFrames(t, host)

	member.deliver(t, MsgLeaveRoom, struct{}{})

	hostFrames := drainFrames(t, host)
	if countType(hostFrames, MsgMemberLeft) != 1 {
		t.Fatalf("host should see member_left, got %v", frameTypes(hostFrames))
	}
	members, _ := srv.store.ListMembers(context.Background(), room.ID)
	if len(members) != 1 || members[0].UserID != "host-1" {
		t.Fatalf("member row should be gone: %+v", members)
	}
	stored, _ := srv.store.GetRoomByCode(context.Background(), room.Code)
	if !stored.IsActive {
		t.Fatalf("member leave must not close the room")
	}
}

func TestHostDisconnectCascades(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")
	member1 := joinSession(t, srv, room.Code, "u2", "Lee", "s-m1")
	member2 := joinSession(t, srv, room.Code, "u3", "Kim", "s-m2")
	drainFrames(t, host)
	drainFrames(t, member1)
	drainFrames(t, member2)

	host.handleDisconnect()

	for name, c := range map[string]*wsClient{"member1": member1, "member2": member2} {
		frames := drainFrames(t, c)
		if countType(frames, MsgRoomClosed) != 1 {
			t.Fatalf("%s should receive exactly one room_closed, got %v", name, frameTypes(frames))
		}
	}
	if got := srv.registry.Count(room.Code); got != 0 {
		t.Fatalf("registry entry should be evicted, count=%d", got)
	}
	stored, _ := srv.store.GetRoomByCode(context.Background(), room.Code)
	if stored.IsActive {
		t.Fatalf("room should be inactive after host disconnect")
	}

	// a later join gets the closed-room error, not a dangling session
	late := newTestSession(srv, "s-late")
	late.deliver(t, MsgJoinRoom, JoinRoomPayload{RoomCode: room.Code, UserID: "u4", DisplayName: "Max"})
	frames := drainFrames(t, late)
	if len(frames) != 1 || frames[0].Type != MsgError {
		t.Fatalf("expected error frame, got %v", frameTypes(frames))
	}
}

func TestHostReconnectSupersedesSilently(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	stale := joinSession(t, srv, room.Code, "host-1", "Dana", "s-old")
	fresh := joinSession(t, srv, room.Code, "host-1", "Dana", "s-new")

	// the stale socket's disconnect must not tear the room down
	stale.handleDisconnect()

	stored, _ := srv.store.GetRoomByCode(context.Background(), room.Code)
	if !stored.IsActive {
		t.Fatalf("room must survive the stale host socket going away")
	}
	if srv.registry.Host(room.Code) == nil {
		t.Fatalf("fresh host socket should still be bound")
	}
	_ = fresh
}

func TestHeartbeatIsHostOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	member := joinSession(t, srv, room.Code, "u2", "Lee", "s-member")

	member.deliver(t, MsgHeartbeat, struct{}{})

	frames := drainFrames(t, member)
	if len(frames) != 1 || frames[0].Type != MsgError {
		t.Fatalf("non-host heartbeat should error, got %v", frameTypes(frames))
	}
}

func TestUnknownMessageType(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newTestSession(srv, "s-1")
	c.handleEnvelope(context.Background(), Envelope{Type: "dance_party"})

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != MsgError {
		t.Fatalf("expected one error frame, got %v", frameTypes(frames))
	}
}

func TestRemoveFromQueueHostOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")
	host := joinSession(t, srv, room.Code, "host-1", "Dana", "s-host")
	member := joinSession(t, srv, room.Code, "u2", "Lee", "s-member")
	drainFrames(t, host)

	member.deliver(t, MsgAddToQueue, AddToQueuePayload{TrackURI: "spotify:track:1", TrackName: "One"})
	drainFrames(t, member)
	drainFrames(t, host)
	queue, _ := srv.store.ListQueue(context.Background(), room.ID)
	if len(queue) != 1 {
		t.Fatalf("setup failed: %+v", queue)
	}

	member.deliver(t, MsgRemoveFromQueue, RemoveFromQueuePayload{ItemID: queue[0].ID})
	frames := drainFrames(t, member)
	if len(frames) != 1 || frames[0].Type != MsgError {
		t.Fatalf("member removal should error, got %v", frameTypes(frames))
	}
	queue, _ = srv.store.ListQueue(context.Background(), room.ID)
	if len(queue) != 1 {
		t.Fatalf("queue must be untouched: %+v", queue)
	}

	host.deliver(t, MsgRemoveFromQueue, RemoveFromQueuePayload{ItemID: queue[0].ID})
	hostFrames := drainFrames(t, host)
	if countType(hostFrames, MsgQueueUpdated) != 1 {
		t.Fatalf("host removal should broadcast queue_updated, got %v", frameTypes(hostFrames))
	}
	queue, _ = srv.store.ListQueue(context.Background(), room.ID)
	if len(queue) != 0 {
		t.Fatalf("item should be removed: %+v", queue)
	}
}
