package storage

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRoomLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room, err := store.CreateRoom(ctx, "host-1", "Dana")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(room.Code) != codeLength {
		t.Fatalf("expected %d-char code, got %q", codeLength, room.Code)
	}
	for _, r := range room.Code {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Fatalf("code %q contains %q outside the alphabet", room.Code, r)
		}
	}
	if !room.IsActive {
		t.Fatalf("new room should be active")
	}

	fetched, err := store.GetRoomByCode(ctx, room.Code)
	if err != nil {
		t.Fatalf("GetRoomByCode: %v", err)
	}
	if fetched == nil || fetched.ID != room.ID || fetched.HostID != "host-1" {
		t.Fatalf("unexpected room: %+v", fetched)
	}

	// the host membership row is created alongside the room
	members, err := store.ListMembers(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || !members[0].IsHost || members[0].UserID != "host-1" {
		t.Fatalf("unexpected members: %+v", members)
	}

	if err := store.CloseRoom(ctx, room.Code); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	fetched, err = store.GetRoomByCode(ctx, room.Code)
	if err != nil {
		t.Fatalf("GetRoomByCode after close: %v", err)
	}
	if fetched == nil || fetched.IsActive {
		t.Fatalf("closed room should still be fetchable and inactive: %+v", fetched)
	}
	members, err = store.ListMembers(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListMembers after close: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("close should purge members, got %+v", members)
	}
}

func TestGetRoomByCodeMissing(t *testing.T) {
	store := newTestStore(t)
	room, err := store.GetRoomByCode(context.Background(), "ZZZZZZ")
	if err != nil {
		t.Fatalf("GetRoomByCode: %v", err)
	}
	if room != nil {
		t.Fatalf("expected nil room, got %+v", room)
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room, err := store.CreateRoom(ctx, "host-1", "Dana")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := store.AddMember(ctx, room.ID, "user-2", "Lee", false); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := store.AddMember(ctx, room.ID, "user-2", "Lee again", false); err != nil {
		t.Fatalf("AddMember rejoin: %v", err)
	}
	members, err := store.ListMembers(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[1].DisplayName != "Lee" {
		t.Fatalf("rejoin must not overwrite the original row: %+v", members[1])
	}
}

func TestQueueAppendPositions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := mustCreateRoom(t, store, "host-1")

	for i, name := range []string{"one", "two", "three"} {
		item, err := store.AppendQueueItem(ctx, room.ID, QueueItem{
			TrackURI:  "spotify:track:" + name,
			TrackName: name,
			AddedBy:   "host-1",
		})
		if err != nil {
			t.Fatalf("AppendQueueItem %q: %v", name, err)
		}
		if item.Position != int64(i) {
			t.Fatalf("expected position %d for %q, got %d", i, name, item.Position)
		}
	}
	assertDensePositions(t, store, room.ID)
}

func TestQueueRemoveReindexes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := mustCreateRoom(t, store, "host-1")

	var ids []int64
	for _, name := range []string{"one", "two", "three"} {
		item, err := store.AppendQueueItem(ctx, room.ID, QueueItem{TrackURI: "spotify:track:" + name, TrackName: name, AddedBy: "host-1"})
		if err != nil {
			t.Fatalf("AppendQueueItem: %v", err)
		}
		ids = append(ids, item.ID)
	}

	// drop the middle item; survivors keep their relative order at 0 and 1
	if err := store.RemoveQueueItem(ctx, room.ID, ids[1]); err != nil {
		t.Fatalf("RemoveQueueItem: %v", err)
	}
	queue, err := store.ListQueue(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(queue) != 2 || queue[0].TrackName != "one" || queue[1].TrackName != "three" {
		t.Fatalf("unexpected queue after removal: %+v", queue)
	}
	assertDensePositions(t, store, room.ID)

	if err := store.RemoveQueueItem(ctx, room.ID, ids[1]); err != ErrQueueItemNotFound {
		t.Fatalf("expected ErrQueueItemNotFound, got %v", err)
	}
}

func TestQueueClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := mustCreateRoom(t, store, "host-1")
	for i := 0; i < 3; i++ {
		if _, err := store.AppendQueueItem(ctx, room.ID, QueueItem{TrackURI: "uri", AddedBy: "u"}); err != nil {
			t.Fatalf("AppendQueueItem: %v", err)
		}
	}
	if err := store.ClearQueue(ctx, room.ID); err != nil {
		t.Fatalf("ClearQueue: %v", err)
	}
	queue, err := store.ListQueue(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected empty queue, got %+v", queue)
	}
}

func TestPopFrontSequential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := mustCreateRoom(t, store, "host-1")

	for _, name := range []string{"one", "two"} {
		if _, err := store.AppendQueueItem(ctx, room.ID, QueueItem{TrackURI: name, TrackName: name, AddedBy: "u"}); err != nil {
			t.Fatalf("AppendQueueItem: %v", err)
		}
	}

	first, err := store.PopFrontQueueItem(ctx, room.ID)
	if err != nil {
		t.Fatalf("PopFrontQueueItem: %v", err)
	}
	if first == nil || first.TrackName != "one" {
		t.Fatalf("expected to pop \"one\", got %+v", first)
	}
	second, err := store.PopFrontQueueItem(ctx, room.ID)
	if err != nil {
		t.Fatalf("PopFrontQueueItem: %v", err)
	}
	if second == nil || second.TrackName != "two" {
		t.Fatalf("expected to pop \"two\", got %+v", second)
	}
	empty, err := store.PopFrontQueueItem(ctx, room.ID)
	if err != nil {
		t.Fatalf("PopFrontQueueItem on empty queue: %v", err)
	}
	if empty != nil {
		t.Fatalf("empty queue must pop nil, got %+v", empty)
	}
}

func TestPopFrontConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := mustCreateRoom(t, store, "host-1")

	const queued = 3
	const callers = 8
	for i := 0; i < queued; i++ {
		name := string(rune('a' + i))
		if _, err := store.AppendQueueItem(ctx, room.ID, QueueItem{TrackURI: name, TrackName: name, AddedBy: "u"}); err != nil {
			t.Fatalf("AppendQueueItem: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make(chan *QueueItem, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := store.PopFrontQueueItem(ctx, room.ID)
			if err != nil {
				t.Errorf("PopFrontQueueItem: %v", err)
				return
			}
			results <- item
		}()
	}
	wg.Wait()
	close(results)

	popped := make(map[int64]bool)
	var empties int
	for item := range results {
		if item == nil {
			empties++
			continue
		}
		if popped[item.ID] {
			t.Fatalf("item %d popped twice", item.ID)
		}
		popped[item.ID] = true
	}
	if len(popped) != queued {
		t.Fatalf("expected %d distinct pops, got %d", queued, len(popped))
	}
	if empties != callers-queued {
		t.Fatalf("expected %d empty results, got %d", callers-queued, empties)
	}
}

func TestSweepStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := mustCreateRoom(t, store, "host-stale")
	fresh := mustCreateRoom(t, store, "host-fresh")
	ageHeartbeat(t, store, stale.Code, time.Hour)

	codes, err := store.SweepStale(ctx, 15*time.Second)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(codes) != 1 || codes[0] != stale.Code {
		t.Fatalf("expected only %q swept, got %v", stale.Code, codes)
	}

	swept, err := store.GetRoomByCode(ctx, stale.Code)
	if err != nil || swept == nil || swept.IsActive {
		t.Fatalf("stale room should be inactive: %+v err=%v", swept, err)
	}
	kept, err := store.GetRoomByCode(ctx, fresh.Code)
	if err != nil || kept == nil || !kept.IsActive {
		t.Fatalf("fresh room should stay active: %+v err=%v", kept, err)
	}

	// a second sweep finds nothing left to close
	codes, err = store.SweepStale(ctx, 15*time.Second)
	if err != nil {
		t.Fatalf("SweepStale second pass: %v", err)
	}
	if len(codes) != 0 {
		t.Fatalf("second sweep should be empty, got %v", codes)
	}
}

func TestHeartbeatPreventsSweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := mustCreateRoom(t, store, "host-1")
	ageHeartbeat(t, store, room.Code, time.Hour)

	if err := store.UpdateHeartbeat(ctx, room.Code); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	codes, err := store.SweepStale(ctx, 15*time.Second)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(codes) != 0 {
		t.Fatalf("heartbeat should have kept the room alive, swept %v", codes)
	}
}

func TestHeartbeatIgnoresClosedRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := mustCreateRoom(t, store, "host-1")
	if err := store.CloseRoom(ctx, room.Code); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	if err := store.UpdateHeartbeat(ctx, room.Code); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	fetched, err := store.GetRoomByCode(ctx, room.Code)
	if err != nil || fetched == nil {
		t.Fatalf("GetRoomByCode: %+v err=%v", fetched, err)
	}
	if fetched.IsActive {
		t.Fatalf("closed room must stay closed")
	}
}

func TestPlaybackSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := mustCreateRoom(t, store, "host-1")

	snap := PlaybackSnapshot{TrackURI: "spotify:track:x", PositionMs: 42000, IsPlaying: true, DeviceID: "device-9"}
	if err := store.UpdatePlaybackSnapshot(ctx, room.Code, snap); err != nil {
		t.Fatalf("UpdatePlaybackSnapshot: %v", err)
	}
	fetched, err := store.GetRoomByCode(ctx, room.Code)
	if err != nil {
		t.Fatalf("GetRoomByCode: %v", err)
	}
	if fetched.TrackURI != snap.TrackURI || fetched.PositionMs != snap.PositionMs ||
		!fetched.IsPlaying || fetched.DeviceID != snap.DeviceID {
		t.Fatalf("snapshot not persisted: %+v", fetched)
	}

	if err := store.SetRoomDevice(ctx, room.Code, "device-10"); err != nil {
		t.Fatalf("SetRoomDevice: %v", err)
	}
	fetched, _ = store.GetRoomByCode(ctx, room.Code)
	if fetched.DeviceID != "device-10" {
		t.Fatalf("expected device-10, got %q", fetched.DeviceID)
	}
}

func TestProviderTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetProviderToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProviderToken: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil token, got %+v", missing)
	}

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := store.SaveProviderToken(ctx, ProviderToken{UserID: "user-1", AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: exp}); err != nil {
		t.Fatalf("SaveProviderToken: %v", err)
	}
	// refreshing with an empty refresh token keeps the stored one
	if err := store.SaveProviderToken(ctx, ProviderToken{UserID: "user-1", AccessToken: "at2", ExpiresAt: exp}); err != nil {
		t.Fatalf("SaveProviderToken update: %v", err)
	}
	token, err := store.GetProviderToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProviderToken: %v", err)
	}
	if token.AccessToken != "at2" || token.RefreshToken != "rt1" {
		t.Fatalf("unexpected token: %+v", token)
	}
}

func assertDensePositions(t *testing.T, store *Store, roomID int64) {
	t.Helper()
	queue, err := store.ListQueue(context.Background(), roomID)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	for i, item := range queue {
		if item.Position != int64(i) {
			t.Fatalf("position gap at index %d: %+v", i, queue)
		}
	}
}

func mustCreateRoom(t *testing.T, store *Store, hostID string) *Room {
	t.Helper()
	room, err := store.CreateRoom(context.Background(), hostID, hostID)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return room
}

func ageHeartbeat(t *testing.T, store *Store, code string, by time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-by)
	if _, err := store.db.Exec(`UPDATE rooms SET last_heartbeat = ? WHERE code = ?`, past, code); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
