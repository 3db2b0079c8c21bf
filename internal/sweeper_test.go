package internal

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSweepClosesStaleRooms(t *testing.T) {
	srv, _ := newTestServer(t)
	first := mustRoom(t, srv, "host-1")
	second := mustRoom(t, srv, "host-2")
	member := joinSession(t, srv, first.Code, "u2", "Lee", "s-member")

	// with a nanosecond timeout every room is already stale
	sweeper := NewSweeper(srv, time.Hour, time.Nanosecond)
	time.Sleep(2 * time.Millisecond)

	codes, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(codes) != 2 {
		t.Fatalf("expected both rooms swept, got %v", codes)
	}

	for _, code := range []string{first.Code, second.Code} {
		room, err := srv.store.GetRoomByCode(context.Background(), code)
		if err != nil || room == nil || room.IsActive {
			t.Fatalf("room %s should be inactive: %+v err=%v", code, room, err)
		}
	}

	frames := drainFrames(t, member)
	if countType(frames, MsgRoomClosed) != 1 {
		t.Fatalf("bound socket should get one room_closed, got %v", frameTypes(frames))
	}
	var payload RoomClosedPayload
	for _, f := range frames {
		if f.Type == MsgRoomClosed {
			_ = json.Unmarshal(f.Payload, &payload)
		}
	}
	if payload.RoomCode != first.Code {
		t.Fatalf("unexpected room_closed payload: %+v", payload)
	}
	if got := srv.registry.Count(first.Code); got != 0 {
		t.Fatalf("registry entry should be evicted, count=%d", got)
	}
}

func TestSweepLeavesFreshRoomsAlone(t *testing.T) {
	srv, _ := newTestServer(t)
	room := mustRoom(t, srv, "host-1")

	sweeper := NewSweeper(srv, time.Hour, time.Hour)
	codes, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(codes) != 0 {
		t.Fatalf("nothing should be swept, got %v", codes)
	}
	stored, _ := srv.store.GetRoomByCode(context.Background(), room.Code)
	if !stored.IsActive {
		t.Fatalf("fresh room must stay active")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	mustRoom(t, srv, "host-1")

	sweeper := NewSweeper(srv, time.Hour, time.Nanosecond)
	time.Sleep(2 * time.Millisecond)

	if codes, err := sweeper.Sweep(context.Background()); err != nil || len(codes) != 1 {
		t.Fatalf("first pass: codes=%v err=%v", codes, err)
	}
	if codes, err := sweeper.Sweep(context.Background()); err != nil || len(codes) != 0 {
		t.Fatalf("second pass should find nothing: codes=%v err=%v", codes, err)
	}
}

func TestSweeperStartStop(t *testing.T) {
	srv, _ := newTestServer(t)
	sweeper := NewSweeper(srv, 10*time.Millisecond, time.Hour)
	sweeper.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	sweeper.Stop()
}
