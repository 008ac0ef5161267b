package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/bus"
	"github.com/pairchat/pairchat/internal/remote"
	"github.com/pairchat/pairchat/internal/store"
)

const roomID = "uidS-*-uidR"

func testReconciler(t *testing.T) (*Reconciler, *store.DB, *remote.Client, *remote.MemoryStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ms := remote.NewMemoryStore()
	client := remote.NewClient(ms, zap.NewNop())
	return NewReconciler(db, client, bus.New(), zap.NewNop()), db, client, ms
}

func TestReconcileInsertsRemoteOnly(t *testing.T) {
	r, db, client, _ := testReconciler(t)
	ctx := context.Background()

	first := &remote.MessageDoc{ID: 1, Message: "hello", SenderID: "uidR", SentTime: 1000, Status: 1}
	if err := client.CreateRoom(ctx, roomID, []string{"uidS", "uidR"}, first); err != nil {
		t.Fatal(err)
	}
	if err := client.AppendMessage(ctx, roomID, &remote.MessageDoc{ID: 2, Message: "there", SenderID: "uidR", SentTime: 2000, Status: 1}); err != nil {
		t.Fatal(err)
	}

	if err := r.ReconcileRoom(ctx, roomID); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d local messages, want 2", len(msgs))
	}
	room, _ := db.GetRoom(roomID)
	if room.LastMessageUpdatedAt != 2000 {
		t.Errorf("room touch = %d, want 2000", room.LastMessageUpdatedAt)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, db, client, _ := testReconciler(t)
	ctx := context.Background()

	if err := client.CreateRoom(ctx, roomID, nil, &remote.MessageDoc{ID: 1, SentTime: 1000}); err != nil {
		t.Fatal(err)
	}

	if err := r.ReconcileRoom(ctx, roomID); err != nil {
		t.Fatal(err)
	}
	if err := r.ReconcileRoom(ctx, roomID); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages(roomID)
	if len(msgs) != 1 {
		t.Errorf("got %d messages after double reconcile, want 1", len(msgs))
	}
}

func TestReconcileKeepsLocalCopy(t *testing.T) {
	r, db, client, _ := testReconciler(t)
	ctx := context.Background()

	if err := db.EnsureRoom(&store.Room{RoomID: roomID}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMessage(&store.Message{RoomID: roomID, ID: 1, Message: "local text", Status: store.StatusProcessing}); err != nil {
		t.Fatal(err)
	}
	if err := client.CreateRoom(ctx, roomID, nil, &remote.MessageDoc{ID: 1, Message: "remote text", Status: 0}); err != nil {
		t.Fatal(err)
	}

	if err := r.ReconcileRoom(ctx, roomID); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage(roomID, 1)
	if m.Message != "local text" {
		t.Errorf("message = %q, local copy must win", m.Message)
	}
}

func TestReconcileAdvancesStatus(t *testing.T) {
	r, db, client, _ := testReconciler(t)
	ctx := context.Background()

	if err := db.EnsureRoom(&store.Room{RoomID: roomID}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMessage(&store.Message{RoomID: roomID, ID: 1, Status: store.StatusSent}); err != nil {
		t.Fatal(err)
	}
	if err := client.CreateRoom(ctx, roomID, nil, &remote.MessageDoc{ID: 1, Status: 3, ReceivedTime: 5000}); err != nil {
		t.Fatal(err)
	}

	if err := r.ReconcileRoom(ctx, roomID); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage(roomID, 1)
	if m.Status != store.StatusSeen || m.ReceivedTime != 5000 {
		t.Errorf("message = %+v, want status seen with received time", m)
	}
}

func TestReconcileNeverRegressesStatus(t *testing.T) {
	r, db, client, _ := testReconciler(t)
	ctx := context.Background()

	if err := db.EnsureRoom(&store.Room{RoomID: roomID}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMessage(&store.Message{RoomID: roomID, ID: 1, Status: store.StatusSeen}); err != nil {
		t.Fatal(err)
	}
	if err := client.CreateRoom(ctx, roomID, nil, &remote.MessageDoc{ID: 1, Status: 1}); err != nil {
		t.Fatal(err)
	}

	if err := r.ReconcileRoom(ctx, roomID); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage(roomID, 1)
	if m.Status != store.StatusSeen {
		t.Errorf("status regressed to %v", m.Status)
	}
}

func TestReconcileRejectsMalformedBatch(t *testing.T) {
	r, db, client, ms := testReconciler(t)
	ctx := context.Background()

	if err := db.EnsureRoom(&store.Room{RoomID: roomID}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMessage(&store.Message{RoomID: roomID, ID: 1, Message: "kept"}); err != nil {
		t.Fatal(err)
	}

	if err := client.CreateRoom(ctx, roomID, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := ms.SetSub(ctx, remote.CollectionRooms, roomID, remote.SubMessages, "bad", remote.Fields{"id": int64(0), "message": "junk"}); err != nil {
		t.Fatal(err)
	}

	if err := r.ReconcileRoom(ctx, roomID); err == nil {
		t.Fatal("malformed batch accepted")
	}

	msgs, _ := db.ListMessages(roomID)
	if len(msgs) != 1 || msgs[0].Message != "kept" {
		t.Errorf("local cache disturbed by malformed batch: %+v", msgs)
	}
}

func TestReconcileMissingRoom(t *testing.T) {
	r, _, _, _ := testReconciler(t)

	if err := r.ReconcileRoom(context.Background(), "ghost"); err == nil {
		t.Fatal("missing remote room accepted")
	}
}

func TestListenRoomFollowsRemoteWrites(t *testing.T) {
	r, db, client, _ := testReconciler(t)
	ctx := context.Background()

	if err := client.CreateRoom(ctx, roomID, nil, &remote.MessageDoc{ID: 1, SentTime: 1000}); err != nil {
		t.Fatal(err)
	}

	r.ListenRoom(ctx, roomID)
	defer r.Stop()

	waitFor(t, func() bool {
		msgs, _ := db.ListMessages(roomID)
		return len(msgs) == 1
	})

	if err := client.AppendMessage(ctx, roomID, &remote.MessageDoc{ID: 2, SentTime: 2000}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		msgs, _ := db.ListMessages(roomID)
		return len(msgs) == 2
	})
}

func TestFollowUserDiscoversNewRooms(t *testing.T) {
	r, db, client, _ := testReconciler(t)
	ctx := context.Background()

	if err := client.SaveUser(ctx, &remote.UserDoc{AccountID: "uidS", Number: "+911111111111"}); err != nil {
		t.Fatal(err)
	}
	r.FollowUser(ctx, "uidS")
	defer r.Stop()

	// The counterpart opens the conversation: creates the room and
	// records it on our user document.
	inbound := "uidR-*-uidS"
	if err := client.CreateRoom(ctx, inbound, []string{"uidR", "uidS"}, &remote.MessageDoc{ID: 1, Message: "hi", SenderID: "uidR", SentTime: 1000, Status: 1}); err != nil {
		t.Fatal(err)
	}
	if err := client.AddRoomToUser(ctx, "uidS", inbound); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		msgs, _ := db.ListMessages(inbound)
		return len(msgs) == 1
	})

	// And the room keeps being followed afterwards.
	if err := client.AppendMessage(ctx, inbound, &remote.MessageDoc{ID: 2, Message: "there", SenderID: "uidR", SentTime: 2000, Status: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		msgs, _ := db.ListMessages(inbound)
		return len(msgs) == 2
	})
}

func TestStopRoomStopsFollowing(t *testing.T) {
	r, db, client, _ := testReconciler(t)
	ctx := context.Background()

	if err := client.CreateRoom(ctx, roomID, nil, &remote.MessageDoc{ID: 1, SentTime: 1000}); err != nil {
		t.Fatal(err)
	}
	r.ListenRoom(ctx, roomID)
	waitFor(t, func() bool {
		msgs, _ := db.ListMessages(roomID)
		return len(msgs) == 1
	})

	r.StopRoom(roomID)
	time.Sleep(20 * time.Millisecond)

	if err := client.AppendMessage(ctx, roomID, &remote.MessageDoc{ID: 2, SentTime: 2000}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	msgs, _ := db.ListMessages(roomID)
	if len(msgs) != 1 {
		t.Errorf("got %d messages after StopRoom, want 1", len(msgs))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
