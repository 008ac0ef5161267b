package remote

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func testClient(t *testing.T) (*Client, *MemoryStore) {
	t.Helper()
	ms := NewMemoryStore()
	return NewClient(ms, zap.NewNop()), ms
}

func TestMemoryStoreGetMissing(t *testing.T) {
	ms := NewMemoryStore()
	if _, err := ms.Get(context.Background(), CollectionUsers, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := ms.UpdateFields(context.Background(), CollectionUsers, "nope", Fields{"x": 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateFields err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	in := Fields{"rooms": []string{"a"}}
	if err := ms.Set(ctx, CollectionUsers, "u1", in); err != nil {
		t.Fatal(err)
	}
	in["rooms"] = []string{"mutated"}

	out, err := ms.Get(ctx, CollectionUsers, "u1")
	if err != nil {
		t.Fatal(err)
	}
	rooms := asStrings(out, "rooms")
	if len(rooms) != 1 || rooms[0] != "a" {
		t.Errorf("stored doc aliased caller's map: %v", rooms)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := ms.RunTransaction(ctx, func(tx Tx) error {
		if err := tx.Set(CollectionRooms, "r1", Fields{"roomId": "r1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := ms.Get(ctx, CollectionRooms, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed transaction leaked a write: err = %v", err)
	}
}

func TestListenTicksOnDocAndSubWrites(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	ch, cancel := ms.Listen(CollectionRooms, "r1")
	defer cancel()

	if err := ms.Set(ctx, CollectionRooms, "r1", Fields{"roomId": "r1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("no tick after Set")
	}

	if err := ms.SetSub(ctx, CollectionRooms, "r1", SubMessages, "1", Fields{"id": int64(1)}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("no tick after SetSub on parent doc")
	}
}

func TestListenCancelStopsTicks(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	ch, cancel := ms.Listen(CollectionRooms, "r1")
	cancel()

	if err := ms.Set(ctx, CollectionRooms, "r1", Fields{}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
		t.Error("tick after cancel")
	default:
	}
}

func TestLookupUserByNumber(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	if err := c.SaveUser(ctx, &UserDoc{AccountID: "uidR", Number: "+912222222222", Name: "R"}); err != nil {
		t.Fatal(err)
	}

	u, err := c.LookupUser(ctx, "+912222222222")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.AccountID != "uidR" {
		t.Errorf("got %+v, want uidR", u)
	}

	u, err = c.LookupUser(ctx, "+910000000000")
	if err != nil {
		t.Fatal(err)
	}
	if u != nil {
		t.Errorf("unknown number resolved to %+v", u)
	}
}

func TestAddRoomToUserDedups(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	if err := c.SaveUser(ctx, &UserDoc{AccountID: "uidS"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.AddRoomToUser(ctx, "uidS", "room1"); err != nil {
			t.Fatal(err)
		}
	}

	u, err := c.GetUser(ctx, "uidS")
	if err != nil {
		t.Fatal(err)
	}
	if len(u.ChatRoomIDs) != 1 {
		t.Errorf("chatRoomIds = %v, want single entry", u.ChatRoomIDs)
	}
}

func TestRoomExistsChecksBothOrderings(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	if err := c.CreateRoom(ctx, "b-*-a", []string{"a", "b"}, nil); err != nil {
		t.Fatal(err)
	}

	id, ok, err := c.RoomExists(ctx, "a-*-b", "b-*-a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != "b-*-a" {
		t.Errorf("got (%q, %v), want the reversed id found", id, ok)
	}
}

func TestAppendMessageUpdatesSummary(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	first := &MessageDoc{ID: 1, Message: "hi", SenderID: "uidS", SentTime: 1000, Status: 1}
	if err := c.CreateRoom(ctx, "uidS-*-uidR", []string{"uidS", "uidR"}, first); err != nil {
		t.Fatal(err)
	}
	second := &MessageDoc{ID: 2, Message: "again", SenderID: "uidS", SentTime: 2000, Status: 1}
	if err := c.AppendMessage(ctx, "uidS-*-uidR", second); err != nil {
		t.Fatal(err)
	}

	room, err := c.GetRoom(ctx, "uidS-*-uidR")
	if err != nil {
		t.Fatal(err)
	}
	if room.Latest == nil || room.Latest.ID != 2 || room.Latest.Message != "again" {
		t.Errorf("latest = %+v, want message 2", room.Latest)
	}

	msgs, err := c.RoomMessages(ctx, "uidS-*-uidR")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != 1 || msgs[1].ID != 2 {
		t.Errorf("messages = %+v, want ids 1,2 in order", msgs)
	}
}

func TestAppendMessageToMissingRoom(t *testing.T) {
	c, _ := testClient(t)

	err := c.AppendMessage(context.Background(), "ghost", &MessageDoc{ID: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateMessageStatusMovesSummaryTogether(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	first := &MessageDoc{ID: 1, Message: "hi", SentTime: 1000, Status: 1}
	if err := c.CreateRoom(ctx, "uidS-*-uidR", []string{"uidS", "uidR"}, first); err != nil {
		t.Fatal(err)
	}

	if err := c.UpdateMessageStatus(ctx, "uidS-*-uidR", 1, 2, 5000); err != nil {
		t.Fatal(err)
	}

	msgs, _ := c.RoomMessages(ctx, "uidS-*-uidR")
	if msgs[0].Status != 2 || msgs[0].ReceivedTime != 5000 {
		t.Errorf("message = %+v, want status 2 with received time", msgs[0])
	}
	room, _ := c.GetRoom(ctx, "uidS-*-uidR")
	if room.Latest.Status != 2 {
		t.Errorf("summary status = %d, want 2 in lockstep with the message", room.Latest.Status)
	}

	// Stale status values are no-ops.
	if err := c.UpdateMessageStatus(ctx, "uidS-*-uidR", 1, 1, 0); err != nil {
		t.Fatal(err)
	}
	msgs, _ = c.RoomMessages(ctx, "uidS-*-uidR")
	if msgs[0].Status != 2 {
		t.Errorf("status regressed to %d", msgs[0].Status)
	}
}

func TestDeleteRoomDropsMessages(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	if err := c.CreateRoom(ctx, "r1", []string{"a", "b"}, &MessageDoc{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := c.RoomMessages(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d orphaned messages, want 0", len(msgs))
	}
}

func TestStatusClampOnRead(t *testing.T) {
	c, ms := testClient(t)
	ctx := context.Background()

	if err := c.CreateRoom(ctx, "r1", []string{"a", "b"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := ms.SetSub(ctx, CollectionRooms, "r1", SubMessages, "1", Fields{"id": int64(1), "status": int64(99)}); err != nil {
		t.Fatal(err)
	}

	msgs, err := c.RoomMessages(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != 0 {
		t.Errorf("status = %d, want clamped to 0", msgs[0].Status)
	}
}
