package identity

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/remote"
	"github.com/pairchat/pairchat/internal/session"
)

var (
	sender = session.Identity{AccountID: "uidS", Number: "+911111111111"}
	recvNo = "+912222222222"
)

func testResolver(t *testing.T) (*Resolver, *remote.Client) {
	t.Helper()
	client := remote.NewClient(remote.NewMemoryStore(), zap.NewNop())
	return NewResolver(client, zap.NewNop()), client
}

func TestResolveIncompleteSession(t *testing.T) {
	r, _ := testResolver(t)

	_, err := r.ResolveRoomID(context.Background(), session.Identity{}, recvNo)
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("err = %v, want ErrUnresolved", err)
	}
}

func TestResolveUnregisteredReceiver(t *testing.T) {
	r, _ := testResolver(t)

	addr, err := r.ResolveRoomID(context.Background(), sender, recvNo)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Type != TypeNumber || addr.Existing || addr.MigrateFrom != "" {
		t.Errorf("addr = %+v, want fresh number-type room", addr)
	}
	if addr.RoomID != "+911111111111-*-+912222222222" {
		t.Errorf("roomID = %q", addr.RoomID)
	}
}

func TestResolveStubReceiverStaysNumberType(t *testing.T) {
	r, client := testResolver(t)
	ctx := context.Background()

	if err := client.SaveUser(ctx, &remote.UserDoc{AccountID: "stub1", Number: recvNo, Stub: true}); err != nil {
		t.Fatal(err)
	}
	if err := client.CreateRoom(ctx, RoomID(sender.Number, recvNo), []string{sender.Number, recvNo}, nil); err != nil {
		t.Fatal(err)
	}

	addr, err := r.ResolveRoomID(ctx, sender, recvNo)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Type != TypeNumber || !addr.Existing {
		t.Errorf("addr = %+v, want existing number-type room", addr)
	}
}

func TestResolveFindsReversedOrdering(t *testing.T) {
	r, client := testResolver(t)
	ctx := context.Background()

	if err := client.SaveUser(ctx, &remote.UserDoc{AccountID: "uidR", Number: recvNo}); err != nil {
		t.Fatal(err)
	}
	// Room created by the other side, so the id is reversed.
	if err := client.CreateRoom(ctx, "uidR-*-uidS", []string{"uidR", "uidS"}, nil); err != nil {
		t.Fatal(err)
	}

	addr, err := r.ResolveRoomID(ctx, sender, recvNo)
	if err != nil {
		t.Fatal(err)
	}
	if !addr.Existing || addr.RoomID != "uidR-*-uidS" {
		t.Errorf("addr = %+v, want the reversed existing room", addr)
	}
}

func TestResolveFlagsNumberRoomForMigration(t *testing.T) {
	r, client := testResolver(t)
	ctx := context.Background()

	if err := client.CreateRoom(ctx, RoomID(sender.Number, recvNo), []string{sender.Number, recvNo}, nil); err != nil {
		t.Fatal(err)
	}
	// Receiver signs in after the number room already exists.
	if err := client.SaveUser(ctx, &remote.UserDoc{AccountID: "uidR", Number: recvNo}); err != nil {
		t.Fatal(err)
	}

	addr, err := r.ResolveRoomID(ctx, sender, recvNo)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Type != TypeAccount || addr.Existing {
		t.Errorf("addr = %+v, want new account-type target", addr)
	}
	if addr.RoomID != "uidS-*-uidR" {
		t.Errorf("roomID = %q, want uidS-*-uidR", addr.RoomID)
	}
	if addr.MigrateFrom != "+911111111111-*-+912222222222" {
		t.Errorf("migrateFrom = %q", addr.MigrateFrom)
	}
}

func TestResolveFlagsLeftoverNumberRoom(t *testing.T) {
	r, client := testResolver(t)
	ctx := context.Background()

	// A crashed migration left both rooms behind.
	if err := client.SaveUser(ctx, &remote.UserDoc{AccountID: "uidR", Number: recvNo}); err != nil {
		t.Fatal(err)
	}
	if err := client.CreateRoom(ctx, RoomID(sender.Number, recvNo), []string{sender.Number, recvNo}, nil); err != nil {
		t.Fatal(err)
	}
	if err := client.CreateRoom(ctx, "uidS-*-uidR", []string{sender.Number, recvNo}, nil); err != nil {
		t.Fatal(err)
	}

	addr, err := r.ResolveRoomID(ctx, sender, recvNo)
	if err != nil {
		t.Fatal(err)
	}
	if !addr.Existing || addr.RoomID != "uidS-*-uidR" {
		t.Errorf("addr = %+v, want existing account room", addr)
	}
	if addr.MigrateFrom != "+911111111111-*-+912222222222" {
		t.Errorf("migrateFrom = %q, leftover number room must still be folded in", addr.MigrateFrom)
	}
}

func TestResolveCachesLookups(t *testing.T) {
	r, client := testResolver(t)
	ctx := context.Background()

	if err := client.SaveUser(ctx, &remote.UserDoc{AccountID: "uidR", Number: recvNo}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ResolveRoomID(ctx, sender, recvNo); err != nil {
		t.Fatal(err)
	}

	// The account behind the number changes, but the cached lookup
	// still wins until invalidated.
	if err := client.Raw().Delete(ctx, remote.CollectionUsers, "uidR"); err != nil {
		t.Fatal(err)
	}
	if err := client.SaveUser(ctx, &remote.UserDoc{AccountID: "uidR2", Number: recvNo}); err != nil {
		t.Fatal(err)
	}
	addr, err := r.ResolveRoomID(ctx, sender, recvNo)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Receiver.AccountID != "uidR" {
		t.Errorf("receiver = %q, want cached uidR", addr.Receiver.AccountID)
	}

	r.Invalidate(recvNo)
	addr, err = r.ResolveRoomID(ctx, sender, recvNo)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Receiver.AccountID != "uidR2" {
		t.Errorf("receiver = %q, want fresh uidR2 after Invalidate", addr.Receiver.AccountID)
	}
}
