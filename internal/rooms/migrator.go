// Package rooms moves conversations between identities. When a
// receiver who was only reachable by phone number signs in, their
// number-type room is folded into a permanent account-type room,
// remotely and in the local cache, without losing a message.
package rooms

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/bus"
	"github.com/pairchat/pairchat/internal/identity"
	"github.com/pairchat/pairchat/internal/remote"
	"github.com/pairchat/pairchat/internal/session"
	"github.com/pairchat/pairchat/internal/store"
)

// Migrator folds number-type rooms into account-type rooms. Migrate is
// re-entrant: every step either converges or is skipped when a prior
// run already did it, so a crash mid-way is repaired by running again.
type Migrator struct {
	db     *store.DB
	remote *remote.Client
	bus    *bus.Bus
	logger *zap.Logger
}

func NewMigrator(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, remote: client, bus: b, logger: logger.Named("migrator")}
}

// Migrate moves oldRoomID into the account-type room for the pair
// (sess.AccountID, receiverAccountID) and returns the new room id.
//
// Order of operations is create-before-delete: the new remote room is
// fully written, with the old room's messages copied id-for-id, before
// the old room disappears. The local cache is then re-homed in one
// transaction. If an account-type room for the pair already exists the
// old room is folded into it rather than creating a second one.
func (m *Migrator) Migrate(ctx context.Context, sess session.Identity, oldRoomID, receiverAccountID string) (string, error) {
	if !sess.Complete() {
		return "", identity.ErrUnresolved
	}

	newRoomID := identity.RoomID(sess.AccountID, receiverAccountID)
	existing, ok, err := m.remote.RoomExists(ctx, newRoomID, identity.RoomID(receiverAccountID, sess.AccountID))
	if err != nil {
		return "", fmt.Errorf("checking target room: %w", err)
	}
	if ok {
		// A prior run, or the other side, already created the target.
		// Backfill covers a run that crashed between creating the
		// target and copying the messages over.
		newRoomID = existing
		if err := m.backfill(ctx, oldRoomID, newRoomID); err != nil {
			return "", err
		}
		// The run that created the target may have crashed before
		// rewriting the participant pair.
		if err := m.remote.SetParticipants(ctx, newRoomID, []string{sess.AccountID, receiverAccountID}); err != nil {
			return "", fmt.Errorf("rewriting participants: %w", err)
		}
	} else {
		if err := m.copyRemote(ctx, sess, oldRoomID, newRoomID, receiverAccountID); err != nil {
			return "", err
		}
	}

	if err := m.cleanupRemote(ctx, sess, oldRoomID, receiverAccountID, newRoomID); err != nil {
		return "", err
	}

	if err := m.mirrorLocal(oldRoomID, newRoomID, receiverAccountID); err != nil {
		return "", err
	}

	m.logger.Info("room migrated",
		zap.String("from", oldRoomID),
		zap.String("to", newRoomID))
	m.bus.Publish(bus.Event{Kind: bus.KindRoomMigrated, Timestamp: time.Now(), Payload: map[string]string{
		"from": oldRoomID,
		"to":   newRoomID,
	}})
	return newRoomID, nil
}

// copyRemote writes the new room as a raw copy of the old one, then
// rewrites the participant pair to the account ids. Messages keep
// their ids, statuses and timestamps.
func (m *Migrator) copyRemote(ctx context.Context, sess session.Identity, oldRoomID, newRoomID, receiverAccountID string) error {
	oldRoom, err := m.remote.GetRoom(ctx, oldRoomID)
	if err != nil {
		return fmt.Errorf("reading old room: %w", err)
	}
	if oldRoom == nil {
		// Old room already gone and target absent: nothing to copy.
		// The local mirror below still re-homes whatever we cached.
		return m.remote.CreateRoom(ctx, newRoomID, []string{sess.AccountID, receiverAccountID}, nil)
	}

	msgs, err := m.remote.RoomMessages(ctx, oldRoomID)
	if err != nil {
		return fmt.Errorf("reading old messages: %w", err)
	}

	if err := m.remote.CreateRoom(ctx, newRoomID, oldRoom.Participants, oldRoom.Latest); err != nil {
		return fmt.Errorf("creating target room: %w", err)
	}
	for i := range msgs {
		if err := m.remote.AppendMessage(ctx, newRoomID, &msgs[i]); err != nil {
			return fmt.Errorf("copying message %d: %w", msgs[i].ID, err)
		}
	}
	if err := m.remote.SetParticipants(ctx, newRoomID, []string{sess.AccountID, receiverAccountID}); err != nil {
		return fmt.Errorf("rewriting participants: %w", err)
	}
	return nil
}

// backfill copies into the target any old-room message the target does
// not already hold. Messages the target has, under any status, win.
func (m *Migrator) backfill(ctx context.Context, oldRoomID, newRoomID string) error {
	old, err := m.remote.GetRoom(ctx, oldRoomID)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	msgs, err := m.remote.RoomMessages(ctx, oldRoomID)
	if err != nil {
		return err
	}
	have, err := m.remote.RoomMessages(ctx, newRoomID)
	if err != nil {
		return err
	}
	seen := make(map[int]bool, len(have))
	for _, msg := range have {
		seen[msg.ID] = true
	}
	copied := 0
	for i := range msgs {
		if seen[msgs[i].ID] {
			continue
		}
		if err := m.remote.AppendMessage(ctx, newRoomID, &msgs[i]); err != nil {
			return fmt.Errorf("backfilling message %d: %w", msgs[i].ID, err)
		}
		copied++
	}
	if copied == 0 {
		return nil
	}
	// Each append rewrote the latest summary; put the true latest back.
	all, err := m.remote.RoomMessages(ctx, newRoomID)
	if err != nil {
		return err
	}
	if len(all) > 0 {
		latest := all[len(all)-1]
		return m.remote.AppendMessage(ctx, newRoomID, &latest)
	}
	return nil
}

// cleanupRemote deletes the old room and swaps the room ids recorded
// on both user documents. Every step tolerates the previous run having
// already done it.
func (m *Migrator) cleanupRemote(ctx context.Context, sess session.Identity, oldRoomID, receiverAccountID, newRoomID string) error {
	old, err := m.remote.GetRoom(ctx, oldRoomID)
	if err != nil {
		return err
	}
	if old != nil {
		if err := m.remote.DeleteRoom(ctx, oldRoomID); err != nil {
			return fmt.Errorf("deleting old room: %w", err)
		}
	}

	for _, accountID := range []string{sess.AccountID, receiverAccountID} {
		u, err := m.remote.GetUser(ctx, accountID)
		if err != nil {
			return err
		}
		if u == nil {
			continue
		}
		if err := m.remote.RemoveRoomFromUser(ctx, accountID, oldRoomID); err != nil {
			return err
		}
		if err := m.remote.AddRoomToUser(ctx, accountID, newRoomID); err != nil {
			return err
		}
	}
	return nil
}

// mirrorLocal re-homes the cached copy. When the old room was already
// migrated locally only the new room's presence is ensured.
func (m *Migrator) mirrorLocal(oldRoomID, newRoomID, receiverAccountID string) error {
	old, err := m.db.GetRoom(oldRoomID)
	if err != nil {
		return err
	}
	if old == nil {
		return m.db.EnsureRoom(&store.Room{RoomID: newRoomID})
	}
	if err := m.db.MigrateRoom(oldRoomID, newRoomID, receiverAccountID); err != nil {
		return fmt.Errorf("migrating local cache: %w", err)
	}
	return nil
}
