// Package sync reconciles the local message cache against the remote
// store. Reconciliation only ever adds: the local cache is
// authoritative for anything it already holds, and nothing here
// deletes a message.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/bus"
	"github.com/pairchat/pairchat/internal/remote"
	"github.com/pairchat/pairchat/internal/store"
)

// Reconciler pulls remote room state into the local cache. Rooms are
// reconciled on demand and, once listened to, on every remote change
// tick.
type Reconciler struct {
	db     *store.DB
	remote *remote.Client
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewReconciler(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:      db,
		remote:  client,
		bus:     b,
		logger:  logger.Named("sync"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// ReconcileRoom folds the remote state of one room into the local
// cache: remote-only messages are inserted, statuses that moved
// forward remotely are advanced, and everything local stays put. A
// malformed remote batch fails the room without touching the cache.
func (r *Reconciler) ReconcileRoom(ctx context.Context, roomID string) error {
	room, err := r.remote.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("reading room %s: %w", roomID, err)
	}
	if room == nil {
		return fmt.Errorf("room %s missing remotely", roomID)
	}

	msgs, err := r.remote.RoomMessages(ctx, roomID)
	if err != nil {
		return fmt.Errorf("reading messages of %s: %w", roomID, err)
	}
	if err := validateBatch(msgs); err != nil {
		return fmt.Errorf("room %s: %w", roomID, err)
	}

	if err := r.db.EnsureRoom(&store.Room{RoomID: roomID}); err != nil {
		return err
	}

	have, err := r.db.MessageIDs(roomID)
	if err != nil {
		return err
	}

	changed := false
	var latest int64
	for i := range msgs {
		m := &msgs[i]
		if m.SentTime > latest {
			latest = m.SentTime
		}
		if !have[m.ID] {
			inserted, err := r.db.InsertMessageIgnore(&store.Message{
				RoomID:       roomID,
				ID:           m.ID,
				Message:      m.Message,
				SenderID:     m.SenderID,
				ReceiverID:   m.ReceiverID,
				SentTime:     m.SentTime,
				ReceivedTime: m.ReceivedTime,
				Status:       store.ClampStatus(m.Status),
			})
			if err != nil {
				return fmt.Errorf("inserting message %d: %w", m.ID, err)
			}
			if inserted {
				changed = true
			}
			continue
		}
		// Known message: only its status can move, and only forward.
		if err := r.db.AdvanceMessageStatus(roomID, m.ID, store.ClampStatus(m.Status), m.ReceivedTime); err != nil {
			return fmt.Errorf("advancing message %d: %w", m.ID, err)
		}
	}

	if latest > 0 {
		if err := r.db.TouchRoom(roomID, latest); err != nil {
			return err
		}
	}

	if changed {
		r.logger.Debug("room reconciled", zap.String("room_id", roomID), zap.Int("remote_messages", len(msgs)))
	}
	r.bus.Publish(bus.Event{Kind: bus.KindRoomUpdated, Timestamp: time.Now(), Payload: roomID})
	return nil
}

// validateBatch rejects a remote batch that cannot be reconciled
// safely. The local cache is left untouched when this fails.
func validateBatch(msgs []remote.MessageDoc) error {
	seen := make(map[int]bool, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.ID < 1 {
			return fmt.Errorf("malformed batch: message id %d", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("malformed batch: duplicate message id %d", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// ListenRoom reconciles roomID now and again on every remote change
// until StopRoom or Stop. Listening twice is a no-op.
func (r *Reconciler) ListenRoom(ctx context.Context, roomID string) {
	r.mu.Lock()
	if _, ok := r.cancels[roomID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancels[roomID] = cancel
	r.mu.Unlock()

	ticks, release := r.remote.Raw().Listen(remote.CollectionRooms, roomID)

	go func() {
		defer release()
		r.reconcileLogged(ctx, roomID)
		for {
			select {
			case <-ticks:
				r.reconcileLogged(ctx, roomID)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Reconciler) reconcileLogged(ctx context.Context, roomID string) {
	if err := r.ReconcileRoom(ctx, roomID); err != nil {
		r.logger.Error("reconcile failed", zap.Error(err), zap.String("room_id", roomID))
		r.bus.PublishError(fmt.Sprintf("sync failed for room %s: %v", roomID, err))
	}
}

// FollowUser watches the signed-in user's document and starts a room
// listener for every room id on it. Rooms created by the counterpart
// reach the local cache this way. Following twice is a no-op.
func (r *Reconciler) FollowUser(ctx context.Context, accountID string) {
	key := "user/" + accountID
	r.mu.Lock()
	if _, ok := r.cancels[key]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancels[key] = cancel
	r.mu.Unlock()

	ticks, release := r.remote.Raw().Listen(remote.CollectionUsers, accountID)

	go func() {
		defer release()
		r.listenUserRooms(ctx, accountID)
		for {
			select {
			case <-ticks:
				r.listenUserRooms(ctx, accountID)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Reconciler) listenUserRooms(ctx context.Context, accountID string) {
	u, err := r.remote.GetUser(ctx, accountID)
	if err != nil {
		r.logger.Error("reading user room list", zap.Error(err), zap.String("account_id", accountID))
		return
	}
	if u == nil {
		return
	}
	for _, roomID := range u.ChatRoomIDs {
		r.ListenRoom(ctx, roomID)
	}
}

// StopRoom stops listening to one room.
func (r *Reconciler) StopRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[roomID]; ok {
		cancel()
		delete(r.cancels, roomID)
	}
}

// Stop stops every listener.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID, cancel := range r.cancels {
		cancel()
		delete(r.cancels, roomID)
	}
}
