package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/identity"
	"github.com/pairchat/pairchat/internal/jobs"
	"github.com/pairchat/pairchat/internal/remote"
	"github.com/pairchat/pairchat/internal/rooms"
	"github.com/pairchat/pairchat/internal/session"
	"github.com/pairchat/pairchat/internal/store"
)

// Handlers implements the background jobs behind sending: creating the
// room a conversation belongs in, and delivering a single message.
// Both are written to be retried: every step either converges or
// detects that a previous attempt already did the work.
type Handlers struct {
	db       *store.DB
	remote   *remote.Client
	resolver *identity.Resolver
	migrator *rooms.Migrator
	logger   *zap.Logger
}

func NewHandlers(db *store.DB, client *remote.Client, resolver *identity.Resolver, migrator *rooms.Migrator, logger *zap.Logger) *Handlers {
	return &Handlers{
		db:       db,
		remote:   client,
		resolver: resolver,
		migrator: migrator,
		logger:   logger.Named("chat"),
	}
}

// Register installs both handlers on the queue.
func (h *Handlers) Register(q *jobs.Queue) {
	q.Register(jobs.KindCreateRoom, h.HandleCreateRoom)
	q.Register(jobs.KindAppendMessage, h.HandleAppendMessage)
}

// HandleCreateRoom makes sure the remote room for a sender/receiver
// pair exists and returns its id. Which room that is depends on the
// receiver: an account holder gets an account-type room (folding in
// any older number-type room), everyone else gets a number-type room
// and, if not yet registered, a stub account to hang it on.
func (h *Handlers) HandleCreateRoom(ctx context.Context, job *store.Job) (string, error) {
	var p createRoomPayload
	if err := decode(job.Payload, &p); err != nil {
		return "", jobs.Permanent(fmt.Errorf("bad payload: %w", err))
	}
	if p.SenderAccountID == "" || p.SenderNumber == "" || p.ReceiverNumber == "" {
		return "", jobs.Permanent(errors.New("payload missing sender or receiver"))
	}
	sess := session.Identity{AccountID: p.SenderAccountID, Number: p.SenderNumber}

	h.resolver.Invalidate(p.ReceiverNumber)
	addr, err := h.resolver.ResolveRoomID(ctx, sess, p.ReceiverNumber)
	if err != nil {
		if errors.Is(err, identity.ErrUnresolved) {
			return "", jobs.Permanent(err)
		}
		return "", err
	}

	roomID := addr.RoomID
	switch {
	case addr.MigrateFrom != "":
		// Runs even when the target room already exists: a crash
		// between create and delete leaves the old room behind, and
		// Migrate folds it in and finishes the cleanup.
		roomID, err = h.migrator.Migrate(ctx, sess, addr.MigrateFrom, addr.Receiver.AccountID)
		if err != nil {
			if errors.Is(err, identity.ErrUnresolved) {
				return "", jobs.Permanent(err)
			}
			return "", fmt.Errorf("migrating %s: %w", addr.MigrateFrom, err)
		}
		h.resolver.Invalidate(p.ReceiverNumber)

	case addr.Existing:
		// Nothing to create. A dead previous attempt lands here too.

	default:
		if err := h.createFresh(ctx, sess, &p, addr); err != nil {
			return "", err
		}
	}

	if err := h.adoptLocalRoom(p.LocalRoomID, roomID, addr); err != nil {
		return "", err
	}

	if p.RoomCreatedAt > 0 {
		if err := h.remote.SetLastRoomCreatedAt(ctx, sess.AccountID, p.RoomCreatedAt); err != nil {
			h.logger.Warn("failed to stamp lastRoomCreatedAt", zap.Error(err))
		}
		if err := h.db.SetLastRoomCreatedAt(sess.AccountID, p.RoomCreatedAt); err != nil {
			h.logger.Warn("failed to stamp local lastRoomCreatedAt", zap.Error(err))
		}
	}

	h.logger.Info("room ready",
		zap.String("room_id", roomID),
		zap.String("receiver", p.ReceiverNumber),
		zap.Stringer("type", identity.Type(roomID)))
	return encode(createRoomResult{RoomID: roomID}), nil
}

// createFresh creates the room the resolver asked for, provisioning a
// stub account first when the receiver is not registered at all.
func (h *Handlers) createFresh(ctx context.Context, sess session.Identity, p *createRoomPayload, addr *identity.Address) error {
	receiver := addr.Receiver
	if receiver == nil {
		receiver = &remote.UserDoc{
			AccountID:            uuid.NewString(),
			Number:               p.ReceiverNumber,
			Name:                 p.ReceiverName,
			PhotoRef:             p.ReceiverPhoto,
			Stub:                 true,
			LastProfileUpdatedAt: time.Now().UnixMilli(),
		}
		if err := h.remote.SaveUser(ctx, receiver); err != nil {
			return fmt.Errorf("provisioning stub receiver: %w", err)
		}
		h.resolver.Invalidate(p.ReceiverNumber)
	}

	var participants []string
	if addr.Type == identity.TypeAccount {
		participants = []string{sess.AccountID, receiver.AccountID}
	} else {
		participants = []string{sess.Number, p.ReceiverNumber}
	}
	if err := h.remote.CreateRoom(ctx, addr.RoomID, participants, nil); err != nil {
		return fmt.Errorf("creating room: %w", err)
	}

	for _, accountID := range []string{sess.AccountID, receiver.AccountID} {
		if u, err := h.remote.GetUser(ctx, accountID); err != nil {
			return err
		} else if u == nil {
			continue
		}
		if err := h.remote.AddRoomToUser(ctx, accountID, addr.RoomID); err != nil {
			return fmt.Errorf("recording room on %s: %w", accountID, err)
		}
	}
	return nil
}

// adoptLocalRoom re-homes the provisional local room when the resolved
// room id differs, keeping the receiver row pointed at the right row.
func (h *Handlers) adoptLocalRoom(localRoomID, roomID string, addr *identity.Address) error {
	if localRoomID == "" || localRoomID == roomID {
		return h.db.EnsureRoom(&store.Room{RoomID: roomID})
	}
	local, err := h.db.GetRoom(localRoomID)
	if err != nil {
		return err
	}
	if local == nil {
		return h.db.EnsureRoom(&store.Room{RoomID: roomID})
	}
	receiverAccountID := ""
	if addr.Receiver != nil {
		receiverAccountID = addr.Receiver.AccountID
	}
	return h.db.MigrateRoom(localRoomID, roomID, receiverAccountID)
}

// HandleAppendMessage delivers one locally stored message. If the
// conversation still sits in a number-type room but the receiver has
// an account by now, the room is migrated before the message goes out.
func (h *Handlers) HandleAppendMessage(ctx context.Context, job *store.Job) (string, error) {
	var p appendMessagePayload
	if err := decode(job.Payload, &p); err != nil {
		return "", jobs.Permanent(fmt.Errorf("bad payload: %w", err))
	}
	sess := session.Identity{AccountID: p.SenderAccountID, Number: p.SenderNumber}

	roomID, err := h.currentRoom(&p)
	if err != nil {
		return "", err
	}

	msg, err := h.db.GetMessage(roomID, p.MessageID)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", jobs.Permanent(fmt.Errorf("message %d not in room %s", p.MessageID, roomID))
	}

	if identity.Type(roomID) == identity.TypeNumber {
		receiver, err := h.remote.LookupUser(ctx, p.ReceiverNumber)
		if err != nil {
			return "", err
		}
		if receiver != nil && !receiver.Stub {
			roomID, err = h.migrator.Migrate(ctx, sess, roomID, receiver.AccountID)
			if err != nil {
				if errors.Is(err, identity.ErrUnresolved) {
					return "", jobs.Permanent(err)
				}
				return "", fmt.Errorf("migrating before send: %w", err)
			}
			h.resolver.Invalidate(p.ReceiverNumber)
		}
	}

	receiverID := ""
	if rc, err := h.db.GetReceiverByRoom(roomID); err != nil {
		return "", err
	} else if rc != nil {
		receiverID = rc.AccountID
	}

	doc := &remote.MessageDoc{
		ID:         msg.ID,
		Message:    msg.Message,
		SenderID:   sess.AccountID,
		ReceiverID: receiverID,
		SentTime:   msg.SentTime,
		Status:     int(store.StatusSent),
	}
	if err := h.remote.AppendMessage(ctx, roomID, doc); err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return "", fmt.Errorf("room %s not created yet: %w", roomID, err)
		}
		return "", err
	}

	if err := h.db.AdvanceMessageStatus(roomID, msg.ID, store.StatusSent, 0); err != nil {
		return "", err
	}
	if err := h.db.TouchRoom(roomID, msg.SentTime); err != nil {
		return "", err
	}

	h.logger.Info("message delivered",
		zap.String("room_id", roomID),
		zap.Int("message_id", msg.ID))
	return encode(appendMessageResult{RoomID: roomID, MessageID: msg.ID}), nil
}

// currentRoom finds where the conversation lives now. The payload's
// room id goes stale when a migration runs between enqueue and
// execution; the receiver row tracks the move.
func (h *Handlers) currentRoom(p *appendMessagePayload) (string, error) {
	room, err := h.db.GetRoom(p.RoomID)
	if err != nil {
		return "", err
	}
	if room != nil {
		return p.RoomID, nil
	}
	rc, err := h.db.GetReceiverByNumber(p.ReceiverNumber)
	if err != nil {
		return "", err
	}
	if rc == nil {
		return "", jobs.Permanent(fmt.Errorf("no local room for %s", p.ReceiverNumber))
	}
	return rc.RoomID, nil
}
