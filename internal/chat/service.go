// Package chat is the sending and reading surface of the client. A
// send lands in the local cache immediately and is delivered by the
// durable job queue; reads come straight from the cache, which the
// sync reconciler keeps fresh.
package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/bus"
	"github.com/pairchat/pairchat/internal/identity"
	"github.com/pairchat/pairchat/internal/jobs"
	"github.com/pairchat/pairchat/internal/netstate"
	"github.com/pairchat/pairchat/internal/remote"
	"github.com/pairchat/pairchat/internal/session"
	"github.com/pairchat/pairchat/internal/store"
	syncpkg "github.com/pairchat/pairchat/internal/sync"
)

// SendReceipt is what SendMessage hands back: where the message was
// cached and under which id, plus the job tags to Await for delivery.
type SendReceipt struct {
	RoomID    string
	MessageID int

	CreateRoomTag string // empty when no room job was needed
	DeliveryTag   string
}

// Service is the chat API. All methods take the sender's identity
// explicitly; nothing here reaches into global sign-in state.
type Service struct {
	db         *store.DB
	remote     *remote.Client
	resolver   *identity.Resolver
	queue      *jobs.Queue
	reconciler *syncpkg.Reconciler
	net        *netstate.Machine
	bus        *bus.Bus
	logger     *zap.Logger
}

func NewService(
	db *store.DB,
	client *remote.Client,
	resolver *identity.Resolver,
	queue *jobs.Queue,
	reconciler *syncpkg.Reconciler,
	net *netstate.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *Service {
	return &Service{
		db:         db,
		remote:     client,
		resolver:   resolver,
		queue:      queue,
		reconciler: reconciler,
		net:        net,
		bus:        b,
		logger:     logger.Named("chat"),
	}
}

// SendMessage caches the message locally in Processing state and
// queues its delivery. It works identically offline: the message sits
// in the cache, flagged as composed offline, and the queued jobs run
// once connectivity returns.
func (s *Service) SendMessage(ctx context.Context, sess session.Identity, receiverNumber, text string) (*SendReceipt, error) {
	if !sess.Complete() {
		return nil, identity.ErrUnresolved
	}
	if receiverNumber == "" || text == "" {
		return nil, fmt.Errorf("receiver number and message text are required")
	}

	roomID, err := s.localRoom(sess, receiverNumber)
	if err != nil {
		return nil, err
	}

	msgID, err := s.db.NextMessageID(roomID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	if err := s.db.InsertMessage(&store.Message{
		RoomID:            roomID,
		ID:                msgID,
		Message:           text,
		SenderID:          sess.AccountID,
		SentTime:          now,
		Status:            store.StatusProcessing,
		SentInOfflineMode: !s.net.IsOnline(),
	}); err != nil {
		return nil, fmt.Errorf("caching message: %w", err)
	}
	if err := s.db.TouchRoom(roomID, now); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Timestamp: time.Now(), Payload: roomID})

	createTag := jobs.CreateRoomTag(sess.AccountID, receiverNumber)
	if _, err := s.queue.Enqueue(createTag, jobs.KindCreateRoom, encode(createRoomPayload{
		SenderAccountID: sess.AccountID,
		SenderNumber:    sess.Number,
		ReceiverNumber:  receiverNumber,
		LocalRoomID:     roomID,
		RoomCreatedAt:   now,
	})); err != nil {
		return nil, fmt.Errorf("queueing room job: %w", err)
	}

	deliveryTag := jobs.AddMessageTag(roomID, msgID)
	if _, err := s.queue.EnqueueChild(deliveryTag, jobs.KindAppendMessage, encode(appendMessagePayload{
		SenderAccountID: sess.AccountID,
		SenderNumber:    sess.Number,
		ReceiverNumber:  receiverNumber,
		RoomID:          roomID,
		MessageID:       msgID,
	}), createTag); err != nil {
		return nil, fmt.Errorf("queueing delivery job: %w", err)
	}

	s.logger.Info("message queued",
		zap.String("room_id", roomID),
		zap.Int("message_id", msgID),
		zap.Bool("offline", !s.net.IsOnline()))
	return &SendReceipt{
		RoomID:        roomID,
		MessageID:     msgID,
		CreateRoomTag: createTag,
		DeliveryTag:   deliveryTag,
	}, nil
}

// localRoom finds or creates the local room for a receiver. A known
// receiver keeps their room; a new one gets a provisional number-type
// room, re-homed later if the receiver turns out to hold an account.
func (s *Service) localRoom(sess session.Identity, receiverNumber string) (string, error) {
	rc, err := s.db.GetReceiverByNumber(receiverNumber)
	if err != nil {
		return "", err
	}
	if rc != nil {
		return rc.RoomID, nil
	}

	roomID := identity.RoomID(sess.Number, receiverNumber)
	if err := s.db.EnsureRoom(&store.Room{RoomID: roomID, OwnerAccountID: sess.AccountID}); err != nil {
		return "", err
	}
	if err := s.db.SaveReceiver(&store.ReceiverProfile{
		Number: receiverNumber,
		RoomID: roomID,
	}); err != nil {
		return "", err
	}
	return roomID, nil
}

// AwaitDelivery blocks until the message's delivery job finishes and
// returns where the message ended up. The room can differ from the
// receipt's when delivery triggered a migration.
func (s *Service) AwaitDelivery(ctx context.Context, receipt *SendReceipt) (roomID string, err error) {
	job, err := s.queue.Await(ctx, receipt.DeliveryTag)
	if err != nil {
		return "", err
	}
	if job.Status == store.JobFailed {
		return "", fmt.Errorf("delivery failed: %s", job.Error)
	}
	var res appendMessageResult
	if err := decode(job.Result, &res); err != nil {
		return "", err
	}
	return res.RoomID, nil
}

// ListRooms returns the room list with receiver profile and latest
// message preview, most recently active first.
func (s *Service) ListRooms(limit int) ([]store.RoomSummary, error) {
	return s.db.ListRoomSummaries(limit)
}

// Messages returns a room's messages in id order from the local cache.
func (s *Service) Messages(roomID string) ([]store.Message, error) {
	return s.db.ListMessages(roomID)
}

// OpenRoom starts following a room: reconcile now, then on every
// remote change.
func (s *Service) OpenRoom(ctx context.Context, roomID string) {
	s.reconciler.ListenRoom(ctx, roomID)
}

// CloseRoom stops following a room.
func (s *Service) CloseRoom(roomID string) {
	s.reconciler.StopRoom(roomID)
}

// MarkSeen advances a message to Seen, locally and remotely in
// lockstep. Stale calls are no-ops; status never moves backwards.
func (s *Service) MarkSeen(ctx context.Context, roomID string, messageID int) error {
	now := time.Now().UnixMilli()
	if err := s.remote.UpdateMessageStatus(ctx, roomID, messageID, int(store.StatusSeen), now); err != nil {
		return fmt.Errorf("publishing seen status: %w", err)
	}
	if err := s.db.AdvanceMessageStatus(roomID, messageID, store.StatusSeen, now); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Timestamp: time.Now(), Payload: roomID})
	return nil
}
