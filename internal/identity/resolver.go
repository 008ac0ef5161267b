package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/remote"
	"github.com/pairchat/pairchat/internal/session"
)

// ErrUnresolved is returned when resolution cannot even start because
// the sender's own identity is incomplete.
var ErrUnresolved = errors.New("identity: sender identity incomplete")

const lookupTTL = 30 * time.Second

// Address is the outcome of resolving a receiver number: which room to
// use, whether it already exists remotely, and whether getting there
// requires migrating an old number-type room first.
type Address struct {
	RoomID      string
	Type        RoomType
	Existing    bool
	MigrateFrom string // number-type room to fold into RoomID, if any

	// Receiver is the looked-up account, nil when the number is not
	// registered at all.
	Receiver *remote.UserDoc
}

// Resolver maps (sender, receiver number) to a room address. Account
// lookups are cached briefly since the room list re-resolves the same
// counterparts over and over.
type Resolver struct {
	remote *remote.Client
	cache  *gocache.Cache
	logger *zap.Logger
}

func NewResolver(client *remote.Client, logger *zap.Logger) *Resolver {
	return &Resolver{
		remote: client,
		cache:  gocache.New(lookupTTL, 2*lookupTTL),
		logger: logger.Named("resolver"),
	}
}

// Invalidate drops a cached lookup. Called after stub provisioning or
// migration changes what a number resolves to.
func (r *Resolver) Invalidate(number string) {
	r.cache.Delete(number)
}

func (r *Resolver) lookup(ctx context.Context, number string) (*remote.UserDoc, error) {
	if v, ok := r.cache.Get(number); ok {
		return v.(*remote.UserDoc), nil
	}
	u, err := r.remote.LookupUser(ctx, number)
	if err != nil {
		return nil, err
	}
	if u != nil {
		r.cache.Set(number, u, gocache.DefaultExpiration)
	}
	return u, nil
}

// ResolveRoomID determines the room for a conversation between the
// signed-in sender and receiverNumber.
//
// When the receiver has a real account the pair belongs in an
// account-type room; if only a number-type room exists it is reported
// as MigrateFrom so the caller can fold it in. When the receiver has
// no account, or only a provisioned stub, the pair stays in a
// number-type room.
func (r *Resolver) ResolveRoomID(ctx context.Context, sess session.Identity, receiverNumber string) (*Address, error) {
	if !sess.Complete() {
		return nil, ErrUnresolved
	}

	receiver, err := r.lookup(ctx, receiverNumber)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", receiverNumber, err)
	}

	numberID := RoomID(sess.Number, receiverNumber)
	numberAlt := RoomID(receiverNumber, sess.Number)

	if receiver == nil || receiver.Stub {
		addr := &Address{RoomID: numberID, Type: TypeNumber, Receiver: receiver}
		id, ok, err := r.remote.RoomExists(ctx, numberID, numberAlt)
		if err != nil {
			return nil, err
		}
		if ok {
			addr.RoomID = id
			addr.Existing = true
		}
		return addr, nil
	}

	accountID := RoomID(sess.AccountID, receiver.AccountID)
	accountAlt := RoomID(receiver.AccountID, sess.AccountID)

	addr := &Address{RoomID: accountID, Type: TypeAccount, Receiver: receiver}
	id, ok, err := r.remote.RoomExists(ctx, accountID, accountAlt)
	if err != nil {
		return nil, err
	}
	if ok {
		addr.RoomID = id
		addr.Existing = true
	}

	// A leftover number-type room must be folded in even when the
	// account room is already there: a crash between creating the
	// target and deleting the old room leaves both behind.
	oldID, ok, err := r.remote.RoomExists(ctx, numberID, numberAlt)
	if err != nil {
		return nil, err
	}
	if ok {
		addr.MigrateFrom = oldID
		r.logger.Info("number room pending migration",
			zap.String("from", oldID),
			zap.String("to", addr.RoomID))
	}
	return addr, nil
}
