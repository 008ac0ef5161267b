package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Client is the typed surface over the document store. It knows the
// collection layout; callers work in documents, not field maps.
type Client struct {
	store  Store
	logger *zap.Logger
}

func NewClient(store Store, logger *zap.Logger) *Client {
	return &Client{store: store, logger: logger.Named("remote")}
}

// Raw exposes the underlying store for listeners.
func (c *Client) Raw() Store {
	return c.store
}

// LookupUser finds the account registered for a phone number. Returns
// (nil, nil) when no account, stub or real, carries the number.
func (c *Client) LookupUser(ctx context.Context, number string) (*UserDoc, error) {
	docs, err := c.store.List(ctx, CollectionUsers)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	for _, f := range docs {
		if asString(f, "number") == number {
			return userFromFields(f), nil
		}
	}
	return nil, nil
}

// GetUser fetches a user document by account id. Returns (nil, nil)
// when absent.
func (c *Client) GetUser(ctx context.Context, accountID string) (*UserDoc, error) {
	f, err := c.store.Get(ctx, CollectionUsers, accountID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return userFromFields(f), nil
}

func (c *Client) SaveUser(ctx context.Context, u *UserDoc) error {
	return c.store.Set(ctx, CollectionUsers, u.AccountID, u.fields())
}

// AddRoomToUser appends roomID to the user's room list if not already
// present. The read-modify-write runs in a transaction so concurrent
// room creations cannot drop each other's entries.
func (c *Client) AddRoomToUser(ctx context.Context, accountID, roomID string) error {
	return c.store.RunTransaction(ctx, func(tx Tx) error {
		f, err := tx.Get(CollectionUsers, accountID)
		if err != nil {
			return err
		}
		rooms := asStrings(f, "chatRoomIds")
		for _, r := range rooms {
			if r == roomID {
				return nil
			}
		}
		return tx.UpdateFields(CollectionUsers, accountID, Fields{
			"chatRoomIds": append(rooms, roomID),
		})
	})
}

// RemoveRoomFromUser drops roomID from the user's room list. Missing
// entries are not an error.
func (c *Client) RemoveRoomFromUser(ctx context.Context, accountID, roomID string) error {
	return c.store.RunTransaction(ctx, func(tx Tx) error {
		f, err := tx.Get(CollectionUsers, accountID)
		if err != nil {
			return err
		}
		rooms := asStrings(f, "chatRoomIds")
		kept := rooms[:0]
		for _, r := range rooms {
			if r != roomID {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(rooms) {
			return nil
		}
		return tx.UpdateFields(CollectionUsers, accountID, Fields{"chatRoomIds": kept})
	})
}

func (c *Client) SetLastRoomCreatedAt(ctx context.Context, accountID string, at int64) error {
	return c.store.UpdateFields(ctx, CollectionUsers, accountID, Fields{"lastRoomCreatedAt": at})
}

// RoomExists checks each candidate room id in turn and reports the
// first that exists. Callers pass both orderings of a room id, since
// ordering is an accident of who created the room.
func (c *Client) RoomExists(ctx context.Context, candidates ...string) (string, bool, error) {
	for _, id := range candidates {
		_, err := c.store.Get(ctx, CollectionRooms, id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", false, err
		}
	}
	return "", false, nil
}

// CreateRoom writes a new room document and, when first is non-nil,
// its first message, atomically.
func (c *Client) CreateRoom(ctx context.Context, roomID string, participants []string, first *MessageDoc) error {
	doc := &RoomDoc{RoomID: roomID, Participants: participants, Latest: first}
	return c.store.RunTransaction(ctx, func(tx Tx) error {
		if err := tx.Set(CollectionRooms, roomID, doc.fields()); err != nil {
			return err
		}
		if first != nil {
			return tx.SetSub(CollectionRooms, roomID, SubMessages, messageKey(first.ID), first.fields())
		}
		return nil
	})
}

// AppendMessage writes a message into the room's sub-collection and
// refreshes the latest-message summary in the same transaction, so
// readers never see one without the other.
func (c *Client) AppendMessage(ctx context.Context, roomID string, m *MessageDoc) error {
	return c.store.RunTransaction(ctx, func(tx Tx) error {
		if _, err := tx.Get(CollectionRooms, roomID); err != nil {
			return err
		}
		if err := tx.SetSub(CollectionRooms, roomID, SubMessages, messageKey(m.ID), m.fields()); err != nil {
			return err
		}
		return tx.UpdateFields(CollectionRooms, roomID, latestFields(m))
	})
}

// RoomMessages returns all messages of a room ordered by id.
func (c *Client) RoomMessages(ctx context.Context, roomID string) ([]MessageDoc, error) {
	docs, err := c.store.ListSub(ctx, CollectionRooms, roomID, SubMessages)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDoc, 0, len(docs))
	for _, f := range docs {
		out = append(out, *messageFromFields(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRoom fetches a room document. Returns (nil, nil) when absent.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*RoomDoc, error) {
	f, err := c.store.Get(ctx, CollectionRooms, roomID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return roomFromFields(roomID, f), nil
}

func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.store.Delete(ctx, CollectionRooms, roomID)
}

// SetParticipants rewrites the participant pair of a room document.
func (c *Client) SetParticipants(ctx context.Context, roomID string, participants []string) error {
	return c.store.UpdateFields(ctx, CollectionRooms, roomID, Fields{
		"participants": participants,
	})
}

// UpdateMessageStatus advances a message's status, stamping the
// received time when one is given. The message document and the room's
// latest summary move together when the message is the latest one.
func (c *Client) UpdateMessageStatus(ctx context.Context, roomID string, id int, status int, receivedTime int64) error {
	return c.store.RunTransaction(ctx, func(tx Tx) error {
		f, err := tx.GetSub(CollectionRooms, roomID, SubMessages, messageKey(id))
		if err != nil {
			return err
		}
		if asInt(f, "status") >= status {
			return nil
		}
		f["status"] = int64(status)
		if receivedTime > 0 {
			f["receivedTime"] = receivedTime
		}
		if err := tx.SetSub(CollectionRooms, roomID, SubMessages, messageKey(id), f); err != nil {
			return err
		}
		room, err := tx.Get(CollectionRooms, roomID)
		if err != nil {
			return err
		}
		if asInt(room, "latest.id") != id {
			return nil
		}
		return tx.UpdateFields(CollectionRooms, roomID, latestFields(messageFromFields(f)))
	})
}

// SetOnline publishes presence into the status collection.
func (c *Client) SetOnline(ctx context.Context, accountID string, online bool) error {
	return c.store.Set(ctx, CollectionStatus, accountID, Fields{
		"accountId": accountID,
		"online":    online,
	})
}

func messageKey(id int) string {
	return fmt.Sprintf("%d", id)
}
