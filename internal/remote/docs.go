package remote

import "github.com/pairchat/pairchat/internal/store"

// UserDoc is a user account document. Stub accounts are placeholders
// created on behalf of a receiver who has not signed in yet.
type UserDoc struct {
	AccountID            string
	Number               string
	Name                 string
	PhotoRef             string
	ChatRoomIDs          []string
	LastRoomCreatedAt    int64
	LastProfileUpdatedAt int64
	Stub                 bool
}

func (u *UserDoc) fields() Fields {
	return Fields{
		"accountId":            u.AccountID,
		"number":               u.Number,
		"name":                 u.Name,
		"photoRef":             u.PhotoRef,
		"chatRoomIds":          append([]string(nil), u.ChatRoomIDs...),
		"lastRoomCreatedAt":    u.LastRoomCreatedAt,
		"lastProfileUpdatedAt": u.LastProfileUpdatedAt,
		"stub":                 u.Stub,
	}
}

func userFromFields(f Fields) *UserDoc {
	return &UserDoc{
		AccountID:            asString(f, "accountId"),
		Number:               asString(f, "number"),
		Name:                 asString(f, "name"),
		PhotoRef:             asString(f, "photoRef"),
		ChatRoomIDs:          asStrings(f, "chatRoomIds"),
		LastRoomCreatedAt:    asInt64(f, "lastRoomCreatedAt"),
		LastProfileUpdatedAt: asInt64(f, "lastProfileUpdatedAt"),
		Stub:                 asBool(f, "stub"),
	}
}

// MessageDoc is one message inside a room's sub-collection. Status is
// clamped to a known value when read back.
type MessageDoc struct {
	ID           int
	Message      string
	SenderID     string
	ReceiverID   string
	SentTime     int64
	ReceivedTime int64
	Status       int
}

func (m *MessageDoc) fields() Fields {
	return Fields{
		"id":           int64(m.ID),
		"message":      m.Message,
		"senderId":     m.SenderID,
		"receiverId":   m.ReceiverID,
		"sentTime":     m.SentTime,
		"receivedTime": m.ReceivedTime,
		"status":       int64(m.Status),
	}
}

func messageFromFields(f Fields) *MessageDoc {
	return &MessageDoc{
		ID:           asInt(f, "id"),
		Message:      asString(f, "message"),
		SenderID:     asString(f, "senderId"),
		ReceiverID:   asString(f, "receiverId"),
		SentTime:     asInt64(f, "sentTime"),
		ReceivedTime: asInt64(f, "receivedTime"),
		Status:       int(store.ClampStatus(asInt(f, "status"))),
	}
}

// RoomDoc is a room document: its participant pair plus a copy of the
// latest message for list previews. Latest is nil for a room that has
// never carried a message.
type RoomDoc struct {
	RoomID       string
	Participants []string
	Latest       *MessageDoc
}

func (r *RoomDoc) fields() Fields {
	f := Fields{
		"roomId":       r.RoomID,
		"participants": append([]string(nil), r.Participants...),
	}
	if r.Latest != nil {
		for k, v := range r.Latest.fields() {
			f["latest."+k] = v
		}
	}
	return f
}

func roomFromFields(id string, f Fields) *RoomDoc {
	r := &RoomDoc{
		RoomID:       id,
		Participants: asStrings(f, "participants"),
	}
	if _, ok := f["latest.id"]; ok {
		latest := Fields{}
		for k, v := range f {
			if len(k) > 7 && k[:7] == "latest." {
				latest[k[7:]] = v
			}
		}
		r.Latest = messageFromFields(latest)
	}
	return r
}

// latestFields returns only the summary portion of a room document,
// for partial updates that must not touch the participant list.
func latestFields(m *MessageDoc) Fields {
	f := Fields{}
	for k, v := range m.fields() {
		f["latest."+k] = v
	}
	return f
}
