package store

// MessageStatus is the delivery state of a message. Once a message leaves
// Processing its status only ever moves forward.
type MessageStatus int

const (
	StatusProcessing MessageStatus = 0
	StatusSent       MessageStatus = 1
	StatusReceived   MessageStatus = 2
	StatusSeen       MessageStatus = 3
)

// ClampStatus maps an untrusted wire value onto a known status. Unknown
// values degrade to Processing.
func ClampStatus(v int) MessageStatus {
	if v < int(StatusProcessing) || v > int(StatusSeen) {
		return StatusProcessing
	}
	return MessageStatus(v)
}

func (s MessageStatus) String() string {
	switch s {
	case StatusProcessing:
		return "processing"
	case StatusSent:
		return "sent"
	case StatusReceived:
		return "received"
	case StatusSeen:
		return "seen"
	}
	return "unknown"
}

// Room is a conversation. RoomID is either a number-pair id (provisional)
// or an account-pair id; the format itself is authoritative metadata.
type Room struct {
	RoomID               string
	OwnerAccountID       string
	LastMessageUpdatedAt int64
}

// ReceiverProfile is the counterpart of a room, one row per room.
type ReceiverProfile struct {
	Number               string
	AccountID            string
	RoomID               string
	Name                 string
	PhotoRef             string
	LastProfileUpdatedAt int64
}

// Message is a chat message. IDs are room-scoped, dense and 1-based;
// (RoomID, ID) is the primary key.
type Message struct {
	ID                int
	RoomID            string
	Message           string
	SenderID          string
	ReceiverID        string
	SentTime          int64
	ReceivedTime      int64
	Status            MessageStatus
	SentInOfflineMode bool
}

// User is the locally cached current-user row.
type User struct {
	AccountID         string
	Number            string
	LastRoomCreatedAt int64
}

// Job statuses for the durable queue.
const (
	JobQueued    = "queued"
	JobWaiting   = "waiting" // child waiting on its parent
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job is a persisted unit of background work, deduplicated by Tag.
type Job struct {
	Tag       string
	Kind      string
	Payload   string
	Status    string
	Attempts  int
	ParentTag string
	Result    string
	Error     string
	NextRunAt int64
	CreatedAt int64
	UpdatedAt int64
}

// Terminal reports whether the job has finished for good.
func (j *Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

// RoomSummary is a room joined with its receiver profile and latest
// message preview for the room list.
type RoomSummary struct {
	Room        Room
	Receiver    ReceiverProfile
	LastMessage *Message
}
