package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. Subscribers filter by namespace
// prefix, e.g. "room." or "job.".
const (
	KindRoomUpdated     = "room.updated"
	KindRoomMigrated    = "room.migrated"
	KindMessageUpserted = "message.upserted"
	KindJobEnqueued     = "job.enqueued"
	KindJobSucceeded    = "job.succeeded"
	KindJobFailed       = "job.failed"
	KindNetChanged      = "net.status_changed"
	KindError           = "error.message"
)
