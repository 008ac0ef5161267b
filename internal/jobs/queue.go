// Package jobs runs background work that must survive restarts. Jobs
// live in the local database, are deduplicated by tag, retry with a
// linear backoff while the client is online, and can chain: a child
// waits until its parent succeeds and dies with it when it fails.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/bus"
	"github.com/pairchat/pairchat/internal/store"
)

// Job kinds handled by the queue.
const (
	KindCreateRoom    = "create_room"
	KindAppendMessage = "append_message"
)

// CreateRoomTag is the dedup tag for creating the room between a
// sender and a receiver number. Enqueueing the same pair twice yields
// one job.
func CreateRoomTag(senderID, receiverNumber string) string {
	return fmt.Sprintf("CREATE_ROOM#%s#%s", senderID, receiverNumber)
}

// AddMessageTag is the dedup tag for delivering one message.
func AddMessageTag(roomID string, messageID int) string {
	return fmt.Sprintf("ADD_MESSAGE#%s#%d", roomID, messageID)
}

// PermanentError marks a handler failure that retrying cannot fix.
// The job fails immediately instead of burning its remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue treats it as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Handler executes one job. The returned result string is stored on
// the job row and handed to anyone Awaiting the tag.
type Handler func(ctx context.Context, job *store.Job) (result string, err error)

// Queue is the durable job runner. Jobs only run while online; while
// offline they stay queued and survive restarts in the database.
type Queue struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	online   func() bool
	handlers map[string]Handler

	backoff     time.Duration
	maxAttempts int
	interval    time.Duration

	cancel context.CancelFunc
}

func NewQueue(db *store.DB, b *bus.Bus, logger *zap.Logger, online func() bool, backoff time.Duration, maxAttempts int) *Queue {
	return &Queue{
		db:          db,
		bus:         b,
		logger:      logger.Named("jobs"),
		online:      online,
		handlers:    make(map[string]Handler),
		backoff:     backoff,
		maxAttempts: maxAttempts,
		interval:    500 * time.Millisecond,
	}
}

// Register installs the handler for a job kind. Must be called before
// Start.
func (q *Queue) Register(kind string, h Handler) {
	q.handlers[kind] = h
}

// Enqueue adds a job, deduplicated by tag. The returned job is the
// stored row: the caller's payload when the tag is new, the earlier
// job's row when it is not.
func (q *Queue) Enqueue(tag, kind, payload string) (*store.Job, error) {
	return q.enqueue(tag, kind, payload, "", store.JobQueued)
}

// EnqueueChild adds a job that stays dormant until parentTag succeeds.
// If the parent fails the child fails with it.
func (q *Queue) EnqueueChild(tag, kind, payload, parentTag string) (*store.Job, error) {
	return q.enqueue(tag, kind, payload, parentTag, store.JobWaiting)
}

func (q *Queue) enqueue(tag, kind, payload, parentTag, status string) (*store.Job, error) {
	now := time.Now().UnixMilli()
	job, created, err := q.db.InsertJobOnce(&store.Job{
		Tag:       tag,
		Kind:      kind,
		Payload:   payload,
		Status:    status,
		ParentTag: parentTag,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		q.logger.Debug("job enqueued", zap.String("tag", tag), zap.String("kind", kind))
		q.bus.Publish(bus.Event{Kind: bus.KindJobEnqueued, Timestamp: time.Now(), Payload: tag})
	}
	return job, nil
}

// Await blocks until the job behind tag reaches a terminal state and
// returns its row. Unknown tags return store.ErrNotFound.
func (q *Queue) Await(ctx context.Context, tag string) (*store.Job, error) {
	events, cancel := q.bus.Subscribe("job.", 16)
	defer cancel()

	for {
		job, err := q.db.GetJob(tag)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, store.ErrNotFound
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case evt := <-events:
			if t, ok := evt.Payload.(string); !ok || t != tag {
				continue
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Start begins polling for due jobs.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	go q.loop(ctx)
}

// Stop stops the queue loop.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) loop(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick settles parent/child chains and runs everything due. Jobs run
// one at a time, so two jobs touching the same room never race.
func (q *Queue) Tick(ctx context.Context) {
	q.settleChildren()

	if !q.online() {
		return
	}

	due, err := q.db.DueJobs(time.Now().UnixMilli())
	if err != nil {
		q.logger.Error("failed to read due jobs", zap.Error(err))
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		q.run(ctx, &due[i])
	}
}

// settleChildren promotes children of succeeded parents and fails
// children of failed parents.
func (q *Queue) settleChildren() {
	parents, err := q.db.ParentsOfWaiting()
	if err != nil {
		q.logger.Error("failed to read waiting parents", zap.Error(err))
		return
	}
	for _, parentTag := range parents {
		parent, err := q.db.GetJob(parentTag)
		if err != nil {
			q.logger.Error("failed to read parent job", zap.Error(err), zap.String("tag", parentTag))
			continue
		}
		switch {
		case parent == nil || parent.Status == store.JobFailed:
			reason := "parent job failed"
			if parent != nil && parent.Error != "" {
				reason = parent.Error
			}
			failed, err := q.db.FailChildren(parentTag, reason)
			if err != nil {
				q.logger.Error("failed to fail children", zap.Error(err), zap.String("tag", parentTag))
				continue
			}
			for _, tag := range failed {
				q.logger.Warn("job failed with parent", zap.String("tag", tag), zap.String("parent", parentTag))
				q.bus.Publish(bus.Event{Kind: bus.KindJobFailed, Timestamp: time.Now(), Payload: tag})
			}
		case parent.Status == store.JobSucceeded:
			if err := q.db.PromoteChildren(parentTag); err != nil {
				q.logger.Error("failed to promote children", zap.Error(err), zap.String("tag", parentTag))
			}
		}
	}
}

func (q *Queue) run(ctx context.Context, job *store.Job) {
	if err := q.db.MarkJobRunning(job.Tag); err != nil {
		q.logger.Error("failed to mark running", zap.Error(err), zap.String("tag", job.Tag))
		return
	}

	handler, ok := q.handlers[job.Kind]
	if !ok {
		q.fail(job, fmt.Sprintf("no handler for kind %q", job.Kind))
		return
	}

	result, err := handler(ctx, job)
	if err == nil {
		if err := q.db.MarkJobSucceeded(job.Tag, result); err != nil {
			q.logger.Error("failed to mark succeeded", zap.Error(err), zap.String("tag", job.Tag))
			return
		}
		q.logger.Info("job succeeded", zap.String("tag", job.Tag))
		q.bus.Publish(bus.Event{Kind: bus.KindJobSucceeded, Timestamp: time.Now(), Payload: job.Tag})
		return
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		q.fail(job, err.Error())
		return
	}

	attempts := job.Attempts + 1
	if attempts >= q.maxAttempts {
		q.fail(job, err.Error())
		return
	}
	delay := time.Duration(attempts) * q.backoff
	nextRun := time.Now().Add(delay).UnixMilli()
	if err := q.db.RescheduleJob(job.Tag, attempts, nextRun, err.Error()); err != nil {
		q.logger.Error("failed to reschedule", zap.Error(err), zap.String("tag", job.Tag))
		return
	}
	q.logger.Warn("job retrying",
		zap.String("tag", job.Tag),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
}

func (q *Queue) fail(job *store.Job, reason string) {
	if err := q.db.MarkJobFailed(job.Tag, reason); err != nil {
		q.logger.Error("failed to mark failed", zap.Error(err), zap.String("tag", job.Tag))
		return
	}
	q.logger.Error("job failed", zap.String("tag", job.Tag), zap.String("reason", reason))
	q.bus.Publish(bus.Event{Kind: bus.KindJobFailed, Timestamp: time.Now(), Payload: job.Tag})
	q.bus.PublishError(fmt.Sprintf("background job %s failed: %s", job.Tag, reason))
}
