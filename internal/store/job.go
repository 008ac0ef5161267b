package store

import (
	"database/sql"
	"time"
)

// InsertJobOnce persists a job keyed by its deterministic tag. When a job
// with the same tag already exists the stored one is returned unchanged,
// so duplicate submissions are idempotent lookups rather than double
// work. Returns the stored job and whether a new row was created.
func (db *DB) InsertJobOnce(j *Job) (*Job, bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO jobs (tag, kind, payload, status, attempts, parent_tag, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(tag) DO NOTHING`,
		j.Tag, j.Kind, j.Payload, j.Status, j.ParentTag, j.NextRunAt, now, now)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	stored, err := db.GetJob(j.Tag)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, ErrNotFound
	}
	return stored, n > 0, nil
}

// GetJob returns a job by tag, or nil when absent.
func (db *DB) GetJob(tag string) (*Job, error) {
	return scanJob(db.QueryRow(`
		SELECT tag, kind, payload, status, attempts, parent_tag, result, error, next_run_at, created_at, updated_at
		FROM jobs WHERE tag = ?`, tag))
}

// DueJobs returns queued jobs whose next run time has passed, oldest first.
func (db *DB) DueJobs(now int64) ([]Job, error) {
	rows, err := db.Query(`
		SELECT tag, kind, payload, status, attempts, parent_tag, result, error, next_run_at, created_at, updated_at
		FROM jobs WHERE status = ? AND next_run_at <= ?
		ORDER BY created_at ASC`, JobQueued, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// MarkJobRunning transitions a queued job to running.
func (db *DB) MarkJobRunning(tag string) error {
	_, err := db.Exec(`
		UPDATE jobs SET status = ?, updated_at = ? WHERE tag = ? AND status = ?`,
		JobRunning, time.Now().UnixMilli(), tag, JobQueued)
	return err
}

// MarkJobSucceeded records a terminal success with its result payload.
func (db *DB) MarkJobSucceeded(tag, result string) error {
	_, err := db.Exec(`
		UPDATE jobs SET status = ?, result = ?, error = '', updated_at = ? WHERE tag = ?`,
		JobSucceeded, result, time.Now().UnixMilli(), tag)
	return err
}

// MarkJobFailed records a terminal failure with an actionable message.
func (db *DB) MarkJobFailed(tag, errMsg string) error {
	_, err := db.Exec(`
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE tag = ?`,
		JobFailed, errMsg, time.Now().UnixMilli(), tag)
	return err
}

// RescheduleJob re-queues a failed attempt with its retry bookkeeping.
func (db *DB) RescheduleJob(tag string, attempts int, nextRunAt int64, lastErr string) error {
	_, err := db.Exec(`
		UPDATE jobs SET status = ?, attempts = ?, next_run_at = ?, error = ?, updated_at = ?
		WHERE tag = ?`,
		JobQueued, attempts, nextRunAt, lastErr, time.Now().UnixMilli(), tag)
	return err
}

// PromoteChildren flips waiting children of a succeeded parent to queued.
func (db *DB) PromoteChildren(parentTag string) error {
	_, err := db.Exec(`
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE parent_tag = ? AND status = ?`,
		JobQueued, time.Now().UnixMilli(), parentTag, JobWaiting)
	return err
}

// FailChildren terminally fails waiting children of a failed parent; a
// child must never run against work its parent could not produce.
func (db *DB) FailChildren(parentTag, errMsg string) ([]string, error) {
	rows, err := db.Query(`
		SELECT tag FROM jobs WHERE parent_tag = ? AND status = ?`, parentTag, JobWaiting)
	if err != nil {
		return nil, err
	}
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			_ = rows.Close()
			return nil, err
		}
		tags = append(tags, tag)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, tag := range tags {
		if err := db.MarkJobFailed(tag, errMsg); err != nil {
			return nil, err
		}
	}
	return tags, nil
}

// ParentsOfWaiting returns the distinct parent tags of waiting children.
func (db *DB) ParentsOfWaiting() ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT parent_tag FROM jobs WHERE status = ? AND parent_tag != ''`, JobWaiting)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*Job, error) {
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func scanJobRow(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(&j.Tag, &j.Kind, &j.Payload, &j.Status, &j.Attempts,
		&j.ParentTag, &j.Result, &j.Error, &j.NextRunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
