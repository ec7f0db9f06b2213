package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatgateway/internal/models"

	"github.com/google/uuid"
)

// The queue store owns every status transition. Message payloads are
// flattened into the row envelope; the Metadata map is deliberately not
// part of the envelope and does not survive a queue round-trip.

// Enqueue appends a message with status pending. A missing item id is
// generated. ScheduledAt, when set, delays delivery until that time.
func (d *Database) Enqueue(ctx context.Context, item *models.QueuedMessage) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Type == "" {
		item.Type = models.QueueTypeIncoming
	}
	now := time.Now().UTC()
	item.Status = models.QueueStatusPending
	item.CreatedAt = now
	item.UpdatedAt = now

	var scheduledAt interface{}
	if item.ScheduledAt != nil {
		scheduledAt = item.ScheduledAt.UTC()
	}

	err := retryableDBOperation(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, insertQueuedMessageQuery,
			item.ID,
			item.Message.Platform,
			item.Message.MessageID,
			item.Message.SenderID,
			nullable(item.Message.ReceiverID),
			item.Message.Content,
			string(item.Message.MessageType),
			item.Message.Timestamp.UTC(),
			nullable(item.SessionID),
			nullable(item.TargetUserID),
			string(item.Type),
			item.RetryCount,
			scheduledAt,
			now,
			now,
		)
		return execErr
	}, "enqueue")
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	return nil
}

// Dequeue atomically claims the oldest pending item whose scheduled_at is
// due and flips it to processing. Exactly one concurrent caller receives a
// given item: the claim UPDATE is guarded by the pending-status predicate,
// and a lost race simply selects again. Returns (nil, nil) when the queue
// has no due work.
func (d *Database) Dequeue(ctx context.Context) (*models.QueuedMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UTC()

		row := d.db.QueryRowContext(ctx, selectDueQueuedMessageQuery, now)
		item, err := scanQueuedMessage(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select due message: %w", err)
		}

		res, err := d.db.ExecContext(ctx, claimQueuedMessageQuery, now, item.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim message: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get affected rows: %w", err)
		}
		if rows == 1 {
			item.Status = models.QueueStatusProcessing
			item.UpdatedAt = now
			return item, nil
		}
		// Another worker claimed it first; select again.
	}
}

// Complete marks a processing item as done.
func (d *Database) Complete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, completeQueuedMessageQuery, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete message: %w", err)
	}
	return requireOneRow(res, id)
}

// Fail marks an item as failed and increments its retry count. The caller
// then either reschedules it via Retry or escalates via MoveToDeadLetter.
func (d *Database) Fail(ctx context.Context, id, reason string) error {
	res, err := d.db.ExecContext(ctx, failQueuedMessageQuery, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return requireOneRow(res, id)
}

// Retry reschedules a failed item back to pending, due after delay.
func (d *Database) Retry(ctx context.Context, id string, delay time.Duration) error {
	now := time.Now().UTC()
	res, err := d.db.ExecContext(ctx, rescheduleQueuedMessageQuery, now.Add(delay), now, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule message: %w", err)
	}
	return requireOneRow(res, id)
}

// MoveToDeadLetter moves an item into the dead-letter lane regardless of
// its retry count. Used both for terminal failures and as a direct
// administrative transition.
func (d *Database) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectQueuedMessageByIDQuery, id)
	item, err := scanQueuedMessage(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no queued message with id %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, insertDeadLetterQuery,
		item.ID,
		item.Message.Platform,
		item.Message.MessageID,
		item.Message.SenderID,
		nullable(item.Message.ReceiverID),
		item.Message.Content,
		string(item.Message.MessageType),
		item.Message.Timestamp.UTC(),
		nullable(item.SessionID),
		nullable(item.TargetUserID),
		string(item.Type),
		item.RetryCount,
		reason,
		now,
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, deleteQueuedMessageQuery, id); err != nil {
		return fmt.Errorf("failed to remove queued message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter move: %w", err)
	}

	return nil
}

// GetQueuedMessage loads one item by id, or (nil, nil) when absent.
func (d *Database) GetQueuedMessage(ctx context.Context, id string) (*models.QueuedMessage, error) {
	row := d.db.QueryRowContext(ctx, selectQueuedMessageByIDQuery, id)
	item, err := scanQueuedMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queued message: %w", err)
	}
	return item, nil
}

// ListDeadLetters returns a page of dead-letter items, newest failures
// first, along with the total count.
func (d *Database) ListDeadLetters(ctx context.Context, limit, offset int) ([]models.DeadLetterMessage, int64, error) {
	rows, err := d.db.QueryContext(ctx, selectDeadLettersQuery, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var items []models.DeadLetterMessage
	for rows.Next() {
		item, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, 0, fmt.Errorf("failed to scan dead letter: %w", scanErr)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate dead letters: %w", err)
	}

	var total int64
	if err := d.db.QueryRowContext(ctx, countDeadLettersQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count dead letters: %w", err)
	}

	return items, total, nil
}

// ReprocessDeadLetter resets a dead-letter item back to pending with a
// zeroed retry count. This is the only path out of the dead-letter lane
// besides deletion.
func (d *Database) ReprocessDeadLetter(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectDeadLetterByIDQuery, id)
	item, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no dead-letter message with id %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load dead letter: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, insertQueuedMessageQuery,
		item.ID,
		item.Message.Platform,
		item.Message.MessageID,
		item.Message.SenderID,
		nullable(item.Message.ReceiverID),
		item.Message.Content,
		string(item.Message.MessageType),
		item.Message.Timestamp.UTC(),
		nullable(item.SessionID),
		nullable(item.TargetUserID),
		string(models.QueueTypeRetry),
		0,
		nil,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, deleteDeadLetterQuery, id); err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reprocess: %w", err)
	}

	return nil
}

// DeleteDeadLetter removes one dead-letter item.
func (d *Database) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, deleteDeadLetterQuery, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	return requireOneRow(res, id)
}

// ClearDeadLetters removes every dead-letter item and reports how many.
func (d *Database) ClearDeadLetters(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, clearDeadLettersQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to clear dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// QueueStats reports queue depth per status plus the dead-letter count.
func (d *Database) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := d.db.QueryContext(ctx, countQueueByStatusQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue counts: %w", err)
		}
		switch models.QueueStatus(status) {
		case models.QueueStatusPending:
			stats.Pending = count
		case models.QueueStatusProcessing:
			stats.Processing = count
		case models.QueueStatusCompleted:
			stats.Completed = count
		case models.QueueStatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue counts: %w", err)
	}

	if err := d.db.QueryRowContext(ctx, countDeadLettersQuery).Scan(&stats.DeadLetter); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	return stats, nil
}

// CleanupCompleted deletes completed items older than the retention window.
func (d *Database) CleanupCompleted(ctx context.Context, retentionDays int) error {
	_, err := d.db.ExecContext(ctx, deleteCompletedBeforeQuery, retentionDays)
	if err != nil {
		return fmt.Errorf("failed to cleanup completed messages: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueuedMessage(row rowScanner) (*models.QueuedMessage, error) {
	item := &models.QueuedMessage{}
	var receiverID, sessionID, targetUserID sql.NullString
	var messageType, queueType, status string
	var scheduledAt sql.NullTime

	err := row.Scan(
		&item.ID,
		&item.Message.Platform,
		&item.Message.MessageID,
		&item.Message.SenderID,
		&receiverID,
		&item.Message.Content,
		&messageType,
		&item.Message.Timestamp,
		&sessionID,
		&targetUserID,
		&queueType,
		&status,
		&item.RetryCount,
		&scheduledAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Message.ReceiverID = receiverID.String
	item.Message.MessageType = models.ParseMessageType(messageType)
	item.SessionID = sessionID.String
	item.TargetUserID = targetUserID.String
	item.Type = models.QueueMessageType(queueType)
	item.Status = models.QueueStatus(status)
	if scheduledAt.Valid {
		t := scheduledAt.Time
		item.ScheduledAt = &t
	}

	return item, nil
}

func scanDeadLetter(row rowScanner) (*models.DeadLetterMessage, error) {
	item := &models.DeadLetterMessage{}
	var receiverID, sessionID, targetUserID sql.NullString
	var messageType, queueType string

	err := row.Scan(
		&item.ID,
		&item.Message.Platform,
		&item.Message.MessageID,
		&item.Message.SenderID,
		&receiverID,
		&item.Message.Content,
		&messageType,
		&item.Message.Timestamp,
		&sessionID,
		&targetUserID,
		&queueType,
		&item.RetryCount,
		&item.ErrorMessage,
		&item.FailedAt,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Message.ReceiverID = receiverID.String
	item.Message.MessageType = models.ParseMessageType(messageType)
	item.SessionID = sessionID.String
	item.TargetUserID = targetUserID.String
	item.Type = models.QueueMessageType(queueType)
	item.Status = models.QueueStatusDeadLetter

	return item, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func requireOneRow(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no matching message with id %s", id)
	}
	return nil
}
