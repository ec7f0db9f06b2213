package database

// Queue queries
const (
	insertQueuedMessageQuery = `
		INSERT INTO queued_messages (
			id, platform, message_id, sender_id, receiver_id, content,
			message_type, message_time, session_id, target_user_id,
			queue_type, status, retry_count, scheduled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)
	`

	selectDueQueuedMessageQuery = `
		SELECT id, platform, message_id, sender_id, receiver_id, content,
		       message_type, message_time, session_id, target_user_id,
		       queue_type, status, retry_count, scheduled_at, created_at, updated_at
		FROM queued_messages
		WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY created_at ASC
		LIMIT 1
	`

	claimQueuedMessageQuery = `
		UPDATE queued_messages
		SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`

	completeQueuedMessageQuery = `
		UPDATE queued_messages
		SET status = 'completed', updated_at = ?
		WHERE id = ? AND status = 'processing'
	`

	failQueuedMessageQuery = `
		UPDATE queued_messages
		SET status = 'failed', retry_count = retry_count + 1,
		    last_error = ?, updated_at = ?
		WHERE id = ?
	`

	rescheduleQueuedMessageQuery = `
		UPDATE queued_messages
		SET status = 'pending', scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'
	`

	selectQueuedMessageByIDQuery = `
		SELECT id, platform, message_id, sender_id, receiver_id, content,
		       message_type, message_time, session_id, target_user_id,
		       queue_type, status, retry_count, scheduled_at, created_at, updated_at
		FROM queued_messages
		WHERE id = ?
	`

	deleteQueuedMessageQuery = `DELETE FROM queued_messages WHERE id = ?`

	deleteCompletedBeforeQuery = `
		DELETE FROM queued_messages
		WHERE status = 'completed' AND updated_at < datetime('now', '-' || ? || ' days')
	`

	countQueueByStatusQuery = `
		SELECT status, COUNT(*) FROM queued_messages GROUP BY status
	`
)

// Dead-letter queries
const (
	insertDeadLetterQuery = `
		INSERT INTO dead_letter_messages (
			id, platform, message_id, sender_id, receiver_id, content,
			message_type, message_time, session_id, target_user_id,
			queue_type, retry_count, error_message, failed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectDeadLettersQuery = `
		SELECT id, platform, message_id, sender_id, receiver_id, content,
		       message_type, message_time, session_id, target_user_id,
		       queue_type, retry_count, error_message, failed_at, created_at
		FROM dead_letter_messages
		ORDER BY failed_at DESC
		LIMIT ? OFFSET ?
	`

	selectDeadLetterByIDQuery = `
		SELECT id, platform, message_id, sender_id, receiver_id, content,
		       message_type, message_time, session_id, target_user_id,
		       queue_type, retry_count, error_message, failed_at, created_at
		FROM dead_letter_messages
		WHERE id = ?
	`

	countDeadLettersQuery = `SELECT COUNT(*) FROM dead_letter_messages`
	deleteDeadLetterQuery = `DELETE FROM dead_letter_messages WHERE id = ?`
	clearDeadLettersQuery = `DELETE FROM dead_letter_messages`
)

// Provider config queries
const (
	upsertProviderConfigQuery = `
		INSERT INTO provider_configs (
			platform, display_name, is_enabled, config_data, webhook_url,
			message_interval_ms, max_retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(platform) DO UPDATE SET
			display_name = excluded.display_name,
			is_enabled = excluded.is_enabled,
			config_data = excluded.config_data,
			webhook_url = excluded.webhook_url,
			message_interval_ms = excluded.message_interval_ms,
			max_retry_count = excluded.max_retry_count,
			updated_at = CURRENT_TIMESTAMP
	`

	selectProviderConfigQuery = `
		SELECT platform, display_name, is_enabled, config_data, webhook_url,
		       message_interval_ms, max_retry_count, updated_at
		FROM provider_configs
		WHERE platform = ?
	`

	selectAllProviderConfigsQuery = `
		SELECT platform, display_name, is_enabled, config_data, webhook_url,
		       message_interval_ms, max_retry_count, updated_at
		FROM provider_configs
		ORDER BY platform ASC
	`

	deleteProviderConfigQuery = `DELETE FROM provider_configs WHERE platform = ?`
)
