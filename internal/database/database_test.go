package database

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatgateway/internal/crypto"
	"chatgateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()

	cipher, err := crypto.NewLegacyCipher("test-passphrase")
	require.NoError(t, err)

	db, err := New(filepath.Join(t.TempDir(), "gateway.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testMessage(platform, content string) models.ChatMessage {
	return models.ChatMessage{
		MessageID:   "msg-" + content,
		SenderID:    "user-1",
		ReceiverID:  "channel-1",
		Content:     content,
		MessageType: models.MessageTypeText,
		Platform:    platform,
		Timestamp:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := &models.QueuedMessage{
		Message:      testMessage("slack", "hello"),
		SessionID:    "sess-1",
		TargetUserID: "user-1",
		Type:         models.QueueTypeIncoming,
	}
	require.NoError(t, db.Enqueue(ctx, item))
	assert.NotEmpty(t, item.ID)

	got, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, models.QueueStatusProcessing, got.Status)
	assert.Equal(t, "hello", got.Message.Content)
	assert.Equal(t, "slack", got.Message.Platform)
	assert.Equal(t, "sess-1", got.SessionID)

	// Queue is now empty of due pending work.
	next, err := db.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestQueue_FIFOOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		require.NoError(t, db.Enqueue(ctx, &models.QueuedMessage{Message: testMessage("slack", content)}))
		time.Sleep(5 * time.Millisecond) // distinct created_at
	}

	for _, want := range []string{"first", "second", "third"} {
		got, err := db.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.Message.Content)
	}
}

func TestQueue_ScheduledAtFiltersDequeue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, db.Enqueue(ctx, &models.QueuedMessage{
		Message:     testMessage("slack", "later"),
		ScheduledAt: &future,
	}))

	got, err := db.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "future-scheduled item must not be claimed")

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Enqueue(ctx, &models.QueuedMessage{
		Message:     testMessage("slack", "now"),
		ScheduledAt: &past,
	}))

	got, err = db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "now", got.Message.Content)
}

func TestQueue_DequeueExclusivity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Enqueue(ctx, &models.QueuedMessage{Message: testMessage("slack", "single")}))

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan *models.QueuedMessage, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := db.Dequeue(ctx)
			assert.NoError(t, err)
			if got != nil {
				results <- got
			}
		}()
	}
	wg.Wait()
	close(results)

	var claimed []*models.QueuedMessage
	for r := range results {
		claimed = append(claimed, r)
	}
	require.Len(t, claimed, 1, "exactly one worker must claim the item")
}

func TestQueue_CompleteTransition(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := &models.QueuedMessage{Message: testMessage("slack", "done")}
	require.NoError(t, db.Enqueue(ctx, item))

	got, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, db.Complete(ctx, got.ID))

	stored, err := db.GetQueuedMessage(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, stored.Status)

	// Completing twice fails: the item is no longer processing.
	assert.Error(t, db.Complete(ctx, got.ID))
}

func TestQueue_FailRetryCycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := &models.QueuedMessage{Message: testMessage("feishu", "flaky")}
	require.NoError(t, db.Enqueue(ctx, item))

	got, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, db.Fail(ctx, got.ID, "send timed out"))

	stored, err := db.GetQueuedMessage(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	require.NoError(t, db.Retry(ctx, got.ID, time.Millisecond))

	stored, err = db.GetQueuedMessage(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, stored.Status)
	require.NotNil(t, stored.ScheduledAt)

	time.Sleep(10 * time.Millisecond)
	reclaimed, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, got.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.RetryCount)
}

func TestQueue_MoveToDeadLetterAndReprocess(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := &models.QueuedMessage{Message: testMessage("wechat", "poison")}
	require.NoError(t, db.Enqueue(ctx, item))

	got, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Fail(ctx, got.ID, "boom"))
	require.NoError(t, db.MoveToDeadLetter(ctx, got.ID, "retry budget exhausted"))

	// Gone from the live queue.
	stored, err := db.GetQueuedMessage(ctx, got.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	// Dead letter never comes back to pending by itself.
	empty, err := db.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	letters, total, err := db.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, letters, 1)
	assert.Equal(t, got.ID, letters[0].ID)
	assert.Equal(t, "retry budget exhausted", letters[0].ErrorMessage)
	assert.Equal(t, "poison", letters[0].Message.Content)
	assert.False(t, letters[0].FailedAt.IsZero())

	// Explicit reprocess resets to pending with a zeroed retry count.
	require.NoError(t, db.ReprocessDeadLetter(ctx, got.ID))

	_, total, err = db.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	requeued, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, got.ID, requeued.ID)
	assert.Equal(t, 0, requeued.RetryCount)
	assert.Equal(t, models.QueueTypeRetry, requeued.Type)
}

func TestQueue_DeadLetterPagination(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		item := &models.QueuedMessage{Message: testMessage("slack", "dl")}
		require.NoError(t, db.Enqueue(ctx, item))
		got, err := db.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, db.MoveToDeadLetter(ctx, got.ID, "admin"))
		time.Sleep(5 * time.Millisecond)
	}

	page, total, err := db.ListDeadLetters(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, page, 2)

	rest, _, err := db.ListDeadLetters(ctx, 10, 4)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	n, err := db.ClearDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestQueue_MetadataNotRoundTripped(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	msg := testMessage("slack", "threaded")
	msg.Metadata = map[string]string{models.MetaThreadID: "171234.5678"}
	require.NoError(t, db.Enqueue(ctx, &models.QueuedMessage{Message: msg}))

	got, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	// The wire envelope flattens message fields and drops Metadata.
	assert.Nil(t, got.Message.Metadata)
}

func TestQueue_UnknownTypeTagDefaultsToText(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	msg := testMessage("slack", "odd")
	msg.MessageType = models.MessageType("hologram")
	require.NoError(t, db.Enqueue(ctx, &models.QueuedMessage{Message: msg}))

	got, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.MessageTypeText, got.Message.MessageType)
}

func TestQueue_Stats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Enqueue(ctx, &models.QueuedMessage{Message: testMessage("slack", "a")}))
	require.NoError(t, db.Enqueue(ctx, &models.QueuedMessage{Message: testMessage("slack", "b")}))

	got, err := db.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Complete(ctx, got.ID))

	stats, err := db.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.DeadLetter)
}

func TestProviderConfig_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cfg := &models.ProviderConfig{
		Platform:        "feishu",
		DisplayName:     "Feishu",
		IsEnabled:       true,
		ConfigData:      `{"appId":"cli_123","appSecret":"s3cret","verificationToken":"tok"}`,
		WebhookURL:      "https://example.com/webhook/feishu",
		MessageInterval: 500,
		MaxRetryCount:   4,
	}
	require.NoError(t, db.SaveProviderConfig(ctx, cfg))

	got, err := db.GetProviderConfig(ctx, "feishu")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg.ConfigData, got.ConfigData)
	assert.Equal(t, 500, got.MessageInterval)
	assert.Equal(t, 4, got.MaxRetryCount)

	// Absent platform yields nil, not an error.
	missing, err := db.GetProviderConfig(ctx, "telegram")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestProviderConfig_EncryptedAtRest(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	secret := `{"appSecret":"super-secret-value"}`
	require.NoError(t, db.SaveProviderConfig(ctx, &models.ProviderConfig{
		Platform:    "wechat",
		DisplayName: "WeChat",
		ConfigData:  secret,
	}))

	var raw string
	err := db.db.QueryRow(`SELECT config_data FROM provider_configs WHERE platform = 'wechat'`).Scan(&raw)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, crypto.EncPrefix))
	assert.NotContains(t, raw, "super-secret-value")
}

func TestProviderConfig_ListAndDelete(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, p := range []string{"slack", "feishu", "wechat"} {
		require.NoError(t, db.SaveProviderConfig(ctx, &models.ProviderConfig{
			Platform:    p,
			DisplayName: p,
			ConfigData:  "{}",
		}))
	}

	configs, err := db.ListProviderConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, configs, 3)

	require.NoError(t, db.DeleteProviderConfig(ctx, "slack"))
	assert.Error(t, db.DeleteProviderConfig(ctx, "slack"))

	configs, err = db.ListProviderConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, configs, 2)
}

func TestNew_InvalidPath(t *testing.T) {
	cipher, err := crypto.NewLegacyCipher("pass")
	require.NoError(t, err)

	_, err = New("", cipher)
	assert.Error(t, err)

	_, err = New("../escape/../../etc/gateway.db", cipher)
	assert.Error(t, err)
}
