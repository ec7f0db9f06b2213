package queue

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/crypto"
	"chatgateway/internal/database"
	"chatgateway/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupStore(t *testing.T) *database.Database {
	t.Helper()
	cipher, err := crypto.NewLegacyCipher("test")
	require.NoError(t, err)
	db, err := database.New(filepath.Join(t.TempDir(), "queue.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func enqueue(t *testing.T, db *database.Database, content string) *models.QueuedMessage {
	t.Helper()
	item := &models.QueuedMessage{
		Message: models.ChatMessage{
			MessageID:   "m-" + content,
			SenderID:    "u1",
			ReceiverID:  "c1",
			Content:     content,
			MessageType: models.MessageTypeText,
			Platform:    "slack",
			Timestamp:   time.Now().UTC(),
		},
		Type: models.QueueTypeIncoming,
	}
	require.NoError(t, db.Enqueue(context.Background(), item))
	return item
}

func waitForStatus(t *testing.T, db *database.Database, id string, want models.QueueStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		item, err := db.GetQueuedMessage(context.Background(), id)
		require.NoError(t, err)
		if item != nil && item.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("item %s never reached status %s", id, want)
}

func TestPool_ProcessesAndCompletes(t *testing.T) {
	db := setupStore(t)

	var processed int32
	pool := NewPool(db, func(ctx context.Context, item *models.QueuedMessage) error {
		atomic.AddInt32(&processed, 1)
		return nil
	}, testLogger(), Options{Workers: 2, PollInterval: 10 * time.Millisecond, MaxRetryCount: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	item := enqueue(t, db, "hello")
	waitForStatus(t, db, item.ID, models.QueueStatusCompleted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&processed))

	cancel()
	pool.Wait()
}

func TestPool_FailureReschedulesThenDeadLetters(t *testing.T) {
	db := setupStore(t)

	var attempts int32
	pool := NewPool(db, func(ctx context.Context, item *models.QueuedMessage) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("handler always fails")
	}, testLogger(), Options{
		Workers:       1,
		PollInterval:  10 * time.Millisecond,
		MaxRetryCount: 2,
		RetryDelay:    20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	item := enqueue(t, db, "poison")

	// Two failures reschedule, the final one dead-letters.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, total, err := db.ListDeadLetters(context.Background(), 1, 0)
		require.NoError(t, err)
		if total == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	letters, total, err := db.ListDeadLetters(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, item.ID, letters[0].ID)
	assert.Contains(t, letters[0].ErrorMessage, "retry budget exhausted")
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	// Item never returns to the live queue on its own.
	cancel()
	pool.Wait()
	stored, err := db.GetQueuedMessage(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestPool_PanicIsFailureNotCrash(t *testing.T) {
	db := setupStore(t)

	pool := NewPool(db, func(ctx context.Context, item *models.QueuedMessage) error {
		panic("boom")
	}, testLogger(), Options{
		Workers:       1,
		PollInterval:  10 * time.Millisecond,
		MaxRetryCount: 1,
		RetryDelay:    10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	enqueue(t, db, "panics")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		letters, _, err := db.ListDeadLetters(context.Background(), 1, 0)
		require.NoError(t, err)
		if len(letters) == 1 {
			assert.Contains(t, letters[0].ErrorMessage, "panicked")
			cancel()
			pool.Wait()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("panicking item never reached the dead letter store")
}

func TestPool_GracefulDrain(t *testing.T) {
	db := setupStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	pool := NewPool(db, func(ctx context.Context, item *models.QueuedMessage) error {
		close(started)
		<-release
		return nil
	}, testLogger(), Options{Workers: 1, PollInterval: 10 * time.Millisecond, MaxRetryCount: 3})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	item := enqueue(t, db, "inflight")
	<-started

	// Cancel while the item is in flight, then let it finish.
	cancel()
	close(release)
	pool.Wait()

	stored, err := db.GetQueuedMessage(context.Background(), item.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.QueueStatusCompleted, stored.Status, "in-flight item is finished, not abandoned")
}
