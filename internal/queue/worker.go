package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/models"
)

// Store is the queue persistence surface; implemented by the database
// layer. The store exclusively owns status transitions.
type Store interface {
	Dequeue(ctx context.Context) (*models.QueuedMessage, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) error
	Retry(ctx context.Context, id string, delay time.Duration) error
	MoveToDeadLetter(ctx context.Context, id, reason string) error
	GetQueuedMessage(ctx context.Context, id string) (*models.QueuedMessage, error)
}

// ProcessFunc handles one claimed item: typically invoke the message
// handler and send the reply. A nil error completes the item; an error
// fails it and schedules redelivery until the retry budget runs out.
type ProcessFunc func(ctx context.Context, item *models.QueuedMessage) error

// Pool runs N workers against the durable queue. Each worker claims
// items one at a time; claims are exclusive at the store level, so
// workers never coordinate with each other.
type Pool struct {
	store   Store
	process ProcessFunc
	logger  *logrus.Logger

	workers       int
	pollInterval  time.Duration
	maxRetryCount int
	retryDelay    time.Duration

	wg sync.WaitGroup
}

// Options configure a worker pool.
type Options struct {
	Workers       int
	PollInterval  time.Duration
	MaxRetryCount int
	RetryDelay    time.Duration
}

// NewPool creates a worker pool. Zero options get sane minimums.
func NewPool(store Store, process ProcessFunc, logger *logrus.Logger, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	return &Pool{
		store:         store,
		process:       process,
		logger:        logger,
		workers:       opts.Workers,
		pollInterval:  opts.PollInterval,
		maxRetryCount: opts.MaxRetryCount,
		retryDelay:    opts.RetryDelay,
	}
}

// Start launches the workers. They stop when ctx is cancelled; Wait
// blocks until in-flight items are finished (graceful drain).
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Queue workers starting")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until every worker has drained its in-flight item.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info("Queue workers stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.store.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Dequeue failed")
			p.sleep(ctx)
			continue
		}
		if item == nil {
			p.sleep(ctx)
			continue
		}

		p.handle(ctx, log, item)
	}
}

// handle processes one claimed item and drives its state transition.
// Processing runs under a background-derived context once claimed: an
// in-flight item is finished (or failed into the retry path) even while
// the pool is shutting down, never abandoned in Processing.
func (p *Pool) handle(ctx context.Context, log *logrus.Entry, item *models.QueuedMessage) {
	log = log.WithFields(logrus.Fields{
		"id":       item.ID,
		"platform": item.Message.Platform,
		"retries":  item.RetryCount,
	})

	err := p.invoke(ctx, item)
	if err == nil {
		if cerr := p.store.Complete(context.WithoutCancel(ctx), item.ID); cerr != nil {
			log.WithError(cerr).Error("Failed to mark item completed")
		}
		return
	}

	log.WithError(err).Warn("Queue item processing failed")

	opCtx := context.WithoutCancel(ctx)
	if ferr := p.store.Fail(opCtx, item.ID, err.Error()); ferr != nil {
		log.WithError(ferr).Error("Failed to mark item failed")
		return
	}

	// Fail incremented the stored retry count; reload to decide.
	stored, gerr := p.store.GetQueuedMessage(opCtx, item.ID)
	if gerr != nil || stored == nil {
		log.WithError(gerr).Error("Failed to reload item after failure")
		return
	}

	if stored.RetryCount >= p.maxRetryCount {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %v", stored.RetryCount, err)
		if derr := p.store.MoveToDeadLetter(opCtx, item.ID, reason); derr != nil {
			log.WithError(derr).Error("Failed to move item to dead letter")
			return
		}
		log.WithField("retries", stored.RetryCount).Error("Queue item moved to dead letter")
		return
	}

	if rerr := p.store.Retry(opCtx, item.ID, p.retryDelay); rerr != nil {
		log.WithError(rerr).Error("Failed to reschedule item")
		return
	}
	log.WithField("delay", p.retryDelay.String()).Info("Queue item rescheduled")
}

// invoke runs the processor, converting panics into ordinary failures so
// one poisoned message cannot kill a worker.
func (p *Pool) invoke(ctx context.Context, item *models.QueuedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.process(ctx, item)
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}
