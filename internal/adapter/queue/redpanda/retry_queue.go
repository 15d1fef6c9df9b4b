package redpanda

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/safeguardai/decision-engine/internal/adapter/observability"
)

// retryQueue is the bounded in-process buffer behind at-least-once delivery.
// One drain goroutine replays failed records with exponential backoff; when
// the buffer is full the oldest record is dropped and counted.
type retryQueue struct {
	log     *slog.Logger
	ch      chan *kgo.Record
	produce func(ctx context.Context, rec *kgo.Record) error

	closeOnce sync.Once
	done      chan struct{}
}

func newRetryQueue(log *slog.Logger, size int, produce func(ctx context.Context, rec *kgo.Record) error) *retryQueue {
	if size <= 0 {
		size = 1024
	}
	q := &retryQueue{
		log:     log,
		ch:      make(chan *kgo.Record, size),
		produce: produce,
		done:    make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *retryQueue) enqueue(rec *kgo.Record) {
	for {
		select {
		case q.ch <- rec:
			observability.PublishQueueDepth.Set(float64(len(q.ch)))
			return
		default:
		}
		// full: drop oldest and try again
		select {
		case old := <-q.ch:
			observability.PublishDroppedTotal.Inc()
			q.log.Warn("publish retry queue full, dropping oldest",
				slog.String("topic", old.Topic), slog.String("key", string(old.Key)))
		default:
		}
	}
}

func (q *retryQueue) drain() {
	for {
		select {
		case <-q.done:
			return
		case rec := <-q.ch:
			observability.PublishQueueDepth.Set(float64(len(q.ch)))
			q.replay(rec)
		}
	}
}

func (q *retryQueue) replay(rec *kgo.Record) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return q.produce(ctx, rec)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, 8)); err != nil {
		observability.CountError("publish_retry_exhausted")
		q.log.Error("publish retry exhausted",
			slog.String("topic", rec.Topic),
			slog.String("key", string(rec.Key)),
			slog.String("error", err.Error()))
	}
}

func (q *retryQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
