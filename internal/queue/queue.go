// Package queue is the durable task layer: tasks are rows in the store, a
// single dispatcher goroutine claims them and re-posts each one to the
// bridge's own /queue/<name> endpoint, and transient failures are retried
// with a delay until the attempt cap.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brigfed/brig/internal/config"
	"github.com/brigfed/brig/internal/store"
)

// DispatchHeader carries the shared secret that authenticates the
// dispatcher to the queue endpoints.
const DispatchHeader = "X-Brig-Queue"

// Handler runs one task inline. Used in inline mode instead of HTTP
// dispatch.
type Handler func(ctx context.Context, queue string, params url.Values) (int, error)

// Queue enqueues and dispatches durable tasks.
type Queue struct {
	store  *store.Store
	cfg    *config.Config
	log    *slog.Logger
	client *http.Client

	// handler, when set with QueueInline, short-circuits Enqueue into a
	// synchronous call.
	handler Handler
}

// New builds a queue over st. baseClient may be nil.
func New(st *store.Store, cfg *config.Config, log *slog.Logger, baseClient *http.Client) *Queue {
	if baseClient == nil {
		baseClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Queue{store: st, cfg: cfg, log: log, client: baseClient}
}

// SetInlineHandler installs the handler used when QueueInline is on. Set
// after the router exists; the router and queue reference each other.
func (q *Queue) SetInlineHandler(h Handler) {
	q.handler = h
}

// Enqueue adds a task, or runs it synchronously in inline mode.
func (q *Queue) Enqueue(ctx context.Context, queue string, params url.Values) error {
	if q.cfg.QueueInline && q.handler != nil {
		status, err := q.handler(ctx, queue, params)
		if err != nil {
			return fmt.Errorf("inline %s task: %w", queue, err)
		}
		q.log.Debug("inline task done", "queue", queue, "status", status)
		return nil
	}
	id, err := q.store.InsertTask(queue, params.Encode())
	if err != nil {
		return fmt.Errorf("enqueue %s task: %w", queue, err)
	}
	q.log.Debug("enqueued task", "queue", queue, "task", id)
	return nil
}

// Run polls for runnable tasks and dispatches them until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.QueuePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchBatch(ctx)
		}
	}
}

func (q *Queue) dispatchBatch(ctx context.Context) {
	tasks, err := q.store.ClaimTasks(q.cfg.QueueBatchSize)
	if err != nil {
		q.log.Error("claiming tasks failed", "err", err)
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		q.dispatch(ctx, t)
	}
}

// dispatch posts one task to its queue endpoint. Server errors and
// transport failures retry; anything else finalizes the task.
func (q *Queue) dispatch(ctx context.Context, t store.Task) {
	endpoint := fmt.Sprintf("http://localhost:%s/queue/%s", q.cfg.Port, t.Queue)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(t.Params))
	if err != nil {
		q.log.Error("building task request failed", "task", t.ID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(DispatchHeader, q.cfg.QueueSecret)

	resp, err := q.client.Do(req)
	if err != nil {
		q.log.Warn("task dispatch failed", "task", t.ID, "queue", t.Queue, "err", err)
		q.retry(t)
		return
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		q.log.Warn("task failed", "task", t.ID, "queue", t.Queue, "status", resp.StatusCode, "attempts", t.Attempts)
		q.retry(t)
	case resp.StatusCode >= 400:
		q.log.Warn("task rejected, dropping", "task", t.ID, "queue", t.Queue, "status", resp.StatusCode)
		q.complete(t)
	default:
		q.complete(t)
	}
}

func (q *Queue) retry(t store.Task) {
	delay := q.cfg.QueueRetryInterval * time.Duration(t.Attempts+1)
	if err := q.store.RetryTask(t.ID, delay, q.cfg.QueueMaxAttempts); err != nil {
		q.log.Error("retrying task failed", "task", t.ID, "err", err)
	}
}

func (q *Queue) complete(t store.Task) {
	if err := q.store.CompleteTask(t.ID); err != nil {
		q.log.Error("completing task failed", "task", t.ID, "err", err)
	}
}
