package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Task is one durable queue entry. Params is a form-encoded payload, opaque
// to the store.
type Task struct {
	ID       string
	Queue    string
	Params   string
	Attempts int
	Created  time.Time
}

// InsertTask adds a task to the given queue.
func (s *Store) InsertTask(queue, params string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO tasks (id, queue, params, attempts, not_before, done, created)
		 VALUES (?, ?, ?, 0, ?, 0, ?)`),
		id, queue, params, now, now)
	return id, err
}

// ClaimTasks returns up to limit runnable tasks across all queues, oldest
// and least-retried first. Claimed tasks stay pending until CompleteTask or
// RetryTask is called; the single dispatcher goroutine is the only claimer.
func (s *Store) ClaimTasks(limit int) ([]Task, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT id, queue, params, attempts, created FROM tasks
		 WHERE done = 0 AND not_before <= ?
		 ORDER BY attempts ASC, created ASC
		 LIMIT ?`),
		time.Now().UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// CompleteTask marks a task as done.
func (s *Store) CompleteTask(id string) error {
	_, err := s.db.Exec(s.rebind(`UPDATE tasks SET done = 1 WHERE id = ?`), id)
	return err
}

// RetryTask bumps a task's attempt count and pushes its next run out by
// delay. Tasks over maxAttempts are marked done and dropped.
func (s *Store) RetryTask(id string, delay time.Duration, maxAttempts int) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE tasks SET attempts = attempts + 1, not_before = ?,
		        done = CASE WHEN attempts + 1 >= ? THEN 1 ELSE 0 END
		 WHERE id = ?`),
		time.Now().UTC().Add(delay).Format(time.RFC3339Nano), maxAttempts, id)
	return err
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		var created string
		if err := rows.Scan(&t.ID, &t.Queue, &t.Params, &t.Attempts, &created); err != nil {
			return nil, err
		}
		if created != "" {
			t.Created, _ = time.Parse(time.RFC3339Nano, created)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
