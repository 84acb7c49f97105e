package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetFollower returns the edge from → to, or nil if none exists.
func (s *Store) GetFollower(from, to UserKey) (*Follower, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT from_protocol, from_id, to_protocol, to_id, status, follow, updated
		 FROM followers
		 WHERE from_protocol = ? AND from_id = ? AND to_protocol = ? AND to_id = ?`),
		from.Protocol, from.ID, to.Protocol, to.ID)
	if err != nil {
		return nil, err
	}
	edges, err := scanFollowers(rows)
	if err != nil || len(edges) == 0 {
		return nil, err
	}
	return &edges[0], nil
}

// GetOrCreateFollower upserts the edge from → to with the given status and
// follow object id. Field-wise comparison on the unique (from, to) pair
// maintains the at-most-one-active invariant.
func (s *Store) GetOrCreateFollower(from, to UserKey, follow, status string) (*Follower, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO followers (from_protocol, from_id, to_protocol, to_id,
		                        status, follow, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(from_protocol, from_id, to_protocol, to_id) DO UPDATE SET
		   status=excluded.status, follow=excluded.follow, updated=excluded.updated`),
		from.Protocol, from.ID, to.Protocol, to.ID, status, follow,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("upsert follower %v => %v: %w", from, to, err)
	}
	return &Follower{From: from, To: to, Status: status, Follow: follow, Updated: now}, nil
}

// SetFollowerStatus updates the status of an existing edge; missing edges
// are left alone.
func (s *Store) SetFollowerStatus(from, to UserKey, status string) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE followers SET status = ?, updated = ?
		 WHERE from_protocol = ? AND from_id = ? AND to_protocol = ? AND to_id = ?`),
		status, time.Now().UTC().Format(time.RFC3339Nano),
		from.Protocol, from.ID, to.Protocol, to.ID)
	return err
}

// FollowersOf returns the edges pointing at the given user with the given
// status, ie that user's followers.
func (s *Store) FollowersOf(to UserKey, status string) ([]Follower, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT from_protocol, from_id, to_protocol, to_id, status, follow, updated
		 FROM followers WHERE to_protocol = ? AND to_id = ? AND status = ?`),
		to.Protocol, to.ID, status)
	if err != nil {
		return nil, err
	}
	return scanFollowers(rows)
}

// FollowingOf returns the edges from the given user with the given status.
func (s *Store) FollowingOf(from UserKey, status string) ([]Follower, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT from_protocol, from_id, to_protocol, to_id, status, follow, updated
		 FROM followers WHERE from_protocol = ? AND from_id = ? AND status = ?`),
		from.Protocol, from.ID, status)
	if err != nil {
		return nil, err
	}
	return scanFollowers(rows)
}

// DeactivateAllFollowers sets every edge from or to the given user to
// inactive in a single batch. Used when an actor is deleted.
func (s *Store) DeactivateAllFollowers(key UserKey) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE followers SET status = ?, updated = ?
		 WHERE (from_protocol = ? AND from_id = ?)
		    OR (to_protocol = ? AND to_id = ?)`),
		FollowerInactive, time.Now().UTC().Format(time.RFC3339Nano),
		key.Protocol, key.ID, key.Protocol, key.ID)
	return err
}

func scanFollowers(rows *sql.Rows) ([]Follower, error) {
	defer rows.Close()
	var out []Follower
	for rows.Next() {
		var f Follower
		var updated string
		if err := rows.Scan(&f.From.Protocol, &f.From.ID, &f.To.Protocol,
			&f.To.ID, &f.Status, &f.Follow, &updated); err != nil {
			return nil, err
		}
		if updated != "" {
			f.Updated, _ = time.Parse(time.RFC3339Nano, updated)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
