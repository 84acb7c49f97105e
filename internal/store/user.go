package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetUser returns the User with the given key, or nil if absent. Follows
// use_instead pointers transparently, so the returned user may have a
// different id than requested.
func (s *Store) GetUser(key UserKey) (*User, error) {
	for range 3 { // use_instead chains are short; bound them anyway
		u, err := s.getUserRow(key)
		if err != nil || u == nil {
			return u, err
		}
		if u.UseInstead == "" {
			return u, nil
		}
		key = UserKey{Protocol: key.Protocol, ID: u.UseInstead}
	}
	return nil, fmt.Errorf("use_instead chain too long for %s %s", key.Protocol, key.ID)
}

func (s *Store) getUserRow(key UserKey) (*User, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT protocol, id, handle, copies, enabled_protocols, status,
		        use_instead, manual_opt_out, direct, updated
		 FROM users WHERE protocol = ? AND id = ?`), key.Protocol, key.ID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var copies, enabled, updated string
	var optOut, direct int
	if err := row.Scan(&u.Key.Protocol, &u.Key.ID, &u.Handle, &copies, &enabled,
		&u.Status, &u.UseInstead, &optOut, &direct, &updated); err != nil {
		return nil, err
	}
	unmarshalJSON(copies, &u.Copies)
	unmarshalJSON(enabled, &u.EnabledProtocols)
	u.ManualOptOut = optOut != 0
	u.Direct = direct != 0
	if updated != "" {
		u.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	}
	return &u, nil
}

// PutUser stores u, keeping the user_copies link table in sync.
func (s *Store) PutUser(u *User) error {
	if u.Key.Protocol == "" || u.Key.ID == "" {
		return errors.New("user has no key")
	}
	u.Updated = time.Now().UTC()

	optOut, direct := 0, 0
	if u.ManualOptOut {
		optOut = 1
	}
	if u.Direct {
		direct = 1
	}

	_, err := s.db.Exec(s.rebind(
		`INSERT INTO users (protocol, id, handle, copies, enabled_protocols,
		                    status, use_instead, manual_opt_out, direct, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(protocol, id) DO UPDATE SET
		   handle=excluded.handle, copies=excluded.copies,
		   enabled_protocols=excluded.enabled_protocols, status=excluded.status,
		   use_instead=excluded.use_instead,
		   manual_opt_out=excluded.manual_opt_out, direct=excluded.direct,
		   updated=excluded.updated`),
		u.Key.Protocol, u.Key.ID, u.Handle, marshalJSON(u.Copies),
		marshalJSON(u.EnabledProtocols), u.Status, u.UseInstead, optOut, direct,
		u.Updated.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put user %s %s: %w", u.Key.Protocol, u.Key.ID, err)
	}

	if _, err := s.db.Exec(s.rebind(
		`DELETE FROM user_copies WHERE user_protocol = ? AND user_id = ?`),
		u.Key.Protocol, u.Key.ID); err != nil {
		return err
	}
	for _, c := range u.Copies {
		if _, err := s.db.Exec(s.rebind(
			`INSERT INTO user_copies (user_protocol, user_id, copy_protocol, copy_uri)
			 VALUES (?, ?, ?, ?) `+s.upsertIgnore()),
			u.Key.Protocol, u.Key.ID, c.Protocol, c.URI); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreateUser fetches or creates the user with the given key. Users are
// created on demand on first reference; direct marks affirmative sign-ups.
func (s *Store) GetOrCreateUser(key UserKey, direct bool) (*User, error) {
	u, err := s.GetUser(key)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	u = &User{Key: key, Direct: direct}
	if err := s.PutUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

// UserByHandle returns the first user in the given protocol with the given
// handle, or nil.
func (s *Store) UserByHandle(protocol, handle string) (*User, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT protocol, id, handle, copies, enabled_protocols, status,
		        use_instead, manual_opt_out, direct, updated
		 FROM users WHERE protocol = ? AND handle = ?`), protocol, handle)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// UserIDsByProtocol returns the ids of all non-blocked users native to the
// given protocol. Used by push protocols to scope relay subscriptions.
func (s *Store) UserIDsByProtocol(protocol string) ([]string, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT id FROM users
		 WHERE protocol = ? AND status = '' AND manual_opt_out = 0
		   AND use_instead = ''
		 ORDER BY id`), protocol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserForCopy returns the user that has the given copy id in copyProtocol,
// or nil. This is the reverse direction of User.Copies.
func (s *Store) UserForCopy(copyProtocol, copyURI string) (*User, error) {
	var key UserKey
	err := s.db.QueryRow(s.rebind(
		`SELECT user_protocol, user_id FROM user_copies
		 WHERE copy_protocol = ? AND copy_uri = ?`),
		copyProtocol, copyURI).Scan(&key.Protocol, &key.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetUser(key)
}
