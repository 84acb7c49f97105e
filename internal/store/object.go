package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brigfed/brig/internal/as1"
)

// GetObject returns the Object with the given id, or nil if absent.
func (s *Store) GetObject(id string) (*Object, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT id, source_protocol, our_as1, raw, users, notify, feed, copies,
		        status, undelivered, delivered, failed, deleted, updated, version
		 FROM objects WHERE id = ?`), id)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return obj, err
}

func scanObject(row *sql.Row) (*Object, error) {
	var o Object
	var ourAS1, raw, users, notify, feed, copies, undelivered, delivered, failed, updated string
	var deleted int
	if err := row.Scan(&o.ID, &o.SourceProtocol, &ourAS1, &raw, &users, &notify,
		&feed, &copies, &o.Status, &undelivered, &delivered, &failed,
		&deleted, &updated, &o.Version); err != nil {
		return nil, err
	}
	unmarshalJSON(ourAS1, &o.AS1)
	unmarshalJSON(raw, &o.Raw)
	unmarshalJSON(users, &o.Users)
	unmarshalJSON(notify, &o.Notify)
	unmarshalJSON(feed, &o.Feed)
	unmarshalJSON(copies, &o.Copies)
	unmarshalJSON(undelivered, &o.Undelivered)
	unmarshalJSON(delivered, &o.Delivered)
	unmarshalJSON(failed, &o.Failed)
	o.Deleted = deleted != 0
	if updated != "" {
		o.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	}
	return &o, nil
}

// PutObject stores obj, last-writer-wins, bumping its version and updated
// timestamp. The object_users and object_copies link tables are kept in sync.
func (s *Store) PutObject(obj *Object) error {
	if obj.ID == "" {
		return errors.New("object has no id")
	}
	obj.Updated = time.Now().UTC()
	obj.Version++
	if obj.Status == "" {
		obj.Status = StatusNew
	}

	var rawAS1 string
	if obj.AS1 != nil {
		rawAS1 = marshalJSON(obj.AS1)
	}
	var raw string
	if obj.Raw != nil {
		raw = marshalJSON(obj.Raw)
	}
	deleted := 0
	if obj.Deleted {
		deleted = 1
	}

	_, err := s.db.Exec(s.rebind(
		`INSERT INTO objects (id, source_protocol, our_as1, raw, users, notify,
		                      feed, copies, status, undelivered, delivered,
		                      failed, deleted, updated, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   source_protocol=excluded.source_protocol, our_as1=excluded.our_as1,
		   raw=excluded.raw, users=excluded.users, notify=excluded.notify,
		   feed=excluded.feed, copies=excluded.copies, status=excluded.status,
		   undelivered=excluded.undelivered, delivered=excluded.delivered,
		   failed=excluded.failed, deleted=excluded.deleted,
		   updated=excluded.updated, version=excluded.version`),
		obj.ID, obj.SourceProtocol, rawAS1, raw,
		marshalJSON(obj.Users), marshalJSON(obj.Notify), marshalJSON(obj.Feed),
		marshalJSON(obj.Copies), obj.Status,
		marshalJSON(obj.Undelivered), marshalJSON(obj.Delivered),
		marshalJSON(obj.Failed), deleted,
		obj.Updated.Format(time.RFC3339Nano), obj.Version)
	if err != nil {
		return fmt.Errorf("put object %s: %w", obj.ID, err)
	}

	if err := s.syncObjectLinks(obj); err != nil {
		return err
	}
	return nil
}

func (s *Store) syncObjectLinks(obj *Object) error {
	if _, err := s.db.Exec(s.rebind(`DELETE FROM object_users WHERE object_id = ?`), obj.ID); err != nil {
		return err
	}
	insert := func(rel string, keys []UserKey) error {
		for _, k := range keys {
			_, err := s.db.Exec(s.rebind(
				`INSERT INTO object_users (object_id, rel, user_protocol, user_id)
				 VALUES (?, ?, ?, ?) `+s.upsertIgnore()),
				obj.ID, rel, k.Protocol, k.ID)
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert("users", obj.Users); err != nil {
		return err
	}
	if err := insert("notify", obj.Notify); err != nil {
		return err
	}
	if err := insert("feed", obj.Feed); err != nil {
		return err
	}

	if _, err := s.db.Exec(s.rebind(`DELETE FROM object_copies WHERE object_id = ?`), obj.ID); err != nil {
		return err
	}
	for _, c := range obj.Copies {
		_, err := s.db.Exec(s.rebind(
			`INSERT INTO object_copies (object_id, copy_protocol, copy_uri)
			 VALUES (?, ?, ?) `+s.upsertIgnore()),
			obj.ID, c.Protocol, c.URI)
		if err != nil {
			return err
		}
	}
	return nil
}

// ObjectProps are the optional fields merged in by GetOrCreateObject.
type ObjectProps struct {
	AS1            as1.Object
	Raw            map[string]json.RawMessage
	SourceProtocol string
	Deleted        bool
}

// GetOrCreateObject fetches or creates the Object with the given id and
// merges props into it. authedAs attests the caller; if the existing
// entity's owner differs, the write is refused with ErrOwnerMismatch.
//
// The returned object's transient New flag is true iff the row was created,
// and Changed is true iff the canonical representation was modified.
func (s *Store) GetOrCreateObject(id, authedAs string, props ObjectProps) (*Object, error) {
	obj, err := s.GetObject(id)
	if err != nil {
		return nil, err
	}

	isNew := obj == nil
	changed := false
	if isNew {
		obj = &Object{ID: id}
	} else if owner := obj.Owner(); owner != "" && authedAs != "" && owner != authedAs {
		return nil, fmt.Errorf("%w: %s is owned by %s, not %s",
			ErrOwnerMismatch, id, owner, authedAs)
	}

	if props.AS1 != nil && !as1.Equal(obj.AS1, props.AS1) {
		changed = !isNew && obj.AS1 != nil
		obj.AS1 = props.AS1
	}
	if props.Raw != nil {
		obj.Raw = props.Raw
	}
	if props.SourceProtocol != "" {
		obj.SourceProtocol = props.SourceProtocol
	}
	if props.Deleted {
		obj.Deleted = true
	}

	if err := s.PutObject(obj); err != nil {
		return nil, err
	}
	obj.New = &isNew
	obj.Changed = &changed
	return obj, nil
}

// SendOutcome is the result of one delivery attempt.
type SendOutcome int

const (
	// SendSent means the destination accepted the activity.
	SendSent SendOutcome = iota
	// SendRefused means the destination protocol won't carry the activity.
	// The target is finalized without being counted as delivered.
	SendRefused
	// SendFailed means a transient transport failure.
	SendFailed
)

// UpdateDelivery transactionally updates the per-target delivery state of
// the object per the send-handler contract: the target leaves undelivered,
// joins delivered or failed per outcome, and once undelivered drains the
// status is finalized (complete if anything was delivered, else failed if
// anything failed, else ignored). Retries when a concurrent write bumps the
// version between read and write.
func (s *Store) UpdateDelivery(objID string, target Target, outcome SendOutcome) error {
	for attempt := 0; attempt < 5; attempt++ {
		applied, err := s.updateDeliveryOnce(objID, target, outcome)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("update delivery state %s: too much contention", objID)
}

func (s *Store) updateDeliveryOnce(objID string, target Target, outcome SendOutcome) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(s.rebind(
		`SELECT undelivered, delivered, failed, status, version FROM objects WHERE id = ?`), objID)
	var undelivered, delivered, failed, status string
	var version int64
	if err := row.Scan(&undelivered, &delivered, &failed, &status, &version); err != nil {
		return false, fmt.Errorf("load delivery state %s: %w", objID, err)
	}

	var und, del, fld []Target
	unmarshalJSON(undelivered, &und)
	unmarshalJSON(delivered, &del)
	unmarshalJSON(failed, &fld)

	und = RemoveTarget(und, target)
	switch outcome {
	case SendSent:
		fld = RemoveTarget(fld, target)
		del = AddTarget(del, target)
	case SendRefused:
		// finalized without effect
	case SendFailed:
		fld = AddTarget(fld, target)
	}

	if len(und) == 0 {
		switch {
		case len(del) > 0:
			status = StatusComplete
		case len(fld) > 0:
			status = StatusFailed
		default:
			status = StatusIgnored
		}
	}

	res, err := tx.Exec(s.rebind(
		`UPDATE objects SET undelivered = ?, delivered = ?, failed = ?,
		        status = ?, updated = ?, version = ?
		 WHERE id = ? AND version = ?`),
		marshalJSON(und), marshalJSON(del), marshalJSON(fld), status,
		time.Now().UTC().Format(time.RFC3339Nano), version+1, objID, version)
	if err != nil {
		return false, fmt.Errorf("update delivery state %s: %w", objID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// lost the version race
		return false, nil
	}
	return true, tx.Commit()
}

// ObjectForCopy returns the id of the object that has the given copy, or "".
func (s *Store) ObjectForCopy(copyURI string) (string, error) {
	var id string
	err := s.db.QueryRow(s.rebind(
		`SELECT object_id FROM object_copies WHERE copy_uri = ?`), copyURI).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// OriginalForCopy returns the original id, user or object, behind a copy
// uri in any protocol, or "".
func (s *Store) OriginalForCopy(copyURI string) (string, error) {
	var id string
	err := s.db.QueryRow(s.rebind(
		`SELECT user_id FROM user_copies WHERE copy_uri = ?`), copyURI).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return s.ObjectForCopy(copyURI)
}
