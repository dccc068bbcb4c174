package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

func checkQueue(name string) error {
	if !IsQueue(name) {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return nil
}

// Enqueue stores payload as a new pending entry of queue and returns its localId.
// The payload must be a JSON object.
func (s *Store) Enqueue(queue string, payload json.RawMessage) (int64, error) {
	return s.EnqueueAt(queue, payload, s.now())
}

// EnqueueAt is Enqueue with an explicit creation time, used when the user
// action happened before the call.
func (s *Store) EnqueueAt(queue string, payload json.RawMessage, createdAt time.Time) (int64, error) {
	if err := checkQueue(queue); err != nil {
		return 0, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return 0, fmt.Errorf("payload must be a JSON object: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO queue_entries (queue, payload, sync_status, created_at, attempts, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		queue, string(payload), string(StatusPending), createdAt.UTC().Format(tsLayout), s.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting %s entry: %w", queue, err)
	}
	return res.LastInsertId()
}

// MarkSynced records a successful delivery of the given revision. A missing
// entry is not an error. If the entry was modified after that revision was
// read, it is left untouched and ErrChanged is returned.
func (s *Store) MarkSynced(queue string, localID, revision int64, serverResponse json.RawMessage) error {
	if err := checkQueue(queue); err != nil {
		return err
	}
	var resp any
	if len(serverResponse) > 0 {
		resp = string(serverResponse)
	}
	now := s.timestamp()
	res, err := s.db.Exec(`
		UPDATE queue_entries
		SET sync_status = ?, synced_at = ?, server_response = ?, last_error = NULL, updated_at = ?
		WHERE queue = ? AND local_id = ? AND revision = ?`,
		string(StatusSynced), now, resp, now, queue, localID, revision,
	)
	if err != nil {
		return err
	}
	return s.checkSettled(res, queue, localID)
}

// MarkError records a failed delivery attempt of the given revision and
// increments attempts. A missing entry is not an error; a modified one is
// left untouched and ErrChanged is returned.
func (s *Store) MarkError(queue string, localID, revision int64, errInfo string) error {
	if err := checkQueue(queue); err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE queue_entries
		SET sync_status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE queue = ? AND local_id = ? AND revision = ?`,
		string(StatusError), errInfo, s.timestamp(), queue, localID, revision,
	)
	if err != nil {
		return err
	}
	return s.checkSettled(res, queue, localID)
}

// checkSettled tells a missing entry (fine) from one whose revision moved.
func (s *Store) checkSettled(res sql.Result, queue string, localID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_entries WHERE queue = ? AND local_id = ?`, queue, localID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%s/%d: %w", queue, localID, ErrChanged)
	}
	return nil
}

// RecordCheckout adds the checkout sub-record to an existing session, bumps
// its revision and moves it back to pending so the checkout is delivered.
func (s *Store) RecordCheckout(localID int64, at time.Time, lat, lng float64) error {
	res, err := s.db.Exec(`
		UPDATE queue_entries
		SET checkout_at = ?, checkout_lat = ?, checkout_lng = ?, sync_status = ?,
			revision = revision + 1, updated_at = ?
		WHERE queue = ? AND local_id = ?`,
		at.UTC().Format(tsLayout), lat, lng, string(StatusPending), s.timestamp(), QueueSessions, localID,
	)
	if err != nil {
		return fmt.Errorf("recording checkout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %d: %w", localID, ErrNotFound)
	}
	return nil
}

const entryColumns = `local_id, queue, payload, sync_status, created_at, attempts,
	last_error, synced_at, server_response, checkout_at, checkout_lat, checkout_lng, revision`

// Entry returns one queue entry.
func (s *Store) Entry(queue string, localID int64) (*Entry, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM queue_entries WHERE queue = ? AND local_id = ?`, queue, localID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Entries returns the entries of queue in creation order. With no statuses
// every entry is returned.
func (s *Store) Entries(queue string, statuses ...SyncStatus) ([]Entry, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE queue = ?`
	args := []any{queue}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND sync_status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY local_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *e)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                                  Entry
		payload, status, createdAt         string
		lastError, syncedAt, resp, checkAt sql.NullString
		lat, lng                           sql.NullFloat64
	)
	if err := sc.Scan(&e.LocalID, &e.Queue, &payload, &status, &createdAt, &e.Attempts,
		&lastError, &syncedAt, &resp, &checkAt, &lat, &lng, &e.Revision); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.SyncStatus = SyncStatus(status)
	e.LastError = lastError.String

	t, err := parseTime(createdAt, "created_at")
	if err != nil {
		return nil, err
	}
	e.CreatedAt = t

	if syncedAt.Valid {
		t, err := parseTime(syncedAt.String, "synced_at")
		if err != nil {
			return nil, err
		}
		e.SyncedAt = &t
	}
	if resp.Valid {
		e.ServerResponse = json.RawMessage(resp.String)
	}
	if checkAt.Valid {
		t, err := parseTime(checkAt.String, "checkout_at")
		if err != nil {
			return nil, err
		}
		e.Checkout = &Checkout{At: t, Lat: lat.Float64, Lng: lng.Float64}
	}
	return &e, nil
}

// CountPending returns per-queue counts of pending entries. Entries in error
// status are not counted.
func (s *Store) CountPending() (PendingCounts, error) {
	var c PendingCounts
	rows, err := s.db.Query(`SELECT queue, COUNT(*) FROM queue_entries WHERE sync_status = ? GROUP BY queue`, string(StatusPending))
	if err != nil {
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var queue string
		var n int
		if err := rows.Scan(&queue, &n); err != nil {
			return c, err
		}
		switch queue {
		case QueueSessions:
			c.Sessions = n
		case QueueRecords:
			c.Records = n
		case QueuePhotos:
			c.Photos = n
		case QueueRoutes:
			c.Routes = n
		}
		c.Total += n
	}
	return c, rows.Err()
}

// PurgeSyncedOlderThan deletes synced entries whose syncedAt is older than
// retention and returns how many were removed. Pending and error entries are
// never touched.
func (s *Store) PurgeSyncedOlderThan(retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)

	rows, err := s.db.Query(`SELECT local_id, synced_at FROM queue_entries
		WHERE sync_status = ? AND synced_at IS NOT NULL`, string(StatusSynced))
	if err != nil {
		return 0, err
	}
	var expired []int64
	for rows.Next() {
		var id int64
		var syncedAt string
		if err := rows.Scan(&id, &syncedAt); err != nil {
			rows.Close()
			return 0, err
		}
		t, err := parseTime(syncedAt, "synced_at")
		if err != nil {
			rows.Close()
			return 0, err
		}
		if t.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, id := range expired {
		res, err := tx.Exec(`DELETE FROM queue_entries WHERE local_id = ? AND sync_status = ?`, id, string(StatusSynced))
		if err != nil {
			return 0, fmt.Errorf("purging entry %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}
