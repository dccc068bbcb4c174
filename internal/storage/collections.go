package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var indexField = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkCollection(name string) error {
	if !IsCollection(name) {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return nil
}

func checkJSON(data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON document")
	}
	return nil
}

// Get returns the row stored under key in collection.
func (s *Store) Get(collection, key string) (json.RawMessage, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRow(`SELECT data FROM records WHERE collection = ? AND key = ?`, collection, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// GetAll returns every row of collection ordered by key.
func (s *Store) GetAll(collection string) ([]Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	return s.queryRecords(`SELECT key, data FROM records WHERE collection = ? ORDER BY key ASC`, collection)
}

// GetByIndex returns the rows of collection whose JSON field equals value.
func (s *Store) GetByIndex(collection, field, value string) ([]Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if !indexField.MatchString(field) {
		return nil, fmt.Errorf("invalid index field %q", field)
	}
	return s.queryRecords(`SELECT key, data FROM records
		WHERE collection = ? AND CAST(json_extract(data, '$.`+field+`') AS TEXT) = ?
		ORDER BY key ASC`, collection, value)
}

func (s *Store) queryRecords(query string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		results = append(results, Record{Key: key, Data: json.RawMessage(data)})
	}
	return results, rows.Err()
}

// Put inserts or replaces the row stored under key.
func (s *Store) Put(collection, key string, data json.RawMessage) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := checkJSON(data); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO records (collection, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, key, string(data), s.timestamp(),
	)
	return err
}

// Add inserts a new row and fails with ErrExists if key is already present.
func (s *Store) Add(collection, key string, data json.RawMessage) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := checkJSON(data); err != nil {
		return err
	}
	res, err := s.db.Exec(`
		INSERT INTO records (collection, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO NOTHING`,
		collection, key, string(data), s.timestamp(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrExists)
	}
	return nil
}

// Delete removes the row stored under key. Deleting a missing row is not an error.
func (s *Store) Delete(collection, key string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key)
	return err
}

// Clear removes every row of collection.
func (s *Store) Clear(collection string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM records WHERE collection = ?`, collection)
	return err
}

// ReplaceCollection clears collection and writes rows in one transaction, so
// readers see either the previous snapshot or the new one.
func (s *Store) ReplaceCollection(collection string, rows []Record) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	for _, r := range rows {
		if err := checkJSON(r.Data); err != nil {
			return fmt.Errorf("row %q: %w", r.Key, err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("clearing %s: %w", collection, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO records (collection, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := s.timestamp()
	for _, r := range rows {
		if _, err := stmt.Exec(collection, r.Key, string(r.Data), now); err != nil {
			return fmt.Errorf("inserting %s/%s: %w", collection, r.Key, err)
		}
	}

	return tx.Commit()
}

// SetCurrentUser stores the signed-in user. Only one user exists per device.
func (s *Store) SetCurrentUser(data json.RawMessage) error {
	return s.Put(CollectionUser, currentUserKey, data)
}

// CurrentUser returns the signed-in user or ErrNotFound.
func (s *Store) CurrentUser() (json.RawMessage, error) {
	return s.Get(CollectionUser, currentUserKey)
}
