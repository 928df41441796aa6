// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is the on-device persistence.Store. Each collection is a
// table of (id, data) rows where data is the JSON-encoded document.
//
// The database runs in WAL mode with synchronous=FULL and a single open
// connection, so writes are serialized and survive power loss on handhelds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
)

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateCollectionName(name string) error {
	if name == "" {
		return errors.New("invalid collection name: cannot be empty")
	}

	if !collectionNamePattern.MatchString(name) {
		return errors.New("invalid collection name: must contain only alphanumeric characters and underscores, and must start with a letter or underscore")
	}

	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is a persistence.Store backed by a sqlite database file.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ persistence.Store = (*Store)(nil)

// NewStore opens (or creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return dbPath + baseParams
}

func (s *Store) check(ctx context.Context) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	if s.closed.Load() {
		return persistence.ErrClosed
	}

	return nil
}

func (s *Store) CreateCollection(ctx context.Context, name string, _ *persistence.Schema) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return createCollection(ctx, s.db, name)
}

func (s *Store) DropCollection(ctx context.Context, name string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return dropCollection(ctx, s.db, name)
}

func (s *Store) Insert(ctx context.Context, collection string, doc persistence.Document) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}

	return insert(ctx, s.db, collection, doc)
}

func (s *Store) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	return get(ctx, s.db, collection, id)
}

func (s *Store) Update(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return update(ctx, s.db, collection, id, doc)
}

func (s *Store) Upsert(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return upsert(ctx, s.db, collection, id, doc)
}

func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return deleteDoc(ctx, s.db, collection, id)
}

func (s *Store) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	return find(ctx, s.db, collection, query)
}

// Maintenance checkpoints the WAL and vacuums the database. VACUUM takes an
// exclusive lock, so the sync engine should be idle while it runs.
func (s *Store) Maintenance(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	for _, stmt := range []string{"PRAGMA wal_checkpoint(TRUNCATE)", "VACUUM", "PRAGMA optimize"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("maintenance %q failed: %w", stmt, err)
		}
	}

	return nil
}

func (s *Store) BeginTx(ctx context.Context) (persistence.Tx, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelDefault,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTx{tx: tx}, nil
}

func (s *Store) Close(_ context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return errors.New("store already closed")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type sqliteTx struct {
	tx     *sql.Tx
	closed atomic.Bool
}

func (t *sqliteTx) check(ctx context.Context) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	if t.closed.Load() {
		return errors.New("transaction is closed")
	}

	return nil
}

func (t *sqliteTx) CreateCollection(ctx context.Context, name string, _ *persistence.Schema) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	return createCollection(ctx, t.tx, name)
}

func (t *sqliteTx) DropCollection(ctx context.Context, name string) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	return dropCollection(ctx, t.tx, name)
}

func (t *sqliteTx) Insert(ctx context.Context, collection string, doc persistence.Document) (string, error) {
	if err := t.check(ctx); err != nil {
		return "", err
	}

	return insert(ctx, t.tx, collection, doc)
}

func (t *sqliteTx) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	return get(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Update(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	return update(ctx, t.tx, collection, id, doc)
}

func (t *sqliteTx) Upsert(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	return upsert(ctx, t.tx, collection, id, doc)
}

func (t *sqliteTx) Delete(ctx context.Context, collection string, id string) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	return deleteDoc(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	return find(ctx, t.tx, collection, query)
}

func (t *sqliteTx) Maintenance(_ context.Context) error {
	return errors.New("maintenance is not supported inside a transaction")
}

func (t *sqliteTx) BeginTx(_ context.Context) (persistence.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (t *sqliteTx) Close(_ context.Context) error {
	return errors.New("cannot close transaction directly, use Commit or Rollback")
}

func (t *sqliteTx) Commit() error {
	if !t.closed.CompareAndSwap(false, true) {
		return errors.New("transaction already closed")
	}

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *sqliteTx) Rollback() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}

func createCollection(ctx context.Context, q querier, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`, name)

	if _, err := q.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

func dropCollection(ctx context.Context, q querier, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}

	return nil
}

func insert(ctx context.Context, q querier, collection string, doc persistence.Document) (string, error) {
	if err := validateCollectionName(collection); err != nil {
		return "", err
	}

	doc = doc.Clone()

	id := doc.ID()
	if id == "" {
		id = uuid.New().String()
		doc["id"] = id
	}

	data, err := persistence.EncodeDocument(doc)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, collection)

	if _, err := q.ExecContext(ctx, query, id, data); err != nil {
		if isPrimaryKeyViolation(err) {
			return "", persistence.ErrConflict
		}

		return "", fmt.Errorf("failed to insert document: %w", err)
	}

	return id, nil
}

func get(ctx context.Context, q querier, collection string, id string) (persistence.Document, error) {
	if err := validateCollectionName(collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, collection)

	var data []byte

	if err := q.QueryRowContext(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
			return nil, persistence.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return persistence.DecodeDocument(data)
}

func update(ctx context.Context, q querier, collection string, id string, doc persistence.Document) error {
	if err := validateCollectionName(collection); err != nil {
		return err
	}

	doc = doc.Clone()
	doc["id"] = id

	data, err := persistence.EncodeDocument(doc)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, collection)

	result, err := q.ExecContext(ctx, query, data, id)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}

	return requireRow(result)
}

func upsert(ctx context.Context, q querier, collection string, id string, doc persistence.Document) error {
	if err := validateCollectionName(collection); err != nil {
		return err
	}

	doc = doc.Clone()
	doc["id"] = id

	data, err := persistence.EncodeDocument(doc)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, collection)

	if _, err := q.ExecContext(ctx, query, id, data); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	return nil
}

func deleteDoc(ctx context.Context, q querier, collection string, id string) error {
	if err := validateCollectionName(collection); err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, collection), id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	return requireRow(result)
}

// find loads the whole table and evaluates the query in Go. Collections on
// a handheld stay in the low thousands of rows.
func find(ctx context.Context, q querier, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := validateCollectionName(collection); err != nil {
		return nil, err
	}

	if err := query.Validate(); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT data FROM `+collection)
	if err != nil {
		if isMissingTable(err) {
			return nil, persistence.ErrNotFound
		}

		return nil, fmt.Errorf("failed to find documents: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var documents []persistence.Document

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		doc, err := persistence.DecodeDocument(data)
		if err != nil {
			return nil, err
		}

		documents = append(documents, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return query.Apply(documents)
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrNotFound
	}

	return nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isMissingTable(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.Code == sqlite3.ErrError && strings.Contains(sqliteErr.Error(), "no such table")
}
