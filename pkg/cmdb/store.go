// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package cmdb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/infrascope/infrascope/pkg/crypto"
	"github.com/infrascope/infrascope/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	// flushInterval is how often the background writer checkpoints the
	// WAL to the main database file.
	flushInterval = 30 * time.Second

	// txTimeout bounds individual store transactions so a wedged
	// database fails fast instead of stalling tool calls.
	txTimeout = 5 * time.Second
)

// Store is the embedded CMDB. All methods are safe for concurrent use;
// writes are transactional so readers observe either pre- or post-state
// of any single transaction.
type Store struct {
	db   *sql.DB
	path string

	// keyMu guards the credential data key during rotation.
	keyMu   sync.RWMutex
	cipher  *crypto.Cipher // data key cipher for credential rows
	master  *crypto.Cipher // master key cipher for the keyring table
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Open opens (or creates) the CMDB at path, applies pending migrations,
// unwraps the credential data key using masterKey, and starts the
// background flush writer.
func Open(ctx context.Context, path string, masterKey []byte) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	master, err := crypto.NewCipher(masterKey)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		path:   path,
		master: master,
		stopCh: make(chan struct{}),
	}

	if err := s.loadOrCreateDataKey(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// loadOrCreateDataKey unwraps the credential data key from the keyring
// table, generating and storing a fresh one on first open.
func (s *Store) loadOrCreateDataKey(ctx context.Context) error {
	var wrapped []byte
	err := s.db.QueryRowContext(ctx, `SELECT wrapped_data_key FROM keyring WHERE id = 1`).Scan(&wrapped)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		dataKey, err := crypto.NewKey()
		if err != nil {
			return err
		}
		defer crypto.Zero(dataKey)
		wrapped, err = s.master.Wrap(dataKey)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO keyring (id, wrapped_data_key) VALUES (1, ?)`, wrapped); err != nil {
			return fmt.Errorf("storing wrapped data key: %w", err)
		}
		s.cipher, err = crypto.NewCipher(dataKey)
		return err
	case err != nil:
		return fmt.Errorf("loading keyring: %w", err)
	}

	dataKey, err := s.master.Unwrap(wrapped)
	if err != nil {
		return fmt.Errorf("unwrapping data key: %w", err)
	}
	defer crypto.Zero(dataKey)
	s.cipher, err = crypto.NewCipher(dataKey)
	return err
}

// Close flushes and closes the database, stopping the background writer.
func (s *Store) Close() error {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if err := s.Save(context.Background()); err != nil {
		logger.Warnf("final CMDB flush failed: %v", err)
	}
	return s.db.Close()
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Save(context.Background()); err != nil {
				logger.Warnf("background CMDB flush failed: %v", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Save checkpoints the WAL so all committed transactions reach the main
// database file.
func (s *Store) Save(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(FULL)`); err != nil {
		return fmt.Errorf("checkpointing: %w", err)
	}
	return nil
}

// Get retrieves a CI by key.
func (s *Store) Get(ctx context.Context, key string) (CI, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, type, parent_key, attributes, created_at, updated_at
		FROM ci_items WHERE key = ?`, key)
	return scanCI(row)
}

// Set upserts a CI. CreatedAt is preserved on update; UpdatedAt is always
// advanced (never moved backwards).
func (s *Store) Set(ctx context.Context, ci CI) error {
	if ci.Key == "" {
		return errors.New("CI key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := s.upsertTx(ctx, tx, ci); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, ci CI) error {
	if ci.ParentKey != "" {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM ci_items WHERE key = ?`, ci.ParentKey).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMissingParent, ci.ParentKey)
		} else if err != nil {
			return fmt.Errorf("checking parent: %w", err)
		}
	}

	attrs, err := encodeAttributes(ci.Attributes)
	if err != nil {
		return err
	}

	now := time.Now().UTC().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ci_items (key, type, parent_key, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			type = excluded.type,
			parent_key = excluded.parent_key,
			attributes = excluded.attributes,
			updated_at = MAX(ci_items.updated_at, excluded.updated_at)`,
		ci.Key, ci.Type, nullable(ci.ParentKey), attrs, now, now)
	if err != nil {
		return fmt.Errorf("upserting CI: %w", err)
	}
	return nil
}

// Merge shallow-merges partial attributes into an existing CI. The CI is
// created when it does not exist yet.
func (s *Store) Merge(ctx context.Context, key string, partial map[string]any) (CI, error) {
	if key == "" {
		return CI{}, errors.New("CI key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CI{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `
		SELECT key, type, parent_key, attributes, created_at, updated_at
		FROM ci_items WHERE key = ?`, key)
	ci, err := scanCI(row)
	if errors.Is(err, ErrNotFound) {
		ci = CI{Key: key, Type: inferType(key), Attributes: map[string]any{}}
	} else if err != nil {
		return CI{}, err
	}

	if ci.Attributes == nil {
		ci.Attributes = map[string]any{}
	}
	for k, v := range partial {
		ci.Attributes[k] = v
	}

	if err := s.upsertTx(ctx, tx, ci); err != nil {
		return CI{}, err
	}
	if err := tx.Commit(); err != nil {
		return CI{}, fmt.Errorf("committing transaction: %w", err)
	}
	return s.Get(ctx, key)
}

// Query returns CIs whose keys match a glob pattern, where '*' matches any
// run of characters and '?' a single character.
func (s *Store) Query(ctx context.Context, pattern string) ([]CI, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, type, parent_key, attributes, created_at, updated_at
		FROM ci_items WHERE key LIKE ? ESCAPE '\' ORDER BY key`, globToLike(pattern))
	if err != nil {
		return nil, fmt.Errorf("querying CIs: %w", err)
	}
	defer rows.Close()

	var items []CI
	for rows.Next() {
		ci, err := scanCI(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ci)
	}
	return items, rows.Err()
}

// Delete removes a CI and its relationship edges.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ci_items WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting CI: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// Clear removes every CI and relationship. Credentials are retained.
func (s *Store) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM ci_relationships`); err != nil {
		return fmt.Errorf("clearing relationships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ci_items`); err != nil {
		return fmt.Errorf("clearing CIs: %w", err)
	}
	return tx.Commit()
}

// Stats reports row counts for the health endpoint and memory_stats tool.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ItemsByType: map[string]int{}, Path: s.path}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ci_items`).Scan(&st.Items); err != nil {
		return st, fmt.Errorf("counting CIs: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ci_relationships`).Scan(&st.Relationships); err != nil {
		return st, fmt.Errorf("counting relationships: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&st.Credentials); err != nil {
		return st, fmt.Errorf("counting credentials: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM ci_items GROUP BY type`)
	if err != nil {
		return st, fmt.Errorf("grouping CIs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return st, err
		}
		st.ItemsByType[typ] = n
	}
	return st, rows.Err()
}

// AddRelationship records a typed edge between two existing CIs.
func (s *Store) AddRelationship(ctx context.Context, parentKey, childKey, relType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ci_relationships (parent_key, child_key, relationship_type, created_at)
		VALUES (?, ?, ?, ?)`,
		parentKey, childKey, relType, time.Now().UTC().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return ErrMissingParent
		}
		return fmt.Errorf("inserting relationship: %w", err)
	}
	return nil
}

// Relationships lists the edges touching key, in both directions.
func (s *Store) Relationships(ctx context.Context, key string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_key, child_key, relationship_type, created_at
		FROM ci_relationships
		WHERE parent_key = ? OR child_key = ?
		ORDER BY created_at`, key, key)
	if err != nil {
		return nil, fmt.Errorf("querying relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		var created int64
		if err := rows.Scan(&r.ParentKey, &r.ChildKey, &r.RelationshipType, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// inferType derives a CI type from a hierarchical key such as
// "ci:host:10.0.0.5".
func inferType(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 2 && parts[0] == "ci" {
		return parts[1]
	}
	return "generic"
}

// globToLike converts a glob pattern to a SQL LIKE pattern, escaping the
// LIKE metacharacters in the input.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCI(row rowScanner) (CI, error) {
	var ci CI
	var parent sql.NullString
	var attrs string
	var created, updated int64

	err := row.Scan(&ci.Key, &ci.Type, &parent, &attrs, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return CI{}, ErrNotFound
	} else if err != nil {
		return CI{}, fmt.Errorf("scanning CI: %w", err)
	}

	ci.ParentKey = parent.String
	ci.CreatedAt = time.UnixMilli(created).UTC()
	ci.UpdatedAt = time.UnixMilli(updated).UTC()
	if err := json.Unmarshal([]byte(attrs), &ci.Attributes); err != nil {
		return CI{}, fmt.Errorf("decoding attributes: %w", err)
	}
	return ci, nil
}

func encodeAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encoding attributes: %w", err)
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
