// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package cmdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/infrascope/infrascope/pkg/crypto"
)

// AddCredential encrypts and stores a credential. The plaintext fields are
// never written to disk.
func (s *Store) AddCredential(ctx context.Context, cred Credential) error {
	if cred.ID == "" {
		return errors.New("credential id cannot be empty")
	}
	if !ValidCredentialKind(cred.Kind) {
		return fmt.Errorf("unsupported credential kind %q", cred.Kind)
	}

	plaintext, err := json.Marshal(cred.Fields)
	if err != nil {
		return fmt.Errorf("encoding credential fields: %w", err)
	}
	defer crypto.Zero(plaintext)

	s.keyMu.RLock()
	sealed, err := s.cipher.Seal(plaintext)
	s.keyMu.RUnlock()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, kind, ciphertext, iv, tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cred.ID, string(cred.Kind), sealed.Ciphertext, sealed.IV, sealed.Tag,
		time.Now().UTC().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: credential %s", ErrAlreadyExists, cred.ID)
		}
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

// GetCredential decrypts and returns a credential by id.
func (s *Store) GetCredential(ctx context.Context, id string) (Credential, error) {
	var cred Credential
	var kind string
	var sealed crypto.Sealed
	var created int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, ciphertext, iv, tag, created_at
		FROM credentials WHERE id = ?`, id).
		Scan(&cred.ID, &kind, &sealed.Ciphertext, &sealed.IV, &sealed.Tag, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, fmt.Errorf("%w: credential %s", ErrNotFound, id)
	} else if err != nil {
		return Credential{}, fmt.Errorf("loading credential: %w", err)
	}

	s.keyMu.RLock()
	plaintext, err := s.cipher.Open(sealed)
	s.keyMu.RUnlock()
	if err != nil {
		return Credential{}, err
	}
	defer crypto.Zero(plaintext)

	if err := json.Unmarshal(plaintext, &cred.Fields); err != nil {
		return Credential{}, fmt.Errorf("decoding credential fields: %w", err)
	}
	cred.Kind = CredentialKind(kind)
	cred.CreatedAt = time.UnixMilli(created).UTC()
	return cred, nil
}

// ListCredentials returns the ids and kinds of all stored credentials
// without decrypting them.
func (s *Store) ListCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, created_at FROM credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var kind string
		var created int64
		if err := rows.Scan(&c.ID, &kind, &created); err != nil {
			return nil, err
		}
		c.Kind = CredentialKind(kind)
		c.CreatedAt = time.UnixMilli(created).UTC()
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: credential %s", ErrNotFound, id)
	}
	return nil
}

// RotateKey re-encrypts every credential under a data key derived from
// newKeyMaterial and replaces the keyring entry, all in one transaction.
// Old ciphertext is not retained; a failure leaves the previous key and
// rows untouched.
func (s *Store) RotateKey(ctx context.Context, newKeyMaterial string) error {
	if newKeyMaterial == "" {
		return errors.New("new key material cannot be empty")
	}

	derived := sha256.Sum256([]byte(newKeyMaterial))
	newKey := derived[:]
	defer crypto.Zero(newKey)

	newCipher, err := crypto.NewCipher(newKey)
	if err != nil {
		return err
	}
	wrapped, err := s.master.Wrap(newKey)
	if err != nil {
		return err
	}

	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx, `SELECT id, ciphertext, iv, tag FROM credentials`)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	type reEncrypted struct {
		id     string
		sealed crypto.Sealed
	}
	var updates []reEncrypted
	for rows.Next() {
		var id string
		var sealed crypto.Sealed
		if err := rows.Scan(&id, &sealed.Ciphertext, &sealed.IV, &sealed.Tag); err != nil {
			_ = rows.Close()
			return err
		}
		plaintext, err := s.cipher.Open(sealed)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("decrypting credential %s during rotation: %w", id, err)
		}
		resealed, err := newCipher.Seal(plaintext)
		crypto.Zero(plaintext)
		if err != nil {
			_ = rows.Close()
			return err
		}
		updates = append(updates, reEncrypted{id: id, sealed: resealed})
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE credentials SET ciphertext = ?, iv = ?, tag = ? WHERE id = ?`,
			u.sealed.Ciphertext, u.sealed.IV, u.sealed.Tag, u.id); err != nil {
			return fmt.Errorf("re-encrypting credential %s: %w", u.id, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE keyring SET wrapped_data_key = ? WHERE id = 1`, wrapped); err != nil {
		return fmt.Errorf("updating keyring: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rotation: %w", err)
	}

	s.cipher = newCipher
	return nil
}
