// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides the AEAD primitives used to protect credentials
// stored in the CMDB: AES-256-GCM encryption, master key management, and
// key wrapping for at-rest rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrInvalidKeySize is returned when a key is not exactly KeySize bytes.
var ErrInvalidKeySize = errors.New("key must be 32 bytes")

// Sealed is an encrypted blob split into the pieces the credential table
// stores in separate columns.
type Sealed struct {
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// Cipher wraps a fixed AES-256-GCM key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext with a random nonce and returns the pieces
// separately. The GCM tag is split off the end of the ciphertext.
func (c *Cipher) Seal(plaintext []byte) (Sealed, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("generating nonce: %w", err)
	}
	out := c.aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(out) - c.aead.Overhead()
	return Sealed{
		IV:         iv,
		Ciphertext: out[:tagStart],
		Tag:        out[tagStart:],
	}, nil
}

// Open decrypts a Sealed blob.
func (c *Cipher) Open(s Sealed) ([]byte, error) {
	joined := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	joined = append(joined, s.Ciphertext...)
	joined = append(joined, s.Tag...)
	plaintext, err := c.aead.Open(nil, s.IV, joined, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Wrap encrypts another key under this cipher, producing a single blob
// (nonce prepended) suitable for the keyring table.
func (c *Cipher) Wrap(key []byte) ([]byte, error) {
	s, err := c.Seal(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(s.IV)+len(s.Ciphertext)+len(s.Tag))
	out = append(out, s.IV...)
	out = append(out, s.Ciphertext...)
	out = append(out, s.Tag...)
	return out, nil
}

// Unwrap reverses Wrap.
func (c *Cipher) Unwrap(blob []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(blob) < ns+c.aead.Overhead() {
		return nil, errors.New("wrapped key too short")
	}
	return c.Open(Sealed{
		IV:         blob[:ns],
		Ciphertext: blob[ns : len(blob)-c.aead.Overhead()],
		Tag:        blob[len(blob)-c.aead.Overhead():],
	})
}

// NewKey generates a fresh random 32-byte key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// Zero overwrites a key buffer. Callers use it to limit the lifetime of
// decrypted key material.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// LoadOrCreateMasterKey reads the 32-byte master key at path, creating it
// with mode 0600 if it does not exist.
func LoadOrCreateMasterKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("master key file %s: %w", path, ErrInvalidKeySize)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading master key: %w", err)
	}

	key, err = NewKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("writing master key: %w", err)
	}
	return key, nil
}
