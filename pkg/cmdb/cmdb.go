// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmdb implements the persistent configuration-management database
// for discovered infrastructure: configuration items with parent/child
// relationships, plus a credential table encrypted at rest.
package cmdb

import (
	"errors"
	"time"
)

// Sentinel errors returned by the store.
var (
	// ErrNotFound indicates the requested CI or credential does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness conflict.
	ErrAlreadyExists = errors.New("already exists")

	// ErrMissingParent indicates a CI references a parent key that does
	// not exist.
	ErrMissingParent = errors.New("parent CI does not exist")
)

// CI is a configuration item: one discovered infrastructure object.
type CI struct {
	// Key is the hierarchical identifier, e.g. "ci:host:10.0.0.5".
	Key string `json:"key"`

	// Type classifies the item (host, vm, container, interface, ...).
	Type string `json:"type"`

	// ParentKey optionally references the key of the containing CI.
	ParentKey string `json:"parentKey,omitempty"`

	// Attributes holds arbitrary discovered properties.
	Attributes map[string]any `json:"attributes"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Relationship links two CIs with a typed edge.
type Relationship struct {
	ParentKey        string    `json:"parentKey"`
	ChildKey         string    `json:"childKey"`
	RelationshipType string    `json:"relationshipType"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CredentialKind enumerates the supported credential categories.
type CredentialKind string

// Supported credential kinds.
const (
	CredentialPassword    CredentialKind = "password"
	CredentialAPIKey      CredentialKind = "apiKey"
	CredentialSSHKey      CredentialKind = "sshKey"
	CredentialOAuthToken  CredentialKind = "oauthToken"
	CredentialCertificate CredentialKind = "certificate"
	CredentialCustom      CredentialKind = "custom"
)

// ValidCredentialKind reports whether kind is one of the supported values.
func ValidCredentialKind(kind CredentialKind) bool {
	switch kind {
	case CredentialPassword, CredentialAPIKey, CredentialSSHKey,
		CredentialOAuthToken, CredentialCertificate, CredentialCustom:
		return true
	}
	return false
}

// Credential is a decrypted credential record. Fields are only ever held
// in memory; on disk they exist solely as an AEAD-encrypted blob.
type Credential struct {
	ID        string            `json:"id"`
	Kind      CredentialKind    `json:"kind"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Stats summarizes the store contents.
type Stats struct {
	Items         int            `json:"items"`
	ItemsByType   map[string]int `json:"itemsByType"`
	Relationships int            `json:"relationships"`
	Credentials   int            `json:"credentials"`
	Path          string         `json:"path"`
}
