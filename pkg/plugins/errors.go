// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import "fmt"

// IntegrityError indicates a plugin's on-disk content does not match its
// manifest (dist hash or per-file checksums). No plugin code runs after
// an integrity failure.
type IntegrityError struct {
	Plugin string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("plugin %s failed integrity check: %s", e.Plugin, e.Reason)
}

// PolicyError indicates a plugin violates the dependency policy.
type PolicyError struct {
	Plugin string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("plugin %s violates policy: %s", e.Plugin, e.Reason)
}

// CapabilityMismatchError indicates a plugin registered tools it did not
// declare in its manifest capabilities (strict mode only).
type CapabilityMismatchError struct {
	Plugin     string
	Undeclared []string
}

func (e *CapabilityMismatchError) Error() string {
	return fmt.Sprintf("plugin %s registered undeclared tools: %v", e.Plugin, e.Undeclared)
}

// LoadError wraps any other failure during plugin loading.
type LoadError struct {
	Plugin string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s failed to load: %v", e.Plugin, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
