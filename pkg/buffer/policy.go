// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package buffer

import (
	"fmt"
	"strings"
)

// Policy selects what Write does when the buffer is full.
type Policy int

const (
	// Block suspends the writer until a slot frees up or the buffer is closed.
	Block Policy = iota
	// DropNewest discards the item being written.
	DropNewest
	// DropOldest evicts the oldest queued item to admit the new one.
	DropOldest
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so the policy can be named
// in YAML or environment based configuration.
func (p *Policy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "block", "wait":
		*p = Block
	case "drop_newest", "dropnewest", "drop_write", "dropwrite":
		*p = DropNewest
	case "drop_oldest", "dropoldest":
		*p = DropOldest
	default:
		return fmt.Errorf("unknown overflow policy %q", text)
	}

	return nil
}
