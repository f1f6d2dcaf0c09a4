// Package id generates opaque identifiers for ephemeral chat resources.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 rendering of a random
// version 4 UUID.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(u[:])), nil
}

// NewPrefixedID returns NewID with a short kind prefix, such as "conn_".
func NewPrefixedID(prefix string) (string, error) {
	raw, err := NewID()
	if err != nil {
		return "", err
	}
	return prefix + raw, nil
}
