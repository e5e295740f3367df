// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, optionally behind a fixed prefix.
type Generator struct {
	prefix string
}

// New creates a Generator for session IDs.
func New() *Generator {
	return &Generator{}
}

// NewPrefixed creates a Generator whose IDs start with prefix (e.g. "tab-").
func NewPrefixed(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
