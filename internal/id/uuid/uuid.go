// Package uuid generates time-ordered identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, optionally prefixed so that IDs of
// different things are distinguishable in logs.
type Generator struct {
	prefix string
}

// New returns a generator producing "<prefix><uuidv7>".
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID implements audit.IDGenerator.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
