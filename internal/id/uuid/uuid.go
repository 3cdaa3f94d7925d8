// Package uuid generates time-ordered crawl run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 run IDs, so ledger rows sort by start time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewRunID returns a UUID7.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewID returns a UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := g.NewRunID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
