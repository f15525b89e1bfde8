// Package uuid issues crawl run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered (v7) run IDs. It implements crawler.IDGenerator.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a run ID as a string.
func (g Generator) NewID() (string, error) {
	id, err := g.NewRunID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRunID returns a run ID.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// ParseRunID accepts an operator-supplied run ID, e.g. to resume a crawl
// under its original identity.
func ParseRunID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse run id %q: %w", s, err)
	}
	return id, nil
}
