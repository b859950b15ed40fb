// Package uuid generates claim, result and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, so claim and result ids sort
// in creation order.
type Generator struct {
	source func() (uuid.UUID, error)
}

// New creates a Generator backed by uuid.NewV7.
func New() *Generator {
	return &Generator{source: uuid.NewV7}
}

// NewWithSource creates a Generator that draws UUIDs from source.
func NewWithSource(source func() (uuid.UUID, error)) *Generator {
	return &Generator{source: source}
}

// NewID returns the next identifier.
func (g *Generator) NewID() (string, error) {
	id, err := g.source()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
