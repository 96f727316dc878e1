// Package uuid mints run identifiers.
package uuid

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Generator mints UUIDv7 run IDs. They sort by creation time, so ledger rows
// and fallback listings order naturally.
type Generator struct {
	entropy io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{}
}

// NewWithEntropy returns a Generator that draws its random bits from r.
func NewWithEntropy(r io.Reader) *Generator {
	return &Generator{entropy: r}
}

// NewRawID returns the next run ID.
func (g *Generator) NewRawID() (uuid.UUID, error) {
	var (
		id  uuid.UUID
		err error
	)
	if g.entropy != nil {
		id, err = uuid.NewV7FromReader(g.entropy)
	} else {
		id, err = uuid.NewV7()
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewID is NewRawID in string form.
func (g *Generator) NewID() (string, error) {
	id, err := g.NewRawID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
