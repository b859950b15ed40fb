package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// Object is an archived payload held in memory.
type Object struct {
	Data     []byte
	Metadata harvest.ArchiveMetadata
}

// Archive keeps uploaded objects in memory and returns memory:// URIs.
type Archive struct {
	mu      sync.RWMutex
	objects map[string]Object
}

var _ harvest.Archive = (*Archive)(nil)

// NewArchive creates an empty in-memory archive.
func NewArchive() *Archive {
	return &Archive{objects: make(map[string]Object)}
}

// Upload stores a copy of payload under identifier.
func (a *Archive) Upload(ctx context.Context, identifier string, payload []byte, meta harvest.ArchiveMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("upload %s: %w", identifier, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[identifier] = Object{Data: append([]byte(nil), payload...), Metadata: meta}
	return "memory://" + identifier, nil
}

// Get returns the object stored under identifier.
func (a *Archive) Get(identifier string) (Object, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[identifier]
	return obj, ok
}

// Len reports how many objects are stored.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}
