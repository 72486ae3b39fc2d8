// Package blob stores uploaded binary objects under generated identifiers.
package blob

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when no blob exists for an id.
var ErrNotFound = errors.New("blob: not found")

// DefaultContentType is served when an upload did not declare one.
const DefaultContentType = "application/octet-stream"

// Blob is one stored object. Data is nil when only metadata was requested.
type Blob struct {
	ID          string
	ContentType string
	Size        int64
	Created     time.Time
	Data        []byte
}

// Store persists blobs.
type Store interface {
	// Put stores data and returns the assigned metadata.
	Put(ctx context.Context, contentType string, data []byte) (Blob, error)
	// Get returns the blob with its data, or ErrNotFound.
	Get(ctx context.Context, id string) (Blob, error)
	// Close releases the store.
	Close() error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new lexically sortable identifier.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ValidID reports whether id has the shape produced by NewID.
func ValidID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}
