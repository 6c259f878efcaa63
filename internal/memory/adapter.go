// Package memory implements the Memory Adapter: a tenant-isolated façade
// over an external memory store, called cooperatively by the orchestrator
// during the inject/extract phases of a query.
package memory

import (
	"context"
	"time"

	"github.com/kadirpekel/agentcore/internal/errs"
	"github.com/kadirpekel/agentcore/internal/fingerprint"
)

// Turn is one conversation turn persisted to memory on extraction.
type Turn struct {
	Role    string
	Content string
}

// Hit is one relevance-ranked memory record returned by Search.
type Hit struct {
	ID        string
	Content   string
	Score     float64
	CreatedAt time.Time
	Metadata  map[string]any
}

// Record is the opaque-to-core shape persisted by a backend (spec §3.3).
type Record struct {
	ID              string
	UserFingerprint string
	Content         string
	CreatedAt       time.Time
	Metadata        map[string]any
}

// Backend is the narrow interface either memory-service implementation
// satisfies: an HTTP client to an external memory service, or an embedded
// vector-database-backed store.
type Backend interface {
	Add(ctx context.Context, userFP string, turns []Turn) error
	Search(ctx context.Context, userFP, query string, k int, enableGraph bool) ([]Hit, error)
	// Get fetches one record by id regardless of owner, so Delete can
	// perform the mandatory ownership re-check before removing it.
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
}

// Adapter is the tenant-scoped façade the orchestrator calls; every
// outbound call passes a fingerprint, never a plaintext key.
type Adapter struct {
	backend Backend
}

func NewAdapter(backend Backend) *Adapter {
	return &Adapter{backend: backend}
}

// Add persists one or more conversation turns under the tenant key.
func (a *Adapter) Add(ctx context.Context, userFP fingerprint.Fingerprint, turns []Turn) error {
	if a.backend == nil {
		return nil
	}
	if err := a.backend.Add(ctx, userFP.Hex(), turns); err != nil {
		if e, ok := errs.As(err); ok {
			return e
		}
		return errs.Wrap(errs.Internal, "ERR_MEMORY_ADD", err, "failed to add memory")
	}
	return nil
}

// Search returns up to k relevance-ordered records for the tenant.
func (a *Adapter) Search(ctx context.Context, userFP fingerprint.Fingerprint, query string, k int, enableGraph bool) ([]Hit, error) {
	if a.backend == nil {
		return nil, nil
	}
	hits, err := a.backend.Search(ctx, userFP.Hex(), query, k, enableGraph)
	if err != nil {
		if e, ok := errs.As(err); ok {
			return nil, e
		}
		return nil, errs.Wrap(errs.Internal, "ERR_MEMORY_SEARCH", err, "failed to search memory")
	}
	return hits, nil
}

// Delete refuses deletion if the record is not owned by userFP: it fetches
// the record first, verifies ownership, then deletes. Mandatory per
// DESIGN.md Open Question (b).
func (a *Adapter) Delete(ctx context.Context, userFP fingerprint.Fingerprint, id string) error {
	if a.backend == nil {
		return errs.New(errs.NotFound, "ERR_MEMORY_NOT_FOUND", "memory record not found")
	}
	rec, err := a.backend.Get(ctx, id)
	if err != nil {
		if e, ok := errs.As(err); ok {
			return e
		}
		return errs.Wrap(errs.Internal, "ERR_MEMORY_GET", err, "failed to read memory record")
	}

	ownerFP, ok := fingerprint.Parse(rec.UserFingerprint)
	if !ok || !fingerprint.Equal(ownerFP, userFP) {
		return errs.New(errs.NotFound, "ERR_MEMORY_NOT_FOUND", "memory record not found")
	}

	if err := a.backend.Delete(ctx, id); err != nil {
		if e, ok := errs.As(err); ok {
			return e
		}
		return errs.Wrap(errs.Internal, "ERR_MEMORY_DELETE", err, "failed to delete memory record")
	}
	return nil
}

// NilAdapter returns an adapter with no backend, for when memory is
// disabled in config: Add and Search succeed and do nothing, and Delete
// returns NOT_FOUND since no record can exist.
func NilAdapter() *Adapter {
	return &Adapter{backend: nil}
}
