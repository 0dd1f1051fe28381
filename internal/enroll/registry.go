package enroll

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/vision"
)

// Loader supplies enrollment snapshots, typically from the enrollment
// database.
type Loader interface {
	LoadEnrollment(ctx context.Context) ([]vision.EnrolledIdentity, error)
}

// Registry holds the current enrollment snapshot behind an atomic pointer.
// Readers get an immutable slice valid for the duration of a frame;
// replacement is a single pointer swap.
type Registry struct {
	loader   Loader
	embDim   int
	snapshot atomic.Pointer[[]vision.EnrolledIdentity]
}

// NewRegistry wraps a loader. Embeddings whose dimension differs from embDim
// are dropped at load time; embDim <= 0 disables the check.
func NewRegistry(loader Loader, embDim int) *Registry {
	r := &Registry{loader: loader, embDim: embDim}
	empty := []vision.EnrolledIdentity{}
	r.snapshot.Store(&empty)
	return r
}

// Reload fetches a fresh snapshot and swaps it in.
func (r *Registry) Reload(ctx context.Context) error {
	loaded, err := r.loader.LoadEnrollment(ctx)
	if err != nil {
		return fmt.Errorf("reload enrollment: %w", err)
	}

	identities := make([]vision.EnrolledIdentity, 0, len(loaded))
	for _, id := range loaded {
		if r.embDim > 0 {
			kept := id.Embeddings[:0]
			for _, emb := range id.Embeddings {
				if len(emb) != r.embDim {
					slog.Warn("dropping embedding with wrong dimension",
						"person_id", id.PersonID,
						"dim", len(emb),
						"expected", r.embDim,
					)
					continue
				}
				kept = append(kept, emb)
			}
			id.Embeddings = kept
		}
		if len(id.Embeddings) == 0 {
			continue
		}
		identities = append(identities, id)
	}
	r.snapshot.Store(&identities)

	active := 0
	for _, id := range identities {
		if id.Active {
			active++
		}
	}
	observability.EnrolledIdentities.Set(float64(active))
	slog.Info("enrollment snapshot loaded", "identities", len(identities), "active", active)
	return nil
}

// Snapshot returns the current immutable snapshot. Never nil.
func (r *Registry) Snapshot() []vision.EnrolledIdentity {
	return *r.snapshot.Load()
}

// Count returns the number of identities in the current snapshot.
func (r *Registry) Count() int {
	return len(r.Snapshot())
}

// Run reloads the snapshot every period until the context is cancelled.
// Reload failures keep the previous snapshot.
func (r *Registry) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				slog.Warn("enrollment reload failed", "error", err)
			}
		}
	}
}
