// Package proof is the append-only evidence log of runs: every pipeline
// step records a summary row, with the full body kept in a content store and
// handed out through short-lived signed tokens.
package proof

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

// Entry is a proof to be written.
type Entry struct {
	ProjectID string
	RunID     string
	Kind      Kind
	Summary   string
	// Content is persisted for content kinds.
	Content []byte
	// URI is required for reference kinds.
	URI string
}

// Log writes and reads proofs. Writes are never updated or deleted.
type Log struct {
	Repo  repo.Repo
	Store *ContentStore
	Bus   *events.Bus
	Now   func() time.Time
	NewID func() string
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Log) newID() string {
	if l.NewID != nil {
		return l.NewID()
	}
	return uuid.NewString()
}

// Write persists the entry, stores its content and emits proof-created.
func (l Log) Write(ctx context.Context, e Entry) (domain.Proof, error) {
	if e.ProjectID == "" || e.RunID == "" {
		return domain.Proof{}, errors.New("proof requires project and run")
	}
	kind := strings.TrimSpace(e.Kind)
	if kind == "" {
		return domain.Proof{}, errors.New("proof kind is required")
	}
	p := domain.Proof{
		ID:        l.newID(),
		ProjectID: e.ProjectID,
		RunID:     e.RunID,
		Kind:      kind,
		Summary:   e.Summary,
		CreatedAt: l.now().UTC().Format(time.RFC3339),
	}
	if IsReference(kind) {
		if e.URI == "" {
			return domain.Proof{}, fmt.Errorf("%s proof requires a uri", kind)
		}
		p.URI = e.URI
	} else {
		if l.Store == nil {
			return domain.Proof{}, errors.New("proof content store not configured")
		}
		key, size, err := l.Store.Put(p.ProjectID, p.RunID, p.ID, e.Content)
		if err != nil {
			return domain.Proof{}, err
		}
		p.ContentKey = key
		p.ContentSize = size
		p.URI = e.URI
	}
	if err := l.Repo.InsertProof(ctx, p); err != nil {
		return domain.Proof{}, fmt.Errorf("insert proof: %w", err)
	}
	if l.Bus != nil {
		l.Bus.Emit(events.Event{
			Kind:      events.KindProofCreated,
			ProjectID: p.ProjectID,
			RunID:     p.RunID,
			Summary:   p.Summary,
			Data:      events.Payload{"proof_id": p.ID, "kind": p.Kind},
		})
	}
	return p, nil
}

func (l Log) Get(ctx context.Context, id string) (domain.Proof, error) {
	return l.Repo.GetProof(ctx, id)
}

// List returns the proofs of a run in write order.
func (l Log) List(ctx context.Context, runID, kind string) ([]domain.Proof, error) {
	return l.Repo.ListProofs(ctx, repo.ProofFilters{RunID: runID, Kind: kind})
}

// Content returns the stored body of a content proof.
func (l Log) Content(ctx context.Context, id string) (domain.Proof, []byte, error) {
	p, err := l.Repo.GetProof(ctx, id)
	if err != nil {
		return p, nil, err
	}
	if p.ContentKey == "" {
		return p, nil, fmt.Errorf("proof %s is a reference: %w", id, ErrContentMissing)
	}
	if l.Store == nil {
		return p, nil, errors.New("proof content store not configured")
	}
	data, err := l.Store.Get(p.ContentKey)
	return p, data, err
}
