package proof_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/db"
	"forgeline/internal/events"
	"forgeline/internal/migrate"
	"forgeline/internal/proof"
	"forgeline/internal/repo"
)

func newLog(t *testing.T) (proof.Log, *events.Bus) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	bus := events.NewBus(10)
	n := 0
	return proof.Log{
		Repo:  repo.Repo{DB: conn},
		Store: proof.NewContentStore(afero.NewMemMapFs()),
		Bus:   bus,
		Now:   func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
		NewID: func() string { n++; return fmt.Sprintf("proof-%d", n) },
	}, bus
}

func TestWriteContentProof(t *testing.T) {
	l, bus := newLog(t)
	ctx := context.Background()
	p, err := l.Write(ctx, proof.Entry{ProjectID: "p1", RunID: "r1", Kind: proof.KindDiff, Summary: "2 files changed", Content: []byte("--- a\n+++ b\n")})
	require.NoError(t, err)
	assert.Equal(t, "p1/r1/proof-1", p.ContentKey)
	assert.Equal(t, int64(12), p.ContentSize)

	got, body, err := l.Content(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, "--- a\n+++ b\n", string(body))

	evts := bus.Replay(events.Filter{}, 0)
	require.Len(t, evts, 1)
	assert.Equal(t, events.KindProofCreated, evts[0].Kind)
	assert.Equal(t, p.ID, evts[0].Data["proof_id"])
}

func TestWriteReferenceProof(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()
	_, err := l.Write(ctx, proof.Entry{ProjectID: "p1", RunID: "r1", Kind: proof.KindLink, Summary: "preview"})
	require.Error(t, err)

	p, err := l.Write(ctx, proof.Entry{ProjectID: "p1", RunID: "r1", Kind: proof.KindLink, Summary: "preview", URI: "http://preview/r1"})
	require.NoError(t, err)
	assert.Empty(t, p.ContentKey)
	_, _, err = l.Content(ctx, p.ID)
	require.ErrorIs(t, err, proof.ErrContentMissing)

	list, err := l.List(ctx, "r1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestWriteRejectsBadInput(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()
	_, err := l.Write(ctx, proof.Entry{ProjectID: "p1", RunID: "r1", Summary: "no kind"})
	require.Error(t, err)
	_, err = l.Write(ctx, proof.Entry{ProjectID: "p1", RunID: "../r1", Kind: proof.KindLog})
	require.Error(t, err)
	_, err = l.Get(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUnknownKindIsStoredAsContent(t *testing.T) {
	l, _ := newLog(t)
	p, err := l.Write(context.Background(), proof.Entry{ProjectID: "p1", RunID: "r1", Kind: "lighthouse", Content: []byte("{}")})
	require.NoError(t, err)
	assert.False(t, proof.Known(p.Kind))
	assert.NotEmpty(t, p.ContentKey)
}

func TestSignerRoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := proof.Signer{Secret: []byte("secret"), TTL: time.Minute, Now: func() time.Time { return now }}
	tok, exp, err := s.Issue("proof-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), exp)
	require.NoError(t, s.Verify(tok, "proof-1"))

	require.ErrorIs(t, s.Verify(tok, "proof-2"), proof.ErrInvalidToken)
	require.ErrorIs(t, s.Verify("", "proof-1"), proof.ErrInvalidToken)

	other := proof.Signer{Secret: []byte("other"), Now: s.Now}
	require.ErrorIs(t, other.Verify(tok, "proof-1"), proof.ErrInvalidToken)

	later := proof.Signer{Secret: s.Secret, Now: func() time.Time { return now.Add(2 * time.Minute) }}
	require.ErrorIs(t, later.Verify(tok, "proof-1"), proof.ErrInvalidToken)
}

func TestSignerRequiresSecret(t *testing.T) {
	_, _, err := proof.Signer{}.Issue("p")
	require.Error(t, err)
	secret, err := proof.RandomSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}
