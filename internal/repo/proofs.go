package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

const proofColumns = `id,project_id,run_id,kind,summary,uri,content_key,content_size,created_at`

func scanProof(row interface{ Scan(...any) error }) (domain.Proof, error) {
	var p domain.Proof
	var uri, key sql.NullString
	err := row.Scan(&p.ID, &p.ProjectID, &p.RunID, &p.Kind, &p.Summary, &uri, &key, &p.ContentSize, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.URI = uri.String
	p.ContentKey = key.String
	return p, err
}

func (r Repo) InsertProof(ctx context.Context, p domain.Proof) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO proofs(`+proofColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.RunID, p.Kind, p.Summary, nullable(p.URI), nullable(p.ContentKey), p.ContentSize, p.CreatedAt)
	return err
}

func (r Repo) GetProof(ctx context.Context, id string) (domain.Proof, error) {
	p, err := scanProof(r.DB.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return p, fmt.Errorf("proof %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ProofFilters narrows ListProofs; results are in write order.
type ProofFilters struct {
	ProjectID string
	RunID     string
	Kind      string
	Limit     int
}

func (r Repo) ListProofs(ctx context.Context, f ProofFilters) ([]domain.Proof, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + proofColumns + ` FROM proofs ` + where + ` ORDER BY rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountProofsByKind returns how many proofs of each kind a run holds.
func (r Repo) CountProofsByKind(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kind, COUNT(*) FROM proofs WHERE run_id=? GROUP BY kind`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var kind string
		var c int
		if err := rows.Scan(&kind, &c); err != nil {
			return nil, err
		}
		res[kind] = c
	}
	return res, rows.Err()
}
