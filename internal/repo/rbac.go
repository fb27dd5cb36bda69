package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"rtwline/internal/domain"
)

func (r Repo) EnsureOrg(ctx context.Context, tx *sqlx.Tx, orgID, name string, now time.Time) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, formatTime(now))
	return err
}

type orgRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	CreatedAt string `db:"created_at"`
}

func (o orgRow) toDomain() (domain.Organization, error) {
	ts, err := parseTime(o.CreatedAt)
	if err != nil {
		return domain.Organization{}, err
	}
	return domain.Organization{ID: o.ID, Name: o.Name, CreatedAt: ts}, nil
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var row orgRow
	err := r.DB.GetContext(ctx, &row, `SELECT id,name,created_at FROM organizations WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Organization{}, ErrNotFound
	}
	if err != nil {
		return domain.Organization{}, err
	}
	return row.toDomain()
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	var rows []orgRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT id,name,created_at FROM organizations ORDER BY id`); err != nil {
		return nil, err
	}
	res := make([]domain.Organization, 0, len(rows))
	for _, row := range rows {
		o, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}

// RoleAssignment is one org_roles row.
type RoleAssignment struct {
	OrgID   string `db:"org_id" json:"organizationId"`
	ActorID string `db:"actor_id" json:"actorId"`
	Role    string `db:"role" json:"role"`
}

func (r Repo) ListRoleAssignments(ctx context.Context, orgID string) ([]RoleAssignment, error) {
	var res []RoleAssignment
	err := r.DB.SelectContext(ctx, &res, `SELECT org_id, actor_id, role FROM org_roles WHERE org_id=? ORDER BY actor_id, role`, orgID)
	return res, err
}
