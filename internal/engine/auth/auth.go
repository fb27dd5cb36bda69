package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"rtwline/internal/config"
	"rtwline/internal/db"
	"rtwline/internal/domain"
)

// PermissionAdmin grants cross-organization access to cases.
const PermissionAdmin = "case.admin"

const (
	PermissionOpenCase     = "case.open"
	PermissionTransition   = "rtw_plan.transition"
	PermissionExtend       = "treatment_plan.extend"
	PermissionOverviewRead = "rtw.overview.read"
	PermissionAuditRead    = "audit.read"
	PermissionTasksTrigger = "tasks.trigger"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Actor is an already-authenticated caller.
type Actor struct {
	ID          string
	OrgID       string
	Roles       []string
	Permissions []string
}

func (a Actor) Can(perm string) bool {
	return slices.Contains(a.Permissions, perm)
}

// Admin reports whether the actor may bypass organization scoping.
func (a Actor) Admin() bool {
	return a.Can(PermissionAdmin)
}

// Require returns ForbiddenError when perm is missing.
func (a Actor) Require(perm string) error {
	if a.Can(perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// ResolvePermissions expands roles through the configured role catalog.
func ResolvePermissions(cfg *config.Config, roles []string) []string {
	if cfg == nil {
		return nil
	}
	var perms []string
	for _, role := range roles {
		def, ok := cfg.RBAC.Roles[role]
		if !ok {
			continue
		}
		for _, p := range def.Permissions {
			if !slices.Contains(perms, p) {
				perms = append(perms, p)
			}
		}
	}
	return perms
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB     *sqlx.DB
	Config *config.Config
}

func (s Service) EnsureActor(ctx context.Context, tx *sqlx.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := db.FormatTime(time.Now())
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorRoles(ctx context.Context, q sqlx.QueryerContext, orgID, actorID string) ([]string, error) {
	var roles []string
	err := sqlx.SelectContext(ctx, q, &roles, `SELECT role FROM org_roles WHERE org_id=? AND actor_id=? ORDER BY role`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// LoadActor builds an Actor whose roles come from org_roles merged with extra.
func (s Service) LoadActor(ctx context.Context, orgID, actorID string, extra ...string) (Actor, error) {
	roles, err := s.ActorRoles(ctx, s.DB, orgID, actorID)
	if err != nil {
		return Actor{}, err
	}
	for _, r := range extra {
		if !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	return Actor{
		ID:          actorID,
		OrgID:       orgID,
		Roles:       roles,
		Permissions: ResolvePermissions(s.Config, roles),
	}, nil
}

func (s Service) GrantRole(ctx context.Context, tx *sqlx.Tx, orgID, actorID, role string) error {
	if err := s.knownRole(role); err != nil {
		return err
	}
	if err := s.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO org_roles(org_id, actor_id, role) VALUES (?,?,?)`, orgID, actorID, role)
	return err
}

func (s Service) RevokeRole(ctx context.Context, tx *sqlx.Tx, orgID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM org_roles WHERE org_id=? AND actor_id=? AND role=?`, orgID, actorID, role)
	return err
}

func (s Service) knownRole(role string) error {
	if s.Config == nil || len(s.Config.RBAC.Roles) == 0 {
		return nil
	}
	if _, ok := s.Config.RBAC.Roles[role]; !ok {
		return domain.ValidationError{Field: "role", Message: "unknown role " + role}
	}
	return nil
}
