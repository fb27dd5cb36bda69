package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"rtwline/internal/config"
	"rtwline/internal/db"
	"rtwline/internal/engine"
	"rtwline/internal/engine/auth"
	"rtwline/internal/migrate"
	"rtwline/internal/repo"
)

// Open prepares the workspace, opens the store with retries and applies
// pending migrations.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*sqlx.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.OpenWithRetry(ctx, db.Config{Workspace: workspace}, logger)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// ResolveOrgAndConfig picks the active organization and loads rtwline.yml,
// falling back to defaults when the file is absent. The override wins over
// the configured organization. The organization row is created on the fly.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride string, r repo.Repo) (string, *config.Config, error) {
	orgOverride = strings.TrimSpace(orgOverride)
	cfg, err := config.LoadOptional(workspace, orgOverride)
	if err != nil {
		return "", nil, err
	}
	orgID := orgOverride
	if orgID == "" {
		orgID = cfg.Organization.ID
	}
	if orgID == "" {
		return "", nil, fmt.Errorf("organization not specified; use --org")
	}
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()
	name := ""
	if orgID == cfg.Organization.ID {
		name = cfg.Organization.Name
	}
	if err := r.EnsureOrg(ctx, tx, orgID, name, time.Now().UTC()); err != nil {
		return "", nil, fmt.Errorf("ensure org: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", nil, err
	}
	return orgID, cfg, nil
}

// Bootstrap grants the admin role to actorID when the organization has no
// role assignments yet, so a fresh workspace has an operator.
func Bootstrap(ctx context.Context, e engine.Engine, orgID, actorID string) (bool, error) {
	assigned, err := e.Repo.ListRoleAssignments(ctx, orgID)
	if err != nil {
		return false, err
	}
	if len(assigned) > 0 {
		return false, nil
	}
	if err := e.GrantRole(ctx, orgID, actorID, "admin"); err != nil {
		return false, fmt.Errorf("bootstrap admin: %w", err)
	}
	return true, nil
}

// LocalActor resolves the CLI caller from stored role grants.
func LocalActor(ctx context.Context, e engine.Engine, orgID, actorID string) (auth.Actor, error) {
	if strings.TrimSpace(actorID) == "" {
		return auth.Actor{}, fmt.Errorf("actor not specified; use --actor-id")
	}
	return e.Auth.LoadActor(ctx, orgID, actorID)
}
