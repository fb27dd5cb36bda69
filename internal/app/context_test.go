package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtwline/internal/config"
	"rtwline/internal/engine"
	"rtwline/internal/engine/auth"
	"rtwline/internal/repo"
)

func TestResolveAndBootstrap(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	conn, err := Open(ctx, workspace, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	r := repo.Repo{DB: conn}

	orgID, cfg, err := ResolveOrgAndConfig(ctx, workspace, "", r)
	require.NoError(t, err)
	assert.Equal(t, "default-org", orgID)
	_, err = r.GetOrg(ctx, orgID)
	require.NoError(t, err)

	e := engine.New(conn, cfg)
	created, err := Bootstrap(ctx, e, orgID, "local-user")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = Bootstrap(ctx, e, orgID, "someone-else")
	require.NoError(t, err)
	assert.False(t, created)

	actor, err := LocalActor(ctx, e, orgID, "local-user")
	require.NoError(t, err)
	assert.True(t, actor.Can(auth.PermissionAdmin))
	other, err := LocalActor(ctx, e, orgID, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, other.Permissions)
}

func TestResolveUsesConfigFile(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault("acme")), 0o644))
	conn, err := Open(ctx, workspace, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	orgID, cfg, err := ResolveOrgAndConfig(ctx, workspace, "", repo.Repo{DB: conn})
	require.NoError(t, err)
	assert.Equal(t, "acme", orgID)
	assert.Equal(t, 7, cfg.Compliance.LookaheadDays)

	orgID, _, err = ResolveOrgAndConfig(ctx, workspace, "beta", repo.Repo{DB: conn})
	require.NoError(t, err)
	assert.Equal(t, "beta", orgID)
}
