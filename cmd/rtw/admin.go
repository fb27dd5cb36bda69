package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rtwline/internal/app"
	"rtwline/internal/config"
	"rtwline/internal/engine"
	"rtwline/internal/engine/auth"
	"rtwline/internal/repo"
	"rtwline/internal/scheduler"
	"rtwline/internal/server"
	"rtwline/internal/telemetry"
)

// serveEnv holds settings that never belong in rtwline.yml.
type serveEnv struct {
	JWTSecret string        `env:"RTWLINE_JWT_SECRET"`
	DevLogin  bool          `env:"RTWLINE_DEV_LOGIN" envDefault:"false"`
	TokenTTL  time.Duration `env:"RTWLINE_TOKEN_TTL" envDefault:"12h"`
}

func loadServeEnv() (serveEnv, error) {
	var s serveEnv
	if err := env.Parse(&s); err != nil {
		return serveEnv{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacListCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				return printJSON(map[string]any{
					"actorId":        s.Actor.ID,
					"organizationId": s.OrgID,
					"roles":          s.Actor.Roles,
					"permissions":    s.Actor.Permissions,
				})
			})
		},
	}
}

func rbacListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List role assignments in the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.Repo.ListRoleAssignments(ctx, s.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Actor", "Role")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ActorID, it.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func roleCommand(use, short string, apply func(ctx context.Context, e engine.Engine, orgID, actorID, role string) error) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Actor.Require(auth.PermissionAdmin); err != nil {
					return err
				}
				return apply(ctx, s.Engine, s.OrgID, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	return roleCommand("grant", "Grant role to actor", func(ctx context.Context, e engine.Engine, orgID, actorID, role string) error {
		return e.GrantRole(ctx, orgID, actorID, role)
	})
}

func rbacRevokeCmd() *cobra.Command {
	return roleCommand("revoke", "Revoke role from actor", func(ctx context.Context, e engine.Engine, orgID, actorID, role string) error {
		return e.RevokeRole(ctx, orgID, actorID, role)
	})
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Actor.Require(auth.PermissionAdmin); err != nil {
					return err
				}
				if target == "" {
					target = s.Actor.ID
				}
				plain, key, err := s.Engine.CreateAPIKey(ctx, s.OrgID, target, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": plain, "apiKey": key})
				}
				fmt.Printf("API key for %s in %s (id %s):\n%s\n", key.ActorID, key.OrgID, key.ID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id (defaults to the current actor)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if target == "" {
					target = s.Actor.ID
				}
				if target != s.Actor.ID {
					if err := s.Actor.Require(auth.PermissionAdmin); err != nil {
						return err
					}
				}
				keys, err := s.Engine.Repo.ListAPIKeys(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Organization", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.OrgID, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id (defaults to the current actor)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens (development)"}
	cmd.AddCommand(tokenMintCmd())
	return cmd
}

func tokenMintCmd() *cobra.Command {
	var target, orgID, roles string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a JWT signed with RTWLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			se, err := loadServeEnv()
			if err != nil {
				return err
			}
			if se.JWTSecret == "" {
				return fmt.Errorf("RTWLINE_JWT_SECRET is required")
			}
			if target == "" {
				target = viper.GetString("actor-id")
			}
			if orgID == "" {
				orgID = viper.GetString("org")
			}
			if orgID == "" {
				cfg, err := config.LoadOptional(viper.GetString("workspace"), "")
				if err != nil {
					return err
				}
				orgID = cfg.Organization.ID
			}
			var roleList []string
			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					roleList = append(roleList, r)
				}
			}
			tok, err := server.SignToken(se.JWTSecret, target, orgID, roleList, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "subject (defaults to --actor-id)")
	cmd.Flags().StringVar(&orgID, "token-org", "", "organization claim (defaults to --org or config)")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect rtwline.yml",
		Long:  "rtwline.yml sets the organization, the expiring-soon lookahead, the sweep interval, the store timeout and the RBAC roles.",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"), viper.GetString("org"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rtwline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			orgID := viper.GetString("org")
			if orgID == "" {
				orgID = "default-org"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := slog.Default()
			se, err := loadServeEnv()
			if err != nil {
				return err
			}
			if se.JWTSecret == "" {
				return fmt.Errorf("RTWLINE_JWT_SECRET is required for bearer auth")
			}
			ts, err := telemetry.LoadSettings()
			if err != nil {
				return err
			}
			if err := telemetry.Init(ctx, ts, "rtwline", version); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := telemetry.Shutdown(sctx); err != nil {
					logger.Warn("telemetry shutdown", "err", err)
				}
			}()

			workspace := viper.GetString("workspace")
			conn, err := app.Open(ctx, workspace, logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			orgID, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), repo.Repo{DB: conn})
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Logger = logger
			e.Metrics = telemetry.NewMetrics()
			if _, err := app.Bootstrap(ctx, e, orgID, viper.GetString("actor-id")); err != nil {
				return err
			}

			runner := scheduler.New(logger, e.Tasks()...)
			runner.Start(ctx)
			defer runner.Stop()

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Tasks:    runner,
				Logger:   logger,
				Auth: server.AuthConfig{
					JWTSecret: se.JWTSecret,
					DevLogin:  se.DevLogin,
					TokenTTL:  se.TokenTTL,
					Logger:    logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("serving RTW plan API", "addr", addr, "base_path", basePath, "org_id", orgID, "dev_login", se.DevLogin)
			fmt.Printf("Serving on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}
