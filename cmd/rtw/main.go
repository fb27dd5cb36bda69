package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rtwline/internal/app"
	"rtwline/internal/db"
	"rtwline/internal/domain"
	"rtwline/internal/engine"
	"rtwline/internal/engine/auth"
	"rtwline/internal/engine/lifecycle"
	"rtwline/internal/events"
	"rtwline/internal/repo"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rtw",
	Short: "Return-to-work plan lifecycle CLI",
	Long: `rtw manages return-to-work plans for workers' compensation cases.
Core concepts:
- Case: an injured worker's claim, owned by one organization.
- RTW plan status: not_planned -> planned_not_started -> in_progress -> working_well/failing/on_hold -> completed.
  completed is terminal; admins may force a move outside the table, which is audited as an override.
- Treatment plan: a start date and an expected duration in weeks. It is expiring soon inside the lookahead
  window and expired once the target end date has passed. Extensions add 1-52 weeks.
- Audit trail: every change writes exactly one immutable event in the same transaction.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RTWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(rtwCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// session is what a local command needs: the engine, the resolved
// organization and the acting user.
type session struct {
	Engine engine.Engine
	OrgID  string
	Actor  auth.Actor
}

func (s session) provenance() events.Provenance {
	host, _ := os.Hostname()
	return events.Provenance{OriginAddress: host, ClientID: "rtw-cli/" + version}
}

func withSession(ctx context.Context, fn func(context.Context, session) error) error {
	workspace := viper.GetString("workspace")
	conn, err := app.Open(ctx, workspace, slog.Default())
	if err != nil {
		return err
	}
	defer conn.Close()
	orgID, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Logger = slog.Default()
	actorID := viper.GetString("actor-id")
	if created, err := app.Bootstrap(ctx, e, orgID, actorID); err != nil {
		return err
	} else if created {
		slog.Info("bootstrapped admin", "org_id", orgID, "actor_id", actorID)
	}
	actor, err := app.LocalActor(ctx, e, orgID, actorID)
	if err != nil {
		return err
	}
	return fn(ctx, session{Engine: e, OrgID: orgID, Actor: actor})
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseOpenCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseListCmd())
	return c
}

func caseOpenCmd() *cobra.Command {
	var id, worker, workStatus, startDate string
	var weeks int
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a case in not_planned",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				req := engine.OpenCaseRequest{
					ID:             id,
					OrganizationID: s.OrgID,
					WorkerName:     worker,
					WorkStatus:     workStatus,
					Actor:          s.Actor,
					Provenance:     s.provenance(),
				}
				if startDate != "" {
					start, err := time.Parse(time.DateOnly, startDate)
					if err != nil {
						return fmt.Errorf("--start-date must be YYYY-MM-DD: %w", err)
					}
					plan := &engine.PlanInput{StartDate: start}
					if cmd.Flags().Changed("weeks") {
						plan.ExpectedDurationWeeks = &weeks
					}
					req.TreatmentPlan = plan
				}
				c, err := s.Engine.OpenCase(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Opened case %s for %s (%s)\n", c.ID, c.WorkerName, c.RTWPlanStatus)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&worker, "worker", "", "worker name")
	cmd.Flags().StringVar(&workStatus, "work-status", "", "at_work, modified_duty or off_work")
	cmd.Flags().StringVar(&startDate, "start-date", "", "treatment plan start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&weeks, "weeks", 0, "treatment plan expected duration in weeks")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				c, err := s.Engine.GetCase(ctx, args[0], s.OrgID, s.Actor)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func caseListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the organization's cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Actor.Require(auth.PermissionOverviewRead); err != nil {
					return err
				}
				f := repo.CaseFilters{OrgID: s.OrgID, Limit: limit}
				if status != "" {
					st, err := domain.ParsePlanStatus(status)
					if err != nil {
						return err
					}
					f.Status = st
				}
				cases, err := s.Engine.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := newTable("ID", "Worker", "Work status", "RTW plan", "Target end", "Updated")
				for _, c := range cases {
					target := ""
					if c.TreatmentPlan != nil && c.TreatmentPlan.TargetEndDate != nil {
						target = c.TreatmentPlan.TargetEndDate.Format(time.DateOnly)
					}
					tw.AppendRow(table.Row{c.ID, c.WorkerName, c.WorkStatus, c.RTWPlanStatus, target, c.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "rtw plan status filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum cases")
	return cmd
}

func planCmd() *cobra.Command {
	c := &cobra.Command{Use: "plan", Short: "Inspect and change RTW plans"}
	c.AddCommand(planStatusCmd())
	c.AddCommand(planTransitionCmd())
	c.AddCommand(planExtendCmd())
	c.AddCommand(planTableCmd())
	return c
}

func planStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <case-id>",
		Short: "Show a case's RTW plan status, valid next states and expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				view, err := s.Engine.GetPlan(ctx, args[0], s.OrgID, s.Actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Case: %s\n", view.CaseID)
				fmt.Printf("RTW plan status: %s\n", view.RTWPlanStatus)
				fmt.Printf("Valid next: %s\n", joinOrNone(domain.StatusStrings(view.ValidTransitions)))
				fmt.Printf("Treatment plan: %s\n", describeExpiry(view))
				return nil
			})
		},
	}
}

func describeExpiry(view engine.PlanView) string {
	ex := view.Expiry
	switch {
	case ex.DaysSinceExpiry != nil:
		return fmt.Sprintf("%s (%d days since %s)", ex.Classification, *ex.DaysSinceExpiry, ex.TargetEnd.Format(time.DateOnly))
	case ex.DaysUntilExpiry != nil:
		return fmt.Sprintf("%s (%d days until %s)", ex.Classification, *ex.DaysUntilExpiry, ex.TargetEnd.Format(time.DateOnly))
	default:
		return string(ex.Classification)
	}
}

func planTransitionCmd() *cobra.Command {
	var to, reason string
	var force bool
	cmd := &cobra.Command{
		Use:   "transition <case-id>",
		Short: "Move a case's RTW plan to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParsePlanStatus(to)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				res, err := s.Engine.ChangeStatus(ctx, engine.ChangeStatusRequest{
					CaseID:          args[0],
					OrganizationID:  s.OrgID,
					RequestedStatus: status,
					Reason:          reason,
					Force:           force,
					Actor:           s.Actor,
					Provenance:      s.provenance(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Confirmed:
					fmt.Printf("Confirmed %s\n", res.RTWPlanStatus)
				case res.Forced:
					fmt.Printf("Forced %s -> %s\n", res.PreviousStatus, res.RTWPlanStatus)
				default:
					fmt.Printf("%s -> %s\n", res.PreviousStatus, res.RTWPlanStatus)
				}
				fmt.Printf("Valid next: %s\n", joinOrNone(domain.StatusStrings(res.ValidTransitions)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the change (max 500 characters)")
	cmd.Flags().BoolVar(&force, "force", false, "force a transition outside the table (admin only)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func planExtendCmd() *cobra.Command {
	var weeks int
	var reason string
	cmd := &cobra.Command{
		Use:   "extend <case-id>",
		Short: "Extend a case's treatment plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				res, err := s.Engine.ExtendPlan(ctx, engine.ExtendPlanRequest{
					CaseID:          args[0],
					OrganizationID:  s.OrgID,
					AdditionalWeeks: weeks,
					Reason:          reason,
					Actor:           s.Actor,
					Provenance:      s.provenance(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				target := "none"
				if res.NewTargetEndDate != nil {
					target = res.NewTargetEndDate.Format(time.DateOnly)
				}
				fmt.Printf("Extended %d -> %d weeks; target end %s\n", res.PreviousDurationWeeks, res.NewDurationWeeks, target)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&weeks, "weeks", 0, "additional weeks (1-52)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the extension")
	_ = cmd.MarkFlagRequired("weeks")
	return cmd
}

func planTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "table",
		Short: "Print the RTW plan transition table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(lifecycle.Table())
			}
			tw := newTable("From", "Allowed next")
			for _, s := range domain.PlanStatuses {
				tw.AppendRow(table.Row{s, joinOrNone(domain.StatusStrings(lifecycle.ValidTransitions(s)))})
			}
			tw.Render()
			return nil
		},
	}
}

func rtwCmd() *cobra.Command {
	c := &cobra.Command{Use: "rtw", Short: "Organization-wide RTW views"}
	c.AddCommand(rtwOverviewCmd())
	c.AddCommand(rtwExpiryCmd())
	c.AddCommand(rtwSweepCmd())
	return c
}

func rtwOverviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Status counts, cases needing a plan and failing plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				ov, err := s.Engine.Overview(ctx, s.OrgID, s.Actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ov)
				}
				fmt.Printf("Organization: %s (%d cases)\n", ov.OrganizationID, ov.TotalCases)
				tw := newTable("Status", "Cases")
				for _, st := range domain.PlanStatuses {
					tw.AppendRow(table.Row{st, ov.StatusCounts[string(st)]})
				}
				tw.Render()
				printSummaries("Cases needing a plan", ov.CasesNeedingPlan)
				printSummaries("Failing plans", ov.FailingPlans)
				return nil
			})
		},
	}
}

func printSummaries(title string, items []engine.CaseSummary) {
	if len(items) == 0 {
		return
	}
	fmt.Println(title + ":")
	tw := newTable("Case", "Worker", "Work status", "Updated")
	for _, c := range items {
		tw.AppendRow(table.Row{c.CaseID, c.WorkerName, c.WorkStatus, c.UpdatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

func rtwExpiryCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "expiry",
		Short: "Treatment plans expiring soon or expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if asOf != "" {
				parsed, err := time.Parse(time.DateOnly, asOf)
				if err != nil {
					return fmt.Errorf("--as-of must be YYYY-MM-DD: %w", err)
				}
				at = parsed
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				report, err := s.Engine.ExpiryOverview(ctx, s.OrgID, at, s.Actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("As of %s: %d affected\n", report.AsOf.Format(time.RFC3339), report.TotalAffected)
				tw := newTable("Case", "Worker", "RTW plan", "Weeks", "Target end", "State", "Days")
				for _, it := range report.Expired {
					tw.AppendRow(table.Row{it.CaseID, it.WorkerName, it.RTWPlanStatus, it.ExpectedDurationWeeks, it.TargetEndDate.Format(time.DateOnly), "expired", *it.DaysSinceExpiry})
				}
				for _, it := range report.Expiring {
					tw.AppendRow(table.Row{it.CaseID, it.WorkerName, it.RTWPlanStatus, it.ExpectedDurationWeeks, it.TargetEndDate.Format(time.DateOnly), "expiring", *it.DaysUntilExpiry})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluate as of this date (YYYY-MM-DD)")
	return cmd
}

func rtwSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the expiry sweep across every organization once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Actor.Require(auth.PermissionTasksTrigger); err != nil {
					return err
				}
				res, err := s.Engine.SweepExpiry(ctx, time.Time{})
				if err != nil {
					return err
				}
				return printJSONOrText(res, fmt.Sprintf("%d organizations: %d expiring, %d expired", res.Organizations, res.Expiring, res.Expired))
			})
		},
	}
}

func auditCmd() *cobra.Command {
	c := &cobra.Command{Use: "audit", Short: "Read the audit trail"}
	c.AddCommand(auditTailCmd())
	return c
}

func auditTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail <case-id>",
		Short: "Show the latest audit events of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.AuditTrail(ctx, args[0], s.OrgID, s.Actor)
				if err != nil {
					return err
				}
				if evtType != "" {
					filtered := items[:0]
					for _, evt := range items {
						if evt.Type == evtType {
							filtered = append(filtered, evt)
						}
					}
					items = filtered
				}
				if n > 0 && len(items) > n {
					items = items[len(items)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Type", "Actor", "Details")
				for _, evt := range items {
					details, _ := json.Marshal(evt.Metadata)
					tw.AppendRow(table.Row{evt.ID, evt.TS.Format(time.RFC3339), evt.Type, evt.ActorID, string(details)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none (terminal)"
	}
	return strings.Join(items, ", ")
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
