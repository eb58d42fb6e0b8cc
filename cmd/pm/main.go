package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pmon/internal/app"
	"pmon/internal/config"
	"pmon/internal/db"
	"pmon/internal/domain"
	"pmon/internal/engine"
	"pmon/internal/migrate"
	"pmon/internal/repo"
	"pmon/internal/report"
	"pmon/internal/server"
	"pmon/internal/store"
	"pmon/internal/track"
)

var rootCmd = &cobra.Command{
	Use:   "pm",
	Short: "Project Monitor CLI",
	Long: `Project Monitor tracks an automation portfolio: RPA projects, scripts,
enhancements and bug records. Records move through a status workflow
(Under Evaluation -> In Development -> In Production), with milestone
progress gating the go-live, a drag-to-reorder evaluation ranking, and a
change log on every edit.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PMON")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("admin", false, "use admin transitions")
	rootCmd.PersistentFlags().String("config", "", "path to YAML config (overrides stored config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("admin", rootCmd.PersistentFlags().Lookup("admin"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Manage records"}
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordShowCmd())
	rec.AddCommand(recordCreateCmd())
	rec.AddCommand(recordUpdateCmd())
	rec.AddCommand(recordMoveCmd())
	rec.AddCommand(recordCommentCmd())
	rec.AddCommand(recordDeleteCmd())
	return rec
}

func recordListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Stage", "Progress", "Developers"})
				for _, p := range items {
					progress, err := e.Progress(ctx, p)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{
						p.ID, p.Name, p.Type, p.Status, p.DevStage,
						fmt.Sprintf("%d%%", progress), domain.JoinIDs(p.DevIDs),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter (rpa, script, enhancement, bug)")
	cmd.Flags().StringVar(&f.DevID, "dev-id", "", "developer filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func recordShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				progress, err := e.Progress(ctx, p)
				if err != nil {
					return err
				}
				out := map[string]any{"record": p, "progress": progress}
				return printJSONOrDump(out)
			})
		},
	}
	return cmd
}

func recordCreateCmd() *cobra.Command {
	var opts engine.RecordCreateOptions
	var owners, systems, tools []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProcessOwnerIDs = owners
				opts.SystemIDs = systems
				opts.ToolsIDs = tools
				opts.ActorID = viper.GetString("actor-id")
				p, err := e.AddRecord(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "record type (rpa, script, enhancement, bug)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "record name")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent project id (enhancements and bugs)")
	cmd.Flags().StringVar(&opts.EstDelivery, "est-delivery", "", "estimated delivery date")
	cmd.Flags().StringArrayVar(&owners, "owner", []string{}, "process owner id (repeatable)")
	cmd.Flags().StringArrayVar(&systems, "system", []string{}, "system id (repeatable)")
	cmd.Flags().StringArrayVar(&tools, "tool", []string{}, "tool id (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func recordUpdateCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update record fields",
		Long: `Edits are applied optimistically and saved through the update dispatcher:
on failure the record rolls back to its previous values. Each change is
written to the audit log as "Changed <field> from <old> to <new>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			edits, err := parseSets(sets)
			if err != nil {
				return err
			}
			if _, ok := edits[domain.FieldStatus]; ok {
				return fmt.Errorf("status cannot be set with --set, use 'pm record move'")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				current, ok := s.Get(args[0])
				if !ok {
					return fmt.Errorf("record %s not found", args[0])
				}
				t := track.New(current, edits, config.FieldNames(), nil)
				if !t.Any() {
					fmt.Println("no changes")
					return nil
				}
				actor := viper.GetString("actor-id")
				if err := s.Dispatch(ctx, args[0], t.Updates(), t.Reverts(), t.Log(), actor); err != nil {
					return err
				}
				for _, entry := range t.Log() {
					fmt.Println(entry)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", []string{}, "field=value (repeatable)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func recordMoveCmd() *cobra.Command {
	var opts engine.MoveOptions
	var devIDs []string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a record to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ID = args[0]
				opts.DevIDs = devIDs
				opts.Admin = viper.GetBool("admin")
				opts.ActorID = viper.GetString("actor-id")
				if _, err := e.MoveRecord(ctx, opts); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ToStatus, "to", "", "target status")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason comment (on hold, cancelled)")
	cmd.Flags().StringArrayVar(&devIDs, "dev-id", []string{}, "developer id (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func recordCommentCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Add a comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(comment) == "" {
				return fmt.Errorf("--comment required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				comments := append([]domain.Comment{{
					Date:    time.Now().UTC().Format(time.RFC3339),
					User:    actor,
					Comment: comment,
				}}, p.Comments...)
				updates := []domain.FieldUpdate{{
					Field:    domain.FieldComments,
					NewValue: domain.EncodeComments(comments),
				}}
				if _, err := e.UpdateRecord(ctx, args[0], updates, actor); err != nil {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment text")
	return cmd
}

func recordDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !viper.GetBool("admin") {
				return fmt.Errorf("--admin required to delete records")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteProject(ctx, args[0])
			})
		},
	}
	return cmd
}

func rankCmd() *cobra.Command {
	rank := &cobra.Command{Use: "rank", Short: "Manage the evaluation ranking"}
	rank.AddCommand(rankListCmd())
	rank.AddCommand(rankSetCmd())
	return rank
}

func rankListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the Under Evaluation ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				rankings := s.Rankings()
				if viper.GetBool("json") {
					return printJSON(rankings)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "ID", "Name"})
				for _, rk := range rankings {
					name := ""
					if p, ok := s.Get(rk.ProjectID); ok {
						name = p.Name
					}
					tw.AppendRow(table.Row{rk.Rank, rk.ProjectID, name})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rankSetCmd() *cobra.Command {
	var rank int
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Move a record to a new rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rank < 1 {
				return fmt.Errorf("--rank must be 1 or higher")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				s.SetRank(args[0], rank)
				if err := s.FlushRankings(ctx); err != nil {
					return err
				}
				return printJSON(s.Rankings())
			})
		},
	}
	cmd.Flags().IntVar(&rank, "rank", 0, "new 1-based rank")
	_ = cmd.MarkFlagRequired("rank")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Manage milestones"}
	ms.AddCommand(milestoneShowCmd())
	ms.AddCommand(milestoneSetCmd())
	return ms
}

func milestoneShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show milestone completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				m, err := e.Repo.GetMilestone(ctx, args[0])
				if err != nil {
					return err
				}
				progress, err := e.Progress(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"milestone": m, "progress": progress})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Value"})
				for field, value := range m.Fields {
					tw.AppendRow(table.Row{field, value})
				}
				tw.Render()
				fmt.Printf("Progress: %d%%\n", progress)
				return nil
			})
		},
	}
	return cmd
}

func milestoneSetCmd() *cobra.Command {
	var field, value string
	cmd := &cobra.Command{
		Use:   "set <record-id>",
		Short: "Set a milestone field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if field == "" {
				return fmt.Errorf("--field required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetMilestoneField(cmd.Context(), args[0], field, value, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(m)
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "milestone field name")
	cmd.Flags().StringVar(&value, "value", "", "completion marker (empty clears)")
	return cmd
}

func reportCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Portfolio summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				summary, err := report.Build(ctx, r, top)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Println("By status:")
				for status, n := range summary.ByStatus {
					fmt.Printf("  %s: %d\n", status, n)
				}
				fmt.Println("By type:")
				for typ, n := range summary.ByType {
					fmt.Printf("  %s: %d\n", typ, n)
				}
				fmt.Printf("Hours added: %.1f\nHours saved: %.1f\n", summary.HoursAdded, summary.HoursSaved)
				fmt.Println("Go-lives by quarter:")
				for q, n := range summary.LiveByQuarter {
					fmt.Printf("  %s: %d\n", q, n)
				}
				if len(summary.TopRanked) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Rank", "ID", "Name", "Type"})
					for _, rk := range summary.TopRanked {
						tw.AppendRow(table.Row{rk.Rank, rk.ID, rk.Name, rk.Type})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "ranked records to show")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrDump(e.Config)
			})
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrDump(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.RecordID, "record-id", "", "record id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyDeleteCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, secret, err := app.NewAPIKey(ctx, r, actorID, name)
				if err != nil {
					return err
				}
				fmt.Printf("API key created (shown once): %s\n", secret)
				return printJSONOrDump(key)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrDump(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), r, viper.GetString("config"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PMON_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PMON_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pmon API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, r, viper.GetString("config"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// withStore runs fn against a loaded session store so edits go through the
// optimistic dispatcher, then waits out any background audit work.
func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		s := app.NewStore(e, viper.GetString("actor-id"))
		if err := s.Refresh(ctx); err != nil {
			return err
		}
		defer s.Wait()
		return fn(ctx, s)
	})
}

func parseSets(sets []string) (map[string]string, error) {
	edits := make(map[string]string, len(sets))
	for _, s := range sets {
		field, value, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(field) == "" {
			return nil, fmt.Errorf("invalid --set %q, want field=value", s)
		}
		edits[strings.TrimSpace(field)] = value
	}
	return edits, nil
}

func printJSONOrDump(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
