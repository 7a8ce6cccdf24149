package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"obrasurbanas/internal/app"
	"obrasurbanas/internal/config"
	"obrasurbanas/internal/db"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/migrate"
	"obrasurbanas/internal/repo"
	"obrasurbanas/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "obras",
	Short: "Public works tracker",
	Long: `obras tracks public works through their lifecycle.
Core concepts:
- Workspace: the .obras directory holding the SQLite database; obras.yml sits next to it.
- Catalog: reference rows (stages, intervention types, areas, communes, barrios, companies,
  procurement types, funding sources) matched by label. Stages must exist before a work enters them.
- Lifecycle: Proyecto -> En licitación -> Adjudicada -> En obra -> Finalizada, or Rescisión.
- Soft failures: an unknown label or an invalid value leaves that field unchanged and is reported
  as a warning; the rest of the operation still applies.
- Event log: every persisted operation is recorded; view it with 'obras log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		return nil
	},
}

var (
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
	okColor    = color.New(color.FgGreen)
)

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		errorColor.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OBRAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(obraCmd())
	rootCmd.AddCommand(indicatorsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, obras.yml and the stage catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				warnColor.Fprintf(os.Stderr, "%s already exists; keeping it (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				stages, err := s.Engine.Catalog.List(ctx, domain.CategoryEtapa)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": path, "database": db.Path(workspace), "stages": stages})
				}
				okColor.Printf("Workspace ready: %s\n", db.Path(workspace))
				fmt.Printf("Config: %s\n", path)
				fmt.Printf("Stages: %d\n", len(stages))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing obras.yml")
	return cmd
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Inspect the workspace database"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			out := map[string]any{"path": db.Path(workspace), "current": current, "latest": latest}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Database: %s\n", db.Path(workspace))
			fmt.Printf("Schema: %d of %d\n", current, latest)
			if current < latest {
				warnColor.Println("Pending migrations will be applied on next command.")
			}
			return nil
		},
	})
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "catalog", Short: "Manage reference rows"}
	cmd.AddCommand(catalogSeedCmd())
	cmd.AddCommand(catalogListCmd())
	cmd.AddCommand(catalogAddCmd())
	return cmd
}

func catalogSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the stage rows listed in obras.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				refs, err := s.Engine.Catalog.Seed(ctx, s.Config.Catalog.Stages)
				if err != nil {
					return err
				}
				return printReferences(refs)
			})
		},
	}
}

func catalogListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reference rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			categories := domain.Categories
			if category != "" {
				c, ok := domain.ParseCategory(category)
				if !ok {
					return fmt.Errorf("unknown category %q", category)
				}
				categories = []domain.Category{c}
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				var all []domain.Reference
				for _, c := range categories {
					refs, err := s.Engine.Catalog.List(ctx, c)
					if err != nil {
						return err
					}
					all = append(all, refs...)
				}
				return printReferences(all)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func catalogAddCmd() *cobra.Command {
	var category, label, cuit string
	var parentID int64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a reference row (no-op when the label already exists)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ok := domain.ParseCategory(category)
			if !ok {
				return fmt.Errorf("unknown category %q", category)
			}
			var parent *int64
			if cmd.Flags().Changed("parent-id") {
				parent = &parentID
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				ref, err := s.Engine.Catalog.Add(ctx, c, label, parent, cuit)
				if err != nil {
					return err
				}
				return printReferences([]domain.Reference{ref})
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&label, "label", "", "label")
	cmd.Flags().Int64Var(&parentID, "parent-id", 0, "parent row id (barrio -> comuna)")
	cmd.Flags().StringVar(&cuit, "cuit", "", "company tax id")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func ingestCmd() *cobra.Command {
	var file, delimiter, encoding string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Import works from a semicolon-separated export",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				opts := s.ReadOptions()
				if delimiter != "" {
					opts.Delimiter = []rune(delimiter)[0]
				}
				if encoding != "" {
					opts.Encoding = encoding
				}
				sum, err := s.Loader().Run(ctx, f, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				okColor.Printf("Batch %s: read %d, dropped %d, loaded %d, failed %d\n", sum.BatchID, sum.Read, sum.Dropped, sum.Loaded, sum.Failed)
				for _, rowErr := range sum.Errors {
					warnColor.Fprintf(os.Stderr, "warning: %s\n", rowErr.Error())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the CSV export")
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "field delimiter (overrides obras.yml)")
	cmd.Flags().StringVar(&encoding, "encoding", "", "latin1 or utf-8 (overrides obras.yml)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func indicatorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indicators",
		Short: "Compute the aggregate indicators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				rep, err := s.Indicators().Compute(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Responsible areas (%d): %s\n", len(rep.ResponsibleAreas), strings.Join(rep.ResponsibleAreas, ", "))
				fmt.Printf("Intervention types (%d): %s\n", len(rep.InterventionTypes), strings.Join(rep.InterventionTypes, ", "))

				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Works by stage")
				tw.AppendHeader(table.Row{"Stage", "Works"})
				for _, sc := range rep.ByStage {
					tw.AppendRow(table.Row{sc.Stage, sc.Count})
				}
				tw.Render()

				tt := table.NewWriter()
				tt.SetOutputMirror(os.Stdout)
				tt.SetTitle("Works by intervention type")
				tt.AppendHeader(table.Row{"Type", "Works", "Contract total"})
				for _, t := range rep.ByInterventionType {
					tt.AppendRow(table.Row{t.Type, t.Count, t.Total.StringFixed(2)})
				}
				tt.Render()

				fmt.Printf("Barrios in communes %s: %s\n", strings.Join(rep.Communes, ", "), strings.Join(rep.Neighborhoods, ", "))
				fmt.Printf("Finished within %d months: %d\n", rep.MaxTermMonths, rep.FinishedWithinTerm)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var obraID int64
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				events, err := s.Repo.ListEvents(ctx, repo.EventFilter{ObraID: obraID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Obra", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ObraID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&obraID, "obra", 0, "obra id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter (e.g. obra.award)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if addr == "" {
					addr = s.Config.Server.Addr
				}
				authCfg := server.AuthConfig{
					JWTSecret: viper.GetString("jwt-secret"),
					Issuer:    s.Config.Server.Issuer,
					Audience:  s.Config.Server.Audience,
					Logger:    s.Logger,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("OBRAS_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Gateway:    s.Repo,
					Indicators: s.Indicators(),
					Metrics:    s.Metrics,
					BasePath:   basePath,
					Auth:       authCfg,
					Logger:     s.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Obras API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr in obras.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, cfg.Server.Issuer, cfg.Server.Audience, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	s, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("actor-id"), slog.Default())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printReferences(refs []domain.Reference) error {
	if viper.GetBool("json") {
		return printJSON(refs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Category", "Label", "Parent", "CUIT"})
	for _, r := range refs {
		parent := ""
		if r.ParentID != nil {
			parent = strconv.FormatInt(*r.ParentID, 10)
		}
		tw.AppendRow(table.Row{r.ID, r.Category, r.Label, parent, r.CUIT})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
