package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"obrasurbanas/internal/app"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/engine"
	"obrasurbanas/internal/repo"
)

const dateLayout = "2006-01-02"

func obraCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "obra",
		Short: "Register works and drive their lifecycle",
	}
	cmd.AddCommand(obraCreateCmd())
	cmd.AddCommand(obraShowCmd())
	cmd.AddCommand(obraListCmd())
	cmd.AddCommand(obraStartProjectCmd())
	cmd.AddCommand(obraStartProcurementCmd())
	cmd.AddCommand(obraAwardCmd())
	cmd.AddCommand(obraBeginWorkCmd())
	cmd.AddCommand(obraProgressCmd())
	cmd.AddCommand(obraExtendTermCmd())
	cmd.AddCommand(obraAddLaborCmd())
	cmd.AddCommand(obraCompleteCmd())
	cmd.AddCommand(obraTerminateCmd())
	return cmd
}

func obraCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var amount, start, end, address string
	var term int
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a work",
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("--amount: %w", err)
				}
				opts.ContractAmount = &d
			}
			if cmd.Flags().Changed("term") {
				opts.TermMonths = &term
			}
			var err error
			if opts.StartDate, err = parseDateFlag("start", start); err != nil {
				return err
			}
			if opts.EndDate, err = parseDateFlag("end", end); err != nil {
				return err
			}
			if address != "" || cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				loc := domain.Location{Address: address}
				if cmd.Flags().Changed("lat") {
					loc.Lat = &lat
				}
				if cmd.Flags().Changed("lng") {
					loc.Lng = &lng
				}
				opts.Location = &loc
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				o, rep, err := s.Engine.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printOutcome(ctx, s, o, rep)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Name, "name", "", "work name")
	f.StringVar(&opts.Description, "description", "", "description")
	f.StringVar(&opts.Environment, "environment", "", "environment label")
	f.StringVar(&opts.InterventionType, "type", "", "intervention type label")
	f.StringVar(&opts.ResponsibleArea, "area", "", "responsible area label")
	f.StringVar(&opts.Neighborhood, "neighborhood", "", "barrio label")
	f.StringVar(&opts.ProcurementType, "procurement-type", "", "procurement type label")
	f.StringVar(&opts.FundingSource, "funding", "", "funding source label")
	f.StringVar(&amount, "amount", "", "contract amount")
	f.IntVar(&term, "term", 0, "term in months")
	f.StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	f.StringVar(&end, "end", "", "initial end date (YYYY-MM-DD)")
	f.IntVar(&opts.Progress, "progress", 0, "progress percentage")
	f.IntVar(&opts.LaborForce, "labor", 0, "labor force")
	f.BoolVar(&opts.Featured, "featured", false, "mark as featured")
	f.StringVar(&address, "address", "", "street address")
	f.Float64Var(&lat, "lat", 0, "latitude")
	f.Float64Var(&lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func obraShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				o, err := s.Repo.GetObra(ctx, id)
				if err != nil {
					return fmt.Errorf("obra %d: %w", id, err)
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				printObra(ctx, s, o)
				return nil
			})
		},
	}
}

func obraListCmd() *cobra.Command {
	var stage, interventionType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List works",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				f := repo.ObraFilter{Limit: limit}
				if stage != "" {
					ref, err := s.Engine.Catalog.Find(ctx, domain.CategoryEtapa, stage)
					if err != nil {
						return err
					}
					f.StageID = &ref.ID
				}
				if interventionType != "" {
					ref, err := s.Engine.Catalog.Find(ctx, domain.CategoryTipoIntervencion, interventionType)
					if err != nil {
						return err
					}
					f.InterventionTypeID = &ref.ID
				}
				items, err := s.Repo.ListObras(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Type", "Progress", "Case file"})
				for _, o := range items {
					tw.AppendRow(table.Row{
						o.ID,
						o.Name,
						s.Engine.Catalog.Label(ctx, o.StageID),
						s.Engine.Catalog.Label(ctx, o.InterventionTypeID),
						fmt.Sprintf("%d%%", o.Progress),
						deref(o.CaseFileNumber),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage label filter")
	cmd.Flags().StringVar(&interventionType, "type", "", "intervention type label filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func obraStartProjectCmd() *cobra.Command {
	var interventionType, area, neighborhood string
	cmd := lifecycleCmd("start-project <id>", "Move an unstarted work into Proyecto", 0,
		func(ctx context.Context, s *app.Session, o *domain.Obra, _ []string) (engine.Report, error) {
			return s.Engine.StartProject(ctx, o, interventionType, area, neighborhood)
		})
	cmd.Flags().StringVar(&interventionType, "type", "", "intervention type label")
	cmd.Flags().StringVar(&area, "area", "", "responsible area label")
	cmd.Flags().StringVar(&neighborhood, "neighborhood", "", "barrio label")
	return cmd
}

func obraStartProcurementCmd() *cobra.Command {
	var procurementType, number string
	cmd := lifecycleCmd("start-procurement <id>", "Record the procurement and move to En licitación", 0,
		func(ctx context.Context, s *app.Session, o *domain.Obra, _ []string) (engine.Report, error) {
			return s.Engine.StartProcurement(ctx, o, procurementType, number)
		})
	cmd.Flags().StringVar(&procurementType, "type", "", "procurement type label")
	cmd.Flags().StringVar(&number, "number", "", "procurement number")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func obraAwardCmd() *cobra.Command {
	var company string
	cmd := lifecycleCmd("award <id>", "Award the contract and draw a case-file number", 0,
		func(ctx context.Context, s *app.Session, o *domain.Obra, _ []string) (engine.Report, error) {
			return s.Engine.Award(ctx, o, company)
		})
	cmd.Flags().StringVar(&company, "company", "", "company label")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func obraBeginWorkCmd() *cobra.Command {
	var opts engine.BeginWorkOptions
	var start, end string
	cmd := lifecycleCmd("begin-work <id>", "Start construction and move to En obra", 0,
		func(ctx context.Context, s *app.Session, o *domain.Obra, _ []string) (engine.Report, error) {
			var err error
			if opts.StartDate, err = parseDateFlag("start", start); err != nil {
				return engine.Report{}, err
			}
			if opts.EndDate, err = parseDateFlag("end", end); err != nil {
				return engine.Report{}, err
			}
			return s.Engine.BeginWork(ctx, o, opts)
		})
	cmd.Flags().BoolVar(&opts.Featured, "featured", false, "mark as featured")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "initial end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.FundingSource, "funding", "", "funding source label")
	cmd.Flags().IntVar(&opts.LaborForce, "labor", 0, "labor force")
	return cmd
}

func obraProgressCmd() *cobra.Command {
	return lifecycleCmd("progress <id> <percent>", "Raise the progress percentage", 1,
		func(ctx context.Context, s *app.Session, o *domain.Obra, rest []string) (engine.Report, error) {
			pct, err := strconv.Atoi(rest[0])
			if err != nil {
				return engine.Report{}, fmt.Errorf("percent: %w", err)
			}
			return s.Engine.UpdateProgress(ctx, o, pct)
		})
}

func obraExtendTermCmd() *cobra.Command {
	return lifecycleCmd("extend-term <id> <months>", "Extend the term in months", 1,
		func(ctx context.Context, s *app.Session, o *domain.Obra, rest []string) (engine.Report, error) {
			months, err := strconv.Atoi(rest[0])
			if err != nil {
				return engine.Report{}, fmt.Errorf("months: %w", err)
			}
			return s.Engine.ExtendTerm(ctx, o, months)
		})
}

func obraAddLaborCmd() *cobra.Command {
	return lifecycleCmd("add-labor <id> <count>", "Set the labor force", 1,
		func(ctx context.Context, s *app.Session, o *domain.Obra, rest []string) (engine.Report, error) {
			n, err := strconv.Atoi(rest[0])
			if err != nil {
				return engine.Report{}, fmt.Errorf("count: %w", err)
			}
			return s.Engine.AddLabor(ctx, o, n)
		})
}

func obraCompleteCmd() *cobra.Command {
	return lifecycleCmd("complete <id>", "Finish the work at 100%", 0,
		func(ctx context.Context, s *app.Session, o *domain.Obra, _ []string) (engine.Report, error) {
			return s.Engine.Complete(ctx, o)
		})
}

func obraTerminateCmd() *cobra.Command {
	return lifecycleCmd("terminate <id>", "Rescind the contract", 0,
		func(ctx context.Context, s *app.Session, o *domain.Obra, _ []string) (engine.Report, error) {
			return s.Engine.Terminate(ctx, o)
		})
}

type lifecycleFunc func(ctx context.Context, s *app.Session, o *domain.Obra, rest []string) (engine.Report, error)

// lifecycleCmd builds a command that loads the work named by the first argument, applies fn
// and prints the outcome. extra is the number of positional arguments after the id.
func lifecycleCmd(use, short string, extra int, fn lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1 + extra),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				o, err := s.Repo.GetObra(ctx, id)
				if err != nil {
					return fmt.Errorf("obra %d: %w", id, err)
				}
				rep, err := fn(ctx, s, &o, args[1:])
				if err != nil {
					return err
				}
				return printOutcome(ctx, s, o, rep)
			})
		},
	}
}

func printOutcome(ctx context.Context, s *app.Session, o domain.Obra, rep engine.Report) error {
	if viper.GetBool("json") {
		warnings := make([]string, 0, len(rep.Warnings))
		for _, w := range rep.Warnings {
			warnings = append(warnings, w.Error())
		}
		return printJSON(map[string]any{
			"op":       rep.Op,
			"rejected": rep.Rejected,
			"warnings": warnings,
			"obra":     o,
		})
	}
	for _, w := range rep.Warnings {
		warnColor.Fprintf(os.Stderr, "warning: %v\n", w)
	}
	switch {
	case rep.Rejected:
		errorColor.Fprintf(os.Stderr, "%s rejected; no field changed\n", rep.Op)
	case rep.OK():
		okColor.Printf("%s applied\n", rep.Op)
	default:
		warnColor.Printf("%s applied with %d warning(s)\n", rep.Op, len(rep.Warnings))
	}
	printObra(ctx, s, o)
	return nil
}

func printObra(ctx context.Context, s *app.Session, o domain.Obra) {
	label := func(id *int64) string { return s.Engine.Catalog.Label(ctx, id) }
	amount := ""
	if o.ContractAmount != nil {
		amount = o.ContractAmount.StringFixed(2)
	}
	term := ""
	if o.TermMonths != nil {
		term = strconv.Itoa(*o.TermMonths)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("Obra %d", o.ID))
	for _, row := range []table.Row{
		{"Name", o.Name},
		{"Stage", label(o.StageID)},
		{"Intervention type", label(o.InterventionTypeID)},
		{"Responsible area", label(o.ResponsibleAreaID)},
		{"Barrio", label(o.NeighborhoodID)},
		{"Environment", label(o.EnvironmentID)},
		{"Procurement", label(o.ProcurementTypeID) + " " + deref(o.ProcurementNumber)},
		{"Company", label(o.CompanyID)},
		{"Case file", deref(o.CaseFileNumber)},
		{"Funding", label(o.FundingSourceID)},
		{"Amount", amount},
		{"Term (months)", term},
		{"Start", formatDate(o.StartDate)},
		{"End (initial)", formatDate(o.EndDateInitial)},
		{"Progress", fmt.Sprintf("%d%%", o.Progress)},
		{"Labor force", o.LaborForce},
		{"Featured", o.Featured},
	} {
		tw.AppendRow(row)
	}
	tw.Render()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid obra id %q", s)
	}
	return id, nil
}

func parseDateFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, fmt.Errorf("--%s: expected YYYY-MM-DD: %w", name, err)
	}
	return &t, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
