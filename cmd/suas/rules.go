package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"suasflow/internal/app"
	"suasflow/internal/automation"
	"suasflow/internal/domain"
	"suasflow/internal/repo"
)

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Seed, tune and run automation rules",
	}
	rules.AddCommand(rulesCatalogCmd())
	rules.AddCommand(rulesSeedCmd())
	rules.AddCommand(rulesListCmd())
	rules.AddCommand(rulesUpdateCmd())
	rules.AddCommand(rulesExecuteCmd())
	rules.AddCommand(rulesExecuteDueCmd())
	rules.AddCommand(rulesExecutionsCmd())
	return rules
}

func rulesCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the built-in rules and their default params",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := automation.Catalog()
			return printJSONOrText(defs, func() {
				tw := newTable("Key", "Entity", "Every (min)", "Defaults", "Title")
				for _, d := range defs {
					tw.AppendRow(table.Row{d.Key, d.EntityType, d.FrequencyMinutes, formatParams(d.Defaults), d.Title})
				}
				tw.Render()
			})
		},
	}
}

func rulesSeedCmd() *cobra.Command {
	var allUnits bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert missing catalog rules for the municipality or --unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				scopes := []domain.Scope{commandScope(a)}
				if allUnits {
					scopes = a.UnitScopes()
				}
				var results []automation.SeedResult
				for _, scope := range scopes {
					res, err := a.Automation.Seed(ctx, scope, actorID())
					if err != nil {
						return err
					}
					results = append(results, res)
				}
				return printJSONOrText(results, func() {
					for i, res := range results {
						fmt.Printf("%s: inserted %d of %d rules\n", scopeLabel(scopes[i]), len(res.Inserted), len(res.Rules))
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&allUnits, "all-units", false, "seed the municipality and every configured unit")
	return cmd
}

func rulesListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules, err := a.Automation.ListRules(ctx, commandScope(a), all)
				if err != nil {
					return err
				}
				if rules == nil {
					rules = []domain.AutomationRule{}
				}
				return printJSONOrText(rules, func() {
					tw := newTable("ID", "Key", "Unit", "Active", "Every (min)", "Last run", "Params")
					for _, r := range rules {
						last := ""
						if r.LastRunAt != nil {
							last = r.LastRunAt.Local().Format("2006-01-02 15:04")
						}
						tw.AppendRow(table.Row{r.ID, r.Key, r.UnitID, r.Active, r.FrequencyMinutes, last, formatParams(r.Params)})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive rules")
	return cmd
}

func rulesUpdateCmd() *cobra.Command {
	var (
		active      bool
		frequency   int
		title       string
		description string
		params      []string
		unset       []string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a rule (params are merged into the stored ones)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch automation.RulePatch
			flags := cmd.Flags()
			if flags.Changed("active") {
				patch.Active = &active
			}
			if flags.Changed("frequency") {
				patch.FrequencyMinutes = &frequency
			}
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if len(params) > 0 || len(unset) > 0 {
				patch.Params = map[string]any{}
			}
			for _, kv := range params {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("invalid --param %q, expected key=value", kv)
				}
				patch.Params[strings.TrimSpace(k)] = paramValue(strings.TrimSpace(v))
			}
			for _, k := range unset {
				patch.Params[strings.TrimSpace(k)] = nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rule, err := a.Automation.UpdateRule(ctx, commandScope(a), args[0], patch, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(rule, func() {
					fmt.Printf("%s %s active=%t every %dmin params %s\n", rule.ID, rule.Key, rule.Active, rule.FrequencyMinutes, formatParams(rule.Params))
				})
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "enable or disable the rule")
	cmd.Flags().IntVar(&frequency, "frequency", 0, "minutes between scheduled runs")
	cmd.Flags().StringVar(&title, "title", "", "rule title")
	cmd.Flags().StringVar(&description, "description", "", "rule description")
	cmd.Flags().StringArrayVar(&params, "param", nil, "param key=value (repeatable)")
	cmd.Flags().StringArrayVar(&unset, "unset", nil, "param key to remove (repeatable)")
	return cmd
}

// paramValue keeps numeric params numeric so they validate as integers.
func paramValue(s string) any {
	if n, err := cast.ToIntE(s); err == nil {
		return n
	}
	return s
}

func rulesExecuteCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "execute [rule-id...]",
		Short: "Run the given rules, or every active rule of the scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				execs, err := a.Automation.ExecuteAll(ctx, commandScope(a), dryRun, args)
				if err != nil {
					return err
				}
				return printExecutions(execs)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without creating tasks")
	return cmd
}

func rulesExecuteDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute-due",
		Short: "Run the active rules whose frequency has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				execs, err := a.Automation.ExecuteDue(ctx, commandScope(a))
				if err != nil {
					return err
				}
				return printExecutions(execs)
			})
		},
	}
}

func rulesExecutionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "executions <rule-id>",
		Short: "Show recent executions of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				execs, err := a.Automation.ListExecutions(ctx, commandScope(a), args[0], limit)
				if err != nil {
					return err
				}
				return printExecutions(execs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max executions")
	return cmd
}

func printExecutions(execs []domain.RuleExecution) error {
	if execs == nil {
		execs = []domain.RuleExecution{}
	}
	return printJSONOrText(execs, func() {
		tw := newTable("Rule", "At", "Dry run", "Created", "Skipped", "Errored", "Error")
		for _, x := range execs {
			tw.AppendRow(table.Row{x.RuleKey, x.ExecutedAt.Local().Format("2006-01-02 15:04:05"), x.DryRun, x.Created, x.Skipped, x.Errored, x.Error})
		}
		tw.Render()
		for _, x := range execs {
			for _, t := range x.Planned {
				fmt.Printf("  would create: %s %s/%s due %s\n", t.RuleKey, t.EntityType, t.EntityID, t.DueAt.Local().Format("2006-01-02"))
			}
		}
	})
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{
		Use:   "tasks",
		Short: "Follow-up tasks created by the rules",
	}
	var f repo.TaskFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.Scope = commandScope(a)
				items, err := a.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if items == nil {
					items = []domain.Task{}
				}
				return printJSONOrText(items, func() {
					tw := newTable("ID", "Rule", "Entity", "Priority", "Due", "Status", "Title")
					for _, t := range items {
						tw.AppendRow(table.Row{t.ID, t.RuleKey, t.EntityType + "/" + t.EntityID, t.Priority, t.DueAt.Local().Format("2006-01-02"), t.Status, t.Title})
					}
					tw.Render()
				})
			})
		},
	}
	list.Flags().StringVar(&f.RuleKey, "rule-key", "", "filter by rule key")
	list.Flags().StringVar(&f.EntityType, "entity-type", "", "filter by entity type")
	list.Flags().StringVar(&f.Status, "status", "", "filter by status")
	list.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	tasks.AddCommand(list)
	return tasks
}

func complianceCmd() *cobra.Command {
	comp := &cobra.Command{
		Use:   "compliance",
		Short: "Rank destinations, units or territories by feedback compliance",
	}
	var (
		groupBy string
		top     int
	)
	rank := &cobra.Command{
		Use:   "rank",
		Short: "Show the compliance ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Referrals.Compliance(ctx, commandScope(a), groupBy, top)
				if err != nil {
					return err
				}
				return printJSONOrText(report, func() {
					tw := newTable(strings.ToUpper(string(report.GroupBy)), "Total", "On time", "Late", "Open", "Reminders", "On time %", "Avg h to feedback", "Score")
					for _, s := range report.Scores {
						tw.AppendRow(table.Row{
							s.Label, s.Total, s.OnTime, s.Late, s.InProgress, s.Reminders,
							fmt.Sprintf("%.1f", s.OnTimePct), fmt.Sprintf("%.1f", s.AvgHoursToFeedback), fmt.Sprintf("%.3f", s.Score),
						})
					}
					tw.Render()
				})
			})
		},
	}
	rank.Flags().StringVar(&groupBy, "group-by", "destination", "destination, unit or territory")
	rank.Flags().IntVar(&top, "top", 0, "size of the best and worst lists (config default when 0)")
	comp.AddCommand(rank)
	return comp
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, " ")
}

func scopeLabel(s domain.Scope) string {
	if s.UnitID == "" {
		return s.MunicipalityID
	}
	return s.MunicipalityID + "/" + s.UnitID
}
