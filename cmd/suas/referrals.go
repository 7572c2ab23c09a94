package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"suasflow/internal/app"
	"suasflow/internal/domain"
	"suasflow/internal/engine"
	"suasflow/internal/repo"
)

func referralCmd() *cobra.Command {
	ref := &cobra.Command{
		Use:     "referral",
		Aliases: []string{"ref"},
		Short:   "Create and follow referrals",
		Long:    "Referrals move sent -> received -> scheduled -> attended -> feedback_given -> completed. Feedback is due deadline_days after creation; cancel needs a reason.",
	}
	ref.AddCommand(referralCreateCmd())
	ref.AddCommand(referralGetCmd())
	ref.AddCommand(referralListCmd())
	ref.AddCommand(referralTransitionCmd("advance", "Advance to the next status", false, func(e engine.Engine) transitionFn { return e.Advance }))
	ref.AddCommand(referralTransitionCmd("feedback", "Record the destination's feedback", true, func(e engine.Engine) transitionFn { return e.RecordFeedback }))
	ref.AddCommand(referralTransitionCmd("cancel", "Cancel an open referral", true, func(e engine.Engine) transitionFn { return e.Cancel }))
	ref.AddCommand(referralRemindCmd())
	ref.AddCommand(referralLogCmd())
	ref.AddCommand(referralOverdueCmd())
	return ref
}

type transitionFn func(context.Context, engine.TransitionInput) (domain.Referral, error)

func referralCreateCmd() *cobra.Command {
	var (
		opts         engine.ReferralCreateOptions
		destType     string
		deadlineDays int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a referral (requires --unit)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			opts.DestinationType = domain.DestinationType(destType)
			if cmd.Flags().Changed("deadline-days") {
				opts.DeadlineDays = &deadlineDays
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.Scope = commandScope(a)
				ref, err := a.Referrals.CreateReferral(ctx, opts)
				if err != nil {
					return err
				}
				return printReferrals([]engine.ReferralFacts{engine.Facts(ref, time.Now())})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "referral id (generated when empty)")
	cmd.Flags().StringVar(&destType, "destination-type", "", "health, education, social or other")
	cmd.Flags().StringVar(&opts.DestinationName, "destination", "", "destination service name")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason for the referral")
	cmd.Flags().StringVar(&opts.SubjectID, "subject", "", "person or family id")
	cmd.Flags().StringVar(&opts.Territory, "territory", "", "territory (bairro) of the subject")
	cmd.Flags().IntVar(&deadlineDays, "deadline-days", 0, "days the destination has to give feedback")
	_ = cmd.MarkFlagRequired("destination-type")
	_ = cmd.MarkFlagRequired("destination")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func referralGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a referral with its SLA facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := a.Referrals.GetReferral(ctx, commandScope(a), args[0])
				if err != nil {
					return err
				}
				return printReferrals([]engine.ReferralFacts{engine.Facts(ref, time.Now())})
			})
		},
	}
}

func referralListCmd() *cobra.Command {
	var (
		statuses []string
		destType string
		dest     string
		subject  string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List referrals",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.ReferralFilters{
				DestinationType: domain.DestinationType(destType),
				Destination:     dest,
				SubjectID:       subject,
				Limit:           limit,
			}
			for _, s := range statuses {
				st, err := domain.ParseReferralStatus(strings.TrimSpace(s))
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.Scope = commandScope(a)
				refs, err := a.Referrals.ListReferrals(ctx, f)
				if err != nil {
					return err
				}
				now := time.Now()
				facts := make([]engine.ReferralFacts, 0, len(refs))
				for _, r := range refs {
					facts = append(facts, engine.Facts(r, now))
				}
				return printReferrals(facts)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&destType, "destination-type", "", "filter by destination type")
	cmd.Flags().StringVar(&dest, "destination", "", "filter by destination name")
	cmd.Flags().StringVar(&subject, "subject", "", "filter by subject")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func referralTransitionCmd(use, short string, needsDetail bool, pick func(engine.Engine) transitionFn) *cobra.Command {
	var detail string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := pick(a.Referrals)(ctx, engine.TransitionInput{
					ID:      args[0],
					Scope:   commandScope(a),
					Detail:  detail,
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printReferrals([]engine.ReferralFacts{engine.Facts(ref, time.Now())})
			})
		},
	}
	cmd.Flags().StringVar(&detail, "detail", "", "note stored in the referral history")
	if needsDetail {
		_ = cmd.MarkFlagRequired("detail")
	}
	return cmd
}

func referralRemindCmd() *cobra.Command {
	var detail string
	cmd := &cobra.Command{
		Use:   "remind <id>",
		Short: "Log a reminder sent to the destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entry, err := a.Referrals.Remind(ctx, engine.TransitionInput{
					ID:      args[0],
					Scope:   commandScope(a),
					Detail:  detail,
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printLog([]domain.ReferralLogEntry{entry})
			})
		},
	}
	cmd.Flags().StringVar(&detail, "detail", "", "how the destination was contacted")
	return cmd
}

func referralLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <id>",
		Short: "Show the referral history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Referrals.ReferralLog(ctx, commandScope(a), args[0])
				if err != nil {
					return err
				}
				return printLog(entries)
			})
		},
	}
}

func referralOverdueCmd() *cobra.Command {
	var f engine.OverdueFilters
	var destType string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "Referrals awaiting feedback past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.DestinationType = domain.DestinationType(destType)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.Scope = commandScope(a)
				items, err := a.Referrals.ListOverdue(ctx, f)
				if err != nil {
					return err
				}
				return printReferrals(items)
			})
		},
	}
	cmd.Flags().StringVar(&destType, "destination-type", "", "filter by destination type")
	cmd.Flags().StringVar(&f.Destination, "destination", "", "filter by destination name")
	cmd.Flags().IntVar(&f.WithinHours, "within-hours", 0, "also list referrals due within this many hours")
	return cmd
}

func printReferrals(items []engine.ReferralFacts) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []engine.ReferralFacts{}
		}
		return printJSON(items)
	}
	tw := newTable("ID", "Unit", "Destination", "Status", "Deadline", "Days open", "Overdue", "Reminders")
	for _, f := range items {
		overdue := ""
		if f.Overdue {
			overdue = "yes"
		}
		tw.AppendRow(table.Row{
			f.ID, f.UnitID,
			fmt.Sprintf("%s (%s)", f.DestinationName, f.DestinationType),
			f.Status, f.Deadline.Local().Format("2006-01-02 15:04"), f.DaysOpen, overdue, f.Reminders,
		})
	}
	tw.Render()
	return nil
}

func printLog(entries []domain.ReferralLogEntry) error {
	if viper.GetBool("json") {
		if entries == nil {
			entries = []domain.ReferralLogEntry{}
		}
		return printJSON(entries)
	}
	tw := newTable("At", "Kind", "From", "To", "Actor", "Detail")
	for _, e := range entries {
		tw.AppendRow(table.Row{e.At.Local().Format("2006-01-02 15:04"), e.Kind, e.FromStatus, e.ToStatus, e.ActorID, e.Detail})
	}
	tw.Render()
	return nil
}
