package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardline/internal/app"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/workflow"
)

func blockerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "blocker", Short: "Report and resolve blockers"}
	cmd.AddCommand(blockerReportCmd())
	cmd.AddCommand(blockerResolveCmd())
	cmd.AddCommand(blockerListCmd())
	return cmd
}

func blockerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List an item's blockers, resolved ones included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				bs, err := rt.Engine.Blockers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Reason", "Stage", "Reported", "Resolved"})
				for _, b := range bs {
					resolved := ""
					if b.ResolvedAt != nil {
						resolved = fmt.Sprintf("%s by %s: %s", b.ResolvedAt.Format("2006-01-02 15:04"), b.ResolvedBy, b.Resolution)
					}
					tw.AppendRow(table.Row{b.ID, b.Category, b.Reason, b.EscalationStage, b.DiscoveredAt.Format("2006-01-02 15:04"), resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func blockerReportCmd() *cobra.Command {
	var expected int64
	var in workflow.BlockerInput
	var category, comment string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Block an item and start escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			in.Category = domain.BlockerCategory(category)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ReportBlocker(ctx, args[0], expected, actor, in, comment)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "item version you last read")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "what is blocking")
	cmd.Flags().StringVar(&category, "category", "", "dependency, resource_access, clarification, external_party, missing_credential or approval_pending")
	cmd.Flags().StringVar(&in.LinkedItemID, "linked-item", "", "item this one waits on")
	cmd.Flags().StringVar(&comment, "comment", "", "comment for the history")
	for _, f := range []string{"expected-version", "reason", "category"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func blockerResolveCmd() *cobra.Command {
	var req engine.ResolveRequest
	var nextReason, nextCategory string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve the active blocker and return the item to its previous column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			req.ItemID, req.ActorID = args[0], actor
			if nextReason != "" {
				req.NewBlocker = &workflow.BlockerInput{Reason: nextReason, Category: domain.BlockerCategory(nextCategory)}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ResolveBlocker(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if err := printResult(res.Resolved); err != nil {
					return err
				}
				if res.Reblocked != nil {
					fmt.Println("Blocked again:")
					return printResult(*res.Reblocked)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&req.ExpectedVersion, "expected-version", 0, "item version you last read")
	cmd.Flags().StringVar(&req.Resolution, "resolution", "", "how the blocker was resolved")
	cmd.Flags().StringVar(&nextReason, "new-reason", "", "report a follow-up blocker revealed by the resolution")
	cmd.Flags().StringVar(&nextCategory, "new-category", "", "category of the follow-up blocker")
	_ = cmd.MarkFlagRequired("expected-version")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}
