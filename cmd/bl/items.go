package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardline/internal/app"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/workflow"
)

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Work with board items"}
	cmd.AddCommand(itemCreateCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemShowCmd())
	cmd.AddCommand(itemMoveCmd())
	cmd.AddCommand(itemAssignCmd())
	cmd.AddCommand(itemHistoryCmd())
	cmd.AddCommand(itemRouteCmd())
	cmd.AddCommand(itemNotificationsCmd())
	return cmd
}

func itemNotificationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifications <id>",
		Short: "Show notifications sent for an item and whether they were delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ns, err := rt.Engine.Notifications(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ns)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Type", "Status", "Attempts", "Last error"})
				for _, n := range ns {
					tw.AppendRow(table.Row{n.ID, n.RecipientID, n.Type, n.Status, n.Attempts, n.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemCreateCmd() *cobra.Command {
	var opts engine.CreateItemOptions
	var size string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an item in backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			opts.ActorID = actor
			opts.Size = domain.Size(size)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printItem(it, nil, false)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "tracker issue reference, e.g. acme/api#7")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.AcceptanceCriteria, "acceptance", "", "acceptance criteria")
	cmd.Flags().StringVar(&size, "size", "", "small or big")
	cmd.Flags().StringSliceVar(&opts.Assignees, "assignee", nil, "assignee (repeatable, first is primary)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var statuses []string
	var assignee, after string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []domain.Status
			for _, raw := range statuses {
				s, err := domain.ParseStatus(raw)
				if err != nil {
					return err
				}
				filter = append(filter, s)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListItemsByStatus(ctx, filter, assignee, after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Size", "Assignees", "Version"})
				for _, it := range items {
					status := string(it.Status)
					if it.Status == domain.StatusBlocked && it.Blocker != nil {
						status = fmt.Sprintf("blocked (%s, %s)", it.Blocker.Category, it.Blocker.EscalationStage)
					}
					tw.AppendRow(table.Row{it.ID, it.Title, status, it.Size, strings.Join(it.Assignees, ","), it.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&after, "after", "", "cursor: list items after this id")
	cmd.Flags().IntVar(&limit, "limit", 100, "page size")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item with its legal transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, legal, canBlock, err := rt.Engine.Transitions(ctx, args[0])
				if err != nil {
					return err
				}
				return printItem(it, legal, canBlock)
			})
		},
	}
}

func itemMoveCmd() *cobra.Command {
	var (
		expected int64
		p        workflow.Payload
		verdict  string
		size     string
	)
	cmd := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Request a status transition",
		Long:  "Moves an item to another column. --expected-version must be the version you last read; use 'bl item show' to see it and the legal targets.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			to, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			p.Verdict = workflow.Verdict(verdict)
			if size != "" {
				if p.Size, err = domain.ParseSize(size); err != nil {
					return err
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.RequestTransition(ctx, engine.TransitionRequest{
					ItemID:          args[0],
					ExpectedVersion: expected,
					To:              to,
					ActorID:         actor,
					Payload:         p,
				})
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "item version you last read")
	cmd.Flags().StringVar(&p.Comment, "comment", "", "comment for the history")
	cmd.Flags().StringVar(&verdict, "verdict", "", "approved or changes_requested")
	cmd.Flags().StringVar(&p.ArtifactRef, "artifact", "", "pull request reference, e.g. acme/api#12")
	cmd.Flags().StringVar(&size, "size", "", "declare size when leaving backlog")
	cmd.Flags().StringVar(&p.Resolution, "resolution", "", "resolution note when leaving blocked")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func itemAssignCmd() *cobra.Command {
	var expected int64
	var assignees []string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Replace the assignee list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.AssignItem(ctx, args[0], expected, actor, assignees)
				if err != nil {
					return err
				}
				return printItem(it, nil, false)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "item version you last read")
	cmd.Flags().StringSliceVar(&assignees, "assignee", nil, "assignee (repeatable, first is primary)")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				recs, err := rt.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "From", "To", "Actor", "At", "Note"})
				for _, r := range recs {
					note := r.Comment
					if r.Forced {
						note = "forced: " + r.DivergenceReason
					}
					tw.AppendRow(table.Row{r.Version, r.FromStatus, r.ToStatus, r.ActorID, r.Timestamp.Format("2006-01-02 15:04"), note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route <id>",
		Short: "Show where an approved AI review sends the item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				to, err := rt.Engine.Route(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item_id": args[0], "route": to})
				}
				fmt.Println(to)
				return nil
			})
		},
	}
}

func printItem(it domain.WorkItem, legal []domain.Status, canBlock bool) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"item": it, "legal": legal, "can_block": canBlock})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", it.ID},
		{"Title", it.Title},
		{"Status", it.Status},
		{"Version", it.Version},
		{"Size", it.Size},
		{"Assignees", strings.Join(it.Assignees, ", ")},
	})
	if it.ArtifactRef != "" {
		tw.AppendRow(table.Row{"Artifact", it.ArtifactRef})
	}
	if b := it.Blocker; b != nil {
		tw.AppendRow(table.Row{"Blocker", fmt.Sprintf("%s: %s (%s since %s)", b.Category, b.Reason, b.EscalationStage, b.DiscoveredAt.Format("2006-01-02 15:04"))})
		tw.AppendRow(table.Row{"Blocked from", it.PreviousStatus})
	}
	if legal != nil || canBlock {
		next := make([]string, 0, len(legal)+1)
		for _, s := range legal {
			next = append(next, string(s))
		}
		if canBlock {
			next = append(next, "blocked")
		}
		tw.AppendRow(table.Row{"Next", strings.Join(next, ", ")})
	}
	tw.Render()
	return nil
}

func printResult(res engine.TransitionResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("%s: %s -> %s (version %d)\n", res.Item.ID, res.Record.FromStatus, res.Record.ToStatus, res.Item.Version)
	if res.BranchHint != "" {
		fmt.Printf("Branch: %s\n", res.BranchHint)
	}
	for _, f := range res.NotificationFailures {
		fmt.Fprintf(os.Stderr, "warning: notification %d to %s not delivered yet: %s\n", f.NotificationID, f.Recipient, f.Error)
	}
	if res.ProjectionError != "" {
		fmt.Fprintf(os.Stderr, "warning: tracker labels not updated: %s\n", res.ProjectionError)
	}
	return nil
}
