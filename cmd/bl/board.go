package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardline/internal/app"
	"boardline/internal/domain"
	"boardline/internal/repo"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show column counts, stale items and blockers awaiting a human",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.StatusReport(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Board: %s\n", rep.BoardID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Items"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, rep.Counts[s]})
				}
				tw.Render()
				if len(rep.AwaitingUser) > 0 {
					fmt.Println("Awaiting a human:")
					for _, id := range rep.AwaitingUser {
						fmt.Printf("  %s\n", id)
					}
				}
				if len(rep.Stale) > 0 {
					fmt.Println("Stale:")
					for _, s := range rep.Stale {
						fmt.Printf("  %s (%s, idle %s)\n", s.ID, s.Status, s.Idle)
					}
				}
				if n := rep.Notifications[repo.NotificationPending]; n > 0 {
					fmt.Printf("Pending notifications: %d\n", n)
				}
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var item string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the board with the tracker and correct divergences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if item != "" {
					out, err := rt.Reconciler.ReconcileItem(ctx, item)
					if err != nil {
						return err
					}
					return printJSON(out)
				}
				rep, err := rt.Reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Checked %d items, %d errors\n", rep.Checked, rep.Errors)
				if len(rep.Outcomes) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "Action", "Divergence", "Stale", "Error"})
				for _, o := range rep.Outcomes {
					tw.AppendRow(table.Row{o.ItemID, o.Action, o.Divergence, o.Stale, o.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "reconcile a single item")
	return cmd
}

func escalateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "escalate", Short: "Blocker escalation timers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Fire every due escalation timer once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Scheduler.Sweep(ctx, rt.Engine.Now())
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
				} else {
					fmt.Printf("Due %d, fired %d, busy %d\n", res.Due, res.Fired, res.Busy)
				}
				return err
			})
		},
	})
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Board audit log"}
	cmd.AddCommand(eventsTailCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var f repo.EventFilters
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evs, err := rt.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				var cursor int64
				for i := len(evs) - 1; i >= 0; i-- {
					printEvent(evs[i])
					cursor = max(cursor, evs[i].ID)
				}
				if !follow {
					return nil
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					more, err := rt.Engine.Repo.EventsAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					for _, ev := range more {
						printEvent(ev)
						cursor = ev.ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events of any type")
	return cmd
}

func printEvent(ev domain.Event) {
	if viper.GetBool("json") {
		_ = printJSON(ev)
		return
	}
	fmt.Printf("%d %s %-22s %s/%s by %s %s\n", ev.ID, ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID, ev.Payload)
}
