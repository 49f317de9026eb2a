package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardline/internal/app"
	"boardline/internal/domain"
	"boardline/internal/server"
)

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actor", Short: "Manage agents and humans allowed to act on the board"}
	cmd.AddCommand(actorAddCmd())
	cmd.AddCommand(actorListCmd())
	cmd.AddCommand(actorKeyCmd())
	cmd.AddCommand(actorTokenCmd())
	cmd.AddCommand(actorKeysCmd())
	cmd.AddCommand(actorRevokeKeyCmd())
	return cmd
}

func actorKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys [actor-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := ""
			if len(args) == 1 {
				owner = args[0]
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Prefix", "Created", "Last used", "State"})
				for _, k := range keys {
					used, state := "never", "active"
					if k.LastUsedAt != nil {
						used = k.LastUsedAt.Format(time.RFC3339)
					}
					if k.Revoked() {
						state = "revoked"
					}
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Prefix + "…", k.CreatedAt.Format(time.RFC3339), used, state})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actorRevokeKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func actorAddCmd() *cobra.Command {
	var id, kind string
	var caps []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := domain.ActorRef{ID: id, Kind: domain.ActorKind(kind)}
			for _, c := range caps {
				a.Capabilities = append(a.Capabilities, domain.Capability(c))
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				saved, err := rt.Engine.RegisterActor(ctx, a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("%s (%s): %s\n", saved.ID, saved.Kind, joinCaps(saved.Capabilities))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&kind, "kind", "agent", "agent or human")
	cmd.Flags().StringSliceVar(&caps, "cap", nil, "capability: author, integrator, reviewer or orchestrator (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actors, err := rt.Engine.Repo.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Capabilities"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.Kind, joinCaps(a.Capabilities)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actorKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <actor-id>",
		Short: "Issue an API key (shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, raw, err := rt.Engine.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": raw})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func actorTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Sign a bearer token with BOARDLINE_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Engine.Actors.Resolve(ctx, args[0]); err != nil {
					return err
				}
				token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func joinCaps(caps []domain.Capability) string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, string(c))
	}
	return strings.Join(out, ",")
}
