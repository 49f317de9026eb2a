package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardline/internal/app"
	"boardline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Boardline CLI",
	Long: `Boardline runs a Kanban board shared by coding agents and humans.
Core concepts:
- Workspace: a directory holding boardline.yml and the .boardline database.
- Items: tracker issues that move Backlog -> Todo -> In Progress -> AI Review -> (Human Review) -> Merge/Release -> Done.
- Size: small items skip human review; big items always get one.
- Blocked: any active column can be blocked with a categorized reason; unresolved blockers escalate on a timer until a human is asked.
- Versions: every change bumps the item version; writes carry the version they read and fail with a conflict if someone got there first.
- Reconciler: compares the board with the tracker, heals labels and force-completes items merged or closed out of band.
- Event log: audit trail of every change, view with 'bl events tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("BOARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor performing the operation")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(blockerCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var boardID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create boardline.yml and the board database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, applied, err := app.Init(cmd.Context(), viper.GetString("workspace"), boardID, force)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "schema_version": applied})
			}
			fmt.Printf("Wrote %s (schema version %d)\n", path, applied)
			fmt.Println("Next: bl actor add --id <you> --kind human --cap orchestrator")
			return nil
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "", "board id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	_ = cmd.MarkFlagRequired("board")
	return cmd
}

// --- helpers ---

func newLogger() (*logging.Logger, error) {
	return logging.NewLogger(logging.Config{Level: viper.GetString("log-level"), Format: viper.GetString("log-format")})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	rt, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", fmt.Errorf("--actor-id (or BOARDLINE_ACTOR_ID) required")
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
