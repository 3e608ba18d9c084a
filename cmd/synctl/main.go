package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cardsync/internal/app"
	"cardsync/internal/engine/webhooks"
	"cardsync/internal/pkg/logger"
	"cardsync/internal/platform/audit"
	"cardsync/internal/platform/auth"
	"cardsync/internal/platform/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "synctl",
	Short: "Operator tool for the cardsync GitHub integration",
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and re-drive stored webhook deliveries",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed or pending webhook deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			events, err := a.Events.ListFailed(ctx, limit)
			if status == "pending" {
				events, err = a.Events.ListPending(ctx, a.Config.Webhooks.MaxRetries, time.Now().UnixMilli(), limit)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DELIVERY\tEVENT\tACTION\tREPO\tRETRIES\tERROR")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", ev.DeliveryID, ev.EventType, ev.Action, ev.RepositoryName, ev.RetryCount, ev.ProcessingError)
			}
			return w.Flush()
		})
	},
}

var eventsReprocessCmd = &cobra.Command{
	Use:   "reprocess <delivery-id>",
	Short: "Process a stored delivery again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			err := a.Ingestor.Reprocess(ctx, args[0])
			if errors.Is(err, webhooks.ErrUnknownDelivery) || errors.Is(err, webhooks.ErrAlreadyProcessed) {
				return err
			}
			meta := map[string]interface{}{"delivery_id": args[0], "client_id": "synctl"}
			if err != nil {
				meta["error"] = err.Error()
			}
			a.Audit.Log(ctx, "", audit.ActionReprocess, meta)
			if err != nil {
				return err
			}
			fmt.Printf("Reprocessed %s\n", args[0])
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <project-id>",
	Short: "Run a full sync for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			opts := a.Engine.DefaultOptions()
			if cmd.Flags().Changed("comments") {
				opts.SyncComments, _ = cmd.Flags().GetBool("comments")
			}
			if cmd.Flags().Changed("labels") {
				opts.SyncLabels, _ = cmd.Flags().GetBool("labels")
			}

			result, err := a.Engine.SyncProject(ctx, args[0], opts)
			if result != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				enc.Encode(result)
			}
			return err
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <project-id>",
	Short: "Delete every sync link of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			deleted, err := a.Linker.ResetSyncState(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d sync links\n", deleted)
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <client-id>",
	Short: "Issue a bearer token for the trigger API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		role, _ := cmd.Flags().GetString("role")
		scopes, _ := cmd.Flags().GetStringSlice("scope")

		token, err := auth.NewTokenService(cfg.JWT).GenerateAccessToken(args[0], role, scopes)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Logging)

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to config file")

	eventsListCmd.Flags().String("status", "failed", "failed or pending")
	eventsListCmd.Flags().Int("limit", 50, "Maximum rows")
	eventsCmd.AddCommand(eventsListCmd, eventsReprocessCmd)

	syncCmd.Flags().Bool("comments", true, "Sync comments")
	syncCmd.Flags().Bool("labels", true, "Sync labels")

	tokenCmd.Flags().String("role", "service", "Token role (admin for operator endpoints)")
	tokenCmd.Flags().StringSlice("scope", []string{auth.ScopeSyncWrite}, "Granted scopes")

	rootCmd.AddCommand(eventsCmd, syncCmd, resetCmd, tokenCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
