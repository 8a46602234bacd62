package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"porthub/internal/app"
	"porthub/internal/config"
	"porthub/internal/migrate"
	"porthub/internal/repo"
)

func inboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Messages delivered to the acting identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Outbox.Inbox(ctx, identity, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"When", "Kind", "Job", "Message", "Actions"})
				for _, m := range items {
					actions := strings.Join(m.Controls, " ")
					if m.ControlsRetracted {
						actions = "(expired)"
					}
					tw.AppendRow(table.Row{m.CreatedAt, m.Kind, m.JobNumber, m.Body, actions})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of messages")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every account and job change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (job, account, feedback)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "porthub.yml holds marketplace, feedback, verification and notification settings. Secrets come from PORTHUB_* environment variables.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			cfg.Notify.Webhook.Secret = redact(cfg.Notify.Webhook.Secret)
			for i := range cfg.Webhooks {
				cfg.Webhooks[i].Secret = redact(cfg.Webhooks[i].Secret)
			}
			return printJSONOrIndented(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate porthub.yml and report the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			_, err := config.Load(workspace)
			status := map[string]any{"ok": err == nil, "error": fmt.Sprint(err)}
			if latest, lerr := migrate.Latest(); lerr == nil {
				status["schema_latest"] = latest
			}
			if verr := withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				current, err := migrate.Current(rt.DB)
				if err != nil {
					return err
				}
				status["schema_current"] = current
				return nil
			}); verr != nil && err == nil {
				err = verr
			}
			if viper.GetBool("json") {
				return printJSON(status)
			}
			if err != nil {
				return err
			}
			fmt.Printf("config OK (schema %v/%v)\n", status["schema_current"], status["schema_latest"])
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default porthub.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
