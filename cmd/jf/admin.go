package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journalflow/internal/config"
	"journalflow/internal/engine"
	"journalflow/internal/repo"
)

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Grant and revoke workflow roles",
		Long:  "Roles: managing_editor, editor_in_chief, assistant_editor, production_editor, owner, author, reviewer, admin. Changes are recorded in the event log as --actor-id.",
	}
	grant := &cobra.Command{
		Use:   "grant <actor> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				role, err := e.Auth.GrantRole(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("granted %s to %s\n", role, args[0])
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <actor> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Auth.RevokeRole(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	}
	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show roles, journals and capabilities of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rc, err := e.Auth.RoleContext(ctx, viper.GetString("actor-id"), nil, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":     rc.ActorID,
					"roles":        rc.Roles.Slice(),
					"journals":     rc.AllowedJournalIDs,
					"capabilities": e.CapabilitiesFor(rc),
				})
			})
		},
	}
	cmd.AddCommand(grant, revoke, whoami)
	return cmd
}

func scopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Grant and revoke journal write scope",
	}
	grant := &cobra.Command{
		Use:   "grant <actor> <journal|*>",
		Short: "Allow an actor to act on a journal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Auth.GrantJournal(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <actor> <journal|*>",
		Short: "Remove a journal from an actor's scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Auth.RevokeJournal(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	}
	cmd.AddCommand(grant, revoke)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	var name string
	create := &cobra.Command{
		Use:   "create <actor>",
		Short: "Issue a key; it is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := e.Auth.IssueAPIKey(ctx, args[0], name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")

	list := &cobra.Command{
		Use:   "list [actor]",
		Short: "List keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := ""
			if len(args) == 1 {
				actor = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, del)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var (
		n      int
		filter repo.EventFilter
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, filter, 0, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&filter.Type, "type", "", "event type")
	tail.Flags().StringVar(&filter.JournalID, "journal-id", "", "journal")
	tail.Flags().StringVar(&filter.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&filter.EntityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	var journalID string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default journalflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(journalID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&journalID, "journal-id", "default", "journal id")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSON(rt.Config)
		},
	}
	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println("config OK:", path)
			return nil
		},
	}
	cmd.AddCommand(initCmd, show, validate)
	return cmd
}
