package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journalflow/internal/app"
	"journalflow/internal/db"
	"journalflow/internal/domain"
	"journalflow/internal/engine"
	"journalflow/internal/obs"
	"journalflow/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "jf",
	Short: "journalflow CLI",
	Long: `journalflow runs the editorial workflow of a journal.
- Manuscripts move pre_check -> under_review -> decision -> decision_done, then
  approved, a revision, or rejected.
- Accepted work goes through production: approved -> layout -> english_editing
  -> proofreading -> published.
- Publication needs two gates: a settled invoice (financial) and an approved
  proofreading cycle with a final PDF (proof).
- Every change is written to the event log; read it with 'jf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := obs.SetupLogger(viper.GetString("log-level"), viper.GetBool("log-pretty")); err != nil {
			return err
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("JF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/journalflow.yml)")
	flags.String("journal", "", "journal id used when no config exists")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "warn", "log level")
	flags.Bool("log-pretty", true, "human-readable logs")
	for _, name := range []string{"workspace", "config", "journal", "json", "actor-id", "log-level", "log-pretty"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(manuscriptCmd())
	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(productionCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(scopeCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
}

// --- helpers ---

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		JournalID:  viper.GetString("journal"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

// withActor runs fn as the --actor-id with its stored roles and scopes.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, workflow.RoleContext) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actor, err := e.Auth.RoleContext(ctx, viper.GetString("actor-id"), nil, nil)
		if err != nil {
			return err
		}
		return fn(ctx, e, actor)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	switch x := v.(type) {
	case domain.Manuscript:
		printManuscripts([]domain.Manuscript{x})
	case []domain.Manuscript:
		printManuscripts(x)
	case []domain.Event:
		printEvents(x)
	case engine.ManuscriptState:
		printState(x)
	default:
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printManuscripts(items []domain.Manuscript) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Journal", "Title", "Status", "AE", "Owner", "Rev"})
	for _, m := range items {
		tw.AppendRow(table.Row{m.ID, m.JournalID, m.Title, m.Status, deref(m.AssistantEditorID), deref(m.OwnerID), m.Revision})
	}
	tw.Render()
}

func printEvents(items []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
	}
	tw.Render()
}

func printState(st engine.ManuscriptState) {
	printManuscripts([]domain.Manuscript{st.Manuscript})
	tw := newTable()
	tw.AppendRow(table.Row{"Phase", st.NextAction.Phase})
	tw.AppendRow(table.Row{"Next action", st.NextAction.Title})
	if len(st.NextAction.Blockers) > 0 {
		tw.AppendRow(table.Row{"Blockers", strings.Join(st.NextAction.Blockers, "\n")})
	}
	next := make([]string, 0, len(st.LegalNextStatuses))
	for _, s := range st.LegalNextStatuses {
		next = append(next, string(s))
	}
	tw.AppendRow(table.Row{"Legal next", strings.Join(next, ", ")})
	tw.AppendRow(table.Row{"Financial gate", st.Gates.Financial})
	tw.AppendRow(table.Row{"Proof gate", st.Gates.Proof})
	if st.Invoice != nil {
		tw.AppendRow(table.Row{"Invoice", fmt.Sprintf("%s %s (%s)", st.Invoice.Amount.StringFixed(2), st.Invoice.Currency, st.Invoice.Status)})
	}
	if st.Cycle != nil {
		tw.AppendRow(table.Row{"Cycle", fmt.Sprintf("#%d %s", st.Cycle.CycleNo, st.Cycle.Status)})
	}
	if st.CurrentAssignee != nil {
		tw.AppendRow(table.Row{"Assignee", st.CurrentAssignee.ID + " (" + st.CurrentAssignee.Source + ")"})
	}
	tw.Render()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// exitCode maps workflow rejections to distinct exit statuses for scripts.
func exitCode(err error) int {
	var wfErr *workflow.Error
	if errors.As(err, &wfErr) {
		switch wfErr.Code {
		case workflow.CodeConflict:
			return 3
		case workflow.CodeUnauthorized, workflow.CodeScopeForbidden:
			return 4
		case workflow.CodeGateNotSatisfied:
			return 5
		}
		return 2
	}
	return 1
}
