package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"journalflow/internal/domain"
	"journalflow/internal/engine"
	"journalflow/internal/workflow"
)

func manuscriptCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:     "manuscript",
		Aliases: []string{"ms"},
		Short:   "Submit and move manuscripts",
	}
	ms.AddCommand(manuscriptSubmitCmd())
	ms.AddCommand(manuscriptListCmd())
	ms.AddCommand(manuscriptShowCmd())
	ms.AddCommand(manuscriptTransitionCmd())
	ms.AddCommand(manuscriptAssignCmd("assign-ae", "Assign the assistant editor", engine.Engine.AssignAssistantEditor))
	ms.AddCommand(manuscriptAssignCmd("bind-owner", "Bind the sales owner", engine.Engine.BindOwner))
	ms.AddCommand(manuscriptInviteCmd())
	ms.AddCommand(manuscriptResubmitCmd())
	ms.AddCommand(manuscriptFinalPDFCmd())
	return ms
}

func manuscriptSubmitCmd() *cobra.Command {
	var req engine.SubmitRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a manuscript as --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				if req.JournalID == "" {
					req.JournalID = e.Config.Journal.ID
				}
				m, err := e.SubmitManuscript(ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "title")
	cmd.Flags().StringVar(&req.ID, "id", "", "manuscript id (generated when empty)")
	cmd.Flags().StringVar(&req.JournalID, "journal-id", "", "journal (default from config)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func manuscriptListCmd() *cobra.Command {
	var f engine.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List manuscripts visible to --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				items, err := e.ListManuscripts(ctx, actor, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.JournalID, "journal-id", "", "journal filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func manuscriptShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show state, gates and the next action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				st, err := e.ManuscriptState(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func manuscriptTransitionCmd() *cobra.Command {
	var req engine.TransitionRequest
	cmd := &cobra.Command{
		Use:   "transition <id> <target>",
		Short: "Request a status change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ManuscriptID, req.Target = args[0], args[1]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				m, err := e.RequestTransition(ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason (required for decisions)")
	cmd.Flags().IntVar(&req.ExpectedRevision, "expected-revision", 0, "fail unless the manuscript is at this revision")
	return cmd
}

type assignFunc func(engine.Engine, context.Context, workflow.RoleContext, engine.AssignmentRequest) (domain.Manuscript, error)

func manuscriptAssignCmd(use, short string, op assignFunc) *cobra.Command {
	var req engine.AssignmentRequest
	cmd := &cobra.Command{
		Use:   use + " <id> <actor>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ManuscriptID, req.AssigneeID = args[0], args[1]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				m, err := op(e, ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&req.ExpectedRevision, "expected-revision", 0, "fail unless the manuscript is at this revision")
	return cmd
}

func manuscriptInviteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invite <id> <reviewer>",
		Short: "Invite a reviewer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				inv, err := e.InviteReviewer(ctx, actor, engine.InviteRequest{ManuscriptID: args[0], ReviewerID: args[1]})
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
}

func manuscriptResubmitCmd() *cobra.Command {
	var req engine.ResubmitRequest
	cmd := &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Resubmit a revised manuscript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ManuscriptID = args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				m, err := e.Resubmit(ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&req.Note, "note", "", "note to the editors")
	cmd.Flags().IntVar(&req.ExpectedRevision, "expected-revision", 0, "fail unless the manuscript is at this revision")
	return cmd
}

func manuscriptFinalPDFCmd() *cobra.Command {
	var req engine.FinalPDFRequest
	cmd := &cobra.Command{
		Use:   "final-pdf <id> <file>",
		Short: "Attach the final production PDF",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ManuscriptID = args[0]
			return withUpload(args[1], func(f engine.FileUpload) error {
				req.File = f
				return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
					m, err := e.AttachFinalPDF(ctx, actor, req)
					if err != nil {
						return err
					}
					return printJSONOrTable(m)
				})
			})
		},
	}
	cmd.Flags().IntVar(&req.ExpectedRevision, "expected-revision", 0, "fail unless the manuscript is at this revision")
	return cmd
}

func invoiceCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invoice", Short: "Manage the publication invoice"}

	var amount, currency string
	var waive bool
	set := &cobra.Command{
		Use:   "set <manuscript-id>",
		Short: "Create or replace the invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				out, err := e.SetInvoice(ctx, actor, engine.InvoiceRequest{ManuscriptID: args[0], Amount: amt, Currency: currency, Waive: waive})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	set.Flags().StringVar(&amount, "amount", "", "amount, e.g. 1500.00")
	set.Flags().StringVar(&currency, "currency", "USD", "ISO currency code")
	set.Flags().BoolVar(&waive, "waive", false, "waive the fee")
	_ = set.MarkFlagRequired("amount")

	var expected string
	confirm := &cobra.Command{
		Use:   "confirm <manuscript-id>",
		Short: "Confirm payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.ConfirmPaymentRequest{ManuscriptID: args[0]}
			if expected != "" {
				st := domain.InvoiceStatus(expected)
				req.ExpectedStatus = &st
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				out, err := e.ConfirmPayment(ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	confirm.Flags().StringVar(&expected, "expected-status", "", "fail unless the invoice is in this status")

	inv.AddCommand(set, confirm)
	return inv
}

func productionCmd() *cobra.Command {
	prod := &cobra.Command{
		Use:   "production",
		Short: "Proofreading cycles and the production band",
	}
	prod.AddCommand(productionCreateCycleCmd())
	prod.AddCommand(productionEditorsCmd())
	prod.AddCommand(productionGalleyCmd())
	prod.AddCommand(productionRespondCmd())
	prod.AddCommand(productionApproveCmd())
	prod.AddCommand(productionMoveCmd("advance", "Advance one production step", engine.Engine.AdvanceProduction))
	prod.AddCommand(productionMoveCmd("revert", "Revert one production step", engine.Engine.RevertProduction))
	return prod
}

func productionCreateCycleCmd() *cobra.Command {
	var req engine.CreateCycleRequest
	cmd := &cobra.Command{
		Use:   "create-cycle <manuscript-id>",
		Short: "Open a proofreading cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ManuscriptID = args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				c, err := e.CreateCycle(ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&req.LayoutEditorID, "layout-editor", "", "layout editor")
	cmd.Flags().StringSliceVar(&req.CollaboratorEditorIDs, "collaborator", nil, "collaborating editor (repeatable)")
	cmd.Flags().StringVar(&req.ProofreaderAuthorID, "proofreader", "", "proofreading author (default: the author)")
	cmd.Flags().StringVar(&req.ProofDueAt, "due", "", "proof due time, RFC3339")
	_ = cmd.MarkFlagRequired("layout-editor")
	return cmd
}

func productionEditorsCmd() *cobra.Command {
	var req engine.UpdateEditorsRequest
	cmd := &cobra.Command{
		Use:   "editors <manuscript-id>",
		Short: "Replace the active cycle's editors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ManuscriptID = args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				c, err := e.UpdateEditors(ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&req.LayoutEditorID, "layout-editor", "", "layout editor")
	cmd.Flags().StringSliceVar(&req.CollaboratorEditorIDs, "collaborator", nil, "collaborating editor (repeatable)")
	_ = cmd.MarkFlagRequired("layout-editor")
	return cmd
}

func productionGalleyCmd() *cobra.Command {
	var req engine.GalleyRequest
	cmd := &cobra.Command{
		Use:   "galley <manuscript-id> <file>",
		Short: "Upload a galley for the author to proof",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ManuscriptID = args[0]
			return withUpload(args[1], func(f engine.FileUpload) error {
				req.File = f
				return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
					c, err := e.UploadGalley(ctx, actor, req)
					if err != nil {
						return err
					}
					return printJSONOrTable(c)
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.VersionNote, "note", "", "version note")
	cmd.Flags().StringVar(&req.ProofDueAt, "due", "", "proof due time, RFC3339")
	return cmd
}

func productionRespondCmd() *cobra.Command {
	var locations, texts []string
	cmd := &cobra.Command{
		Use:   "respond <manuscript-id> <confirm_clean|submit_corrections>",
		Short: "Answer the current galley as the proofreading author",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(locations) != len(texts) {
				return fmt.Errorf("--location and --text must be given the same number of times")
			}
			req := engine.ProofResponseRequest{ManuscriptID: args[0], Decision: args[1]}
			for i := range locations {
				req.Corrections = append(req.Corrections, domain.Correction{Location: locations[i], SuggestedText: texts[i]})
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				resp, err := e.SubmitAuthorResponse(ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().StringArrayVar(&locations, "location", nil, "correction location (repeatable)")
	cmd.Flags().StringArrayVar(&texts, "text", nil, "suggested text for the matching --location")
	return cmd
}

func productionApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <manuscript-id>",
		Short: "Approve the active cycle for publication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				c, err := e.ApproveCycle(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

type moveFunc func(engine.Engine, context.Context, workflow.RoleContext, engine.ProductionMove) (domain.Manuscript, error)

func productionMoveCmd(use, short string, op moveFunc) *cobra.Command {
	var req engine.ProductionMove
	cmd := &cobra.Command{
		Use:   use + " <manuscript-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ManuscriptID = args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor workflow.RoleContext) error {
				m, err := op(e, ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason (required to revert)")
	cmd.Flags().IntVar(&req.ExpectedRevision, "expected-revision", 0, "fail unless the manuscript is at this revision")
	return cmd
}

// withUpload opens path and hands it to fn as a FileUpload.
func withUpload(path string, fn func(engine.FileUpload) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return fn(engine.FileUpload{
		FileName:    filepath.Base(path),
		ContentType: contentType,
		Body:        f,
		Size:        info.Size(),
	})
}
