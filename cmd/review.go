package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/store"
)

// reviewStore is the part of store.Store used by review handling.
type reviewStore interface {
	ListReviewItems(ctx context.Context, tenantID string, filter store.ReviewFilter) ([]model.ReviewItem, error)
	ResolveReviewItem(ctx context.Context, tenantID, id string, status model.ReviewStatus, reviewer, notes string) (*model.ReviewItem, error)
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Inspect and resolve the reconciliation queue",
}

// -- review list --

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "review")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tenant, _ := cmd.Flags().GetString("tenant")
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		runID, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")

		items, err := st.ListReviewItems(ctx, tenant, store.ReviewFilter{
			Status: model.ReviewStatus(status),
			Kind:   kind,
			RunID:  runID,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "review list")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No review items found.")
			return nil
		}
		formatReviewList(os.Stdout, items)
		return nil
	},
}

// -- review approve / reject --

func resolveCommand(use, short string, status model.ReviewStatus) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, "review")
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			tenant, _ := cmd.Flags().GetString("tenant")
			reviewer, _ := cmd.Flags().GetString("reviewer")
			notes, _ := cmd.Flags().GetString("notes")

			item, err := resolveReview(ctx, st, tenant, args[0], status, reviewer, notes)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(item)
		},
	}
	c.Flags().String("tenant", "", "tenant id (required)")
	c.Flags().String("reviewer", "", "reviewer name (required)")
	c.Flags().String("notes", "", "review notes")
	_ = c.MarkFlagRequired("tenant")
	_ = c.MarkFlagRequired("reviewer")
	return c
}

func init() {
	reviewListCmd.Flags().String("tenant", "", "tenant id (required)")
	reviewListCmd.Flags().String("status", string(model.ReviewPending), "filter by status (pending, approved, rejected)")
	reviewListCmd.Flags().String("kind", "", "filter by kind (entity, classification, signal)")
	reviewListCmd.Flags().String("run", "", "filter by run id")
	reviewListCmd.Flags().Int("limit", 50, "max number of items to display")
	_ = reviewListCmd.MarkFlagRequired("tenant")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(resolveCommand("approve", "Approve a pending review item", model.ReviewApproved))
	reviewCmd.AddCommand(resolveCommand("reject", "Reject a pending review item", model.ReviewRejected))
	rootCmd.AddCommand(reviewCmd)
}

// parseDecision maps an approve/reject verb to a terminal review status.
func parseDecision(decision string) (model.ReviewStatus, error) {
	switch decision {
	case "approve", string(model.ReviewApproved):
		return model.ReviewApproved, nil
	case "reject", string(model.ReviewRejected):
		return model.ReviewRejected, nil
	default:
		return "", eris.Errorf("unknown review decision %q", decision)
	}
}

func resolveReview(ctx context.Context, st reviewStore, tenantID, id string, status model.ReviewStatus, reviewer, notes string) (*model.ReviewItem, error) {
	if tenantID == "" || reviewer == "" {
		return nil, eris.New("review: tenant and reviewer are required")
	}
	item, err := st.ResolveReviewItem(ctx, tenantID, id, status, reviewer, notes)
	if err != nil {
		return nil, eris.Wrapf(err, "review %s", id)
	}
	return item, nil
}

// formatReviewList writes a tabular list of review items to out.
func formatReviewList(out io.Writer, items []model.ReviewItem) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSTATUS\tRUN\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t---\t-------")
	for _, it := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			it.ID,
			it.Kind,
			it.Status,
			it.RunID,
			it.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
