package ledgerctl

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/sqlite"
)

type scopeRow struct {
	ScopeID    string    `json:"scope_id"`
	Name       string    `json:"name"`
	Frameworks []string  `json:"frameworks,omitempty"`
	LastSeq    uint64    `json:"last_seq"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newScopesCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "scopes",
		Short: "List projected scopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stores, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close(nil)

			records, err := stores.Projections.ListScopes(cmd.Context())
			if err != nil {
				return fmt.Errorf("list scopes: %w", err)
			}
			rows := make([]scopeRow, 0, len(records))
			for _, record := range records {
				rows = append(rows, scopeRow{
					ScopeID:    record.ID,
					Name:       record.Name,
					Frameworks: record.Frameworks,
					LastSeq:    record.LastSeq,
					UpdatedAt:  record.UpdatedAt,
				})
			}
			if g.jsonOutput {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scopes projected")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SCOPE\tNAME\tFRAMEWORKS\tSEQ\tUPDATED")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", row.ScopeID, row.Name, strings.Join(row.Frameworks, ","), row.LastSeq, row.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newEventsCommand(g *globals) *cobra.Command {
	var (
		afterSeq uint64
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "events SCOPE_ID",
		Short: "List journal events of a scope in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("--limit must be > 0")
			}
			stores, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close(nil)

			scopeID := event.NormalizeID(args[0])
			events, err := stores.Events.ListEvents(cmd.Context(), scopeID, afterSeq, limit)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			if g.jsonOutput {
				return printJSON(cmd.OutOrStdout(), events)
			}
			if len(events) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No events for scope %s after seq %d\n", scopeID, afterSeq)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTYPE\tENTITY\tACTOR\tTIMESTAMP")
			for _, evt := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s:%s\t%s\n", evt.Seq, evt.Type, evt.EntityID, evt.ActorType, evt.ActorID, evt.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Uint64Var(&afterSeq, "after", 0, "list events after this seq")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")
	return cmd
}

type verifyRow struct {
	ScopeID   string `json:"scope_id"`
	Valid     bool   `json:"valid"`
	Events    int    `json:"events"`
	HeadSeq   uint64 `json:"head_seq"`
	ChainHash string `json:"chain_hash,omitempty"`
	FailedSeq uint64 `json:"failed_seq,omitempty"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func newVerifyCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify SCOPE_ID...",
		Short: "Verify the hash chain and signatures of scopes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close(nil)

			rows := make([]verifyRow, 0, len(args))
			broken := 0
			for _, arg := range args {
				row, err := verifyScope(cmd, stores.Events, event.NormalizeID(arg))
				if err != nil {
					return err
				}
				if !row.Valid {
					broken++
				}
				rows = append(rows, row)
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				if err := printJSON(out, rows); err != nil {
					return err
				}
			} else {
				for _, row := range rows {
					switch {
					case row.Valid:
						green.Fprintf(out, "ok      %s: %d events through seq %d (chain %s)\n", row.ScopeID, row.Events, row.HeadSeq, row.ChainHash)
					case row.FailedSeq == 0:
						yellow.Fprintf(out, "empty   %s: no events\n", row.ScopeID)
					default:
						red.Fprintf(out, "broken  %s: seq %d %s (%s)\n", row.ScopeID, row.FailedSeq, row.Reason, row.Code)
					}
				}
			}
			if broken > 0 {
				return fmt.Errorf("%d of %d scopes failed verification", broken, len(rows))
			}
			return nil
		},
	}
}

func verifyScope(cmd *cobra.Command, journal *sqlite.Store, scopeID string) (verifyRow, error) {
	report, err := journal.VerifyScope(cmd.Context(), scopeID)
	row := verifyRow{
		ScopeID:   scopeID,
		Events:    report.Events,
		HeadSeq:   report.HeadSeq,
		ChainHash: report.ChainHash,
	}
	var chainErr *integrity.ChainError
	switch {
	case errors.As(err, &chainErr):
		row.FailedSeq = chainErr.Seq
		row.Code = string(chainErr.Code)
		row.Reason = chainErr.Reason
		return row, nil
	case err != nil:
		return row, fmt.Errorf("verify scope %s: %w", scopeID, err)
	}
	row.Valid = report.HeadSeq > 0
	return row, nil
}
