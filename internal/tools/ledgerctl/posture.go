package ledgerctl

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
)

var statusOrder = []posture.Status{
	posture.StatusCompliant,
	posture.StatusNoncompliant,
	posture.StatusExcepted,
	posture.StatusUnknown,
}

func newPostureCommand(g *globals) *cobra.Command {
	var (
		seq uint64
		at  string
	)
	cmd := &cobra.Command{
		Use:   "posture SCOPE_ID",
		Short: "Summarize a scope's compliance posture",
		Long: `Summarize a scope's compliance posture at the journal head, or as it
stood at --seq or --at. Both may be given; the earlier position wins.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			point := snapshot.Point{Seq: seq}
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				point.Time = parsed
			}
			stores, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close(nil)

			service, err := compliance.NewService(compliance.Deps{
				Journal: stores.Events,
				States:  snapshot.NewService(stores.Events, stores.Projections),
				Now:     g.opts.Now,
			})
			if err != nil {
				return err
			}
			summary, err := service.Posture(cmd.Context(), event.NormalizeID(args[0]), point)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			return printSummary(cmd, summary)
		},
	}
	cmd.Flags().Uint64Var(&seq, "seq", 0, "journal seq to reconstruct posture at")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time to reconstruct posture at")
	return cmd
}

func printSummary(cmd *cobra.Command, summary posture.Summary) error {
	out := cmd.OutOrStdout()
	name := summary.ScopeID
	if summary.Name != "" {
		name = fmt.Sprintf("%s (%s)", summary.ScopeID, summary.Name)
	}
	fmt.Fprintf(out, "Scope %s at seq %d as of %s\n", name, summary.Seq, summary.AsOf.Format(time.RFC3339))
	fmt.Fprintf(out, "Score %.1f%%  resources=%d  active exceptions=%d\n", summary.Score*100, summary.Resources, summary.ActiveExceptions)
	totals := make([]string, 0, len(statusOrder))
	for _, status := range statusOrder {
		totals = append(totals, statusColor(status).Sprintf("%s=%d", status, summary.Totals[status]))
	}
	fmt.Fprintln(out, strings.Join(totals, "  "))
	if len(summary.Controls) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTROL\tSEVERITY\tSTATUS\tPASS\tFAIL\tEXCEPTED\tFAILING")
	for _, control := range summary.Controls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			control.ControlID,
			control.Severity,
			statusColor(control.Status).Sprint(control.Status),
			control.Passing,
			control.Failing,
			control.Excepted,
			strings.Join(control.FailingResources, ","),
		)
	}
	return tw.Flush()
}

type attestationRow struct {
	ScopeID          string         `json:"scope_id"`
	Seq              uint64         `json:"seq"`
	ChainHash        string         `json:"chain_hash"`
	AsOf             time.Time      `json:"as_of"`
	Issuer           string         `json:"issuer"`
	ExpiresAt        time.Time      `json:"expires_at"`
	Totals           map[string]int `json:"totals"`
	Score            float64        `json:"score"`
	ActiveExceptions int            `json:"active_exceptions"`
	JournalMatch     *bool          `json:"journal_match,omitempty"`
}

func newAttestCommand(g *globals) *cobra.Command {
	var againstJournal bool
	verify := &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Verify a posture attestation with the configured public key",
		Long: `Verify a posture attestation's signature, issuer, audience and lifetime
using EVIDENCE_SPACE_ATTEST_PUBLIC_KEY. With --against-journal the attested
chain hash is also compared to the local journal at the attested seq.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := attest.LoadConfigFromEnv(g.opts.Now)
			if err != nil {
				return err
			}
			verifier, err := attest.NewVerifier(cfg)
			if err != nil {
				return err
			}
			claims, err := verifier.Verify(args[0])
			if err != nil {
				return err
			}
			row := attestationRow{
				ScopeID:          claims.ScopeID,
				Seq:              claims.Seq,
				ChainHash:        claims.ChainHash,
				AsOf:             claims.AsOf,
				Issuer:           claims.Issuer,
				ExpiresAt:        claims.ExpiresAt,
				Totals:           claims.Totals,
				Score:            claims.Score,
				ActiveExceptions: claims.ActiveExceptions,
			}
			if againstJournal {
				stores, err := g.open(cmd.Context())
				if err != nil {
					return err
				}
				defer stores.Close(nil)
				evt, err := stores.Events.GetEventBySeq(cmd.Context(), claims.ScopeID, claims.Seq)
				if err != nil {
					return fmt.Errorf("load attested event: %w", err)
				}
				match := evt.ChainHash == claims.ChainHash
				row.JournalMatch = &match
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				if err := printJSON(out, row); err != nil {
					return err
				}
			} else {
				green.Fprintf(out, "valid attestation for scope %s at seq %d\n", row.ScopeID, row.Seq)
				fmt.Fprintf(out, "issuer=%s expires=%s score=%.1f%%\n", row.Issuer, row.ExpiresAt.Format(time.RFC3339), row.Score*100)
				if row.JournalMatch != nil && *row.JournalMatch {
					green.Fprintf(out, "chain hash matches the local journal\n")
				}
			}
			if row.JournalMatch != nil && !*row.JournalMatch {
				return fmt.Errorf("attested chain hash does not match the journal at seq %d", row.Seq)
			}
			return nil
		},
	}
	verify.Flags().BoolVar(&againstJournal, "against-journal", false, "compare the attested chain hash with the local journal")

	cmd := &cobra.Command{
		Use:   "attest",
		Short: "Work with posture attestations",
	}
	cmd.AddCommand(verify)
	return cmd
}
