// Package ledgerctl is an operator CLI over the ledger databases and a
// running ledger's health endpoint.
package ledgerctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	entrypoint "github.com/louisbranch/evidence.space/internal/platform/cmd"
	ledgerapp "github.com/louisbranch/evidence.space/internal/services/ledger/app"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

type envConfig struct {
	EventsDBPath      string `env:"EVIDENCE_SPACE_LEDGER_EVENTS_DB_PATH" envDefault:"data/ledger-events.db"`
	ProjectionsDBPath string `env:"EVIDENCE_SPACE_LEDGER_PROJECTIONS_DB_PATH" envDefault:"data/ledger-projections.db"`
}

// StoreOpener opens the ledger databases at the given paths.
type StoreOpener func(ctx context.Context, eventsPath, projectionsPath string) (*ledgerapp.Stores, error)

// Options configure the command tree. Zero values use stdout, stderr, the
// wall clock and the env keyring.
type Options struct {
	Out        io.Writer
	Err        io.Writer
	Now        func() time.Time
	OpenStores StoreOpener
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	eventsDB      string
	projectionsDB string
	jsonOutput    bool
	opts          Options
}

func (g *globals) open(ctx context.Context) (*ledgerapp.Stores, error) {
	stores, err := g.opts.OpenStores(ctx, filepath.Clean(g.eventsDB), filepath.Clean(g.projectionsDB))
	if err != nil {
		return nil, fmt.Errorf("open ledger stores: %w", err)
	}
	return stores, nil
}

func openFromEnv(ctx context.Context, eventsPath, projectionsPath string) (*ledgerapp.Stores, error) {
	keyring, err := integrity.KeyringFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load event hmac keyring: %w", err)
	}
	return ledgerapp.OpenStores(ctx, eventsPath, projectionsPath, keyring, false)
}

// NewRootCommand builds the ledgerctl command tree.
func NewRootCommand(opts Options) (*cobra.Command, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OpenStores == nil {
		opts.OpenStores = openFromEnv
	}
	var env envConfig
	if err := entrypoint.ParseConfig(&env); err != nil {
		return nil, err
	}

	g := &globals{opts: opts}
	root := &cobra.Command{
		Use:   entrypoint.ServiceLedgerCtl,
		Short: "Inspect the compliance evidence ledger",
		Long: `ledgerctl reads the ledger's event journal and projections directly.

It never appends events; use the ledger HTTP API for commands.

Examples:
  # Posture of a scope as it stood at journal seq 40
  ledgerctl posture acct-1 --seq 40

  # Verify hash chains and signatures of two scopes
  ledgerctl verify acct-1 acct-2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)
	root.PersistentFlags().StringVar(&g.eventsDB, "events-db", env.EventsDBPath, "event journal SQLite path")
	root.PersistentFlags().StringVar(&g.projectionsDB, "projections-db", env.ProjectionsDBPath, "projections SQLite path")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "print JSON instead of text")

	root.AddCommand(
		newScopesCommand(g),
		newEventsCommand(g),
		newVerifyCommand(g),
		newPostureCommand(g),
		newAttestCommand(g),
		newHealthCommand(),
	)
	return root, nil
}

// Execute runs ledgerctl with args and prints a failure to the error writer.
func Execute(ctx context.Context, args []string, opts Options) error {
	root, err := NewRootCommand(opts)
	if err == nil {
		root.SetArgs(args)
		err = root.ExecuteContext(ctx)
	}
	if err != nil {
		errOut := opts.Err
		if errOut == nil {
			errOut = os.Stderr
		}
		errorf(errOut, "Error: %v\n", err)
	}
	return err
}
