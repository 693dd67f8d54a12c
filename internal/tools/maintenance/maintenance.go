// Package maintenance runs offline repair and inspection tasks against the
// ledger databases.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/evidence.space/internal/platform/config"
	ledgerapp "github.com/louisbranch/evidence.space/internal/services/ledger/app"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

// Config holds maintenance command configuration.
type Config struct {
	ScopeID                string
	ScopeIDs               string
	AllScopes              bool
	EventsDBPath           string
	ProjectionsDBPath      string
	Timeout                time.Duration
	Verify                 bool
	Rebuild                bool
	RepairGaps             bool
	SnapshotCapture        bool
	SnapshotPrune          bool
	SnapshotKeep           int
	CatalogPath            string
	JSONOutput             bool
	OutboxReport           bool
	OutboxStatus           string
	OutboxLimit            int
	OutboxRequeue          bool
	OutboxRequeueDead      bool
	OutboxRequeueDeadLimit int
	OutboxRequeueScopeID   string
	OutboxRequeueSeq       uint64
}

type envConfig struct {
	EventsDBPath      string        `env:"EVIDENCE_SPACE_LEDGER_EVENTS_DB_PATH"`
	ProjectionsDBPath string        `env:"EVIDENCE_SPACE_LEDGER_PROJECTIONS_DB_PATH"`
	Timeout           time.Duration `env:"EVIDENCE_SPACE_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses env and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		EventsDBPath:      envCfg.EventsDBPath,
		ProjectionsDBPath: envCfg.ProjectionsDBPath,
		Timeout:           envCfg.Timeout,
		SnapshotKeep:      3,
		OutboxLimit:       50,
	}
	if cfg.EventsDBPath == "" {
		cfg.EventsDBPath = filepath.Join("data", "ledger-events.db")
	}
	if cfg.ProjectionsDBPath == "" {
		cfg.ProjectionsDBPath = filepath.Join("data", "ledger-projections.db")
	}

	fs.StringVar(&cfg.ScopeID, "scope-id", "", "scope to operate on")
	fs.StringVar(&cfg.ScopeIDs, "scope-ids", "", "comma-separated scopes to operate on")
	fs.BoolVar(&cfg.AllScopes, "all-scopes", false, "operate on every scope in the journal")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "path to events sqlite database (default: EVIDENCE_SPACE_LEDGER_EVENTS_DB_PATH or data/ledger-events.db)")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db-path", cfg.ProjectionsDBPath, "path to projections sqlite database (default: EVIDENCE_SPACE_LEDGER_PROJECTIONS_DB_PATH or data/ledger-projections.db)")
	fs.BoolVar(&cfg.Verify, "verify", false, "verify event hashes, chain links and signatures")
	fs.BoolVar(&cfg.Rebuild, "rebuild", false, "drop and replay projections from the journal")
	fs.BoolVar(&cfg.RepairGaps, "repair-gaps", false, "replay events missing from projections for every scope")
	fs.BoolVar(&cfg.SnapshotCapture, "snapshot-capture", false, "capture a posture snapshot at the journal head")
	fs.BoolVar(&cfg.SnapshotPrune, "snapshot-prune", false, "delete all but the newest -snapshot-keep snapshots")
	fs.IntVar(&cfg.SnapshotKeep, "snapshot-keep", cfg.SnapshotKeep, "snapshots kept per scope by -snapshot-prune")
	fs.StringVar(&cfg.CatalogPath, "catalog", "", "import a control catalog YAML file")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.BoolVar(&cfg.OutboxReport, "outbox-report", false, "report projection apply outbox depth and rows")
	fs.StringVar(&cfg.OutboxStatus, "outbox-status", "", "optional outbox status filter (pending|processing|failed|dead)")
	fs.IntVar(&cfg.OutboxLimit, "outbox-limit", cfg.OutboxLimit, "max outbox rows to print/list")
	fs.BoolVar(&cfg.OutboxRequeue, "outbox-requeue", false, "requeue one dead projection apply outbox row")
	fs.BoolVar(&cfg.OutboxRequeueDead, "outbox-requeue-dead", false, "requeue a bounded batch of dead projection apply outbox rows")
	fs.IntVar(&cfg.OutboxRequeueDeadLimit, "outbox-requeue-dead-limit", 0, "max dead outbox rows to requeue (required with -outbox-requeue-dead)")
	fs.StringVar(&cfg.OutboxRequeueScopeID, "outbox-requeue-scope-id", "", "scope id for outbox requeue")
	fs.Uint64Var(&cfg.OutboxRequeueSeq, "outbox-requeue-seq", 0, "event sequence for outbox requeue")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mode names the single task a run performs.
type mode string

const (
	modeVerify            mode = "verify"
	modeRebuild           mode = "rebuild"
	modeRepairGaps        mode = "repair-gaps"
	modeSnapshotCapture   mode = "snapshot-capture"
	modeSnapshotPrune     mode = "snapshot-prune"
	modeCatalog           mode = "catalog"
	modeOutboxReport      mode = "outbox-report"
	modeOutboxRequeue     mode = "outbox-requeue"
	modeOutboxRequeueDead mode = "outbox-requeue-dead"
)

func (m mode) scoped() bool {
	switch m {
	case modeVerify, modeRebuild, modeSnapshotCapture, modeSnapshotPrune:
		return true
	}
	return false
}

// resolveMode checks that exactly one task is selected and that its flags
// are consistent.
func resolveMode(cfg Config) (mode, error) {
	selected := []mode{}
	add := func(enabled bool, m mode) {
		if enabled {
			selected = append(selected, m)
		}
	}
	add(cfg.Verify, modeVerify)
	add(cfg.Rebuild, modeRebuild)
	add(cfg.RepairGaps, modeRepairGaps)
	add(cfg.SnapshotCapture, modeSnapshotCapture)
	add(cfg.SnapshotPrune, modeSnapshotPrune)
	add(strings.TrimSpace(cfg.CatalogPath) != "", modeCatalog)
	add(cfg.OutboxReport, modeOutboxReport)
	add(cfg.OutboxRequeue, modeOutboxRequeue)
	add(cfg.OutboxRequeueDead, modeOutboxRequeueDead)

	switch len(selected) {
	case 0:
		return "", errors.New("one of -verify, -rebuild, -repair-gaps, -snapshot-capture, -snapshot-prune, -catalog or an -outbox-* task is required")
	case 1:
	default:
		return "", fmt.Errorf("-%s cannot be combined with -%s", selected[0], selected[1])
	}
	m := selected[0]

	hasScopes := cfg.ScopeID != "" || cfg.ScopeIDs != "" || cfg.AllScopes
	if !m.scoped() && hasScopes {
		return "", fmt.Errorf("-%s cannot be combined with -scope-id, -scope-ids or -all-scopes", m)
	}
	switch m {
	case modeSnapshotPrune:
		if cfg.SnapshotKeep < 0 {
			return "", errors.New("-snapshot-keep must be >= 0")
		}
	case modeOutboxReport:
		if cfg.OutboxLimit <= 0 {
			return "", errors.New("-outbox-limit must be > 0")
		}
	case modeOutboxRequeue:
		if strings.TrimSpace(cfg.OutboxRequeueScopeID) == "" {
			return "", errors.New("-outbox-requeue-scope-id is required")
		}
		if cfg.OutboxRequeueSeq == 0 {
			return "", errors.New("-outbox-requeue-seq must be > 0")
		}
	case modeOutboxRequeueDead:
		if cfg.OutboxRequeueDeadLimit <= 0 {
			return "", errors.New("-outbox-requeue-dead-limit must be > 0")
		}
		if strings.TrimSpace(cfg.OutboxRequeueScopeID) != "" || cfg.OutboxRequeueSeq > 0 {
			return "", errors.New("-outbox-requeue-dead cannot be combined with -outbox-requeue-scope-id or -outbox-requeue-seq")
		}
	}
	return m, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	m, err := resolveMode(cfg)
	if err != nil {
		return err
	}
	if m.scoped() && !cfg.AllScopes {
		if _, err := resolveScopeIDs(cfg.ScopeID, cfg.ScopeIDs); err != nil {
			return err
		}
	}

	keyring, err := integrity.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("load event hmac keyring: %w", err)
	}
	stores, err := ledgerapp.OpenStores(ctx, filepath.Clean(cfg.EventsDBPath), filepath.Clean(cfg.ProjectionsDBPath), keyring, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Events.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close event store: %v\n", err)
		}
		if err := stores.Projections.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close projection store: %v\n", err)
		}
	}()
	return runWithStores(ctx, cfg, m, stores, time.Now().UTC(), out, errOut)
}

// runWithStores dispatches the selected task against opened stores.
func runWithStores(ctx context.Context, cfg Config, m mode, stores *ledgerapp.Stores, now time.Time, out io.Writer, errOut io.Writer) error {
	switch m {
	case modeOutboxReport:
		return runOutboxReport(ctx, stores.Events, cfg.OutboxStatus, cfg.OutboxLimit, cfg.JSONOutput, out, errOut)
	case modeOutboxRequeue:
		return runOutboxRequeue(ctx, stores.Events, cfg.OutboxRequeueScopeID, cfg.OutboxRequeueSeq, now, cfg.JSONOutput, out, errOut)
	case modeOutboxRequeueDead:
		return runOutboxRequeueDeadRows(ctx, stores.Events, cfg.OutboxRequeueDeadLimit, now, cfg.JSONOutput, out, errOut)
	case modeRepairGaps:
		return runRepairGaps(ctx, stores, cfg.JSONOutput, out)
	case modeCatalog:
		return runCatalogImport(ctx, stores, cfg.CatalogPath, cfg.JSONOutput, out)
	}

	ids, err := scopeIDsFor(ctx, cfg, stores.Events)
	if err != nil {
		return err
	}
	tasks := newScopeTasks(stores)
	failed := false
	for _, id := range ids {
		result := tasks.run(ctx, m, id, cfg.SnapshotKeep)
		if cfg.JSONOutput {
			outputJSON(out, errOut, result)
		} else {
			prefix := ""
			if len(ids) > 1 {
				prefix = fmt.Sprintf("[%s] ", id)
			}
			printResult(out, errOut, result, prefix)
		}
		if result.ExitCode != 0 {
			failed = true
		}
	}
	if failed {
		return errors.New("maintenance failed")
	}
	return nil
}

type scopeLister interface {
	ListScopeIDs(ctx context.Context) ([]string, error)
}

func scopeIDsFor(ctx context.Context, cfg Config, journal scopeLister) ([]string, error) {
	if !cfg.AllScopes {
		return resolveScopeIDs(cfg.ScopeID, cfg.ScopeIDs)
	}
	if cfg.ScopeID != "" || cfg.ScopeIDs != "" {
		return nil, errors.New("-all-scopes cannot be combined with -scope-id or -scope-ids")
	}
	ids, err := journal.ListScopeIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	if len(ids) == 0 {
		return nil, errors.New("journal has no scopes")
	}
	return ids, nil
}

func resolveScopeIDs(singleID, list string) ([]string, error) {
	if singleID == "" && list == "" {
		return nil, fmt.Errorf("-scope-id, -scope-ids or -all-scopes is required")
	}
	if singleID != "" && list != "" {
		return nil, fmt.Errorf("-scope-id cannot be combined with -scope-ids")
	}
	if singleID != "" {
		id := event.NormalizeID(singleID)
		if id == "" {
			return nil, fmt.Errorf("-scope-id must not be blank")
		}
		return []string{id}, nil
	}
	ids := splitCSV(list)
	if len(ids) == 0 {
		return nil, fmt.Errorf("-scope-ids must contain at least one scope id")
	}
	return ids, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	output := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := event.NormalizeID(part)
		if trimmed == "" {
			continue
		}
		output = append(output, trimmed)
	}
	return output
}

type runResult struct {
	ScopeID  string          `json:"scope_id"`
	Mode     string          `json:"mode"`
	Report   json.RawMessage `json:"report,omitempty"`
	Error    string          `json:"error,omitempty"`
	ExitCode int             `json:"-"`
}

func outputJSON(out io.Writer, errOut io.Writer, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		fmt.Fprintf(errOut, "Error: encode report: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(encoded))
}

func printResult(out io.Writer, errOut io.Writer, result runResult, prefix string) {
	if result.Error != "" {
		fmt.Fprintf(errOut, "%sError: %s\n", prefix, result.Error)
	}
	if len(result.Report) == 0 {
		return
	}
	switch mode(result.Mode) {
	case modeVerify:
		var report verifyReport
		if err := json.Unmarshal(result.Report, &report); err != nil {
			fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
			return
		}
		if report.Valid {
			fmt.Fprintf(out, "%sVerified scope %s: %d events through seq %d (chain %s)\n", prefix, result.ScopeID, report.Events, report.HeadSeq, report.ChainHash)
			return
		}
		fmt.Fprintf(out, "%sScope %s is broken at seq %d: %s (%s)\n", prefix, result.ScopeID, report.FailedSeq, report.Reason, report.Code)
	case modeRebuild:
		var report rebuildReport
		if err := json.Unmarshal(result.Report, &report); err != nil {
			fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
			return
		}
		fmt.Fprintf(out, "%sRebuilt projections for scope %s through seq %d\n", prefix, result.ScopeID, report.LastSeq)
	case modeSnapshotCapture:
		var report snapshotReport
		if err := json.Unmarshal(result.Report, &report); err != nil {
			fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
			return
		}
		fmt.Fprintf(out, "%sCaptured snapshot for scope %s at seq %d (hash %s)\n", prefix, result.ScopeID, report.Seq, report.StateHash)
	case modeSnapshotPrune:
		var report pruneReport
		if err := json.Unmarshal(result.Report, &report); err != nil {
			fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
			return
		}
		fmt.Fprintf(out, "%sPruned %d snapshots for scope %s (kept %d)\n", prefix, report.Deleted, result.ScopeID, report.Keep)
	}
}
