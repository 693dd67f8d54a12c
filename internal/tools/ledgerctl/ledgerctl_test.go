package ledgerctl

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	ledgerapp "github.com/louisbranch/evidence.space/internal/services/ledger/app"
	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/projection"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type fixture struct {
	eventsDB      string
	projectionsDB string
	keyring       *integrity.Keyring
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	keyring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("0123456789abcdef0123456789abcdef")}, "v1")
	require.NoError(t, err)
	dir := t.TempDir()
	return fixture{
		eventsDB:      filepath.Join(dir, "events.db"),
		projectionsDB: filepath.Join(dir, "projections.db"),
		keyring:       keyring,
	}
}

func (f fixture) open(ctx context.Context, eventsPath, projectionsPath string) (*ledgerapp.Stores, error) {
	return ledgerapp.OpenStores(ctx, eventsPath, projectionsPath, f.keyring, false)
}

// seed appends four events to acct-1 and projects them.
func (f fixture) seed(t *testing.T) posture.Summary {
	t.Helper()
	ctx := context.Background()
	stores, err := f.open(ctx, f.eventsDB, f.projectionsDB)
	require.NoError(t, err)
	defer stores.Close(nil)

	svc, err := compliance.NewService(compliance.Deps{
		Journal: stores.Events,
		States:  snapshot.NewService(stores.Events, stores.Projections),
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	actor := compliance.Actor{Type: event.ActorTypeUser, ID: "auditor"}
	_, err = svc.CreateScope(ctx, actor, "acct-1", facts.ScopeCreatedPayload{Name: "Payments", Frameworks: []string{"soc2"}})
	require.NoError(t, err)
	_, err = svc.RegisterControl(ctx, actor, "acct-1", facts.ControlRegisteredPayload{ControlID: "mfa", Title: "MFA", Severity: facts.SeverityHigh})
	require.NoError(t, err)
	_, err = svc.ObserveResource(ctx, actor, "acct-1", facts.ResourceObservedPayload{ResourceID: "alice", Kind: "user"})
	require.NoError(t, err)
	_, err = svc.RecordEvaluation(ctx, actor, "acct-1", facts.ControlEvaluatedPayload{ControlID: "mfa", ResourceID: "alice", Result: facts.ResultFail})
	require.NoError(t, err)

	processor := projection.Processor{Store: stores.Projections, Watermarks: stores.Projections}
	_, err = projection.RebuildScope(ctx, stores.Events, stores.Projections, processor, "acct-1")
	require.NoError(t, err)

	summary, err := svc.Posture(ctx, "acct-1", snapshot.Point{})
	require.NoError(t, err)
	return summary
}

func (f fixture) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--events-db", f.eventsDB, "--projections-db", f.projectionsDB}, args...)
	err := Execute(context.Background(), full, Options{
		Out:        &out,
		Err:        &errOut,
		Now:        func() time.Time { return testNow },
		OpenStores: f.open,
	})
	return out.String(), errOut.String(), err
}

func TestRoot_ShowsHelpWithoutSubcommand(t *testing.T) {
	f := newFixture(t)
	out, _, err := f.run(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "ledgerctl")
}

func TestRoot_RejectsUnknownFlag(t *testing.T) {
	f := newFixture(t)
	_, errOut, err := f.run(t, "scopes", "--nope")
	require.Error(t, err)
	assert.Contains(t, errOut, "unknown flag")
}

func TestScopes(t *testing.T) {
	f := newFixture(t)
	out, _, err := f.run(t, "scopes")
	require.NoError(t, err)
	assert.Equal(t, "No scopes projected\n", out)

	f.seed(t)
	out, _, err = f.run(t, "scopes")
	require.NoError(t, err)
	assert.Contains(t, out, "SCOPE")
	assert.Contains(t, out, "acct-1")
	assert.Contains(t, out, "Payments")
	assert.Contains(t, out, "soc2")

	out, _, err = f.run(t, "--json", "scopes")
	require.NoError(t, err)
	var rows []scopeRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0].LastSeq)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	out, _, err := f.run(t, "--json", "events", "acct-1", "--after", "1", "--limit", "2")
	require.NoError(t, err)
	var events []event.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, facts.EventTypeControlRegistered, events[0].Type)
	assert.Equal(t, facts.EventTypeResourceObserved, events[1].Type)

	out, _, err = f.run(t, "events", "acct-1", "--after", "4")
	require.NoError(t, err)
	assert.Equal(t, "No events for scope acct-1 after seq 4\n", out)

	_, _, err = f.run(t, "events", "acct-1", "--limit", "0")
	assert.EqualError(t, err, "--limit must be > 0")
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	out, _, err := f.run(t, "verify", "acct-1")
	require.NoError(t, err)
	assert.Contains(t, out, "ok      acct-1: 4 events through seq 4")

	out, _, err = f.run(t, "verify", "acct-1", "acct-2")
	require.EqualError(t, err, "1 of 2 scopes failed verification")
	assert.Contains(t, out, "empty   acct-2: no events")
}

func TestPosture(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	out, _, err := f.run(t, "posture", "acct-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Scope acct-1 (Payments) at seq 4")
	assert.Contains(t, out, "noncompliant=1")
	assert.Contains(t, out, "alice")

	out, _, err = f.run(t, "--json", "posture", "acct-1", "--seq", "2")
	require.NoError(t, err)
	var summary posture.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, uint64(2), summary.Seq)
	require.Len(t, summary.Controls, 1)
	assert.Equal(t, posture.StatusUnknown, summary.Controls[0].Status)

	_, _, err = f.run(t, "posture", "acct-1", "--at", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--at must be RFC3339")
}

func TestAttestVerify(t *testing.T) {
	f := newFixture(t)
	summary := f.seed(t)

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	t.Setenv("EVIDENCE_SPACE_ATTEST_ISSUER", "evidence.space")
	t.Setenv("EVIDENCE_SPACE_ATTEST_AUDIENCE", "auditors")
	t.Setenv("EVIDENCE_SPACE_ATTEST_PUBLIC_KEY", base64.RawStdEncoding.EncodeToString(publicKey))

	issuer, err := attest.NewIssuer(attest.Config{
		Issuer:     "evidence.space",
		Audience:   "auditors",
		PrivateKey: privateKey,
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	token, _, err := issuer.Issue(summary)
	require.NoError(t, err)

	out, _, err := f.run(t, "attest", "verify", token, "--against-journal")
	require.NoError(t, err)
	assert.Contains(t, out, "valid attestation for scope acct-1 at seq 4")
	assert.Contains(t, out, "chain hash matches the local journal")

	summary.ChainHash = "forged"
	forged, _, err := issuer.Issue(summary)
	require.NoError(t, err)
	out, _, err = f.run(t, "--json", "attest", "verify", forged, "--against-journal")
	require.EqualError(t, err, "attested chain hash does not match the journal at seq 4")
	var row attestationRow
	require.NoError(t, json.Unmarshal([]byte(out), &row))
	require.NotNil(t, row.JournalMatch)
	assert.False(t, *row.JournalMatch)
}

func startHealthServer(t *testing.T, status grpc_health_v1.HealthCheckResponse_ServingStatus) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := gogrpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ledgerapp.HealthService, status)
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)
	return listener.Addr().String()
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	serving := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)
	out, _, err := f.run(t, "health", "--addr", serving)
	require.NoError(t, err)
	assert.Equal(t, serving+" is SERVING\n", out)

	out, _, err = f.run(t, "health", "--addr", serving, "--wait", "2s")
	require.NoError(t, err)
	assert.Equal(t, serving+" is SERVING\n", out)

	notServing := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	_, _, err = f.run(t, "health", "--addr", notServing)
	require.EqualError(t, err, notServing+" is NOT_SERVING")

	_, _, err = f.run(t, "health", "--addr", notServing, "--wait", "300ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait for gRPC health")
}
