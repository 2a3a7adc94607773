package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/uicp/compute-core/pkg/actionlog"
	"github.com/uicp/compute-core/pkg/cache"
	"github.com/uicp/compute-core/pkg/crypto"
	"github.com/uicp/compute-core/pkg/jobspec"
	"github.com/uicp/compute-core/pkg/policy"
	"github.com/uicp/compute-core/pkg/registry"
	"github.com/uicp/compute-core/pkg/sandbox"
)

// newFixtureOrchestrator wires an Orchestrator against the developer-mode
// InProcessSandbox and the csv.parse/table.query testdata fixtures, so the
// literal scenarios can run end to end (policy, cache, registry, action
// log) without a real compiled WASM artifact.
func newFixtureOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c, err := cache.Open(db, nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	signer, err := crypto.NewEd25519Signer("test")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	log, err := actionlog.Open(db, signer)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	gate, err := policy.New(policy.DefaultBounds(), "")
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	reg := registry.New(filepath.Join("..", "registry", "testdata"))
	if err := reg.ScanModulesDir(); err != nil {
		t.Fatalf("scan modules dir: %v", err)
	}

	return New(gate, c, reg, sandbox.NewInProcessSandbox(), log, nil)
}

func TestCSVParseDeterminismAndCacheHit(t *testing.T) {
	o := newFixtureOrchestrator(t)
	job := &jobspec.JobSpec{
		JobID:   "job-csv-1",
		Task:    "csv.parse",
		Version: "1.2.0",
		Input:   json.RawMessage(`{"source":"data:text/csv,a,b\n1,2\n3,4","hasHeader":true}`),
		EnvHash: "e1",
	}

	first := o.RunJob(context.Background(), job, nil)
	if !first.Ok {
		t.Fatalf("first run failed: %+v", first.Error)
	}
	if first.CacheHit {
		t.Fatal("expected first run to be a cache miss")
	}

	job.JobID = "job-csv-2"
	second := o.RunJob(context.Background(), job, nil)
	if !second.Ok {
		t.Fatalf("second run failed: %+v", second.Error)
	}
	if !second.CacheHit {
		t.Fatal("expected second run to be served from cache")
	}
	if first.OutputHash == "" || first.OutputHash != second.OutputHash {
		t.Fatalf("outputHash mismatch across runs: %q vs %q", first.OutputHash, second.OutputHash)
	}
}

func TestTableQueryProjectsSelectedColumns(t *testing.T) {
	o := newFixtureOrchestrator(t)
	job := &jobspec.JobSpec{
		JobID:   "job-table-1",
		Task:    "table.query",
		Version: "0.1.0",
		Input:   json.RawMessage(`{"rows":[["bob","25"],["alice","30"],["carl","22"]],"select":[1,0]}`),
		EnvHash: "e1",
	}

	final := o.RunJob(context.Background(), job, nil)
	if !final.Ok {
		t.Fatalf("run failed: %+v", final.Error)
	}

	var got [][]string
	if err := json.Unmarshal(final.Output, &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	want := [][]string{{"25", "bob"}, {"30", "alice"}, {"22", "carl"}}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i][0] != want[i][0] || got[i][1] != want[i][1] {
			t.Errorf("row %d = %v, want %v", i, got[i], want[i])
		}
	}
}
