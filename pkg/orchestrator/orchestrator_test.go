package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/uicp/compute-core/pkg/actionlog"
	"github.com/uicp/compute-core/pkg/cache"
	"github.com/uicp/compute-core/pkg/crypto"
	"github.com/uicp/compute-core/pkg/jobspec"
	"github.com/uicp/compute-core/pkg/policy"
	"github.com/uicp/compute-core/pkg/registry"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
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
	reg := registry.New(t.TempDir())

	return New(gate, c, reg, nil, log, nil)
}

func TestRunJobDeniesDisallowedCapability(t *testing.T) {
	o := newTestOrchestrator(t)
	job := &jobspec.JobSpec{
		JobID:        "job-1",
		Task:         "render",
		Input:        json.RawMessage(`{}`),
		EnvHash:      "env-a",
		Capabilities: []string{"net"},
	}

	final := o.RunJob(context.Background(), job, nil)
	if final.Ok {
		t.Fatal("expected job to fail policy enforcement")
	}
	if final.Error == nil || final.Error.Kind != jobspec.KindCapabilityDenied {
		t.Errorf("expected Compute.CapabilityDenied, got %+v", final.Error)
	}
}

func TestRunJobFailsClosedOnUnknownModule(t *testing.T) {
	o := newTestOrchestrator(t)
	job := &jobspec.JobSpec{
		JobID:   "job-2",
		Task:    "no-such-task",
		Input:   json.RawMessage(`{"x":1}`),
		EnvHash: "env-a",
	}

	final := o.RunJob(context.Background(), job, nil)
	if final.Ok {
		t.Fatal("expected job to fail: no module registered")
	}
	if final.Error == nil || final.Error.Kind != jobspec.KindModuleNotFound {
		t.Errorf("expected Compute.ModuleNotFound, got %+v", final.Error)
	}
}

func TestCancelJobOnUnknownIDIsNoop(t *testing.T) {
	o := newTestOrchestrator(t)
	if o.CancelJob("never-ran") {
		t.Fatal("expected cancel of unknown job to report false")
	}
}
