package policy

import (
	"encoding/json"
	"testing"

	"github.com/uicp/compute-core/pkg/jobspec"
)

func TestEnforceAppliesDefaults(t *testing.T) {
	g, err := New(DefaultBounds(), "")
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	job := &jobspec.JobSpec{Task: "render", Input: json.RawMessage(`{}`)}
	d, err := g.Enforce(job)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if d.TimeoutMs != DefaultBounds().DefaultTimeoutMs {
		t.Errorf("timeoutMs = %d, want default", d.TimeoutMs)
	}
}

func TestEnforceDeniesCeilingBreach(t *testing.T) {
	g, err := New(DefaultBounds(), "")
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	job := &jobspec.JobSpec{Task: "render", TimeoutMs: 10_000_000}
	if _, err := g.Enforce(job); err == nil {
		t.Fatal("expected timeout ceiling denial")
	}
}

func TestEnforceDeniesNetworkCapability(t *testing.T) {
	g, err := New(DefaultBounds(), "")
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	job := &jobspec.JobSpec{Task: "render", Capabilities: []string{"net"}}
	_, err = g.Enforce(job)
	if err == nil {
		t.Fatal("expected network capability denial")
	}
	ce, ok := err.(*jobspec.ComputeError)
	if !ok || ce.Kind != jobspec.KindCapabilityDenied {
		t.Errorf("expected Compute.CapabilityDenied, got %v", err)
	}
}

func TestEnforceAllowsOrdinaryCapabilities(t *testing.T) {
	g, err := New(DefaultBounds(), "")
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	job := &jobspec.JobSpec{Task: "render", Capabilities: []string{"clock", "random", "logging"}}
	if _, err := g.Enforce(job); err != nil {
		t.Fatalf("unexpected denial: %v", err)
	}
}

func TestEnforceElevationGrantsViaCEL(t *testing.T) {
	g, err := New(DefaultBounds(), `capability == "filesystem-write" && task == "batch-export"`)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	job := &jobspec.JobSpec{Task: "batch-export", Capabilities: []string{"filesystem-write"}}
	if _, err := g.Enforce(job); err != nil {
		t.Fatalf("expected elevation to grant capability: %v", err)
	}

	other := &jobspec.JobSpec{Task: "render", Capabilities: []string{"filesystem-write"}}
	if _, err := g.Enforce(other); err == nil {
		t.Fatal("expected elevation to deny for a different task")
	}
}

func TestCheckWorkspacePathDeniesEscape(t *testing.T) {
	g, _ := New(DefaultBounds(), "")
	if err := g.CheckWorkspacePath("/var/uicp/workspace/job-1", "../../etc/passwd"); err == nil {
		t.Fatal("expected workspace escape denial")
	}
	if err := g.CheckWorkspacePath("/var/uicp/workspace/job-1", "output/result.json"); err != nil {
		t.Fatalf("unexpected denial for in-workspace path: %v", err)
	}
}

func TestCheckWorkspacePathDeniesSiblingWithSharedPrefix(t *testing.T) {
	g, _ := New(DefaultBounds(), "")
	if err := g.CheckWorkspacePath("/var/uicp/workspace/job-1", "../job-12/secret.txt"); err == nil {
		t.Fatal("expected denial for a sibling workspace whose name shares a string prefix")
	}
}

func TestEnforceDeniesEscapingBind(t *testing.T) {
	g, err := New(DefaultBounds(), "")
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	job := &jobspec.JobSpec{
		Task:      "render",
		Workspace: "/var/uicp/workspace/job-1",
		Bind:      []jobspec.BindEntry{{Path: "../../etc", Mode: jobspec.BindModeReadOnly}},
	}
	if _, err := g.Enforce(job); err == nil {
		t.Fatal("expected a bind path escaping the workspace to be denied")
	}
}

func TestEnforceAcceptsAndCarriesBinds(t *testing.T) {
	g, err := New(DefaultBounds(), "")
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	binds := []jobspec.BindEntry{
		{Path: "input", Mode: jobspec.BindModeReadOnly},
		{Path: "output", Mode: jobspec.BindModeReadWrite},
	}
	job := &jobspec.JobSpec{Task: "render", Workspace: "/var/uicp/workspace/job-1", Bind: binds}
	d, err := g.Enforce(job)
	if err != nil {
		t.Fatalf("unexpected denial: %v", err)
	}
	if len(d.Binds) != len(binds) {
		t.Fatalf("decision binds = %d entries, want %d", len(d.Binds), len(binds))
	}
}
