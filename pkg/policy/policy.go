// Package policy enforces the bounds every job must satisfy before it
// reaches the sandbox: resource ceilings, workspace-scoped filesystem
// access, and capability gating. Structurally this is the teacher's
// SandboxPolicy/PolicyEnforcer generalized from a single flat allow/deny
// list to per-job bound checks and an optional CEL-based elevation rule.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/uicp/compute-core/pkg/jobspec"
)

// Bounds are the defaults and hard ceilings a job's requested resources
// are checked against. Requests above Max are denied outright; any
// request up to Max is accepted as is, without an elevation capability,
// and no value is clamped. There is no lower bound.
type Bounds struct {
	DefaultTimeoutMs int64
	MaxTimeoutMs     int64
	DefaultMemMb     int64
	MaxMemMb         int64
	DefaultFuel      uint64
	MaxFuel          uint64
}

// DefaultBounds mirrors the teacher's DefaultPolicy: conservative
// defaults, a bounded ceiling, everything else denied.
func DefaultBounds() Bounds {
	return Bounds{
		DefaultTimeoutMs: 5_000,
		MaxTimeoutMs:     60_000,
		DefaultMemMb:     64,
		MaxMemMb:         512,
		DefaultFuel:      10_000_000,
		MaxFuel:          500_000_000,
	}
}

// Violation records a denied request, same shape as the teacher's
// PolicyViolation, for the decision to be logged to the action log.
type Violation struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Gate enforces Bounds and filesystem/capability scoping against a job.
type Gate struct {
	mu         sync.Mutex
	bounds     Bounds
	violations []Violation
	clock      func() time.Time
	elevation  cel.Program // optional; nil means no CEL-based elevation
}

// New creates a Gate with the given bounds. elevationExpr, if non-empty,
// is a CEL expression evaluated with variables `task`, `capability` to
// decide whether a capability request above plain defaults is granted
// (loaded from permissions.json per pkg/config).
func New(bounds Bounds, elevationExpr string) (*Gate, error) {
	g := &Gate{bounds: bounds, clock: time.Now}
	if elevationExpr == "" {
		return g, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("task", cel.StringType),
		cel.Variable("capability", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	ast, issues := env.Compile(elevationExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: cel compile: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: cel program: %w", err)
	}
	g.elevation = prg
	return g, nil
}

// WithClock overrides the clock, for deterministic tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Decision carries the outcome of enforcing a job's resource and
// capability requests, with defaults filled in for anything unset.
type Decision struct {
	TimeoutMs  int64
	MemLimitMb int64
	FuelLimit  uint64
	Binds      []jobspec.BindEntry
}

// Enforce validates a JobSpec's resource requests and capability list
// against bounds, denying outright anything past the hard ceiling and
// filling in defaults for anything unset.
func (g *Gate) Enforce(job *jobspec.JobSpec) (*Decision, error) {
	d := &Decision{
		TimeoutMs:  job.TimeoutMs,
		MemLimitMb: job.MemLimitMb,
		FuelLimit:  job.FuelLimit,
	}
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = g.bounds.DefaultTimeoutMs
	}
	if d.MemLimitMb <= 0 {
		d.MemLimitMb = g.bounds.DefaultMemMb
	}
	if d.FuelLimit <= 0 {
		d.FuelLimit = g.bounds.DefaultFuel
	}

	if d.TimeoutMs > g.bounds.MaxTimeoutMs {
		return nil, g.deny(job.Task, "TIMEOUT_CEILING",
			fmt.Sprintf("requested timeoutMs=%d exceeds ceiling %d", d.TimeoutMs, g.bounds.MaxTimeoutMs))
	}
	if d.MemLimitMb > g.bounds.MaxMemMb {
		return nil, g.deny(job.Task, "MEMORY_CEILING",
			fmt.Sprintf("requested memLimitMb=%d exceeds ceiling %d", d.MemLimitMb, g.bounds.MaxMemMb))
	}
	if d.FuelLimit > g.bounds.MaxFuel {
		return nil, g.deny(job.Task, "FUEL_CEILING",
			fmt.Sprintf("requested fuelLimit=%d exceeds ceiling %d", d.FuelLimit, g.bounds.MaxFuel))
	}

	for _, capability := range job.Capabilities {
		if capability == "net" {
			return nil, g.deny(job.Task, "NETWORK_DENY_ALL", "network capability is never granted")
		}
		if !g.capabilityAllowed(job.Task, capability) {
			return nil, g.deny(job.Task, "CAPABILITY_DENIED", fmt.Sprintf("capability %q not granted", capability))
		}
	}

	for _, b := range job.Bind {
		if err := g.CheckWorkspacePath(job.Workspace, b.Path); err != nil {
			return nil, err
		}
	}

	d.Binds = job.Bind
	return d, nil
}

func (g *Gate) capabilityAllowed(task, capability string) bool {
	switch capability {
	case "clock", "random", "logging", "partial-sink", "cancel-pollable", "filesystem":
		return true
	default:
		if g.elevation == nil {
			return false
		}
		out, _, err := g.elevation.Eval(map[string]interface{}{"task": task, "capability": capability})
		return err == nil && out.Value() == true
	}
}

// CheckWorkspacePath verifies a filesystem access request stays within the
// job's workspace root, denylisting path traversal and absolute escapes —
// the same prefix-match approach as the teacher's CheckFS, but compared via
// filepath.Rel rather than a raw string prefix so a sibling directory whose
// name merely starts with the root's name (e.g. root "job-1" vs sibling
// "job-12") isn't mistaken for a path inside it.
func (g *Gate) CheckWorkspacePath(workspace, requested string) error {
	if filepath.IsAbs(requested) {
		return g.deny("", "WORKSPACE_ESCAPE", fmt.Sprintf("path %q is absolute", requested))
	}
	root := filepath.Clean(workspace)
	cleanPath := filepath.Clean(filepath.Join(root, requested))
	rel, err := filepath.Rel(root, cleanPath)
	if err != nil || (rel != "." && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)))) {
		return g.deny("", "WORKSPACE_ESCAPE", fmt.Sprintf("path %q escapes workspace %q", requested, workspace))
	}
	return nil
}

func (g *Gate) deny(task, kind, detail string) error {
	g.mu.Lock()
	g.violations = append(g.violations, Violation{Kind: kind, Detail: detail, Timestamp: g.clock()})
	g.mu.Unlock()
	return jobspec.New(jobspec.KindCapabilityDenied, jobspec.DetailCapabilityNotAsked, "%s: %s", kind, detail)
}

// Violations returns every denial recorded so far, for the action log.
func (g *Gate) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}
