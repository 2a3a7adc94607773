// Package orchestrator runs one job end to end: policy enforcement,
// cache lookup, module resolution, sandboxed execution, cache write-back,
// and an action log append — the pipeline every compute-harness
// invocation drives, generalized from the teacher's job-dispatch flow
// plus a per-cache-key singleflight guard so two identical concurrent jobs
// share one execution instead of racing the sandbox twice.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/uicp/compute-core/pkg/actionlog"
	"github.com/uicp/compute-core/pkg/cache"
	"github.com/uicp/compute-core/pkg/canonicalize"
	"github.com/uicp/compute-core/pkg/hostcap"
	"github.com/uicp/compute-core/pkg/jobspec"
	"github.com/uicp/compute-core/pkg/policy"
	"github.com/uicp/compute-core/pkg/registry"
	"github.com/uicp/compute-core/pkg/sandbox"
	"github.com/uicp/compute-core/pkg/telemetry"
)

// Orchestrator wires the policy gate, result cache, module registry,
// sandbox engine, and action log into the single runJob/cancelJob
// surface the harness calls.
type Orchestrator struct {
	gate      *policy.Gate
	cache     *cache.Cache
	registry  *registry.Registry
	engine    sandbox.Sandbox
	log       *actionlog.Log
	telemetry *telemetry.Recorder

	group singleflight.Group

	mu      sync.Mutex
	running map[string]runningJob
}

type runningJob struct {
	cancel context.CancelFunc
	cap    *hostcap.CancelCap
}

// New assembles an Orchestrator from its already-constructed components.
func New(gate *policy.Gate, c *cache.Cache, reg *registry.Registry, engine sandbox.Sandbox, log *actionlog.Log, rec *telemetry.Recorder) *Orchestrator {
	return &Orchestrator{
		gate: gate, cache: c, registry: reg, engine: engine, log: log, telemetry: rec,
		running: make(map[string]runningJob),
	}
}

// RunJob executes job, returning the FinalEvent that would be emitted to
// the harness's stdout. partial is invoked for every partial-sink write
// the sandbox performs (nil is fine if the caller wants those dropped).
func (o *Orchestrator) RunJob(ctx context.Context, job *jobspec.JobSpec, partial func(*jobspec.PartialEvent)) *jobspec.FinalEvent {
	start := time.Now()

	// Provenance.EnvHash, when set, replaces the top-level EnvHash for the
	// cache key, the RNG seed and the action log entry.
	if job.Provenance != nil && job.Provenance.EnvHash != "" {
		overridden := *job
		overridden.EnvHash = job.Provenance.EnvHash
		job = &overridden
	}

	decision, err := o.gate.Enforce(job)
	if err != nil {
		return o.finalize(ctx, job, "", start, false, nil, jobspec.AsComputeError(err), false, 0, 0, "")
	}

	var input interface{}
	if len(job.Input) > 0 {
		if err := json.Unmarshal(job.Input, &input); err != nil {
			ce := jobspec.New(jobspec.KindInvalidInput, jobspec.DetailSchemaViolation, "invalid input JSON: %v", err)
			return o.finalize(ctx, job, "", start, false, nil, ce, false, 0, 0, "")
		}
	}

	key, err := canonicalize.ComputeKey(job.Task, input, job.EnvHash)
	if err != nil {
		ce := jobspec.New(jobspec.KindInvalidInput, jobspec.DetailSchemaViolation, "cache key derivation failed: %v", err)
		return o.finalize(ctx, job, "", start, false, nil, ce, false, 0, 0, "")
	}

	cacheMode := cache.Mode(job.CacheMode)
	if cacheMode == "" {
		cacheMode = cache.ModeReadWrite
	}

	// Replayable bypasses CacheMode entirely: any terminal record for this
	// key serves the job without re-execution, readonly/disabled/none included.
	readable := job.Replayable || cacheMode == cache.ModeReadOnly || cacheMode == cache.ModeReadWrite
	if readable {
		if entry, hit, err := o.cache.Lookup(ctx, key); err == nil && hit {
			if o.telemetry != nil {
				o.telemetry.RecordCacheHit(ctx, job.Task)
			}
			return o.finalize(ctx, job, key, start, true, entry.Value, nil, true, 0, 0, "")
		}
	}

	// Single-flight: concurrent identical jobs share one execution.
	v, err, _ := o.group.Do(key, func() (interface{}, error) {
		return o.execute(ctx, job, decision, input, partial)
	})
	if err != nil {
		return o.finalize(ctx, job, key, start, false, nil, jobspec.AsComputeError(err), false, 0, 0, "")
	}
	result := v.(*sandbox.Result)

	if cacheMode == cache.ModeReadWrite {
		_ = o.cache.Store(ctx, cacheMode, key, job.Task, job.EnvHash, result.Output)
	}

	return o.finalize(ctx, job, key, start, true, result.Output, nil, false, result.FuelUsed, result.PeakMemoryBytes, result.RngSeedHex)
}

func (o *Orchestrator) execute(ctx context.Context, job *jobspec.JobSpec, decision *policy.Decision, input interface{}, partial func(*jobspec.PartialEvent)) (*sandbox.Result, error) {
	entry, err := o.registry.Resolve(job.Task, job.Version)
	if err != nil {
		return nil, err
	}
	if err := entry.ValidateInput(job.Input); err != nil {
		return nil, err
	}
	wasmBytes, err := entry.LoadArtifact()
	if err != nil {
		return nil, err
	}

	fuel := hostcap.NewFuelMeter(decision.FuelLimit)
	var seq uint64
	caps, err := hostcap.Build(job.Capabilities, job.EnvHash, job.JobID, job.Workspace, decision.Binds, fuel, func(_ uint64, data []byte) {
		if partial == nil {
			return
		}
		seq++
		partial(&jobspec.PartialEvent{JobID: job.JobID, Sequence: seq, Data: append(json.RawMessage(nil), data...)})
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[job.JobID] = runningJob{cancel: cancel, cap: caps.Cancel}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, job.JobID)
		o.mu.Unlock()
		cancel()
	}()

	limits := sandbox.Limits{
		Timeout:    time.Duration(decision.TimeoutMs) * time.Millisecond,
		MemLimitMb: decision.MemLimitMb,
		FuelLimit:  decision.FuelLimit,
	}

	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal input: %w", err)
	}

	return o.engine.Run(ctx, entry.Digest, wasmBytes, inputBytes, limits, caps, fuel)
}

// CancelJob cancels a running job by id, if still in flight. Returns
// false if the job is not (or is no longer) running.
func (o *Orchestrator) CancelJob(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rj, ok := o.running[jobID]
	if ok {
		// Signal cooperative cancellation first so a module polling
		// cancel_poll can wind down and flush partial output, then force
		// the sandbox closed via context cancellation regardless.
		if rj.cap != nil {
			rj.cap.Cancel()
		}
		rj.cancel()
	}
	return ok
}

func (o *Orchestrator) finalize(ctx context.Context, job *jobspec.JobSpec, key string, start time.Time, ok bool, output json.RawMessage, cerr *jobspec.ComputeError, cacheHit bool, fuelUsed uint64, peakMemoryBytes int64, rngSeedHex string) *jobspec.FinalEvent {
	durationMs := time.Since(start).Milliseconds()

	outcome := "ok"
	detail := ""
	if cerr != nil {
		outcome = string(cerr.Kind)
		detail = cerr.Message
	}

	if o.log != nil {
		_, _ = o.log.Append(ctx, job.JobID, job.Task, job.EnvHash, key, outcome, detail)
	}
	if o.telemetry != nil {
		o.telemetry.RecordJob(ctx, job.Task, outcome, durationMs, fuelUsed, peakMemoryBytes)
	}

	var outputHash string
	if ok && len(output) > 0 {
		if h, err := canonicalize.CanonicalHash(output); err == nil {
			outputHash = h
		}
	}

	return &jobspec.FinalEvent{
		JobID:           job.JobID,
		Ok:              ok,
		Output:          output,
		Error:           cerr,
		CacheHit:        cacheHit,
		DurationMs:      durationMs,
		FuelUsed:        fuelUsed,
		PeakMemoryByte:  peakMemoryBytes,
		OutputHash:      outputHash,
		RngSeedHex:      rngSeedHex,
	}
}
