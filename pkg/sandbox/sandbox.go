// Package sandbox runs a single WASM module under wazero with the
// resource ceilings the policy gate decided for a job: a host-call fuel
// budget, a context-deadline standing in for wasmtime's epoch interrupt,
// and a wazero page-limited memory ceiling. Grounded directly in the
// teacher's WASISandbox (deny-by-default WASI instantiation, context
// timeout, compiled-module lifecycle) and its budget package (the
// Compute.*Exhausted error taxonomy).
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/uicp/compute-core/pkg/hostcap"
	"github.com/uicp/compute-core/pkg/jobspec"
)

const wasmPageSize = 64 * 1024

// Limits are the concrete resource ceilings for one job execution,
// produced by pkg/policy.Enforce.
type Limits struct {
	Timeout    time.Duration
	MemLimitMb int64
	FuelLimit  uint64
}

// Sandbox is the executor surface the orchestrator drives: compile/link a
// module (or, for a developer-mode implementation, skip that entirely) and
// run one entrypoint invocation to completion. *Engine is the production
// wazero-backed implementation; InProcessSandbox is a native, non-isolated
// stand-in used to exercise orchestrator-level scenarios without a real
// compiled artifact.
type Sandbox interface {
	Run(ctx context.Context, digest string, wasmBytes []byte, input []byte, limits Limits, caps *hostcap.Set, fuel *hostcap.FuelMeter) (*Result, error)
	Close(ctx context.Context) error
}

// Engine owns one wazero runtime and a cache of compiled modules keyed by
// content digest, so repeated invocations of the same task@version skip
// recompilation.
type Engine struct {
	mu       sync.Mutex
	execMu   sync.Mutex
	runtime  wazero.Runtime
	compiled map[string]wazero.CompiledModule
}

// NewEngine creates a wazero runtime. memLimitMb bounds every module's
// linear memory for the lifetime of the engine, since wazero's memory
// ceiling is fixed at runtime-construction; a job's own Limits.MemLimitMb
// is not applied, so a job may grow up to this engine-wide ceiling.
func NewEngine(ctx context.Context, memLimitMb int64) (*Engine, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if memLimitMb > 0 {
		pages := uint32(memLimitMb * 1024 * 1024 / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}

	return &Engine{runtime: rt, compiled: make(map[string]wazero.CompiledModule)}, nil
}

// Close releases every compiled module and the underlying runtime.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// compile returns a cached CompiledModule for digest, compiling wasmBytes
// on first use.
func (e *Engine) compile(ctx context.Context, digest string, wasmBytes []byte) (wazero.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cm, ok := e.compiled[digest]; ok {
		return cm, nil
	}
	cm, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, jobspec.New(jobspec.KindTrapped, jobspec.DetailTrap, "sandbox: compile failed: %v", err)
	}
	e.compiled[digest] = cm
	return cm, nil
}

// Result is the outcome of one entrypoint invocation.
type Result struct {
	Output          []byte
	DurationMs      int64
	FuelUsed        uint64
	PeakMemoryBytes int64
	RngSeedHex      string
}

// StoreLimiter tracks a job's linear-memory high-water mark. WASM linear
// memory only grows within an instance's lifetime (there is no shrink
// instruction), so the size observed once the guest call returns is
// exactly the peak reached during execution — no polling during the
// blocking call is needed.
type StoreLimiter struct {
	peakBytes int64
}

// Sample records mod's current memory size if it exceeds the high-water
// mark seen so far. Safe to call with a nil module (e.g. instantiation
// failed before any memory existed).
func (l *StoreLimiter) Sample(mod api.Module) {
	if mod == nil {
		return
	}
	mem := mod.Memory()
	if mem == nil {
		return
	}
	if sz := int64(mem.Size()); sz > l.peakBytes {
		l.peakBytes = sz
	}
}

// PeakBytes returns the largest memory size observed across every Sample
// call.
func (l *StoreLimiter) PeakBytes() int64 {
	return l.peakBytes
}

// Run instantiates wasmBytes, wires only the granted host capabilities,
// feeds input on stdin, and collects stdout as the entrypoint's output.
// The module's own declared digest (not recomputed here) is used as the
// compile cache key — callers must have already digest-verified
// wasmBytes via pkg/registry before calling Run.
func (e *Engine) Run(ctx context.Context, digest string, wasmBytes []byte, input []byte, limits Limits, caps *hostcap.Set, fuel *hostcap.FuelMeter) (*Result, error) {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	if digest == "" {
		sum := sha256.Sum256(wasmBytes)
		digest = hex.EncodeToString(sum[:])
	}
	compiled, err := e.compile(runCtx, digest, wasmBytes)
	if err != nil {
		return nil, err
	}

	if caps == nil {
		caps = &hostcap.Set{}
	}

	// wazero's namespace resolves a guest's imports by the host module's
	// instance name, which must be globally unique while instantiated; a
	// fresh Set is built per job (see orchestrator.execute), so only one
	// guest may run per Engine at a time.
	e.execMu.Lock()
	defer e.execMu.Unlock()

	var hostLog bytes.Buffer
	hostMod, err := buildHostModule(runCtx, e.runtime, hostModuleName, caps, func(line string) { hostLog.WriteString(line) })
	if err != nil {
		return nil, err
	}
	defer func() { _ = hostMod.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(digest).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := e.runtime.InstantiateModule(runCtx, compiled, modCfg)
	var limiter StoreLimiter
	limiter.Sample(mod)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	// A module with no _start export has no entrypoint to run.
	if err == nil && runCtx.Err() == nil {
		if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
			err = fmt.Errorf("module exports no _start entrypoint")
		}
	}
	if err != nil || runCtx.Err() != nil {
		elapsed := time.Since(start)
		switch runCtx.Err() {
		case context.DeadlineExceeded:
			return nil, jobspec.New(jobspec.KindTimeout, jobspec.DetailTimeExhausted,
				"sandbox: execution exceeded %v", limits.Timeout)
		case context.Canceled:
			return nil, jobspec.New(jobspec.KindCancelled, jobspec.DetailCancelled,
				"sandbox: job cancelled after %v", elapsed)
		}
		return nil, jobspec.New(jobspec.KindTrapped, jobspec.DetailTrap,
			"sandbox: instantiation failed after %v: %v", elapsed, err)
	}

	var fuelUsed uint64
	if fuel != nil {
		fuelUsed = fuel.Used(limits.FuelLimit)
	}
	var rngSeedHex string
	if caps.Random != nil {
		rngSeedHex = caps.Random.SeedHex()
	}

	if stderr.Len() > 0 {
		return &Result{
				Output:          stdout.Bytes(),
				DurationMs:      time.Since(start).Milliseconds(),
				FuelUsed:        fuelUsed,
				PeakMemoryBytes: limiter.PeakBytes(),
				RngSeedHex:      rngSeedHex,
			},
			jobspec.New(jobspec.KindTrapped, jobspec.DetailTrap, "sandbox: stderr output: %s", stderr.String())
	}

	return &Result{
		Output:          stdout.Bytes(),
		DurationMs:      time.Since(start).Milliseconds(),
		FuelUsed:        fuelUsed,
		PeakMemoryBytes: limiter.PeakBytes(),
		RngSeedHex:      rngSeedHex,
	}, nil
}
