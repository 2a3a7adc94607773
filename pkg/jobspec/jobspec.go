// Package jobspec defines the wire types exchanged between the desktop
// shell and the compute core: the JobSpec submitted for execution, the
// partial and final events streamed back, and the typed error taxonomy
// every other package reports through.
package jobspec

import "encoding/json"

// JobSpec describes a single unit of sandboxed work.
type JobSpec struct {
	JobID        string          `json:"jobId"`
	Task         string          `json:"task"`
	Version      string          `json:"version,omitempty"`
	Input        json.RawMessage `json:"input"`
	EnvHash      string          `json:"envHash"`
	Capabilities []string        `json:"capabilities,omitempty"`
	TimeoutMs    int64           `json:"timeoutMs,omitempty"`
	MemLimitMb   int64           `json:"memLimitMb,omitempty"`
	FuelLimit    uint64          `json:"fuelLimit,omitempty"`
	CacheMode    string          `json:"cacheMode,omitempty"`
	Workspace    string          `json:"workspace,omitempty"`

	// Bind is the ordered list of workspace-relative paths preopened into
	// the sandbox's filesystem capability, each read-only or read-write.
	Bind []BindEntry `json:"bind,omitempty"`

	// Replayable, if true, allows a terminal record for the identical
	// (task, input, envHash) key to be served from the cache without
	// re-execution regardless of CacheMode.
	Replayable bool `json:"replayable,omitempty"`

	// WorkspaceId namespaces this job's files and action-log rows by
	// tenant, distinct from Workspace (the host path to that tenant's root).
	WorkspaceId string `json:"workspaceId,omitempty"`

	Provenance *Provenance `json:"provenance,omitempty"`
}

// BindEntry is one workspace-relative filesystem preopen.
type BindEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"` // BindModeReadOnly or BindModeReadWrite
}

// Bind modes accepted on BindEntry.Mode.
const (
	BindModeReadOnly  = "ro"
	BindModeReadWrite = "rw"
)

// Provenance carries correlation metadata that rides along with a job.
// Only EnvHash affects the job's cache key and execution; AgentTraceId
// does not.
type Provenance struct {
	// EnvHash, when set, overrides the top-level EnvHash as the value
	// mixed into the cache key and RNG seed; left empty, JobSpec.EnvHash
	// is used directly.
	EnvHash string `json:"envHash,omitempty"`

	// AgentTraceId is an optional correlation token linking this job back
	// to the agent run that requested it; surfaced in logs only.
	AgentTraceId string `json:"agentTraceId,omitempty"`
}

// CacheMode values accepted on JobSpec.CacheMode.
const (
	CacheModeReadWrite = "readwrite"
	CacheModeReadOnly  = "readonly"
	CacheModeNone      = "none"
	CacheModeDisabled  = "disabled"
)

// PartialEvent is emitted zero or more times while a job runs, carrying
// incremental output through the partial-sink host capability.
type PartialEvent struct {
	JobID    string          `json:"jobId"`
	Sequence uint64          `json:"sequence"`
	Data     json.RawMessage `json:"data"`
}

// FinalEvent is emitted exactly once per job, success or failure.
type FinalEvent struct {
	JobID          string          `json:"jobId"`
	Ok             bool            `json:"ok"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          *ComputeError   `json:"error,omitempty"`
	CacheHit       bool            `json:"cacheHit"`
	DurationMs     int64           `json:"durationMs"`
	FuelUsed       uint64          `json:"fuelUsed"`
	PeakMemoryByte int64           `json:"peakMemoryBytes"`

	// OutputHash is sha256(canonicalized output), populated on every
	// successful terminal event (cache hit or fresh execution) so repeat
	// runs of the same job can be compared byte-for-byte without diffing
	// the output itself.
	OutputHash string `json:"outputHash,omitempty"`

	// RngSeedHex is the hex-encoded seed the random capability was keyed
	// with (sha256(envHash ‖ jobId)), present only when the job requested
	// the random capability.
	RngSeedHex string `json:"rngSeedHex,omitempty"`
}

// ModuleEntry describes one resolved, digest-verified module in the registry.
type ModuleEntry struct {
	Task      string `json:"task"`
	Version   string `json:"version"`
	Digest    string `json:"digest"`
	Path      string `json:"path"`
	Signature string `json:"signature,omitempty"`
}

// ActionLogEntry is one hash-chained, signed row in the action log.
type ActionLogEntry struct {
	ID        int64  `json:"id"`
	JobID     string `json:"jobId"`
	Task      string `json:"task"`
	EnvHash   string `json:"envHash"`
	CacheKey  string `json:"cacheKey"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}
