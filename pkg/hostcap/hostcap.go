// Package hostcap implements the host-side functions linked into a sandbox
// as WASM host imports, one per capability a job may request. Every host
// function is linked for every job, but one whose capability is absent
// from the job's Set does nothing useful (see pkg/sandbox/hostabi.go) —
// the deny-by-default posture the teacher's WASISandbox documented for
// filesystem and network access, generalized to every host-call surface.
package hostcap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"unicode"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"

	"github.com/uicp/compute-core/pkg/jobspec"
)

// Names of the capabilities a JobSpec may request.
const (
	Clock          = "clock"
	Random         = "random"
	Logging        = "logging"
	PartialSink    = "partial-sink"
	CancelPollable = "cancel-pollable"
	Filesystem     = "filesystem"
)

// Set is the collection of host capabilities linked into one job's
// sandbox instance. Only capabilities present here are callable; the
// sandbox engine still links the host import of a capability that wasn't
// granted, and that import then refuses the call.
type Set struct {
	Clock       *ClockCap
	Random      *RandomCap
	Logging     *LoggingCap
	PartialSink *PartialSinkCap
	Cancel      *CancelCap
	FS          *FilesystemCap
}

// Build constructs a Set containing only the capabilities named in
// granted, deterministic-seeded from envHash‖jobID per the job's
// reproducibility requirement.
func Build(granted []string, envHash, jobID, workspace string, binds []jobspec.BindEntry, fuel *FuelMeter, onPartial func(seq uint64, data []byte)) (*Set, error) {
	has := func(name string) bool {
		for _, g := range granted {
			if g == name {
				return true
			}
		}
		return false
	}

	set := &Set{}
	if has(Clock) {
		set.Clock = NewClockCap()
	}
	if has(Random) {
		rnd, err := NewRandomCap(envHash, jobID)
		if err != nil {
			return nil, err
		}
		set.Random = rnd
	}
	if has(Logging) {
		set.Logging = NewLoggingCap(fuel)
	}
	if has(PartialSink) {
		set.PartialSink = NewPartialSinkCap(fuel, onPartial)
	}
	if has(CancelPollable) {
		set.Cancel = NewCancelCap()
	}
	if has(Filesystem) {
		set.FS = NewFilesystemCap(workspace, binds)
	}
	return set, nil
}

// FuelMeter is the host-call budget that logging and partial-sink calls
// decrement against, approximating wasmtime's fuel metering (wazero has no
// native equivalent — see the sandbox package's design notes). Clock,
// random, cancel-poll and filesystem calls are not charged.
type FuelMeter struct {
	remaining uint64
}

// NewFuelMeter creates a meter starting at limit.
func NewFuelMeter(limit uint64) *FuelMeter {
	return &FuelMeter{remaining: limit}
}

// Charge deducts cost host-call units, returning Compute.FuelExhausted
// once the budget is spent.
func (f *FuelMeter) Charge(cost uint64) error {
	for {
		cur := atomic.LoadUint64(&f.remaining)
		if cost > cur {
			return jobspec.New(jobspec.KindFuelExhausted, jobspec.DetailFuelExhausted,
				"host-call fuel exhausted: requested %d, remaining %d", cost, cur)
		}
		if atomic.CompareAndSwapUint64(&f.remaining, cur, cur-cost) {
			return nil
		}
	}
}

// Used returns the fuel consumed so far, for the FinalEvent.FuelUsed field.
func (f *FuelMeter) Used(limit uint64) uint64 {
	return limit - atomic.LoadUint64(&f.remaining)
}

// ClockCap exposes wall-clock time to the sandbox.
type ClockCap struct{}

func NewClockCap() *ClockCap { return &ClockCap{} }

// NowUnixNano returns the current time, the only time source a sandbox
// may observe (no high-resolution timers, matching the teacher's
// deny-by-default WASI config).
func (c *ClockCap) NowUnixNano() int64 {
	return time.Now().UnixNano()
}

// RandomCap is a deterministic ChaCha20-seeded RNG, keyed by
// sha256(envHash ‖ jobID) so identical (env, job) pairs replay identical
// random streams — required for cache-key equivalence across runs.
type RandomCap struct {
	mu      sync.Mutex
	cipher  *chacha20.Cipher
	seedHex string
}

func NewRandomCap(envHash, jobID string) (*RandomCap, error) {
	seed := sha256.Sum256([]byte(envHash + jobID))
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("hostcap: chacha20 init: %w", err)
	}
	return &RandomCap{cipher: c, seedHex: hex.EncodeToString(seed[:])}, nil
}

// SeedHex returns the hex-encoded seed this capability's stream was keyed
// with, reported on FinalEvent.RngSeedHex for replay verification.
func (r *RandomCap) SeedHex() string {
	return r.seedHex
}

// Fill writes deterministic pseudorandom bytes into buf.
func (r *RandomCap) Fill(buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range buf {
		buf[i] = 0
	}
	r.cipher.XORKeyStream(buf, buf)
}

// LoggingCap lets sandboxed code emit rate-limited, rune-safe-truncated
// log lines, mirroring the teacher's rate-aggregated logging approach.
type LoggingCap struct {
	limiter *rate.Limiter
	fuel    *FuelMeter
}

func NewLoggingCap(fuel *FuelMeter) *LoggingCap {
	return &LoggingCap{limiter: rate.NewLimiter(rate.Limit(20), 40), fuel: fuel}
}

const maxLogLineRunes = 4096

// Log writes a truncated, rate-limited log line to the caller-supplied
// sink. Returns false if the line was dropped for exceeding the rate
// limit.
func (l *LoggingCap) Log(line string, sink io.Writer) (bool, error) {
	if l.fuel != nil {
		if err := l.fuel.Charge(1); err != nil {
			return false, err
		}
	}
	if !l.limiter.Allow() {
		return false, nil
	}
	truncated := truncateRunes(line, maxLogLineRunes)
	_, err := io.WriteString(sink, truncated+"\n")
	return true, err
}

// sanitizeLine strips C0 control characters (other than the line's own
// trailing newline, which the caller adds) so a misbehaving module can't
// forge extra log lines or terminal escape sequences.
var sanitizeLine = runes.Remove(runes.Predicate(func(r rune) bool {
	return unicode.IsControl(r)
}))

func truncateRunes(s string, max int) string {
	clean, _, err := transform.String(sanitizeLine, s)
	if err != nil {
		clean = s
	}
	r := []rune(clean)
	if len(r) <= max {
		return clean
	}
	return string(r[:max])
}

// PartialSinkCap streams incremental output while a job runs. Each write
// costs fuel proportional to payload size, bounding how much a
// misbehaving module can emit.
type PartialSinkCap struct {
	mu       sync.Mutex
	seq      uint64
	fuel     *FuelMeter
	onEvent  func(seq uint64, data []byte)
}

func NewPartialSinkCap(fuel *FuelMeter, onEvent func(seq uint64, data []byte)) *PartialSinkCap {
	return &PartialSinkCap{fuel: fuel, onEvent: onEvent}
}

// Write emits one partial event, charging fuel for the payload size.
func (p *PartialSinkCap) Write(data []byte) error {
	if p.fuel != nil {
		if err := p.fuel.Charge(uint64(len(data))/64 + 1); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	if p.onEvent != nil {
		p.onEvent(seq, data)
	}
	return nil
}

// CancelCap lets sandboxed code poll whether the job has been cancelled,
// backed by an atomic flag the orchestrator sets on a `cancel` request.
type CancelCap struct {
	cancelled atomic.Bool
}

func NewCancelCap() *CancelCap { return &CancelCap{} }

// Poll returns true once Cancel has been called.
func (c *CancelCap) Poll() bool { return c.cancelled.Load() }

// Cancel marks the job cancelled; subsequent Poll calls return true.
func (c *CancelCap) Cancel() { c.cancelled.Store(true) }

// FilesystemCap grants access scoped to a single workspace directory,
// refusing any path that resolves outside of it. When binds is non-empty,
// access is further restricted to exactly those preopened paths, read-only
// or read-write as declared (§4.C rule 3 / §4.E filesystem preopens); an
// empty binds list falls back to blanket read/write access to the whole
// workspace, for callers that grant the filesystem capability without a
// bind list.
type FilesystemCap struct {
	root  string
	binds []jobspec.BindEntry
}

func NewFilesystemCap(workspace string, binds []jobspec.BindEntry) *FilesystemCap {
	return &FilesystemCap{root: filepath.Clean(workspace), binds: binds}
}

// Resolve maps a sandbox-relative path to a host path, rejecting escapes
// and, if a bind list is configured, paths outside every preopen.
func (f *FilesystemCap) Resolve(relative string) (string, error) {
	full := filepath.Clean(filepath.Join(f.root, relative))
	if full != f.root && !isWithin(f.root, full) {
		return "", jobspec.New(jobspec.KindCapabilityDenied, jobspec.DetailCapabilityNotAsked,
			"filesystem: path %q escapes workspace %q", relative, f.root)
	}
	if len(f.binds) > 0 {
		if _, ok := f.matchBind(relative); !ok {
			return "", jobspec.New(jobspec.KindCapabilityDenied, jobspec.DetailCapabilityNotAsked,
				"filesystem: path %q is not within any preopened bind", relative)
		}
	}
	return full, nil
}

// matchBind returns the bind entry that preopens relative, if any. A bind
// entry preopens its path and everything under it.
func (f *FilesystemCap) matchBind(relative string) (*jobspec.BindEntry, bool) {
	clean := filepath.Clean(relative)
	for i := range f.binds {
		bound := filepath.Clean(f.binds[i].Path)
		if clean == bound || isWithin(bound, clean) {
			return &f.binds[i], true
		}
	}
	return nil, false
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ReadFile reads a workspace-scoped file.
func (f *FilesystemCap) ReadFile(relative string) ([]byte, error) {
	path, err := f.Resolve(relative)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes a workspace-scoped file. When a bind list is
// configured, the matching entry must declare mode "rw"; a read-only
// preopen (or no matching preopen) is denied.
func (f *FilesystemCap) WriteFile(relative string, data []byte) error {
	if len(f.binds) > 0 {
		entry, ok := f.matchBind(relative)
		if !ok || entry.Mode != jobspec.BindModeReadWrite {
			return jobspec.New(jobspec.KindCapabilityDenied, jobspec.DetailCapabilityNotAsked,
				"filesystem: path %q is not writable", relative)
		}
	}
	path, err := f.Resolve(relative)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
