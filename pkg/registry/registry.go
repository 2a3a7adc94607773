// Package registry resolves task@version references to digest-verified
// WASM module artifacts. Generalized from the teacher's in-memory bundle
// registry (canary rollout by name) and its trust package's monotonic
// version enforcement (rollback denial, hash verification).
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/uicp/compute-core/pkg/jobspec"
)

// Entry is one resolved, digest-verified module.
type Entry struct {
	Task      string
	Version   *semver.Version
	Digest    string
	Path      string
	Signature string

	// SchemaPath, if set, points at a JSON Schema file the module's input
	// is validated against before the sandbox runs (see schema.go).
	SchemaPath string

	schemaMu sync.Mutex
	schema   *jsonschema.Schema
}

// Registry resolves tasks to module entries and enforces monotonic
// versioning: once a digest has been recorded for a task@version, a later
// Register call for the same task with a lower version is rejected.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]map[string]*Entry // task -> version string -> entry
	latest   map[string]*semver.Version   // task -> highest version installed
	moduleFS string                       // MODULES_DIR root for digest verification
}

// New creates an empty registry rooted at moduleFS (the MODULES_DIR where
// .wasm artifacts referenced by Entry.Path are expected to live).
func New(moduleFS string) *Registry {
	return &Registry{
		modules:  make(map[string]map[string]*Entry),
		latest:   make(map[string]*semver.Version),
		moduleFS: moduleFS,
	}
}

// Register records a module entry after verifying its digest and its
// version is not a rollback. The caller supplies the already-computed
// SHA-256 digest of the artifact (hex, no "sha256:" prefix) it expects
// the file at path to hash to; Register re-hashes the file and compares.
func (r *Registry) Register(task, version, digest, path, signature string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return jobspec.New(jobspec.KindInvalidInput, jobspec.DetailSchemaViolation,
			"registry: invalid version %q for task %q: %v", version, task, err)
	}

	actual, err := hashFile(path)
	if err != nil {
		return jobspec.New(jobspec.KindModuleNotFound, jobspec.DetailModuleNotFound,
			"registry: cannot read module artifact for %s@%s: %v", task, version, err)
	}
	if actual != digest {
		return jobspec.New(jobspec.KindDigestMismatch, jobspec.DetailDigestMismatch,
			"registry: digest mismatch for %s@%s: expected %s, got %s", task, version, digest, actual)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.latest[task]; ok && v.LessThan(current) {
		return jobspec.New(jobspec.KindInvalidInput, jobspec.DetailVersionRollback,
			"registry: rollback for task %q from %s to %s denied", task, current, v)
	}

	if _, ok := r.modules[task]; !ok {
		r.modules[task] = make(map[string]*Entry)
	}
	r.modules[task][v.String()] = &Entry{Task: task, Version: v, Digest: digest, Path: path, Signature: signature}

	if current, ok := r.latest[task]; !ok || v.GreaterThan(current) {
		r.latest[task] = v
	}
	return nil
}

// Resolve returns the entry for task at the given version constraint. An
// empty constraint resolves to the highest registered version (latest).
func (r *Registry) Resolve(task, constraint string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.modules[task]
	if !ok || len(versions) == 0 {
		return nil, jobspec.New(jobspec.KindModuleNotFound, jobspec.DetailModuleNotFound,
			"registry: no module registered for task %q", task)
	}

	if constraint == "" {
		latest := r.latest[task]
		return versions[latest.String()], nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, jobspec.New(jobspec.KindInvalidInput, jobspec.DetailSchemaViolation,
			"registry: invalid version constraint %q: %v", constraint, err)
	}

	var best *Entry
	for _, e := range versions {
		if c.Check(e.Version) {
			if best == nil || e.Version.GreaterThan(best.Version) {
				best = e
			}
		}
	}
	if best == nil {
		return nil, jobspec.New(jobspec.KindModuleNotFound, jobspec.DetailModuleNotFound,
			"registry: no version of task %q satisfies %q", task, constraint)
	}
	return best, nil
}

// List returns every registered entry, for diagnostics and the harness CLI.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, versions := range r.modules {
		for _, e := range versions {
			out = append(out, e)
		}
	}
	return out
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LoadArtifact reads the WASM bytes for an entry, re-verifying the digest
// at load time so a file swapped on disk after registration is caught.
func (e *Entry) LoadArtifact() ([]byte, error) {
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return nil, jobspec.New(jobspec.KindModuleNotFound, jobspec.DetailModuleNotFound,
			"registry: module artifact missing for %s@%s: %v", e.Task, e.Version, err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if digest != e.Digest {
		return nil, jobspec.New(jobspec.KindDigestMismatch, jobspec.DetailDigestMismatch,
			"registry: artifact for %s@%s changed on disk: expected %s, got %s", e.Task, e.Version, e.Digest, digest)
	}
	return data, nil
}

// ScanModulesDir walks moduleFS and registers every "<task>/<version>.wasm"
// artifact found, computing and trusting the digest from the file content
// (used at boot; remote-fetched artifacts are digest-verified against the
// manifest digest by the caller before being placed here).
func (r *Registry) ScanModulesDir() error {
	if r.moduleFS == "" {
		return nil
	}
	entries, err := os.ReadDir(r.moduleFS)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: scan %s: %w", r.moduleFS, err)
	}
	for _, taskDir := range entries {
		if !taskDir.IsDir() {
			continue
		}
		task := taskDir.Name()
		versionDir := filepath.Join(r.moduleFS, task)
		files, err := os.ReadDir(versionDir)
		if err != nil {
			continue
		}
		// Register in ascending semver order so a lower version listed
		// after a higher one is not refused as a rollback.
		sort.SliceStable(files, func(i, j int) bool {
			vi, errI := semver.NewVersion(strings.TrimSuffix(files[i].Name(), ".wasm"))
			vj, errJ := semver.NewVersion(strings.TrimSuffix(files[j].Name(), ".wasm"))
			if errI != nil || errJ != nil {
				return errI == nil && errJ != nil
			}
			return vi.LessThan(vj)
		})
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".wasm" {
				continue
			}
			version := f.Name()[:len(f.Name())-len(".wasm")]
			path := filepath.Join(versionDir, f.Name())
			digest, err := hashFile(path)
			if err != nil {
				continue
			}
			if err := r.Register(task, version, digest, path, ""); err != nil {
				continue
			}
			schemaPath := filepath.Join(versionDir, version+".schema.json")
			if _, err := os.Stat(schemaPath); err == nil {
				if entry, err := r.Resolve(task, version); err == nil {
					entry.SchemaPath = schemaPath
				}
			}
		}
	}
	return nil
}
