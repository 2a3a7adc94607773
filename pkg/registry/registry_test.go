package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeModule(t *testing.T, dir, name string, content []byte) (path, digest string) {
	t.Helper()
	path = filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	sum := sha256.Sum256(content)
	return path, hex.EncodeToString(sum[:])
}

func TestRegisterAndResolveLatest(t *testing.T) {
	dir := t.TempDir()
	path, digest := writeModule(t, dir, "render-1.0.0.wasm", []byte("wasm-v1"))

	r := New(dir)
	if err := r.Register("render", "1.0.0", digest, path, ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	entry, err := r.Resolve("render", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.Version.String() != "1.0.0" {
		t.Errorf("version = %s, want 1.0.0", entry.Version)
	}
}

func TestRegisterRejectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeModule(t, dir, "render-1.0.0.wasm", []byte("wasm-v1"))

	r := New(dir)
	err := r.Register("render", "1.0.0", "0000000000000000000000000000000000000000000000000000000000000000", path, "")
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
}

func TestRegisterRejectsRollback(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	path1, digest1 := writeModule(t, dir, "render-2.0.0.wasm", []byte("v2"))
	if err := r.Register("render", "2.0.0", digest1, path1, ""); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	path2, digest2 := writeModule(t, dir, "render-1.0.0.wasm", []byte("v1"))
	err := r.Register("render", "1.0.0", digest2, path2, "")
	if err == nil {
		t.Fatal("expected rollback to be denied")
	}
}

func TestResolveUnknownTask(t *testing.T) {
	r := New(t.TempDir())
	if _, err := r.Resolve("missing-task", ""); err == nil {
		t.Fatal("expected module-not-found error")
	}
}

func TestScanModulesDirRegistersArtifacts(t *testing.T) {
	dir := t.TempDir()
	taskDir := filepath.Join(dir, "render")
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "1.0.0.wasm"), []byte("wasm"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := New(dir)
	if err := r.ScanModulesDir(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := r.Resolve("render", ""); err != nil {
		t.Fatalf("expected scanned module to resolve: %v", err)
	}
}

func TestScanModulesDirAttachesSchema(t *testing.T) {
	dir := t.TempDir()
	taskDir := filepath.Join(dir, "render")
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "1.0.0.wasm"), []byte("wasm"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	schema := `{"type":"object","required":["width"],"properties":{"width":{"type":"integer","minimum":1}}}`
	if err := os.WriteFile(filepath.Join(taskDir, "1.0.0.schema.json"), []byte(schema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	r := New(dir)
	if err := r.ScanModulesDir(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	entry, err := r.Resolve("render", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.SchemaPath == "" {
		t.Fatal("expected schema path to be attached")
	}

	if err := entry.ValidateInput([]byte(`{"width":10}`)); err != nil {
		t.Errorf("expected valid input to pass: %v", err)
	}
	if err := entry.ValidateInput([]byte(`{"width":0}`)); err == nil {
		t.Error("expected width=0 to fail the minimum constraint")
	}
	if err := entry.ValidateInput([]byte(`{}`)); err == nil {
		t.Error("expected missing required field to fail validation")
	}
}

func TestEntryValidateInputNoSchemaAcceptsAnything(t *testing.T) {
	dir := t.TempDir()
	path, digest := writeModule(t, dir, "render-1.0.0.wasm", []byte("wasm"))
	r := New(dir)
	if err := r.Register("render", "1.0.0", digest, path, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	entry, err := r.Resolve("render", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := entry.ValidateInput([]byte(`{"anything":"goes"}`)); err != nil {
		t.Errorf("expected no schema to accept any input, got: %v", err)
	}
}
