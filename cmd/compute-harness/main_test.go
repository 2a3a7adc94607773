package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/uicp/compute-core/pkg/jobspec"
)

func TestRunEmitsFinalEventForUnknownTask(t *testing.T) {
	dataDir := t.TempDir()
	job := jobspec.JobSpec{
		JobID:   "job-1",
		Task:    "no-such-task",
		Input:   json.RawMessage(`{}`),
		EnvHash: "env-a",
	}
	line, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}

	var stdout, stderr bytes.Buffer
	stdin := bytes.NewReader(append(line, '\n'))

	code := Run([]string{"compute-harness", "--data-dir", filepath.Clean(dataDir)}, stdin, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}

	var final jobspec.FinalEvent
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &final); err != nil {
		t.Fatalf("decode final event: %v (stdout=%s)", err, stdout.String())
	}
	if final.Ok {
		t.Fatal("expected job to fail: no module registered for task")
	}
	if final.Error == nil || final.Error.Kind != jobspec.KindModuleNotFound {
		t.Errorf("expected Compute.ModuleNotFound, got %+v", final.Error)
	}
}

func TestRunBackfillsMissingJobID(t *testing.T) {
	dataDir := t.TempDir()
	job := jobspec.JobSpec{
		Task:    "no-such-task",
		Input:   json.RawMessage(`{}`),
		EnvHash: "env-a",
	}
	line, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}

	var stdout, stderr bytes.Buffer
	stdin := bytes.NewReader(append(line, '\n'))

	code := Run([]string{"compute-harness", "--data-dir", filepath.Clean(dataDir)}, stdin, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}

	var final jobspec.FinalEvent
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &final); err != nil {
		t.Fatalf("decode final event: %v (stdout=%s)", err, stdout.String())
	}
	if final.JobID == "" {
		t.Error("expected a backfilled jobId on the FinalEvent")
	}
}

func TestRunHandlesMalformedJSON(t *testing.T) {
	dataDir := t.TempDir()
	var stdout, stderr bytes.Buffer
	stdin := bytes.NewReader([]byte("{not valid json\n"))

	code := Run([]string{"compute-harness", "--data-dir", dataDir}, stdin, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}

	var final jobspec.FinalEvent
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &final); err != nil {
		t.Fatalf("decode final event: %v", err)
	}
	if final.Ok || final.Error == nil || final.Error.Kind != jobspec.KindInvalidInput {
		t.Errorf("expected Compute.InvalidInput, got %+v", final.Error)
	}
}
