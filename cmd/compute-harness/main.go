// Command compute-harness runs compute jobs read as newline-delimited
// JSON from stdin, writing one FinalEvent JSON line to stdout per job.
// A line shaped as {"cancel":"<jobId>"} cancels that job if it is still
// running instead of submitting a new one. Jobs run one at a time and each
// finishes before the next line is read, so a cancel line finds no job of
// this harness in flight.
//
// Exit codes:
//
//	0 = harness ran to completion (stdin closed cleanly)
//	2 = runtime error (bad flags, unreadable config)
package main

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/uicp/compute-core/pkg/actionlog"
	"github.com/uicp/compute-core/pkg/cache"
	"github.com/uicp/compute-core/pkg/config"
	"github.com/uicp/compute-core/pkg/crypto"
	"github.com/uicp/compute-core/pkg/jobspec"
	"github.com/uicp/compute-core/pkg/orchestrator"
	"github.com/uicp/compute-core/pkg/policy"
	"github.com/uicp/compute-core/pkg/registry"
	"github.com/uicp/compute-core/pkg/sandbox"
	"github.com/uicp/compute-core/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := config.Load()

	cmd := flag.NewFlagSet("compute-harness", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dataDir := cmd.String("data-dir", cfg.DataDir, "directory holding the action log and cache SQLite databases")
	if len(args) > 1 {
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "Error: create data dir: %v\n", err)
		return 2
	}

	orch, cleanup, err := build(cfg, *dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer cleanup()

	ctx := context.Background()
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	encoder := json.NewEncoder(stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cancelReq struct {
			Cancel string `json:"cancel"`
		}
		if err := json.Unmarshal(line, &cancelReq); err == nil && cancelReq.Cancel != "" {
			orch.CancelJob(cancelReq.Cancel)
			continue
		}

		var job jobspec.JobSpec
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&job); err != nil {
			encoder.Encode(&jobspec.FinalEvent{
				Ok:    false,
				Error: jobspec.New(jobspec.KindInvalidInput, jobspec.DetailSchemaViolation, "malformed job spec: %v", err),
			})
			continue
		}
		if job.JobID == "" {
			job.JobID = uuid.NewString()
		}

		final := orch.RunJob(ctx, &job, func(p *jobspec.PartialEvent) {
			encoder.Encode(p)
		})
		encoder.Encode(final)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(stderr, "Error: reading stdin: %v\n", err)
		return 2
	}
	return 0
}

func build(cfg *config.Config, dataDir string) (*orchestrator.Orchestrator, func(), error) {
	dbPath := filepath.Join(dataDir, "compute.sqlite")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	bounds, err := config.LoadLimits(filepath.Join(dataDir, "limits.yaml"))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	perms, err := config.LoadPermissions(filepath.Join(dataDir, "permissions.json"))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	gate, err := policy.New(bounds, perms.ElevationExpr)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	c, err := cache.Open(db, nil)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	// The harness always signs its own action log entries with a key
	// generated fresh on every boot; its public half is not written
	// anywhere, so entries from an earlier boot cannot be checked with
	// uicp-log verify --pubkey.
	signer, err := crypto.NewEd25519Signer("compute-harness")
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	log, err := actionlog.Open(db, signer)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	reg := registry.New(cfg.ModulesDir)
	if err := reg.ScanModulesDir(); err != nil {
		db.Close()
		return nil, nil, err
	}

	ctx := context.Background()
	engine, err := sandbox.NewEngine(ctx, bounds.MaxMemMb)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	rec, err := telemetry.NewRecorder()
	if err != nil {
		engine.Close(ctx)
		db.Close()
		return nil, nil, err
	}

	orch := orchestrator.New(gate, c, reg, engine, log, rec)

	cleanup := func() {
		rec.Shutdown(ctx)
		engine.Close(ctx)
		db.Close()
	}
	return orch, cleanup, nil
}
