// Package actionlog implements the tamper-evident, append-only record of
// every job's terminal outcome. Each row hashes its own content together
// with the previous row's hash and is signed with the boot-time Ed25519
// key, so any edit or reorder of history is detectable by recomputing the
// chain forward. Hash-chaining here is the same technique the teacher's
// ledger package used for its RELEASE/POLICY/RUN/EVIDENCE ledgers,
// generalized to one SQLite-backed chain and a real signature instead of
// an in-memory slice.
package actionlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/uicp/compute-core/pkg/crypto"
	"github.com/uicp/compute-core/pkg/jobspec"
)

const genesisHash = "genesis"

// Log is the append-only action log, backed by a single SQLite table and
// serialized through one mutex because SQLite only tolerates one writer.
type Log struct {
	mu     sync.Mutex
	db     *sql.DB
	signer crypto.Signer
	clock  func() time.Time
}

// Open prepares the action_log table (if absent) and returns a Log ready
// to append. db should already be opened in WAL mode with a single
// connection (see cmd/compute-harness for the DSN this is built from).
func Open(db *sql.DB, signer crypto.Signer) (*Log, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS action_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	task       TEXT NOT NULL,
	env_hash   TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	timestamp  TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL,
	signature  TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("actionlog: create table: %w", err)
	}
	return &Log{db: db, signer: signer, clock: time.Now}, nil
}

// WithClock overrides the clock, for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append records one terminal job outcome and returns the signed entry.
func (l *Log) Append(ctx context.Context, jobID, task, envHash, cacheKey, outcome, detail string) (*jobspec.ActionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.headLocked(ctx)
	if err != nil {
		return nil, err
	}

	ts := l.clock().UTC().Format(time.RFC3339Nano)
	content := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s", jobID, task, envHash, cacheKey, outcome, detail, ts, prevHash)
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	sig, err := l.signer.Sign([]byte(hash))
	if err != nil {
		return nil, fmt.Errorf("actionlog: sign entry: %w", err)
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO action_log (job_id, task, env_hash, cache_key, outcome, detail, timestamp, prev_hash, hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, task, envHash, cacheKey, outcome, detail, ts, prevHash, hash, sig)
	if err != nil {
		return nil, fmt.Errorf("actionlog: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("actionlog: last insert id: %w", err)
	}

	return &jobspec.ActionLogEntry{
		ID: id, JobID: jobID, Task: task, EnvHash: envHash, CacheKey: cacheKey,
		Outcome: outcome, Detail: detail, Timestamp: ts, PrevHash: prevHash, Hash: hash, Signature: sig,
	}, nil
}

func (l *Log) headLocked(ctx context.Context) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx, `SELECT hash FROM action_log ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("actionlog: read head: %w", err)
	}
	return hash, nil
}

// VerifyResult summarizes a chain walk, matching the uicp-log CLI's
// entries=/last-id=/last-hash=/signatures= output.
type VerifyResult struct {
	Entries         int
	LastID          int64
	LastHash        string
	SignaturesOK    bool
	SignaturesChecked bool
	BrokenAtID      int64
	Err             error
}

// VerifyChain walks every row in id order, recomputing each content hash
// and (if verifier is non-nil) each signature, reporting the first
// inconsistency it finds. A database with no action_log table yet is
// reported as an empty chain.
func VerifyChain(ctx context.Context, db *sql.DB, verifier crypto.Verifier) (*VerifyResult, error) {
	var tables int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'action_log'`).Scan(&tables); err != nil {
		return nil, fmt.Errorf("actionlog: check table: %w", err)
	}
	if tables == 0 {
		return &VerifyResult{SignaturesOK: true, SignaturesChecked: verifier != nil}, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, job_id, task, env_hash, cache_key, outcome, detail, timestamp, prev_hash, hash, signature
		 FROM action_log ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("actionlog: query chain: %w", err)
	}
	defer rows.Close()

	result := &VerifyResult{SignaturesOK: true, SignaturesChecked: verifier != nil}
	prevHash := genesisHash

	for rows.Next() {
		var e jobspec.ActionLogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Task, &e.EnvHash, &e.CacheKey, &e.Outcome, &e.Detail, &e.Timestamp, &e.PrevHash, &e.Hash, &e.Signature); err != nil {
			return nil, fmt.Errorf("actionlog: scan row: %w", err)
		}

		if e.PrevHash != prevHash {
			result.BrokenAtID = e.ID
			result.Err = fmt.Errorf("actionlog: chain broken at id=%d: expected prev_hash=%s, found %s", e.ID, prevHash, e.PrevHash)
			return result, nil
		}

		content := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s", e.JobID, e.Task, e.EnvHash, e.CacheKey, e.Outcome, e.Detail, e.Timestamp, e.PrevHash)
		sum := sha256.Sum256([]byte(content))
		computed := hex.EncodeToString(sum[:])
		if computed != e.Hash {
			result.BrokenAtID = e.ID
			result.Err = fmt.Errorf("actionlog: hash mismatch at id=%d", e.ID)
			return result, nil
		}

		if verifier != nil {
			sigBytes, err := hex.DecodeString(e.Signature)
			if err != nil || !verifier.Verify([]byte(e.Hash), sigBytes) {
				result.SignaturesOK = false
				result.BrokenAtID = e.ID
				result.Err = fmt.Errorf("actionlog: signature invalid at id=%d", e.ID)
				return result, nil
			}
		}

		result.Entries++
		result.LastID = e.ID
		result.LastHash = e.Hash
		prevHash = e.Hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("actionlog: iterate chain: %w", err)
	}
	return result, nil
}
