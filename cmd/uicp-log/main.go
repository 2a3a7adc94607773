// Command uicp-log inspects and verifies the compute core's action log.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed (chain broken or signature invalid)
//	2 = runtime error (bad flags, unreadable database)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"

	"github.com/uicp/compute-core/pkg/actionlog"
	"github.com/uicp/compute-core/pkg/config"
	"github.com/uicp/compute-core/pkg/crypto"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: uicp-log <verify> [flags]")
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n", args[1])
		return 2
	}
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	db := cmd.String("db", cfg.ActionLogDBPath, "path to the action log SQLite database")
	pubkey := cmd.String("pubkey", cfg.ActionLogPubKey, "hex or base64 ed25519 public key; omit to skip signature checks")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	conn, err := sql.Open("sqlite", *db)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open database %s: %v\n", *db, err)
		return 2
	}
	defer conn.Close()

	var verifier crypto.Verifier
	if *pubkey != "" {
		pub, err := crypto.ParsePublicKey(*pubkey)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		v, err := crypto.NewEd25519Verifier(pub)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		verifier = v
	}

	result, err := actionlog.VerifyChain(context.Background(), conn, verifier)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	signatures := "skipped"
	if result.SignaturesChecked {
		if result.SignaturesOK {
			signatures = "verified"
		} else {
			signatures = "invalid"
		}
	}

	fmt.Fprintf(stdout, "entries=%d last-id=%d last-hash=%s signatures=%s\n",
		result.Entries, result.LastID, result.LastHash, signatures)

	if result.Err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", result.Err)
		return 1
	}
	return 0
}
