// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the content-addressed cache key derivation used
// throughout the compute core.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard library (so struct `json` tags are
// honored), then passed through gowebpki/jcs.Transform, which performs the
// real RFC 8785 transform: lexicographic key ordering, shortest round-trip
// number formatting, and no HTML escaping.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ComputeKey derives the content-addressed cache key for a job:
//
//	sha256("v1|" ‖ task ‖ "|env|" ‖ envHash ‖ "|input|" ‖ canonicalInput)
//
// Two jobs with byte-identical canonical inputs collide on this key; the
// canonical form is what makes that collision condition exact rather than
// incidental (key order, numeric formatting, and control-character escaping
// are all normalized away before hashing).
func ComputeKey(task string, input interface{}, envHash string) (string, error) {
	canonicalInput, err := JCS(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize: compute key: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("v1|")
	buf.WriteString(task)
	buf.WriteString("|env|")
	buf.WriteString(envHash)
	buf.WriteString("|input|")
	buf.Write(canonicalInput)

	return HashBytes(buf.Bytes()), nil
}
