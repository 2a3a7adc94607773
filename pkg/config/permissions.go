package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// PermissionsFile is the on-disk JSON shape for permissions.json, the
// elevation policy source grounded on the original implementation's
// authz module: a single CEL expression deciding which extra
// capabilities a task may be granted beyond the always-on defaults.
type PermissionsFile struct {
	ElevationExpr string `json:"elevationExpr"`
}

// LoadPermissions reads permissions.json at path. A missing file yields
// an empty PermissionsFile (no elevation rule, i.e. only the baseline
// capability set is ever grantable).
func LoadPermissions(path string) (*PermissionsFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &PermissionsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read permissions file %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var pf PermissionsFile
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("config: parse permissions file %s: %w", path, err)
	}
	return &pf, nil
}
