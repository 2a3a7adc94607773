package sandbox

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/uicp/compute-core/pkg/hostcap"
	"github.com/uicp/compute-core/pkg/jobspec"
)

// fixturePrefix marks a registry artifact as a developer-mode fixture
// rather than real WASM bytes: the registry's digest verification still
// runs unchanged (it hashes whatever bytes are on disk), only the
// sandbox's interpretation of those bytes differs.
const fixturePrefix = "fixture:"

// FixtureFunc implements one task's behavior natively, in place of a
// compiled component, for InProcessSandbox.
type FixtureFunc func(input []byte) ([]byte, error)

// InProcessSandbox is a developer-mode Sandbox that runs a small set of
// deterministic, pure-Go task implementations instead of compiling and
// instantiating a real WASM module. It exists to exercise the literal
// csv.parse / table.query scenarios end to end through the orchestrator
// (policy, cache, registry, action log) without requiring a real compiled
// artifact on disk.
type InProcessSandbox struct {
	fixtures map[string]FixtureFunc
}

// NewInProcessSandbox builds the fixture set backing pkg/registry/testdata.
func NewInProcessSandbox() *InProcessSandbox {
	return &InProcessSandbox{
		fixtures: map[string]FixtureFunc{
			"csv.parse":   csvParseFixture,
			"table.query": tableQueryFixture,
		},
	}
}

// Run implements Sandbox. digest is ignored; wasmBytes must carry the
// "fixture:<name>" marker produced by the testdata artifacts rather than
// real WASM bytes.
func (s *InProcessSandbox) Run(ctx context.Context, digest string, wasmBytes []byte, input []byte, limits Limits, caps *hostcap.Set, fuel *hostcap.FuelMeter) (*Result, error) {
	start := time.Now()

	name := strings.TrimPrefix(strings.TrimSpace(string(wasmBytes)), fixturePrefix)
	fn, ok := s.fixtures[name]
	if !ok {
		return nil, jobspec.New(jobspec.KindModuleNotFound, jobspec.DetailModuleNotFound,
			"inprocess: no fixture registered for %q", name)
	}

	select {
	case <-ctx.Done():
		return nil, jobspec.New(jobspec.KindCancelled, jobspec.DetailCancelled, "inprocess: context done before fixture ran")
	default:
	}

	out, err := fn(input)
	if err != nil {
		return nil, jobspec.New(jobspec.KindTrapped, jobspec.DetailTrap, "inprocess: fixture %q failed: %v", name, err)
	}

	var rngSeedHex string
	if caps != nil && caps.Random != nil {
		rngSeedHex = caps.Random.SeedHex()
	}
	var fuelUsed uint64
	if fuel != nil {
		fuelUsed = fuel.Used(limits.FuelLimit)
	}

	return &Result{
		Output:     out,
		DurationMs: time.Since(start).Milliseconds(),
		FuelUsed:   fuelUsed,
		RngSeedHex: rngSeedHex,
	}, nil
}

// Close implements Sandbox; there is no runtime to release.
func (s *InProcessSandbox) Close(ctx context.Context) error { return nil }

// csvParseFixture implements task csv.parse@1.2.0: input
// {"source": "data:text/csv,<csv text>", "hasHeader": bool}, output a list
// of rows, each a list of fields (or, with hasHeader, a list of objects
// keyed by the header row).
func csvParseFixture(input []byte) ([]byte, error) {
	var req struct {
		Source    string `json:"source"`
		HasHeader bool   `json:"hasHeader"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("csv.parse: decode input: %w", err)
	}

	const prefix = "data:text/csv,"
	if !strings.HasPrefix(req.Source, prefix) {
		return nil, fmt.Errorf("csv.parse: source must be a data:text/csv, URI")
	}
	body := strings.TrimPrefix(req.Source, prefix)

	r := csv.NewReader(strings.NewReader(body))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv.parse: %w", err)
	}

	if !req.HasHeader {
		return json.Marshal(records)
	}
	if len(records) == 0 {
		return json.Marshal([]map[string]string{})
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return json.Marshal(rows)
}

// tableQueryFixture implements task table.query@0.1.0: input
// {"rows": [][]string, "select": []int}, output the rows projected onto
// the column indices named by select, in that order.
func tableQueryFixture(input []byte) ([]byte, error) {
	var req struct {
		Rows   [][]string `json:"rows"`
		Select []int      `json:"select"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("table.query: decode input: %w", err)
	}

	out := make([][]string, len(req.Rows))
	for i, row := range req.Rows {
		projected := make([]string, len(req.Select))
		for j, col := range req.Select {
			if col < 0 || col >= len(row) {
				return nil, fmt.Errorf("table.query: select index %d out of range for row %d", col, i)
			}
			projected[j] = row[col]
		}
		out[i] = projected
	}
	return json.Marshal(out)
}
