//go:build property
// +build property

package policy_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/uicp/compute-core/pkg/jobspec"
	"github.com/uicp/compute-core/pkg/policy"
)

// TestEnforceNeverExceedsCeilings verifies that whatever resource
// requests a job carries, a granted Decision never exceeds the bounds
// ceiling and a denial never returns a nil error.
func TestEnforceNeverExceedsCeilings(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	bounds := policy.DefaultBounds()
	gate, err := policy.New(bounds, "")
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	properties.Property("granted decisions stay within ceilings", prop.ForAll(
		func(timeoutMs, memMb int64, fuel uint64) bool {
			job := &jobspec.JobSpec{Task: "render@1.0.0", TimeoutMs: timeoutMs, MemLimitMb: memMb, FuelLimit: fuel}
			decision, err := gate.Enforce(job)
			if err != nil {
				// Denial is only valid when a request genuinely exceeds a ceiling.
				return timeoutMs > bounds.MaxTimeoutMs || memMb > bounds.MaxMemMb || fuel > bounds.MaxFuel
			}
			return decision.TimeoutMs <= bounds.MaxTimeoutMs &&
				decision.MemLimitMb <= bounds.MaxMemMb &&
				decision.FuelLimit <= bounds.MaxFuel
		},
		gen.Int64Range(0, 120_000),
		gen.Int64Range(0, 1024),
		gen.UInt64Range(0, 1_000_000_000),
	))

	properties.TestingRun(t)
}

// TestEnforceAlwaysDeniesNetwork verifies the network capability is never
// granted regardless of any other requested capability or elevation rule.
func TestEnforceAlwaysDeniesNetwork(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	gate, err := policy.New(policy.DefaultBounds(), `capability == "net"`)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	properties.Property("net capability is always denied", prop.ForAll(
		func(task string) bool {
			job := &jobspec.JobSpec{Task: task, Capabilities: []string{"net"}}
			_, err := gate.Enforce(job)
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
